package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"scripthost/internal/event"
	logx "scripthost/pkg/logx"
)

// Poster is the profile surface stdin feeds.
type Poster interface {
	Post(ev event.Event) error
}

// Stdio stands in for a real connection and display: stdin lines become
// commands, and a few prefixes simulate server traffic.
//
//	<< text         a server line
//	<~ text         a prompt fragment
//	<# payload      an out-of-band message
//
// Everything sent to the "server" and every display line goes to out.
type Stdio struct {
	in  io.Reader
	log logx.Logger

	mu        sync.Mutex
	out       io.Writer
	connected bool
	lineNum   int64
	connID    uint64
}

func NewStdio(in io.Reader, out io.Writer, log logx.Logger) *Stdio {
	return &Stdio{in: in, out: out, log: log.With(logx.String("comp", "stdio"))}
}

func (s *Stdio) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.out, format, args...)
}

func (s *Stdio) Send(text string, echo bool) error {
	if echo {
		s.printf("> %s\n", text)
	}
	s.log.Debug("send", logx.String("text", text), logx.Bool("echo", echo))
	return nil
}

func (s *Stdio) Connect() error {
	s.mu.Lock()
	s.connected = true
	s.connID++
	s.mu.Unlock()
	s.printf("[connected]\n")
	return nil
}

func (s *Stdio) Disconnect() error {
	s.mu.Lock()
	was := s.connected
	s.connected = false
	s.mu.Unlock()
	if !was {
		return errors.New("not connected")
	}
	s.printf("[disconnected]\n")
	return nil
}

func (s *Stdio) Reconnect() error {
	_ = s.Disconnect()
	return s.Connect()
}

func (s *Stdio) WriteLine(window, text string) {
	if window == "" || window == "main" {
		s.printf("%s\n", text)
		return
	}
	s.printf("[%s] %s\n", window, text)
}

// parse turns one input line into the event it simulates.
func (s *Stdio) parse(line string) event.Event {
	switch {
	case strings.HasPrefix(line, "<< "):
		s.mu.Lock()
		s.lineNum++
		n := s.lineNum
		s.mu.Unlock()
		return event.Line{Num: n, Raw: line[3:]}
	case strings.HasPrefix(line, "<~ "):
		return event.Fragment{Raw: line[3:]}
	case strings.HasPrefix(line, "<# "):
		return event.OutOfBand{Payload: line[3:]}
	default:
		return event.Command{Text: line}
	}
}

// Run reads stdin until EOF or ctx is done. EOF is not an error: the host
// keeps running without interactive input.
func (s *Stdio) Run(ctx context.Context, p Poster) error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(s.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errCh <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			s.log.Debug("stdin closed")
			return nil
		case line := <-lines:
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := p.Post(s.parse(line)); err != nil {
				s.log.Debug("input dropped", logx.Err(err))
			}
		}
	}
}
