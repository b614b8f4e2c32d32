package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scripthost/internal/event"
	logx "scripthost/pkg/logx"
)

type recordingPoster struct {
	mu  sync.Mutex
	evs []event.Event
}

func (r *recordingPoster) Post(ev event.Event) error {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
	return nil
}

func (r *recordingPoster) events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.evs...)
}

func TestStdioParsesInput(t *testing.T) {
	t.Parallel()

	in := strings.NewReader("look\n<< You see a door.\n\n<~ HP:10> \n<# Char.Vitals {}\n<< Second\n")
	s := NewStdio(in, &bytes.Buffer{}, logx.Nop())
	p := &recordingPoster{}
	require.NoError(t, s.Run(context.Background(), p))

	assert.Equal(t, []event.Event{
		event.Command{Text: "look"},
		event.Line{Num: 1, Raw: "You see a door."},
		event.Fragment{Raw: "HP:10> "},
		event.OutOfBand{Payload: "Char.Vitals {}"},
		event.Line{Num: 2, Raw: "Second"},
	}, p.events())
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestStdioTransportOutput(t *testing.T) {
	t.Parallel()

	out := &lockedBuffer{}
	s := NewStdio(strings.NewReader(""), out, logx.Nop())

	require.NoError(t, s.Send("north", true))
	require.NoError(t, s.Send("password", false))
	assert.Error(t, s.Disconnect())
	require.NoError(t, s.Connect())
	s.WriteLine("main", "hello")
	s.WriteLine("chat", "hi")

	assert.Equal(t, "> north\n[connected]\nhello\n[chat] hi\n", out.String())
}

const echoScript = `package main

import "host"

func OnCommand(text string) bool {
	if text == "ping" {
		host.Echo("pong")
		return true
	}
	return false
}
`

func TestAppRunsScriptFromConfig(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "echo.go")
	require.NoError(t, os.WriteFile(scriptPath, []byte(echoScript), 0o644))
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(
		"logging:\n  level: error\n  console: true\nscript:\n  path: "+scriptPath+"\n"), 0o644))

	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	out := &lockedBuffer{}

	a, err := NewApp(cfgPath, pr, out)
	require.NoError(t, err)
	assert.Equal(t, "echo", a.Profile().Name())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool {
		slots := a.Profile().Slots()
		return len(slots) > 0 && slots[0].State == "running"
	}, 5*time.Second, 10*time.Millisecond)

	_, err = pw.WriteString("ping\nwest\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "pong\n") && strings.Contains(s, "> west\n")
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, pw.Close())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx))

	slots := a.Profile().Slots()
	require.NotEmpty(t, slots)
	assert.Equal(t, "terminated", slots[0].State)
}

