package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"scripthost/internal/client"
	"scripthost/internal/event"
	"scripthost/internal/reload"
	logx "scripthost/pkg/logx"
)

var ErrEmptyScript = errors.New("script is empty")

// allowedPkgs is the stdlib subset visible in restricted mode.
var allowedPkgs = []string{
	"bytes/bytes",
	"encoding/json/json",
	"errors/errors",
	"fmt/fmt",
	"math/math",
	"math/rand/rand",
	"regexp/regexp",
	"sort/sort",
	"strconv/strconv",
	"strings/strings",
	"time/time",
	"unicode/utf8/utf8",
}

func restrictedStdlib() interp.Exports {
	out := interp.Exports{}
	for _, key := range allowedPkgs {
		if syms, ok := stdlib.Symbols[key]; ok {
			out[key] = syms
		}
	}
	return out
}

type Options struct {
	Restricted bool
	Logger     logx.Logger
}

type hooks struct {
	init       func(map[string]string) error
	shutdown   func() map[string]string
	line       func(int64, string) bool
	fragment   func(string) bool
	command    func(string) bool
	connect    func(string, int)
	disconnect func()
	oob        func(string)
	timer      func(string, string)
}

// Client is one interpreted script instance. A new Client is built for every
// slot, so a reload always starts from fresh interpreter state.
type Client struct {
	name string
	src  []byte
	opts Options
	log  logx.Logger

	b  *binding
	fn hooks
}

var _ client.Client = (*Client)(nil)

func New(name string, src []byte, opts Options) (*Client, error) {
	if len(strings.TrimSpace(string(src))) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrEmptyScript)
	}
	return &Client{
		name: name,
		src:  src,
		opts: opts,
		log:  opts.Logger.With(logx.String("comp", "script"), logx.String("script", name)),
	}, nil
}

// Loader reads the script file on every call, so a restart picks up edits.
type Loader struct {
	Path string
	Opts Options
}

func (l Loader) Name() string {
	return strings.TrimSuffix(filepath.Base(l.Path), filepath.Ext(l.Path))
}

func (l Loader) Load() (client.Client, error) {
	src, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return New(l.Name(), src, l.Opts)
}

func (c *Client) Init(ctx context.Context, p client.Profile, data *reload.Data) error {
	if data == nil {
		data = reload.New()
	}
	c.b = newBinding(c, p, data)
	c.b.enter(ctx)

	i := interp.New(interp.Options{})
	lib := stdlib.Symbols
	if c.opts.Restricted {
		lib = restrictedStdlib()
	}
	if err := i.Use(lib); err != nil {
		return fmt.Errorf("stdlib: %w", err)
	}
	if err := i.Use(c.b.exports()); err != nil {
		return fmt.Errorf("host exports: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, string(stripBuildDirectives(c.src))); err != nil {
		return fmt.Errorf("load %s: %w", c.name, err)
	}
	if err := c.lookup(i); err != nil {
		return err
	}
	if c.fn.timer != nil {
		c.b.registerPendingKinds(data)
	}
	c.log.Debug("script loaded", logx.Int("fields", len(data.Fields)), logx.Int("pending", len(data.Pending)))

	if c.fn.init == nil {
		return nil
	}
	fields := make(map[string]string, len(data.Fields))
	for k, v := range data.Fields {
		fields[k] = v
	}
	return c.fn.init(fields)
}

func (c *Client) Shutdown(ctx context.Context) (*reload.Data, error) {
	out := reload.New()
	if c.b == nil {
		return out, nil
	}
	c.b.enter(ctx)
	if c.fn.shutdown != nil {
		for k, v := range c.fn.shutdown() {
			out.Set(k, v)
		}
	}
	for k, v := range c.b.saved.Fields {
		if _, ok := out.Fields[k]; !ok {
			out.Set(k, v)
		}
	}
	c.b.cancelVolatile()
	return out, nil
}

func (c *Client) OnEvent(ctx context.Context, ev event.Event) (bool, error) {
	if c.b == nil {
		return false, nil
	}
	c.b.enter(ctx)
	switch ev := ev.(type) {
	case event.Line:
		if c.fn.line != nil {
			return c.fn.line(ev.Num, ev.Raw), nil
		}
	case event.Fragment:
		if c.fn.fragment != nil {
			return c.fn.fragment(ev.Raw), nil
		}
	case event.Command:
		if c.fn.command != nil {
			return c.fn.command(ev.Text), nil
		}
	case event.Connect:
		if c.fn.connect != nil {
			c.fn.connect(ev.URL, ev.Port)
		}
	case event.Disconnect:
		if c.fn.disconnect != nil {
			c.fn.disconnect()
		}
	case event.OutOfBand:
		if c.fn.oob != nil {
			c.fn.oob(ev.Payload)
		}
	}
	return false, nil
}

func (c *Client) onTimer(kind, payload string) {
	if c.fn.timer != nil {
		c.fn.timer(kind, payload)
	}
}

// lookup binds the script's optional entry points. A symbol that exists with
// the wrong signature is an error; a missing one is not.
func (c *Client) lookup(i *interp.Interpreter) error {
	var errs []error
	get := func(name string) any {
		v, err := i.Eval(name)
		if err != nil || !v.IsValid() {
			return nil
		}
		return v.Interface()
	}
	bad := func(name, want string) {
		errs = append(errs, fmt.Errorf("%s: %s must be %s", c.name, name, want))
	}

	switch f := get("Init").(type) {
	case nil:
	case func(map[string]string):
		c.fn.init = func(m map[string]string) error { f(m); return nil }
	case func(map[string]string) error:
		c.fn.init = f
	default:
		bad("Init", "func(map[string]string) [error]")
	}
	if f := get("Shutdown"); f != nil {
		if fn, ok := f.(func() map[string]string); ok {
			c.fn.shutdown = fn
		} else {
			bad("Shutdown", "func() map[string]string")
		}
	}
	if f := get("OnLine"); f != nil {
		if fn, ok := f.(func(int64, string) bool); ok {
			c.fn.line = fn
		} else {
			bad("OnLine", "func(int64, string) bool")
		}
	}
	if f := get("OnFragment"); f != nil {
		if fn, ok := f.(func(string) bool); ok {
			c.fn.fragment = fn
		} else {
			bad("OnFragment", "func(string) bool")
		}
	}
	if f := get("OnCommand"); f != nil {
		if fn, ok := f.(func(string) bool); ok {
			c.fn.command = fn
		} else {
			bad("OnCommand", "func(string) bool")
		}
	}
	if f := get("OnConnect"); f != nil {
		if fn, ok := f.(func(string, int)); ok {
			c.fn.connect = fn
		} else {
			bad("OnConnect", "func(string, int)")
		}
	}
	if f := get("OnDisconnect"); f != nil {
		if fn, ok := f.(func()); ok {
			c.fn.disconnect = fn
		} else {
			bad("OnDisconnect", "func()")
		}
	}
	if f := get("OnOutOfBand"); f != nil {
		if fn, ok := f.(func(string)); ok {
			c.fn.oob = fn
		} else {
			bad("OnOutOfBand", "func(string)")
		}
	}
	if f := get("OnTimer"); f != nil {
		if fn, ok := f.(func(string, string)); ok {
			c.fn.timer = fn
		} else {
			bad("OnTimer", "func(string, string)")
		}
	}
	return errors.Join(errs...)
}

// stripBuildDirectives drops leading //go:build and // +build lines, which
// only matter to the Go toolchain.
func stripBuildDirectives(src []byte) []byte {
	lines := strings.Split(string(src), "\n")
	i := 0
	for i < len(lines) {
		l := strings.TrimSpace(lines[i])
		if strings.HasPrefix(l, "//go:build") || strings.HasPrefix(l, "// +build") || l == "" {
			i++
			continue
		}
		break
	}
	if i == 0 {
		return src
	}
	return []byte(strings.Join(lines[i:], "\n"))
}
