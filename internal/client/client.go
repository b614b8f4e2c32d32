// Package client runs one script instance ("slot") on a dedicated worker
// goroutine and hands dispatcher work to it under deadlines.
//
// The dispatcher never runs script code itself. Every callback is submitted to
// the slot's single-item inbox and awaited with a timeout; a call that overruns
// has its context cancelled and is abandoned by the dispatcher. A slot whose
// shutdown overruns is terminated and its worker is never waited on again.
package client

import (
	"context"
	"errors"
	"fmt"

	"scripthost/internal/event"
	"scripthost/internal/reload"
	"scripthost/internal/schedule"
)

var (
	ErrCallbackTimeout   = errors.New("callback timeout")
	ErrCallbackError     = errors.New("callback error")
	ErrInitError         = errors.New("init error")
	ErrIllegalTransition = errors.New("illegal slot transition")
)

// Client is the script callback surface. All methods run on the slot worker;
// ctx is cancelled when the host stops waiting.
type Client interface {
	Init(ctx context.Context, p Profile, data *reload.Data) error
	Shutdown(ctx context.Context) (*reload.Data, error)
	// OnEvent reports whether the script consumed ev. A consumed Command is
	// not forwarded to the transport.
	OnEvent(ctx context.Context, ev event.Event) (bool, error)
}

// Profile is what a running script may ask of its host. Requests are queued
// to the profile dispatcher and never block the worker.
type Profile interface {
	Name() string
	Send(text string)
	SendSilently(text string)
	Echo(text string)
	Connect()
	Disconnect()
	Reconnect()
	ClientRestart()
	ClientStop()
	Close()
	PrintError(err error)
	// Scheduler returns the slot's scheduler after registering reloaders for
	// its reloadable tasks.
	Scheduler(reloaders ...schedule.Reloader) *schedule.Scheduler
}

// CallbackError wraps an error or panic raised by script code.
type CallbackError struct {
	Callback string
	Err      error
	stack    string
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrCallbackError, e.Callback, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

func (e *CallbackError) Is(target error) bool { return target == ErrCallbackError }

// Stack is set when the error came from a recovered panic.
func (e *CallbackError) Stack() string { return e.stack }
