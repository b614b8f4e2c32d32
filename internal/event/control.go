package event

import "scripthost/internal/reload"

// Control is a profile-level request. Controls are always handled ahead of
// slot events.
type Control interface {
	ControlName() string
	isControl()
}

// Send writes Text to the transport, echoing it locally unless Silent.
type Send struct {
	Text   string
	Silent bool
}

type (
	ConnectRequest    struct{}
	DisconnectRequest struct{}
	ReconnectRequest  struct{}

	// ClientStart starts a slot if none is live, using the retained reload
	// data or Data when set.
	ClientStart struct{ Data *reload.Data }
	// ClientStop shuts the live slot down without starting a new one.
	ClientStop struct{}
	// ClientRestart shuts the live slot down and starts a new one with its
	// reload data.
	ClientRestart struct{}
	// CloseProfile discards everything queued, stops the live slot and ends
	// the dispatcher.
	CloseProfile struct{}
)

func (Send) ControlName() string              { return "send" }
func (ConnectRequest) ControlName() string    { return "connect" }
func (DisconnectRequest) ControlName() string { return "disconnect" }
func (ReconnectRequest) ControlName() string  { return "reconnect" }
func (ClientStart) ControlName() string       { return "client_start" }
func (ClientStop) ControlName() string        { return "client_stop" }
func (ClientRestart) ControlName() string     { return "client_restart" }
func (CloseProfile) ControlName() string      { return "close_profile" }

func (Send) isControl()              {}
func (ConnectRequest) isControl()    {}
func (DisconnectRequest) isControl() {}
func (ReconnectRequest) isControl()  {}
func (ClientStart) isControl()       {}
func (ClientStop) isControl()        {}
func (ClientRestart) isControl()     {}
func (CloseProfile) isControl()      {}
