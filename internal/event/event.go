// Package event defines the inbound protocol events delivered to scripts and
// the control requests a script (or operator) can post to its profile.
package event

import "regexp"

// Event is a sealed set of immutable values delivered to a client slot.
type Event interface {
	Name() string
	Priority() Priority
	isEvent()
}

type Priority int

const (
	Normal Priority = iota
	High
)

func (p Priority) String() string {
	if p == High {
		return "high"
	}
	return "normal"
}

// Connect reports that the transport connected.
type Connect struct {
	ID   uint64
	URL  string
	Port int
}

// Disconnect reports that the connection identified by ID went away.
type Disconnect struct {
	ID uint64
}

// Line is one complete server line. Num increases per connection.
type Line struct {
	Num int64
	Raw string
}

// Fragment is a partial line, typically a prompt without a trailing newline.
type Fragment struct {
	Raw string
}

// OutOfBand carries a GMCP style message.
type OutOfBand struct {
	Payload string
}

// Command is text entered by the user and offered to the script first.
type Command struct {
	Text string
}

// TimerFire asks the slot to run scheduled callback CallbackID.
type TimerFire struct {
	CallbackID uint64
}

func (Connect) Name() string    { return "connect" }
func (Disconnect) Name() string { return "disconnect" }
func (Line) Name() string       { return "line" }
func (Fragment) Name() string   { return "fragment" }
func (OutOfBand) Name() string  { return "oob" }
func (Command) Name() string    { return "command" }
func (TimerFire) Name() string  { return "timer" }

func (Connect) Priority() Priority    { return High }
func (Disconnect) Priority() Priority { return High }
func (Command) Priority() Priority    { return High }
func (Line) Priority() Priority       { return Normal }
func (Fragment) Priority() Priority   { return Normal }
func (OutOfBand) Priority() Priority  { return Normal }
func (TimerFire) Priority() Priority  { return Normal }

func (Connect) isEvent()    {}
func (Disconnect) isEvent() {}
func (Line) isEvent()       {}
func (Fragment) isEvent()   {}
func (OutOfBand) isEvent()  {}
func (Command) isEvent()    {}
func (TimerFire) isEvent()  {}

var sgr = regexp.MustCompile("\x1b\\[[0-9;]*m")

// StripColors removes ANSI SGR sequences.
func StripColors(s string) string { return sgr.ReplaceAllString(s, "") }

func (l Line) WithoutColors() string     { return StripColors(l.Raw) }
func (f Fragment) WithoutColors() string { return StripColors(f.Raw) }
