package profile

import (
	"scripthost/internal/client"
	"scripthost/internal/event"
	"scripthost/internal/schedule"
)

// slotAPI is the client.Profile handed to one slot. Every request is queued
// to the dispatcher, so calling it from the worker never blocks on the
// dispatcher.
type slotAPI struct {
	p    *Profile
	slot *client.Slot
}

var _ client.Profile = (*slotAPI)(nil)

func (a *slotAPI) Name() string { return a.p.name }

func (a *slotAPI) Send(text string)         { _ = a.p.Request(event.Send{Text: text}) }
func (a *slotAPI) SendSilently(text string) { _ = a.p.Request(event.Send{Text: text, Silent: true}) }

func (a *slotAPI) Echo(text string) { a.p.display.WriteLine(MainWindow, text) }

func (a *slotAPI) Connect()    { _ = a.p.Request(event.ConnectRequest{}) }
func (a *slotAPI) Disconnect() { _ = a.p.Request(event.DisconnectRequest{}) }
func (a *slotAPI) Reconnect()  { _ = a.p.Request(event.ReconnectRequest{}) }

func (a *slotAPI) ClientRestart() { _ = a.p.Request(event.ClientRestart{}) }
func (a *slotAPI) ClientStop()    { _ = a.p.Request(event.ClientStop{}) }
func (a *slotAPI) Close()         { a.p.Close() }

func (a *slotAPI) PrintError(err error) {
	if err != nil {
		a.p.rep.Report(a.slot.ID(), "script", err)
	}
}

func (a *slotAPI) Scheduler(reloaders ...schedule.Reloader) *schedule.Scheduler {
	sched := a.slot.Scheduler()
	sched.Register(reloaders...)
	return sched
}
