// Package script runs Go source files as hot-reloadable clients using the
// yaegi interpreter.
//
// A script is a package main file that imports "host" and defines any of
// these functions; missing ones are simply not called:
//
//	func Init(data map[string]string)            // or with an error result
//	func Shutdown() map[string]string
//	func OnLine(num int64, raw string) bool      // true gags the line
//	func OnFragment(raw string) bool
//	func OnCommand(text string) bool             // true consumes the command
//	func OnConnect(url string, port int)
//	func OnDisconnect()
//	func OnOutOfBand(payload string)
//	func OnTimer(kind, payload string)           // fires host.AfterReloadable timers
//
// host.SaveState(name, version, fields) records a field set that the next
// instance reads back with host.LoadState(name, version); a version mismatch
// loads nothing.
//
// The interpreter is created and the source evaluated inside Init, so every
// line of script code runs on the slot's worker goroutine.
package script
