// Package logx is scripthost's logging front end over zerolog.
//
// Components take a Logger by value and derive scoped copies with With. A
// Logger obtained from a Service follows that service's current sinks, so a
// later Apply changes where already-built components write. The zero Logger
// discards everything.
package logx
