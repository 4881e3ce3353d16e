// Package logging provides the bracket-prefixed logger used across
// the engine, matching the style of the teacher's
// pkg/transport/websocket.go ("[WebSocket] %s: ...").
package logging

import (
	"log"
	"os"
)

// Logger writes lines tagged with a component name, e.g. "[store]".
type Logger struct {
	prefix string
	std    *log.Logger
}

// New returns a Logger for the given component name.
func New(component string) *Logger {
	return &Logger{
		prefix: "[" + component + "] ",
		std:    log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *Logger) Printf(format string, args ...interface{}) {
	l.std.Printf(l.prefix+format, args...)
}

func (l *Logger) Println(args ...interface{}) {
	all := append([]interface{}{l.prefix[:len(l.prefix)-1]}, args...)
	l.std.Println(all...)
}
