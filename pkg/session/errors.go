package session

import "fmt"

// Error is a typed session-layer error carrying a machine-readable
// code, mirroring the teacher's transport.TransportError.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

var (
	ErrSessionNotFound = &Error{Code: "session-not-found", Message: "session not found"}
	ErrUndoEmpty       = &Error{Code: "undo-empty", Message: "nothing to undo"}
	ErrVersionNotFound = &Error{Code: "version-not-found", Message: "versioned snapshot not found"}
)
