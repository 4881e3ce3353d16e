package scene

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind names one of the five operations a log entry can carry.
type Kind string

const (
	KindSet      Kind = "set"
	KindAppend   Kind = "append"
	KindUpdate   Kind = "update"
	KindViewport Kind = "viewport"
	KindClear    Kind = "clear"
)

// Operation is one tagged record, written verbatim to the log.
//
// set and update share a reducer (full replacement of elements); the
// distinction is kept only so the log records which endpoint produced
// the entry, which is useful for auditing. Replaying either produces
// the same state.
type Operation struct {
	Kind     Kind            `json:"kind"`
	Elements []Element       `json:"elements,omitempty"`
	AppState json.RawMessage `json:"appState,omitempty"`
	Viewport *Viewport       `json:"viewport,omitempty"`
}

// Encode renders the operation as one self-describing line (no
// trailing newline; callers append it).
func (op Operation) Encode() ([]byte, error) {
	return json.Marshal(op)
}

// DecodeOperation parses one log line back into an Operation.
func DecodeOperation(line []byte) (Operation, error) {
	var op Operation
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return op, fmt.Errorf("scene: empty log line")
	}
	if err := json.Unmarshal(line, &op); err != nil {
		return op, fmt.Errorf("scene: decode log line: %w", err)
	}
	return op, nil
}

// State is a snapshot of session content at a moment in time:
// {elements, appState, viewport}.
type State struct {
	Elements []Element       `json:"elements"`
	AppState json.RawMessage `json:"appState,omitempty"`
	Viewport *Viewport       `json:"viewport,omitempty"`
}

// Empty returns the zero-valued state a brand new session starts from.
func Empty() State {
	return State{Elements: []Element{}}
}

// Clone returns a defensive copy of the state whose Elements slice
// does not alias the receiver's backing array.
func (s State) Clone() State {
	out := s
	out.Elements = append([]Element(nil), s.Elements...)
	return out
}

// Apply is the single source of truth for how an operation transforms
// state. loadSession's replay calls this, and pkg/session's live
// mutations make the same change to state and log the operations they
// made, so replaying a snapshot plus its log reproduces the live state
// (§3 invariant 1).
func Apply(state State, op Operation) State {
	switch op.Kind {
	case KindSet, KindUpdate:
		next := state
		next.Elements = append([]Element(nil), op.Elements...)
		if op.Kind == KindSet {
			next.AppState = op.AppState
		}
		return next
	case KindAppend:
		next := state
		next.Elements = make([]Element, 0, len(state.Elements)+len(op.Elements))
		next.Elements = append(next.Elements, state.Elements...)
		next.Elements = append(next.Elements, op.Elements...)
		return next
	case KindViewport:
		next := state
		if op.Viewport != nil {
			vp := *op.Viewport
			next.Viewport = &vp
		}
		return next
	case KindClear:
		return Empty()
	default:
		// Unknown operation kind: treated as a no-op so that an
		// unreadable future extension doesn't corrupt replay.
		return state
	}
}
