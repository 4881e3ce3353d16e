// Package protocol defines the wire-level message taxonomy exchanged
// over the bidirectional socket (§6), following the tagged-envelope
// shape the teacher's pkg/transport/protocol.go uses for its own
// WebSocket messages.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/coreseekdev/drawbridge/pkg/scene"
)

// MessageType names one server->client or client->server message.
type MessageType string

const (
	// Server -> client.
	MsgElements  MessageType = "elements"
	MsgAppend    MessageType = "append"
	MsgViewport  MessageType = "viewport"
	MsgClear     MessageType = "clear"
	MsgFilesMeta MessageType = "files-meta"
	MsgFileAdded MessageType = "file-added"

	// Client -> server.
	MsgUpdate MessageType = "update"
)

// Source annotates why an elements message was sent, when it isn't a
// plain mutation broadcast.
type Source string

const (
	SourceRestore           Source = "restore"
	SourceVersionCorrection Source = "version-correction"
)

// ServerMessage is the envelope for every server->client frame.
type ServerMessage struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ElementsData is the payload of an "elements" message: a full
// replacement of the session's drawing content.
type ElementsData struct {
	Elements []scene.Element `json:"elements"`
	AppState json.RawMessage `json:"appState,omitempty"`
	Version  uint64          `json:"version"`
	Source   Source          `json:"source,omitempty"`
}

// AppendData is the payload of an "append" message.
type AppendData struct {
	Elements []scene.Element `json:"elements"`
}

// ViewportData is the payload of a "viewport" message.
type ViewportData struct {
	Viewport scene.Viewport `json:"viewport"`
}

// FilesMetaData is the payload of a "files-meta" message.
type FilesMetaData struct {
	Files scene.FilesMeta `json:"files"`
}

// FileAddedData is the payload of a "file-added" message.
type FileAddedData struct {
	File scene.FileMeta `json:"file"`
}

// UpdateData is the payload of a client-originated "update" message.
type UpdateData struct {
	Elements    []scene.Element `json:"elements"`
	BaseVersion *uint64         `json:"baseVersion,omitempty"`
}

func encode(t MessageType, data interface{}) ServerMessage {
	raw, err := json.Marshal(data)
	if err != nil {
		// A marshal failure here means a caller built an invalid
		// payload; fall back to an empty body rather than panicking
		// the broadcast path.
		raw = nil
	}
	return ServerMessage{Type: t, Timestamp: time.Now().UnixMilli(), Data: raw}
}

// NewElementsMessage builds an "elements" message from state.
func NewElementsMessage(elements []scene.Element, appState json.RawMessage, version uint64, source Source) ServerMessage {
	return encode(MsgElements, ElementsData{Elements: elements, AppState: appState, Version: version, Source: source})
}

// NewAppendMessage builds an "append" message.
func NewAppendMessage(elements []scene.Element) ServerMessage {
	return encode(MsgAppend, AppendData{Elements: elements})
}

// NewViewportMessage builds a "viewport" message.
func NewViewportMessage(vp scene.Viewport) ServerMessage {
	return encode(MsgViewport, ViewportData{Viewport: vp})
}

// NewClearMessage builds a "clear" message.
func NewClearMessage() ServerMessage {
	return encode(MsgClear, struct{}{})
}

// NewFilesMetaMessage builds a "files-meta" message.
func NewFilesMetaMessage(files scene.FilesMeta) ServerMessage {
	return encode(MsgFilesMeta, FilesMetaData{Files: files})
}

// NewFileAddedMessage builds a "file-added" message.
func NewFileAddedMessage(file scene.FileMeta) ServerMessage {
	return encode(MsgFileAdded, FileAddedData{File: file})
}

// ParseUpdate decodes a client "update" message body.
func ParseUpdate(data json.RawMessage) (UpdateData, error) {
	var upd UpdateData
	if err := json.Unmarshal(data, &upd); err != nil {
		return upd, err
	}
	return upd, nil
}
