package engine

import (
	"context"

	"github.com/coreseekdev/drawbridge/pkg/scene"
)

// FileStore is the interface boundary to the out-of-scope object
// storage uploader (§1 "out of scope": file uploads and image
// proxying live outside the core). The engine never implements one
// itself; a caller attaches a real uploader with WithFileStore and the
// engine calls it after an HTTP client registers a file's metadata
// (SetFileMeta), so cdnUrl population is someone else's job while
// the fan-out of file-added notifications stays inside the core.
type FileStore interface {
	// NotifyFileAdded is called after a file's metadata has been
	// recorded for a session, for callers that mirror it elsewhere
	// (e.g. a CDN cache warm, an audit log). Errors are logged by the
	// engine and never block the mutation that triggered them.
	NotifyFileAdded(ctx context.Context, sessionID string, file scene.FileMeta) error
}

// WithFileStore attaches an optional FileStore collaborator to an
// already-constructed Engine. A nil store (the default) makes
// SetFileMeta a pure local record, matching the Non-goals boundary:
// no object-storage client ships with the core.
func (e *Engine) WithFileStore(fs FileStore) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fileStore = fs
	return e
}
