// Package session implements one drawing session's live state (§4.B,
// §4.C) and its subscriber fan-out (§4.E): a mutex-guarded reducer
// loop plus a set of connected WebSocket clients, grounded on the
// teacher's pkg/session.SimpleSession (mutex-guarded doc + subscriber
// map) and pkg/transport.EditSession (snapshot/log bookkeeping).
package session

import (
	"encoding/json"
	"time"

	"github.com/coreseekdev/drawbridge/pkg/logging"
	"github.com/coreseekdev/drawbridge/pkg/protocol"
	"github.com/coreseekdev/drawbridge/pkg/scene"
	"github.com/coreseekdev/drawbridge/pkg/store"
)

// logAppendDebounce coalesces rapid-fire WebSocket "update" messages
// (e.g. a drag gesture) into a single log append, so the log isn't
// hit once per mouse-move event. It never delays the broadcast to
// other subscribers, only the durability write.
const logAppendDebounce = 500 * time.Millisecond

var log = logging.New("session")

// Subscriber is anything that can receive server messages for a
// session: in production a WebSocket connection, in tests a fake.
type Subscriber interface {
	ID() string
	// Send delivers msg without blocking. It returns false if the
	// subscriber's outbound buffer is full and the message was
	// dropped (a slow client falls behind rather than stalling the
	// session).
	Send(msg protocol.ServerMessage) bool
}

// Session is one drawing session's authoritative state. Every method
// that touches state takes mu, so "apply op, append log, bump
// version, broadcast" always happens as one atomic step (§5).
type Session struct {
	id    string
	store *store.Store

	mu          chan struct{} // binary mutex; see lock()/unlock()
	state       scene.State
	version     uint64
	filesMeta   scene.FilesMeta
	subscribers map[string]Subscriber

	pendingOp     *scene.Operation
	debounceTimer *time.Timer
	debounce      time.Duration

	lastActivity   time.Time
	lastSnapshotAt time.Time
}

// New constructs a Session from state already loaded from disk by the
// caller (the engine owns deciding when to load vs. reuse a live
// session).
func New(id string, st *store.Store, state scene.State, version uint64, filesMeta scene.FilesMeta) *Session {
	if filesMeta == nil {
		filesMeta = scene.FilesMeta{}
	}
	s := &Session{
		id:           id,
		store:        st,
		mu:           make(chan struct{}, 1),
		state:        state,
		version:      version,
		filesMeta:    filesMeta,
		subscribers:  make(map[string]Subscriber),
		debounce:     logAppendDebounce,
		lastActivity: time.Now(),
		// lastSnapshotAt is left zero: no snapshot has been written
		// during this in-memory lifetime yet, so the first periodic
		// sweep is always eligible to write one (§4.C).
	}
	s.mu <- struct{}{}
	return s
}

// SetDebounceInterval overrides the update-log-append debounce, for
// callers that load it from config (DRAWBRIDGE_CONFIG's
// logAppendDebounce). d <= 0 is ignored.
func (s *Session) SetDebounceInterval(d time.Duration) {
	if d > 0 {
		s.lock()
		s.debounce = d
		s.unlock()
	}
}

func (s *Session) lock()   { <-s.mu }
func (s *Session) unlock() { s.mu <- struct{}{} }

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Version returns the current version counter.
func (s *Session) Version() uint64 {
	s.lock()
	defer s.unlock()
	return s.version
}

// SubscriberCount returns the number of currently connected clients.
func (s *Session) SubscriberCount() int {
	s.lock()
	defer s.unlock()
	return len(s.subscribers)
}

// Snapshot returns a defensive copy of the live state, for HTTP reads
// and the version-history "current" summary.
func (s *Session) Snapshot() (scene.State, uint64) {
	s.lock()
	defer s.unlock()
	return s.state.Clone(), s.version
}

// FilesMeta returns a copy of the session's embedded-file metadata.
func (s *Session) FilesMeta() scene.FilesMeta {
	s.lock()
	defer s.unlock()
	return s.filesMeta.Clone()
}

// AddSubscriber registers sub and sends it the current state so it
// can render immediately, matching the teacher's
// SimpleSession.Subscribe initial-sync behavior.
func (s *Session) AddSubscriber(sub Subscriber) {
	s.lock()
	defer s.unlock()
	s.subscribers[sub.ID()] = sub
	sub.Send(protocol.NewElementsMessage(s.state.Elements, s.state.AppState, s.version, ""))
	if s.state.Viewport != nil {
		sub.Send(protocol.NewViewportMessage(*s.state.Viewport))
	}
	if len(s.filesMeta) > 0 {
		sub.Send(protocol.NewFilesMetaMessage(s.filesMeta))
	}
}

// RemoveSubscriber drops sub and flushes any debounced log write, so
// a closing connection never loses the last edit it made. It returns
// the number of subscribers remaining.
func (s *Session) RemoveSubscriber(id string) int {
	s.lock()
	defer s.unlock()
	delete(s.subscribers, id)
	s.flushPendingLocked()
	return len(s.subscribers)
}

func (s *Session) broadcastAll(msg protocol.ServerMessage) {
	for _, sub := range s.subscribers {
		sub.Send(msg)
	}
}

func (s *Session) broadcastExcept(originID string, msg protocol.ServerMessage) {
	for id, sub := range s.subscribers {
		if id == originID {
			continue
		}
		sub.Send(msg)
	}
}

// HandleUpdate applies a client-originated "update" message (§6). If
// the client's baseVersion is behind the session's current version,
// no mutation happens: a version-correction is sent back to that
// client alone, and nothing is broadcast or logged.
func (s *Session) HandleUpdate(originID string, upd protocol.UpdateData) {
	s.lock()
	defer s.unlock()
	s.lastActivity = time.Now()

	if upd.BaseVersion != nil && *upd.BaseVersion < s.version {
		if sub, ok := s.subscribers[originID]; ok {
			sub.Send(protocol.NewElementsMessage(s.state.Elements, s.state.AppState, s.version, protocol.SourceVersionCorrection))
		}
		return
	}

	// §6 defines the client "update" message as {elements, baseVersion?}
	// only; it carries no viewport. Synthetic viewport markers are not
	// stripped/applied here (unlike SetElements/AppendElements), so the
	// session's viewport is left untouched by a subscriber edit.
	s.state.Elements = upd.Elements
	s.version++

	s.scheduleDebouncedAppendLocked(scene.Operation{Kind: scene.KindUpdate, Elements: upd.Elements})
	s.broadcastExcept(originID, protocol.NewElementsMessage(upd.Elements, s.state.AppState, s.version, ""))
}

// SetElements implements the REST "set elements" mutation.
func (s *Session) SetElements(elements []scene.Element, appState json.RawMessage) error {
	s.lock()
	defer s.unlock()
	s.lastActivity = time.Now()
	s.flushPendingLocked()

	drawElements, viewports := scene.StripSyntheticViewports(elements)
	s.state.Elements = drawElements
	s.state.AppState = appState
	if len(viewports) > 0 {
		vp := viewports[len(viewports)-1]
		s.state.Viewport = &vp
	}
	s.version++

	op := scene.Operation{Kind: scene.KindSet, Elements: drawElements, AppState: appState}
	if err := s.store.AppendLog(s.id, op); err != nil {
		return err
	}
	s.broadcastAll(protocol.NewElementsMessage(drawElements, appState, s.version, ""))
	if len(viewports) > 0 {
		vpOp := scene.Operation{Kind: scene.KindViewport, Viewport: s.state.Viewport}
		if err := s.store.AppendLog(s.id, vpOp); err != nil {
			return err
		}
		s.broadcastAll(protocol.NewViewportMessage(*s.state.Viewport))
	}
	return nil
}

// AppendElements implements the REST "append elements" mutation.
func (s *Session) AppendElements(elements []scene.Element) error {
	s.lock()
	defer s.unlock()
	s.lastActivity = time.Now()
	s.flushPendingLocked()

	drawElements, viewports := scene.StripSyntheticViewports(elements)
	s.state.Elements = append(s.state.Elements, drawElements...)
	if len(viewports) > 0 {
		vp := viewports[len(viewports)-1]
		s.state.Viewport = &vp
	}
	s.version++

	op := scene.Operation{Kind: scene.KindAppend, Elements: drawElements}
	if err := s.store.AppendLog(s.id, op); err != nil {
		return err
	}
	s.broadcastAll(protocol.NewAppendMessage(drawElements))
	if len(viewports) > 0 {
		vpOp := scene.Operation{Kind: scene.KindViewport, Viewport: s.state.Viewport}
		if err := s.store.AppendLog(s.id, vpOp); err != nil {
			return err
		}
		s.broadcastAll(protocol.NewViewportMessage(*s.state.Viewport))
	}
	return nil
}

// SetViewport implements the REST "set viewport" mutation.
func (s *Session) SetViewport(vp scene.Viewport) error {
	s.lock()
	defer s.unlock()
	s.lastActivity = time.Now()
	s.flushPendingLocked()

	s.state.Viewport = &vp
	s.version++

	op := scene.Operation{Kind: scene.KindViewport, Viewport: &vp}
	if err := s.store.AppendLog(s.id, op); err != nil {
		return err
	}
	s.broadcastAll(protocol.NewViewportMessage(vp))
	return nil
}

// Clear implements the REST "clear" mutation. If the session holds
// any elements, the live state is first written as the current
// snapshot (rotating any earlier current snapshot into the version
// history), so an undo of the clear returns to it and the next
// snapshot write moves it into the version history.
func (s *Session) Clear() error {
	s.lock()
	defer s.unlock()
	s.lastActivity = time.Now()
	s.flushPendingLocked()

	if len(s.state.Elements) > 0 {
		if err := s.store.WriteSnapshot(s.id, s.state); err != nil {
			log.Printf("clear %s: write snapshot: %v", s.id, err)
		} else {
			s.lastSnapshotAt = time.Now()
		}
	}

	s.state = scene.Empty()
	s.filesMeta = scene.FilesMeta{}
	s.version++

	if err := s.store.AppendLog(s.id, scene.Operation{Kind: scene.KindClear}); err != nil {
		return err
	}
	if err := s.store.DeleteFilesMeta(s.id); err != nil {
		log.Printf("clear %s: delete files meta: %v", s.id, err)
	}
	s.broadcastAll(protocol.NewClearMessage())
	return nil
}

// Undo drops the most recent log entry (flushing any pending debounced
// write first, so undo always targets the latest edit) and replays
// from the current snapshot forward. It never appends a new log entry
// of its own: the truncated log already encodes the undone state.
func (s *Session) Undo() error {
	s.lock()
	defer s.unlock()
	s.lastActivity = time.Now()
	s.flushPendingLocked()

	ok, err := s.store.DropLastLogLine(s.id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUndoEmpty
	}

	st, err := s.store.LoadSession(s.id)
	if err != nil {
		return err
	}
	s.state = st
	s.version++
	s.broadcastAll(protocol.NewElementsMessage(st.Elements, st.AppState, s.version, ""))
	return nil
}

// Restore implements §4.F's restore operation: the live state is
// preserved as a brand-new versioned snapshot (never the current
// one), then the target versioned snapshot is promoted into the
// current-snapshot slot and installed as the live state.
func (s *Session) Restore(timestampMillis int64) error {
	s.lock()
	defer s.unlock()
	s.lastActivity = time.Now()
	s.flushPendingLocked()

	if _, err := s.store.WriteVersionedSnapshot(s.id, s.state); err != nil {
		return err
	}
	st, err := s.store.PromoteVersionedSnapshot(s.id, timestampMillis)
	if err != nil {
		if err == store.ErrVersionedSnapshotNotFound {
			return ErrVersionNotFound
		}
		return err
	}
	s.state = st
	s.version++
	s.lastSnapshotAt = time.Now()
	s.broadcastAll(protocol.NewElementsMessage(st.Elements, st.AppState, s.version, protocol.SourceRestore))
	return nil
}

// SetFileMeta records one embedded file's metadata and notifies every
// subscriber.
func (s *Session) SetFileMeta(file scene.FileMeta) error {
	s.lock()
	defer s.unlock()
	s.lastActivity = time.Now()

	s.filesMeta[file.ID] = file
	if err := s.store.WriteFilesMeta(s.id, s.filesMeta); err != nil {
		return err
	}
	s.broadcastAll(protocol.NewFileAddedMessage(file))
	return nil
}

// scheduleDebouncedAppendLocked coalesces repeated operations into a
// single log append one debounce interval (s.debounce) after the last
// one. Must be called with mu held.
func (s *Session) scheduleDebouncedAppendLocked(op scene.Operation) {
	s.pendingOp = &op
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.debounceTimer = time.AfterFunc(s.debounce, func() {
		s.lock()
		defer s.unlock()
		s.flushPendingLocked()
	})
}

// flushPendingLocked appends the coalesced pending operation (if any)
// to the log immediately. Must be called with mu held.
func (s *Session) flushPendingLocked() {
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
	if s.pendingOp == nil {
		return
	}
	op := *s.pendingOp
	s.pendingOp = nil
	if err := s.store.AppendLog(s.id, op); err != nil {
		log.Printf("flushPending %s: %v", s.id, err)
	}
}

// FlushPendingLog is the exported form of flushPendingLocked. The
// engine's idle-eviction and shutdown paths get the same flush through
// Flush.
func (s *Session) FlushPendingLog() {
	s.lock()
	defer s.unlock()
	s.flushPendingLocked()
}

// Flush writes the live state out as the current snapshot
// unconditionally (other than the empty-state gate), for the engine's
// idle eviction and shutdown paths (§4.C), which flush regardless of
// how recently a snapshot was taken.
func (s *Session) Flush() error {
	s.lock()
	defer s.unlock()
	s.flushPendingLocked()
	if len(s.state.Elements) == 0 {
		return nil
	}
	if err := s.store.WriteSnapshot(s.id, s.state); err != nil {
		return err
	}
	s.lastSnapshotAt = time.Now()
	return nil
}

// SweepSnapshot writes the live state out as the current snapshot only
// if the session holds elements and at least interval has passed since
// the last snapshot write, implementing §4.C's periodic sweep gate
// ("now - lastSnapshotAt >= T_SNAP"). Unlike Flush, an unchanged,
// recently-snapshotted session is left alone so the version history
// isn't churned with no-op entries.
func (s *Session) SweepSnapshot(interval time.Duration) error {
	s.lock()
	defer s.unlock()
	s.flushPendingLocked()
	if len(s.state.Elements) == 0 {
		return nil
	}
	if time.Since(s.lastSnapshotAt) < interval {
		return nil
	}
	if err := s.store.WriteSnapshot(s.id, s.state); err != nil {
		return err
	}
	s.lastSnapshotAt = time.Now()
	return nil
}

// IdleSince reports how long it has been since the session last saw
// activity (a mutation or an update).
func (s *Session) IdleSince() time.Duration {
	s.lock()
	defer s.unlock()
	return time.Since(s.lastActivity)
}

// ListVersions returns the session's versioned snapshots plus a
// summary of the current one, newest versioned entry first. Held under
// the session lock, per §5's "versioned-snapshot enumeration ...
// happens under that session's lock".
func (s *Session) ListVersions() ([]store.VersionedSnapshotInfo, *store.CurrentSnapshotInfo, error) {
	s.lock()
	defer s.unlock()
	infos, err := s.store.ListVersionedSnapshots(s.id)
	if err != nil {
		return nil, nil, err
	}
	cur, ok, err := s.store.CurrentSnapshotInfo(s.id)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return infos, nil, nil
	}
	return infos, &cur, nil
}
