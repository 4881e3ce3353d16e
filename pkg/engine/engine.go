// Package engine owns the session table (component D) and the
// background lifecycle tasks — idle eviction and periodic snapshot
// flush — that keep it from growing without bound, grounded on the
// teacher's pkg/transport/session_manager.go SessionManager.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coreseekdev/drawbridge/pkg/logging"
	"github.com/coreseekdev/drawbridge/pkg/scene"
	"github.com/coreseekdev/drawbridge/pkg/session"
	"github.com/coreseekdev/drawbridge/pkg/store"
)

var log = logging.New("engine")

// Config holds the tunables that govern session lifecycle.
type Config struct {
	// SnapshotInterval is how often the periodic sweep runs, and how
	// old a session's last snapshot must be before the sweep writes a
	// new one (§4.A.3).
	SnapshotInterval time.Duration
	// IdleEvictionDelay is how long a session may sit with zero
	// subscribers before it is evicted from memory (§4.D).
	IdleEvictionDelay time.Duration
	// MaxVersionHistory caps the versioned snapshots retained per
	// session (N_HIST). Zero means "use the store's built-in default".
	MaxVersionHistory int
	// LogAppendDebounce is how long a burst of subscriber "update"
	// messages is coalesced before it durably hits the log. Zero means
	// "use the session's built-in default".
	LogAppendDebounce time.Duration
}

// DefaultConfig matches the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotInterval:  5 * time.Minute,
		IdleEvictionDelay: 5 * time.Minute,
		MaxVersionHistory: store.NHist,
		LogAppendDebounce: 500 * time.Millisecond,
	}
}

// Engine is the process-wide session table.
type Engine struct {
	store  *store.Store
	config Config

	mu       sync.Mutex
	sessions map[string]*session.Session

	fileStore FileStore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Engine and starts its background sweeps. Call
// Shutdown to stop them and flush every live session.
func New(st *store.Store, cfg Config) *Engine {
	st.SetMaxVersionHistory(cfg.MaxVersionHistory)
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    st,
		config:   cfg,
		sessions: make(map[string]*session.Session),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.wg.Add(1)
	go e.snapshotSweepLoop()
	return e
}

// GetOrCreateSession returns the live session for id, lazily loading
// it from disk via pkg/store on first access.
func (e *Engine) GetOrCreateSession(id string) (*session.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sessions[id]; ok {
		return s, nil
	}

	st, err := e.store.LoadSession(id)
	if err != nil {
		return nil, err
	}
	filesMeta, err := e.store.ReadFilesMeta(id)
	if err != nil {
		return nil, err
	}
	s := session.New(id, e.store, st, 0, filesMeta)
	s.SetDebounceInterval(e.config.LogAppendDebounce)
	e.sessions[id] = s
	log.Printf("loaded session %s", id)
	return s, nil
}

// GetSession returns the live session for id without creating one.
func (e *Engine) GetSession(id string) (*session.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	return s, ok
}

// NotifySubscriberRemoved is called after a session's subscriber count
// reaches zero, scheduling idle eviction after IdleEvictionDelay
// unless a new subscriber joins in the meantime.
func (e *Engine) NotifySubscriberRemoved(id string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-time.After(e.config.IdleEvictionDelay):
		case <-e.ctx.Done():
			return
		}
		e.evictIfIdle(id)
	}()
}

func (e *Engine) evictIfIdle(id string) {
	e.mu.Lock()
	s, ok := e.sessions[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	if s.SubscriberCount() > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.sessions, id)
	e.mu.Unlock()

	if err := s.Flush(); err != nil {
		log.Printf("evict %s: flush: %v", id, err)
	}
	log.Printf("evicted idle session %s", id)
}

// ListSessions returns a summary of every session currently loaded in
// memory, for GET /api/sessions.
type SessionSummary struct {
	ID              string `json:"id"`
	Version         uint64 `json:"version"`
	ElementCount    int    `json:"elementCount"`
	SubscriberCount int    `json:"clientCount"`
}

func (e *Engine) ListSessions() []SessionSummary {
	e.mu.Lock()
	sessions := make([]*session.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		st, version := s.Snapshot()
		out = append(out, SessionSummary{
			ID:              s.ID(),
			Version:         version,
			ElementCount:    len(st.Elements),
			SubscriberCount: s.SubscriberCount(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Health summarizes the engine for GET /health.
type Health struct {
	Sessions int
	Clients  int
}

func (e *Engine) Health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := Health{Sessions: len(e.sessions)}
	for _, s := range e.sessions {
		h.Clients += s.SubscriberCount()
	}
	return h
}

// VersionEntry is one versioned snapshot annotated with how many
// bytes of patch it would take to turn it into its successor (the
// next-newer versioned snapshot, or the current snapshot on disk for
// the newest entry).
type VersionEntry struct {
	store.VersionedSnapshotInfo
	DeltaBytes int `json:"deltaBytes"`
}

// VersionsResult is the payload for GET /api/session/:id/versions.
type VersionsResult struct {
	Versions []VersionEntry             `json:"versions"`
	Current  *store.CurrentSnapshotInfo `json:"current"`
}

// ListVersions returns the version history for a session, loading it
// if it isn't already live.
func (e *Engine) ListVersions(id string) (VersionsResult, error) {
	s, err := e.GetOrCreateSession(id)
	if err != nil {
		return VersionsResult{}, err
	}
	infos, cur, err := s.ListVersions()
	if err != nil {
		return VersionsResult{}, err
	}

	sizer := newPatchSizer()
	entries := make([]VersionEntry, len(infos))
	successorJSON := ""
	if cur != nil {
		if data, err := e.store.ReadCurrentSnapshotJSON(id); err == nil {
			successorJSON = string(data)
		}
	}
	for i, info := range infos {
		entries[i] = VersionEntry{VersionedSnapshotInfo: info}
		data, err := e.store.ReadVersionedSnapshotJSON(id, info.TimestampMillis)
		if err != nil {
			log.Printf("listVersions %s: read %d: %v", id, info.TimestampMillis, err)
			continue
		}
		if successorJSON != "" {
			entries[i].DeltaBytes = sizer.deltaBytes(string(data), successorJSON)
		}
		successorJSON = string(data)
	}

	return VersionsResult{Versions: entries, Current: cur}, nil
}

// RestoreVersion restores a session to a prior versioned snapshot.
func (e *Engine) RestoreVersion(id string, timestampMillis int64) error {
	s, err := e.GetOrCreateSession(id)
	if err != nil {
		return err
	}
	return s.Restore(timestampMillis)
}

// SetFileMeta records one embedded file's metadata on a session and,
// if a FileStore collaborator is attached, notifies it. A notify
// failure is logged and never fails the mutation: the file metadata
// is already durable and broadcast by the time the notify runs.
func (e *Engine) SetFileMeta(id string, file scene.FileMeta) error {
	s, err := e.GetOrCreateSession(id)
	if err != nil {
		return err
	}
	if err := s.SetFileMeta(file); err != nil {
		return err
	}
	e.mu.Lock()
	fs := e.fileStore
	e.mu.Unlock()
	if fs != nil {
		if err := fs.NotifyFileAdded(context.Background(), id, file); err != nil {
			log.Printf("setFileMeta %s: file store notify: %v", id, err)
		}
	}
	return nil
}

// snapshotSweepLoop runs SnapshotSweepOnce every SnapshotInterval,
// so a crash loses at most SnapshotInterval worth of log replay time.
func (e *Engine) snapshotSweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.SnapshotSweepOnce()
		case <-e.ctx.Done():
			return
		}
	}
}

// SnapshotSweepOnce flushes every live session whose elements are
// non-empty and whose last snapshot is at least SnapshotInterval old
// (§4.C). Exported so tests can drive it deterministically instead of
// waiting on the wall clock.
func (e *Engine) SnapshotSweepOnce() {
	e.mu.Lock()
	sessions := make([]*session.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		if err := s.SweepSnapshot(e.config.SnapshotInterval); err != nil {
			log.Printf("snapshot sweep %s: %v", s.ID(), err)
		}
	}
}

// Shutdown stops background tasks and flushes every live session.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	e.mu.Lock()
	sessions := make([]*session.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
