package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreseekdev/drawbridge/pkg/scene"
	"github.com/coreseekdev/drawbridge/pkg/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.SnapshotInterval = time.Hour // tests drive sweeps manually
	cfg.IdleEvictionDelay = time.Hour
	e := New(st, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func TestGetOrCreateSessionLazilyLoads(t *testing.T) {
	e := newTestEngine(t)

	s, err := e.GetOrCreateSession("sess1")
	require.NoError(t, err)
	require.Equal(t, "sess1", s.ID())

	same, err := e.GetOrCreateSession("sess1")
	require.NoError(t, err)
	require.Same(t, s, same)
}

func TestSnapshotSweepFlushesLiveSessions(t *testing.T) {
	e := newTestEngine(t)

	s, err := e.GetOrCreateSession("sess1")
	require.NoError(t, err)
	require.NoError(t, s.AppendElements([]scene.Element{scene.Element(`{"id":"a"}`)}))

	e.SnapshotSweepOnce()

	info, ok, err := e.store.CurrentSnapshotInfo("sess1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, info.ElementCount)
}

func TestListSessionsSummarizesLiveSessions(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.GetOrCreateSession("sess1")
	require.NoError(t, err)
	_, err = e.GetOrCreateSession("sess2")
	require.NoError(t, err)

	summaries := e.ListSessions()
	require.Len(t, summaries, 2)
	require.Equal(t, "sess1", summaries[0].ID)
	require.Equal(t, "sess2", summaries[1].ID)
}

func TestHealthCountsSessionsAndClients(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.GetOrCreateSession("sess1")
	require.NoError(t, err)

	h := e.Health()
	require.Equal(t, 1, h.Sessions)
	require.Equal(t, 0, h.Clients)
}

func TestListVersionsAnnotatesDeltaBytes(t *testing.T) {
	e := newTestEngine(t)

	s, err := e.GetOrCreateSession("sess1")
	require.NoError(t, err)
	require.NoError(t, s.AppendElements([]scene.Element{scene.Element(`{"id":"a"}`)}))
	require.NoError(t, s.AppendElements([]scene.Element{scene.Element(`{"id":"b"}`)}))
	require.NoError(t, s.Flush()) // establishes current={a,b}, nothing to rotate yet
	require.NoError(t, s.AppendElements([]scene.Element{scene.Element(`{"id":"c"}`)}))
	require.NoError(t, s.Flush()) // rotates {a,b} into a versioned entry

	result, err := e.ListVersions("sess1")
	require.NoError(t, err)
	require.Len(t, result.Versions, 1)
	require.NotNil(t, result.Current)
	require.GreaterOrEqual(t, result.Versions[0].DeltaBytes, 0)
}

// TestSnapshotSweepOnceSkipsSessionSnapshottedWithinInterval exercises
// §4.C's periodic-sweep gate: a session snapshotted moments ago is not
// re-snapshotted again until SnapshotInterval has elapsed, even if a
// sweep runs (so unchanged/low-churn sessions don't rotate a fresh,
// near-identical versioned snapshot on every tick).
func TestSnapshotSweepOnceSkipsSessionSnapshottedWithinInterval(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.SnapshotInterval = time.Hour
	e := New(st, cfg)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	}()

	s, err := e.GetOrCreateSession("sess1")
	require.NoError(t, err)
	require.NoError(t, s.AppendElements([]scene.Element{scene.Element(`{"id":"a"}`)}))

	e.SnapshotSweepOnce() // never snapshotted yet: fires
	require.NoError(t, s.AppendElements([]scene.Element{scene.Element(`{"id":"b"}`)}))
	e.SnapshotSweepOnce() // moments later, well within SnapshotInterval: must be skipped

	infos, err := st.ListVersionedSnapshots("sess1")
	require.NoError(t, err)
	require.Empty(t, infos, "a session snapshotted moments ago must not be re-snapshotted before SnapshotInterval elapses")

	info, ok, err := st.CurrentSnapshotInfo("sess1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, info.ElementCount, "the skipped second sweep must not have written element b to the current snapshot")
}

func TestShutdownFlushesSessions(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	e := New(st, DefaultConfig())

	s, err := e.GetOrCreateSession("sess1")
	require.NoError(t, err)
	require.NoError(t, s.AppendElements([]scene.Element{scene.Element(`{"id":"a"}`)}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	info, ok, err := st.CurrentSnapshotInfo("sess1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, info.ElementCount)
}

func TestShutdownSkipsEmptySessions(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	e := New(st, DefaultConfig())

	_, err = e.GetOrCreateSession("empty")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	_, ok, err := st.CurrentSnapshotInfo("empty")
	require.NoError(t, err)
	require.False(t, ok, "an empty session must not produce a snapshot on shutdown")
}

func TestMaxVersionHistoryConfigAppliesToStore(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.MaxVersionHistory = 2
	e := New(st, cfg)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	}()

	for i := 0; i < 5; i++ {
		_, err := st.WriteVersionedSnapshot("sess1", scene.State{Elements: []scene.Element{scene.Element(`{"id":"a"}`)}})
		require.NoError(t, err)
	}

	infos, err := st.ListVersionedSnapshots("sess1")
	require.NoError(t, err)
	require.LessOrEqual(t, len(infos), 2, "engine.New must apply cfg.MaxVersionHistory to the store")
}

type fakeFileStore struct {
	mu    sync.Mutex
	calls []scene.FileMeta
}

func (f *fakeFileStore) NotifyFileAdded(ctx context.Context, sessionID string, file scene.FileMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, file)
	return nil
}

func TestSetFileMetaNotifiesAttachedFileStore(t *testing.T) {
	e := newTestEngine(t)
	fs := &fakeFileStore{}
	e.WithFileStore(fs)

	require.NoError(t, e.SetFileMeta("sess1", scene.FileMeta{ID: "f1", CDNURL: "https://cdn/f1"}))

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.calls, 1)
	require.Equal(t, "f1", fs.calls[0].ID)
}
