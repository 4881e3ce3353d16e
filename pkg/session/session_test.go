package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreseekdev/drawbridge/pkg/protocol"
	"github.com/coreseekdev/drawbridge/pkg/scene"
	"github.com/coreseekdev/drawbridge/pkg/store"
)

type fakeSubscriber struct {
	id string

	mu   sync.Mutex
	msgs []protocol.ServerMessage
}

func newFakeSubscriber(id string) *fakeSubscriber {
	return &fakeSubscriber{id: id}
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Send(msg protocol.ServerMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return true
}

func (f *fakeSubscriber) last() protocol.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[len(f.msgs)-1]
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func newTestSession(t *testing.T) (*Session, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return New("sess1", st, scene.Empty(), 0, nil), st
}

func TestAddSubscriberSendsInitialState(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.SetElements([]scene.Element{scene.Element(`{"id":"a"}`)}, nil))

	sub := newFakeSubscriber("c1")
	s.AddSubscriber(sub)

	require.Equal(t, 1, sub.count())
	require.Equal(t, protocol.MsgElements, sub.last().Type)
}

func TestHandleUpdateBroadcastsExceptOrigin(t *testing.T) {
	s, _ := newTestSession(t)
	a := newFakeSubscriber("a")
	b := newFakeSubscriber("b")
	s.AddSubscriber(a)
	s.AddSubscriber(b)

	s.HandleUpdate("a", protocol.UpdateData{Elements: []scene.Element{scene.Element(`{"id":"x"}`)}})

	require.Equal(t, 1, a.count(), "origin does not receive an echo of its own update")
	require.Equal(t, 2, b.count())
	require.Equal(t, protocol.MsgElements, b.last().Type)
}

func TestHandleUpdateRejectsStaleVersion(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.SetElements([]scene.Element{scene.Element(`{"id":"a"}`)}, nil))
	versionBefore := s.Version()

	origin := newFakeSubscriber("origin")
	s.AddSubscriber(origin)

	stale := uint64(0)
	s.HandleUpdate("origin", protocol.UpdateData{
		Elements:    []scene.Element{scene.Element(`{"id":"b"}`)},
		BaseVersion: &stale,
	})

	require.Equal(t, versionBefore, s.Version(), "stale update must not mutate state")
	last := origin.last()
	require.Equal(t, protocol.MsgElements, last.Type)

	var data protocol.ElementsData
	require.NoError(t, json.Unmarshal(last.Data, &data))
	require.Equal(t, protocol.SourceVersionCorrection, data.Source)
}

func TestUndoRevertsLastOperation(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.AppendElements([]scene.Element{scene.Element(`{"id":"a"}`)}))
	require.NoError(t, s.AppendElements([]scene.Element{scene.Element(`{"id":"b"}`)}))

	st, _ := s.Snapshot()
	require.Len(t, st.Elements, 2)

	require.NoError(t, s.Undo())
	st, _ = s.Snapshot()
	require.Len(t, st.Elements, 1)
}

func TestUndoOnEmptyLogReturnsError(t *testing.T) {
	s, _ := newTestSession(t)
	err := s.Undo()
	require.ErrorIs(t, err, ErrUndoEmpty)
}

func TestClearPreservesHistoryWhenNonEmpty(t *testing.T) {
	s, st := newTestSession(t)
	require.NoError(t, s.AppendElements([]scene.Element{scene.Element(`{"id":"a"}`)}))

	require.NoError(t, s.Clear())

	after, _ := s.Snapshot()
	require.Empty(t, after.Elements)

	info, ok, err := st.CurrentSnapshotInfo("sess1")
	require.NoError(t, err)
	require.True(t, ok, "clearing non-empty content must leave a recoverable snapshot")
	require.Equal(t, 1, info.ElementCount)
}

func TestClearOnEmptySessionCreatesNoSnapshot(t *testing.T) {
	s, st := newTestSession(t)
	require.NoError(t, s.Clear())

	infos, err := st.ListVersionedSnapshots("sess1")
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestRestoreInstallsVersionedState(t *testing.T) {
	s, storeRef := newTestSession(t)
	require.NoError(t, s.AppendElements([]scene.Element{scene.Element(`{"id":"a"}`)}))

	ts, err := storeRef.WriteVersionedSnapshot("sess1", scene.State{Elements: []scene.Element{scene.Element(`{"id":"old"}`)}})
	require.NoError(t, err)

	require.NoError(t, s.Restore(ts))

	st, _ := s.Snapshot()
	require.Len(t, st.Elements, 1)
	require.JSONEq(t, `{"id":"old"}`, string(st.Elements[0]))
}

func TestRestoreUnknownTimestampReturnsError(t *testing.T) {
	s, _ := newTestSession(t)
	err := s.Restore(999999)
	require.ErrorIs(t, err, ErrVersionNotFound)
}

func TestSetDebounceIntervalShortensCoalesceWindow(t *testing.T) {
	s, storeRef := newTestSession(t)
	s.SetDebounceInterval(20 * time.Millisecond)

	sub := newFakeSubscriber("c1")
	s.AddSubscriber(sub)
	s.HandleUpdate("c1", protocol.UpdateData{Elements: []scene.Element{scene.Element(`{"id":"a"}`)}})

	require.Eventually(t, func() bool {
		loaded, err := storeRef.LoadSession("sess1")
		return err == nil && len(loaded.Elements) == 1
	}, time.Second, 5*time.Millisecond, "debounced append should fire on the shortened interval")
}

func TestHandleUpdateLeavesViewportUntouched(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.SetViewport(scene.Viewport{X: 1, Y: 2, Width: 3, Height: 4}))

	sub := newFakeSubscriber("c1")
	s.AddSubscriber(sub)

	// §6's client "update" message is {elements, baseVersion?} only; a
	// cameraUpdate-shaped element in its elements list is not a
	// recognized viewport carrier here (unlike SetElements/AppendElements)
	// and passes through verbatim as a regular element.
	s.HandleUpdate("c1", protocol.UpdateData{
		Elements: []scene.Element{scene.Element(`{"type":"cameraUpdate","x":9,"y":9,"width":9,"height":9}`)},
	})

	st, _ := s.Snapshot()
	require.NotNil(t, st.Viewport)
	require.Equal(t, scene.Viewport{X: 1, Y: 2, Width: 3, Height: 4}, *st.Viewport, "update must not mutate the session viewport")
	require.Len(t, st.Elements, 1, "update's elements pass through verbatim, with no synthetic-viewport stripping")
}

func TestSweepSnapshotSkipsWithinInterval(t *testing.T) {
	s, st := newTestSession(t)
	require.NoError(t, s.AppendElements([]scene.Element{scene.Element(`{"id":"a"}`)}))

	require.NoError(t, s.SweepSnapshot(time.Hour)) // never snapshotted: fires
	require.NoError(t, s.AppendElements([]scene.Element{scene.Element(`{"id":"b"}`)}))
	require.NoError(t, s.SweepSnapshot(time.Hour)) // moments later: must be skipped

	info, ok, err := st.CurrentSnapshotInfo("sess1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, info.ElementCount, "a session snapshotted moments ago must not be re-snapshotted before the interval elapses")
}

func TestSweepSnapshotSkipsEmptySession(t *testing.T) {
	s, st := newTestSession(t)
	require.NoError(t, s.SweepSnapshot(time.Hour))

	_, ok, err := st.CurrentSnapshotInfo("sess1")
	require.NoError(t, err)
	require.False(t, ok, "an empty session must not produce a snapshot")
}

func TestRemoveSubscriberFlushesPendingDebounce(t *testing.T) {
	s, storeRef := newTestSession(t)
	sub := newFakeSubscriber("c1")
	s.AddSubscriber(sub)

	s.HandleUpdate("c1", protocol.UpdateData{Elements: []scene.Element{scene.Element(`{"id":"a"}`)}})

	remaining := s.RemoveSubscriber("c1")
	require.Equal(t, 0, remaining)

	loaded, err := storeRef.LoadSession("sess1")
	require.NoError(t, err)
	require.Len(t, loaded.Elements, 1, "disconnecting must flush the debounced log write")
}
