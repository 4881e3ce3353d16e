// Package store implements the durable log store (component A):
// per-session append-only log and snapshot files on disk, atomic
// rename, and versioned-snapshot rotation. It does filesystem
// operations and nothing else — callers are responsible for the
// per-session locking discipline described in §5 of the spec.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/coreseekdev/drawbridge/pkg/logging"
	"github.com/coreseekdev/drawbridge/pkg/scene"
)

// NHist is the maximum number of versioned snapshots retained per
// session; older ones are pruned oldest-first.
const NHist = 50

var log = logging.New("store")

// ErrVersionedSnapshotNotFound is returned by PromoteVersionedSnapshot
// when the requested timestamp has no file on disk.
var ErrVersionedSnapshotNotFound = errors.New("store: versioned snapshot not found")

// Store roots every session's files under a single data directory.
type Store struct {
	dataDir string
	nhist   int
}

// New creates the data directory (if needed) and returns a Store
// rooted there, retaining NHist versioned snapshots per session by
// default.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	return &Store{dataDir: dataDir, nhist: NHist}, nil
}

// SetMaxVersionHistory overrides the per-session versioned-snapshot
// cap, for callers that load it from config (DRAWBRIDGE_CONFIG's
// maxVersionHistory). n <= 0 is ignored.
func (s *Store) SetMaxVersionHistory(n int) {
	if n > 0 {
		s.nhist = n
	}
}

// validateID rejects session IDs that would escape the data directory.
func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("store: invalid session id %q", id)
	}
	return nil
}

func (s *Store) path(id, suffix string) string {
	return filepath.Join(s.dataDir, id+suffix)
}

func (s *Store) currentPath(id string) string   { return s.path(id, ".snapshot") }
func (s *Store) tmpPath(id string) string       { return s.path(id, ".snapshot.tmp") }
func (s *Store) logPath(id string) string       { return s.path(id, ".log") }
func (s *Store) filesMetaPath(id string) string { return s.path(id, ".files") }

func (s *Store) versionedPath(id string, millis int64) string {
	return s.path(id, fmt.Sprintf(".snapshot-%d", millis))
}

// versionedPattern matches "<id>.snapshot-<digits>" filenames and
// captures the id and timestamp. The bare ".snapshot" current file and
// the ".snapshot.tmp" scratch file never match: neither has a "-"
// followed by digits right after "snapshot".
var versionedPattern = regexp2.MustCompile(`^(?<id>.+)\.snapshot-(?<ts>\d+)$`, regexp2.None)

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func atomicWriteFile(tmpPath, finalPath string, data []byte) error {
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: rename %s -> %s: %w", tmpPath, finalPath, err)
	}
	return nil
}

// WriteSnapshot compacts state into the current snapshot. If a
// current snapshot already exists, it is first preserved as a
// versioned snapshot (then pruning runs); the new state is written to
// a temp file and atomically renamed into place; the log is
// truncated. Every step is best-effort logged: a single corrupt or
// unwritable session must never take the process down.
func (s *Store) WriteSnapshot(id string, st scene.State) error {
	if err := validateID(id); err != nil {
		log.Printf("writeSnapshot %s: %v", id, err)
		return err
	}

	cur := s.currentPath(id)
	if fileExists(cur) {
		ts := time.Now().UnixMilli()
		for fileExists(s.versionedPath(id, ts)) {
			ts++
		}
		data, err := os.ReadFile(cur)
		if err != nil {
			log.Printf("writeSnapshot %s: read current for rotation: %v", id, err)
		} else if err := os.WriteFile(s.versionedPath(id, ts), data, 0o644); err != nil {
			log.Printf("writeSnapshot %s: write versioned copy: %v", id, err)
		} else if err := s.PruneVersionedSnapshots(id); err != nil {
			log.Printf("writeSnapshot %s: prune: %v", id, err)
		}
	}

	data, err := encodeState(st)
	if err != nil {
		log.Printf("writeSnapshot %s: encode: %v", id, err)
		return err
	}
	if err := atomicWriteFile(s.tmpPath(id), cur, data); err != nil {
		log.Printf("writeSnapshot %s: %v", id, err)
		return err
	}
	if err := s.TruncateLog(id); err != nil {
		log.Printf("writeSnapshot %s: truncate log: %v", id, err)
		return err
	}
	return nil
}

// WriteVersionedSnapshot writes state directly to a new timestamped
// versioned file, without touching the current snapshot. Used by
// restore's preservation step, where the pre-restore live state must
// become a versioned entry in its own right rather than the new
// current snapshot.
func (s *Store) WriteVersionedSnapshot(id string, st scene.State) (int64, error) {
	if err := validateID(id); err != nil {
		return 0, err
	}
	data, err := encodeState(st)
	if err != nil {
		return 0, fmt.Errorf("store: encode versioned snapshot: %w", err)
	}
	ts := time.Now().UnixMilli()
	for fileExists(s.versionedPath(id, ts)) {
		ts++
	}
	if err := os.WriteFile(s.versionedPath(id, ts), data, 0o644); err != nil {
		return 0, fmt.Errorf("store: write versioned snapshot: %w", err)
	}
	if err := s.PruneVersionedSnapshots(id); err != nil {
		log.Printf("writeVersionedSnapshot %s: prune: %v", id, err)
	}
	return ts, nil
}

// PromoteVersionedSnapshot decodes the versioned snapshot named by
// timestampMillis, atomically renames it into the current-snapshot
// slot (removing it from the versioned list in the same step), and
// truncates the log. Returns the decoded state so the caller can
// install it as the session's live state.
func (s *Store) PromoteVersionedSnapshot(id string, timestampMillis int64) (scene.State, error) {
	if err := validateID(id); err != nil {
		return scene.State{}, err
	}
	vp := s.versionedPath(id, timestampMillis)
	data, err := os.ReadFile(vp)
	if err != nil {
		if os.IsNotExist(err) {
			return scene.State{}, ErrVersionedSnapshotNotFound
		}
		return scene.State{}, fmt.Errorf("store: read versioned snapshot: %w", err)
	}
	st, err := decodeState(data)
	if err != nil {
		log.Printf("promoteVersionedSnapshot %s: corrupt versioned snapshot %d: %v", id, timestampMillis, err)
		return scene.State{}, err
	}
	if err := os.Rename(vp, s.currentPath(id)); err != nil {
		return scene.State{}, fmt.Errorf("store: promote versioned snapshot: %w", err)
	}
	if err := s.TruncateLog(id); err != nil {
		log.Printf("promoteVersionedSnapshot %s: truncate log: %v", id, err)
	}
	return st, nil
}

// AppendLog encodes op as one line and appends it to the session's
// log file.
func (s *Store) AppendLog(id string, op scene.Operation) error {
	if err := validateID(id); err != nil {
		return err
	}
	line, err := op.Encode()
	if err != nil {
		return fmt.Errorf("store: encode operation: %w", err)
	}
	f, err := os.OpenFile(s.logPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("appendLog %s: open: %v", id, err)
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Printf("appendLog %s: write: %v", id, err)
		return err
	}
	return nil
}

// TruncateLog empties the session's log file.
func (s *Store) TruncateLog(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	f, err := os.OpenFile(s.logPath(id), os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// DropLastLogLine removes the final line from the log file, for
// undo. Returns ok=false if the log is empty (undo has nothing to
// drop).
func (s *Store) DropLastLogLine(id string) (ok bool, err error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	lines, err := s.readLogLines(id)
	if err != nil {
		return false, err
	}
	if len(lines) == 0 {
		return false, nil
	}
	lines = lines[:len(lines)-1]
	var buf strings.Builder
	for _, l := range lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	if err := atomicWriteFile(s.tmpPath(id)+".log", s.logPath(id), []byte(buf.String())); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) readLogLines(id string) ([][]byte, error) {
	data, err := os.ReadFile(s.logPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	raw := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	lines := make([][]byte, 0, len(raw))
	for _, l := range raw {
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, []byte(l))
	}
	return lines, nil
}

// LoadSession decodes the current snapshot (if any) and replays every
// log line in order on top of it. Unreadable snapshot or log lines
// are logged and skipped without aborting the load (§4.A).
func (s *Store) LoadSession(id string) (scene.State, error) {
	if err := validateID(id); err != nil {
		return scene.Empty(), err
	}

	st := scene.Empty()
	curPath := s.currentPath(id)
	if data, err := os.ReadFile(curPath); err == nil {
		if decoded, derr := decodeState(data); derr != nil {
			log.Printf("loadSession %s: corrupt snapshot, skipping: %v", id, derr)
		} else {
			st = decoded
		}
	} else if !os.IsNotExist(err) {
		log.Printf("loadSession %s: read snapshot: %v", id, err)
	}

	lines, err := s.readLogLines(id)
	if err != nil {
		log.Printf("loadSession %s: read log: %v", id, err)
		return st, nil
	}
	for i, line := range lines {
		op, derr := scene.DecodeOperation(line)
		if derr != nil {
			log.Printf("loadSession %s: corrupt log line %d, skipping: %v", id, i, derr)
			continue
		}
		st = scene.Apply(st, op)
	}
	return st, nil
}

// DeleteSessionFiles removes the snapshot, log, and files-meta files
// for a session. Versioned snapshots are left untouched: deleting a
// session from memory is not the same as forgetting its history.
func (s *Store) DeleteSessionFiles(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	var firstErr error
	for _, p := range []string{s.currentPath(id), s.logPath(id), s.filesMetaPath(id)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// VersionedSnapshotInfo describes one versioned snapshot file.
type VersionedSnapshotInfo struct {
	TimestampMillis int64 `json:"timestamp"`
	ElementCount    int   `json:"elementCount"`
	SizeBytes       int64 `json:"sizeBytes"`
}

// ListVersionedSnapshots enumerates this session's versioned
// snapshots, newest first.
func (s *Store) ListVersionedSnapshots(id string) ([]VersionedSnapshotInfo, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("store: read data dir: %w", err)
	}

	var infos []VersionedSnapshotInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		m, err := versionedPattern.FindStringMatch(name)
		if err != nil || m == nil {
			continue
		}
		idGroup := m.GroupByName("id")
		tsGroup := m.GroupByName("ts")
		if idGroup == nil || tsGroup == nil || idGroup.String() != id {
			continue
		}
		ts, err := strconv.ParseInt(tsGroup.String(), 10, 64)
		if err != nil {
			continue
		}
		info := entry.Info
		fi, ferr := info()
		var size int64
		if ferr == nil {
			size = fi.Size()
		}
		count := 0
		if data, rerr := os.ReadFile(filepath.Join(s.dataDir, name)); rerr == nil {
			if st, derr := decodeState(data); derr == nil {
				count = len(st.Elements)
			} else {
				log.Printf("listVersionedSnapshots %s: corrupt %s, skipping element count: %v", id, name, derr)
			}
		}
		infos = append(infos, VersionedSnapshotInfo{TimestampMillis: ts, ElementCount: count, SizeBytes: size})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].TimestampMillis > infos[j].TimestampMillis })
	return infos, nil
}

// PruneVersionedSnapshots keeps the newest nhist versioned snapshots
// and deletes the rest.
func (s *Store) PruneVersionedSnapshots(id string) error {
	infos, err := s.ListVersionedSnapshots(id)
	if err != nil {
		return err
	}
	if len(infos) <= s.nhist {
		return nil
	}
	var firstErr error
	for _, info := range infos[s.nhist:] {
		if err := os.Remove(s.versionedPath(id, info.TimestampMillis)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CurrentSnapshotInfo describes the current snapshot file, for the
// version-history listing's "current" field. Returns ok=false if no
// current snapshot exists yet.
type CurrentSnapshotInfo struct {
	ModifiedAt   time.Time `json:"timestamp"`
	ElementCount int       `json:"elementCount"`
	SizeBytes    int64     `json:"sizeBytes"`
}

func (s *Store) CurrentSnapshotInfo(id string) (CurrentSnapshotInfo, bool, error) {
	if err := validateID(id); err != nil {
		return CurrentSnapshotInfo{}, false, err
	}
	cur := s.currentPath(id)
	fi, err := os.Stat(cur)
	if err != nil {
		if os.IsNotExist(err) {
			return CurrentSnapshotInfo{}, false, nil
		}
		return CurrentSnapshotInfo{}, false, err
	}
	data, err := os.ReadFile(cur)
	if err != nil {
		return CurrentSnapshotInfo{}, false, err
	}
	st, err := decodeState(data)
	if err != nil {
		log.Printf("currentSnapshotInfo %s: corrupt snapshot: %v", id, err)
		return CurrentSnapshotInfo{ModifiedAt: fi.ModTime(), SizeBytes: fi.Size()}, true, nil
	}
	return CurrentSnapshotInfo{ModifiedAt: fi.ModTime(), ElementCount: len(st.Elements), SizeBytes: fi.Size()}, true, nil
}

// ReadVersionedSnapshotJSON returns the raw JSON bytes of one
// versioned snapshot, for callers that want to compute a diff against
// it (e.g. the version-history byte-delta annotation) without paying
// for a full decode.
func (s *Store) ReadVersionedSnapshotJSON(id string, timestampMillis int64) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	return os.ReadFile(s.versionedPath(id, timestampMillis))
}

// ReadCurrentSnapshotJSON returns the raw JSON bytes of the current
// snapshot, or nil if none exists yet.
func (s *Store) ReadCurrentSnapshotJSON(id string) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.currentPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// WriteFilesMeta atomically replaces the files-meta file.
func (s *Store) WriteFilesMeta(id string, files scene.FilesMeta) error {
	if err := validateID(id); err != nil {
		return err
	}
	data, err := encodeFilesMeta(files)
	if err != nil {
		return fmt.Errorf("store: encode files meta: %w", err)
	}
	return atomicWriteFile(s.tmpPath(id)+".files", s.filesMetaPath(id), data)
}

// ReadFilesMeta tolerantly reads the files-meta file, returning an
// empty map if it doesn't exist or can't be parsed.
func (s *Store) ReadFilesMeta(id string) (scene.FilesMeta, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.filesMetaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return scene.FilesMeta{}, nil
		}
		return nil, err
	}
	files, err := decodeFilesMeta(data)
	if err != nil {
		log.Printf("readFilesMeta %s: corrupt files meta, skipping: %v", id, err)
		return scene.FilesMeta{}, nil
	}
	return files, nil
}

// DeleteFilesMeta removes the files-meta file.
func (s *Store) DeleteFilesMeta(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := os.Remove(s.filesMetaPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
