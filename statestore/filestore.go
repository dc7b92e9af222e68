package statestore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/stagehand-dev/stagehand/types"
)

const (
	eventLogName   = "events.jsonl"
	checkpointName = "checkpoint.json"
)

// FileStore is a file-backed EventStore. Each run gets its own
// directory under baseDir containing an append-only JSON-lines event
// log and a checkpoint snapshot. Suitable for single-node deployments.
type FileStore struct {
	baseDir string
	logger  *zap.Logger

	mu     sync.Mutex
	logs   map[string]*runLog
	closed bool
}

type runLog struct {
	file    *os.File
	nextSeq uint64
}

// NewFileStore creates (or reopens) a file store rooted at baseDir.
func NewFileStore(baseDir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{
		baseDir: baseDir,
		logger:  logger.With(zap.String("component", "statestore")),
		logs:    make(map[string]*runLog),
	}, nil
}

func (s *FileStore) runDir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}

// openRun opens the run's event log for appending, scanning any
// existing records to continue the sequence. Caller holds s.mu.
func (s *FileStore) openRun(runID string) (*runLog, error) {
	if rl, ok := s.logs[runID]; ok {
		return rl, nil
	}

	dir := s.runDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, eventLogName)
	lastSeq, err := lastSequence(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	rl := &runLog{file: file, nextSeq: lastSeq + 1}
	s.logs[runID] = rl
	return rl, nil
}

// lastSequence scans an existing log for its highest sequence number.
// Returns 0 when the log does not exist or is empty.
func lastSequence(path string) (uint64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var last uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return 0, types.NewErrorf(types.ErrStateStoreRead,
				"corrupt event record at %s:%d", path, line).WithCause(err)
		}
		last = ev.Seq
	}
	if err := scanner.Err(); err != nil {
		return 0, types.NewError(types.ErrStateStoreRead, "scan event log").WithCause(err)
	}
	return last, nil
}

// Append durably records ev, assigning its sequence number. The write
// is flushed with fsync before returning: a successful Append means the
// event survives a crash.
func (s *FileStore) Append(ctx context.Context, ev *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.NewError(types.ErrStateStoreWrite, "store is closed")
	}

	rl, err := s.openRun(ev.RunID)
	if err != nil {
		return types.NewError(types.ErrStateStoreWrite, "open event log").WithCause(err)
	}

	ev.Seq = rl.nextSeq
	data, err := json.Marshal(ev)
	if err != nil {
		return types.NewError(types.ErrStateStoreWrite, "marshal event").WithCause(err)
	}
	data = append(data, '\n')

	if _, err := rl.file.Write(data); err != nil {
		return types.NewError(types.ErrStateStoreWrite, "append event").WithCause(err)
	}
	if err := rl.file.Sync(); err != nil {
		return types.NewError(types.ErrStateStoreWrite, "sync event log").WithCause(err)
	}

	rl.nextSeq++
	return nil
}

// ReadFrom returns all events with Seq > afterSeq in order. A record
// that fails to parse aborts the read, naming file and line.
func (s *FileStore) ReadFrom(ctx context.Context, runID string, afterSeq uint64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(s.runDir(runID), eventLogName)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrStateStoreRead, "open event log").WithCause(err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, types.NewErrorf(types.ErrStateStoreRead,
				"corrupt event record at %s:%d", path, line).WithCause(err)
		}
		if ev.Seq > afterSeq {
			events = append(events, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, types.NewError(types.ErrStateStoreRead, "scan event log").WithCause(err)
	}
	return events, nil
}

// SaveCheckpoint writes the checkpoint to a temp file and atomically
// renames it into place, so a crash mid-write leaves the previous
// checkpoint intact.
func (s *FileStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := s.runDir(cp.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.NewError(types.ErrStateStoreWrite, "create run dir").WithCause(err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return types.NewError(types.ErrStateStoreWrite, "marshal checkpoint").WithCause(err)
	}

	path := filepath.Join(dir, checkpointName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return types.NewError(types.ErrStateStoreWrite, "write checkpoint").WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return types.NewError(types.ErrStateStoreWrite, "rename checkpoint").WithCause(err)
	}

	s.logger.Debug("checkpoint saved",
		zap.String("run_id", cp.RunID),
		zap.Uint64("seq", cp.Seq),
	)
	return nil
}

// LoadCheckpoint returns the run's checkpoint, or nil when none exists.
func (s *FileStore) LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(s.runDir(runID), checkpointName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrStateStoreRead, "read checkpoint").WithCause(err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, types.NewErrorf(types.ErrStateStoreRead,
			"corrupt checkpoint at %s", path).WithCause(err)
	}
	return &cp, nil
}

// ListRuns returns the run ids with state under baseDir.
func (s *FileStore) ListRuns(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, types.NewError(types.ErrStateStoreRead, "list runs").WithCause(err)
	}
	var runs []string
	for _, e := range entries {
		if e.IsDir() {
			runs = append(runs, e.Name())
		}
	}
	return runs, nil
}

// Close flushes and closes all open run logs.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for runID, rl := range s.logs {
		if err := rl.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close log for run %s: %w", runID, err)
		}
	}
	s.logs = nil
	return firstErr
}
