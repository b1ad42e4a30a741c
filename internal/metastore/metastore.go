// Package metastore persists the set of known session ids across restarts.
package metastore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	renameAttempts = 4
	renameBackoff  = 50 * time.Millisecond
)

// Store reads and writes a JSON array of session ids. Every write replaces the
// whole file through a temp file and an atomic rename. Snapshots are numbered
// in call order and a write is skipped once a later snapshot has landed.
type Store struct {
	path   string
	logger *slog.Logger

	// OnPersisted is called with the snapshot after each successful write.
	OnPersisted func(ids []string)

	seq     atomic.Uint64
	writeMu sync.Mutex
	written uint64

	wg sync.WaitGroup
}

// New creates a store for the given file path.
func New(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With("component", "metastore"),
	}
}

// Path returns the file the store writes to.
func (s *Store) Path() string { return s.path }

// Load returns the persisted ids. A missing or malformed file yields an empty list.
func (s *Store) Load() []string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("read meta file failed", "path", s.path, "error", err)
		}
		return []string{}
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		s.logger.Warn("meta file is malformed, starting empty", "path", s.path, "error", err)
		return []string{}
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// PersistSync writes ids and returns once the rename has been attempted.
// Failures are logged, not returned.
func (s *Store) PersistSync(ids []string) {
	snapshot := append([]string(nil), ids...)
	seq := s.seq.Add(1)
	ok, err := s.writeSeq(seq, snapshot)
	if err != nil {
		s.logger.Error("persist meta failed", "path", s.path, "error", err)
		return
	}
	if ok {
		s.persisted(snapshot)
	}
}

// PersistAsync writes ids in the background.
func (s *Store) PersistAsync(ids []string) {
	snapshot := append([]string(nil), ids...)
	seq := s.seq.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ok, err := s.writeSeq(seq, snapshot)
		if err != nil {
			s.logger.Warn("async persist meta failed", "path", s.path, "error", err)
			return
		}
		if ok {
			s.persisted(snapshot)
		}
	}()
}

// Wait blocks until all background writes have finished.
func (s *Store) Wait() {
	s.wg.Wait()
}

func (s *Store) persisted(ids []string) {
	s.logger.Debug("meta persisted", "count", len(ids))
	if s.OnPersisted != nil {
		s.OnPersisted(ids)
	}
}

// writeSeq writes snapshot number seq unless a later one was already written.
func (s *Store) writeSeq(seq uint64, ids []string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if seq < s.written {
		s.logger.Debug("meta snapshot superseded", "seq", seq, "written", s.written)
		return false, nil
	}
	if err := s.write(ids); err != nil {
		return false, err
	}
	s.written = seq
	return true, nil
}

func (s *Store) write(ids []string) error {
	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ids: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create meta dir: %w", err)
	}

	tmp, err := writeTemp(dir, filepath.Base(s.path), data)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= renameAttempts; attempt++ {
		if _, statErr := os.Stat(tmp); errors.Is(statErr, fs.ErrNotExist) {
			// Someone removed our temp file between attempts; write it again.
			if tmp, err = writeTemp(dir, filepath.Base(s.path), data); err != nil {
				return err
			}
		}
		if lastErr = os.Rename(tmp, s.path); lastErr == nil {
			syncDir(dir)
			return nil
		}
		s.logger.Debug("meta rename failed, retrying", "attempt", attempt, "error", lastErr)
		time.Sleep(renameBackoff * time.Duration(attempt))
	}

	_ = os.Remove(tmp)
	return fmt.Errorf("rename meta file after %d attempts: %w", renameAttempts, lastErr)
}

// writeTemp writes data to a fresh temp file next to the target so that
// concurrent writers never share a temp path.
func writeTemp(dir, base string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, base+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp meta file: %w", err)
	}
	name := f.Name()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("write temp meta file: %w", err)
	}
	_ = f.Sync() // best-effort; not every filesystem supports fsync
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close temp meta file: %w", err)
	}
	return name, nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
