// Package credstore keeps each session's credential blob in its own directory.
package credstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

const (
	dirMode  = 0o700
	fileMode = 0o600
	credFile = "creds.json"
)

// ErrInvalidID is returned for session ids that cannot name a directory.
var ErrInvalidID = errors.New("invalid session id")

var validID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidID reports whether id is usable as a session id.
func ValidID(id string) bool {
	return validID.MatchString(id) && id != "." && id != ".."
}

// Store reads and writes credentials under root/<session-id>/.
type Store struct {
	root string
	mu   sync.RWMutex
}

// New creates a store rooted at dir.
func New(dir string) *Store {
	return &Store{root: filepath.Clean(dir)}
}

// Dir returns the directory holding a session's credentials.
func (s *Store) Dir(id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.root, id), nil
}

// Load returns the stored blob, or nil if the session has none yet.
func (s *Store) Load(id string) ([]byte, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(dir, credFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credentials %q: %w", id, err)
	}
	return data, nil
}

// Save replaces the stored blob via a temp file and rename.
func (s *Store) Save(id string, blob []byte) error {
	dir, err := s.Dir(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	tmp := filepath.Join(dir, credFile+".tmp")
	if err := os.WriteFile(tmp, blob, fileMode); err != nil {
		return fmt.Errorf("write credentials %q: %w", id, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, credFile)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace credentials %q: %w", id, err)
	}
	return nil
}

// Exists reports whether credentials are stored for id.
func (s *Store) Exists(id string) bool {
	dir, err := s.Dir(id)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(filepath.Join(dir, credFile))
	return err == nil
}

// Delete removes the session's whole credential directory. Deleting a
// session with no credentials is not an error.
func (s *Store) Delete(id string) error {
	dir, err := s.Dir(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete credentials %q: %w", id, err)
	}
	return nil
}
