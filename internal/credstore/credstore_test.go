package credstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStore_SaveLoadDelete(t *testing.T) {
	s := New(t.TempDir())

	if data, err := s.Load("s1"); err != nil || data != nil {
		t.Fatalf("expected no credentials, got %q / %v", data, err)
	}

	if err := s.Save("s1", []byte(`{"me":"x"}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !s.Exists("s1") {
		t.Error("expected credentials to exist")
	}
	data, err := s.Load("s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(data) != `{"me":"x"}` {
		t.Errorf("unexpected data: %s", data)
	}

	if err := s.Delete("s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.Exists("s1") {
		t.Error("expected credentials to be gone")
	}
	dir, _ := s.Dir("s1")
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected session dir removed, stat err = %v", err)
	}
}

func TestStore_DeleteMissingIsNoop(t *testing.T) {
	s := New(t.TempDir())
	if err := s.Delete("never-saved"); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestStore_InvalidIDs(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	for _, id := range []string{"", ".", "..", "../escape", "a/b", "with space"} {
		if err := s.Save(id, []byte("x")); !errors.Is(err, ErrInvalidID) {
			t.Errorf("id %q: expected ErrInvalidID, got %v", id, err)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "escape")); err == nil {
		t.Error("path traversal wrote outside root")
	}
}
