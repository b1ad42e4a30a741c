package metastore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(filepath.Join(t.TempDir(), "data", "sessions.json"), logger)
}

func readIDs(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read meta file: %v", err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		t.Fatalf("decode meta file: %v", err)
	}
	return ids
}

func TestStore_Load_MissingFile(t *testing.T) {
	s := newTestStore(t)
	if ids := s.Load(); len(ids) != 0 {
		t.Errorf("expected empty list, got %v", ids)
	}
}

func TestStore_Load_Malformed(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(filepath.Dir(s.Path()), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if ids := s.Load(); len(ids) != 0 {
		t.Errorf("expected empty list, got %v", ids)
	}
}

func TestStore_PersistSync_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	var notified []string
	s.OnPersisted = func(ids []string) { notified = ids }

	s.PersistSync([]string{"s1", "s2"})

	if got := readIDs(t, s.Path()); !slices.Equal(got, []string{"s1", "s2"}) {
		t.Errorf("unexpected file contents: %v", got)
	}
	if got := s.Load(); !slices.Equal(got, []string{"s1", "s2"}) {
		t.Errorf("unexpected load result: %v", got)
	}
	if !slices.Equal(notified, []string{"s1", "s2"}) {
		t.Errorf("expected persisted hook, got %v", notified)
	}
}

func TestStore_PersistSync_LeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	s.PersistSync([]string{"a"})
	s.PersistSync([]string{"a", "b"})

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

func TestStore_PersistAsync_ConcurrentWriters(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.PersistAsync([]string{fmt.Sprintf("s%d", i)})
		}(i)
	}
	wg.Wait()
	s.Wait()

	// Whichever write landed last, the file is a complete snapshot.
	got := readIDs(t, s.Path())
	if len(got) != 1 || !strings.HasPrefix(got[0], "s") {
		t.Errorf("expected a single complete snapshot, got %v", got)
	}
}

func TestStore_LaterSnapshotWins(t *testing.T) {
	s := newTestStore(t)

	for i := 1; i <= 10; i++ {
		ids := make([]string, i)
		for j := range ids {
			ids[j] = fmt.Sprintf("s%d", j)
		}
		s.PersistAsync(ids)
	}
	s.PersistSync([]string{"final"})
	s.Wait()

	got := readIDs(t, s.Path())
	if len(got) != 1 || got[0] != "final" {
		t.Errorf("expected the last snapshot, got %v", got)
	}
}

func TestStore_PersistSync_UnwritableDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := New(filepath.Join(blocker, "sessions.json"), logger)

	called := false
	s.OnPersisted = func([]string) { called = true }

	// Must not panic or return an error; failure is only logged.
	s.PersistSync([]string{"x"})
	if called {
		t.Error("persisted hook should not fire on failure")
	}
}
