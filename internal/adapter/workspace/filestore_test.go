package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"foreman/internal/domain"
	"foreman/internal/usecase/fleet"
)

var _ fleet.WorkspaceStore = (*FileStore)(nil)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func TestFileStore_AppendAndEntries(t *testing.T) {
	s := newTestStore(t)

	for i := 1; i <= 3; i++ {
		entry := domain.WorkspaceEntry{
			MissionID: "m1",
			TaskID:    fmt.Sprintf("t%d", i),
			Author:    "scout",
			Kind:      "result",
			Content:   fmt.Sprintf("finding %d", i),
			CreatedAt: time.Now().UTC(),
		}
		if err := s.Append("m1", entry); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	entries, err := s.Entries("m1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		want := fmt.Sprintf("finding %d", i+1)
		if e.Content != want {
			t.Errorf("entries[%d].Content = %q, want %q", i, e.Content, want)
		}
	}
	if entries[0].Author != "scout" || entries[0].Kind != "result" {
		t.Errorf("entry fields lost: %+v", entries[0])
	}
}

func TestFileStore_EmptyMission(t *testing.T) {
	s := newTestStore(t)

	entries, err := s.Entries("never-seen")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty workspace, got %d entries", len(entries))
	}
}

func TestFileStore_Persistence(t *testing.T) {
	dir := t.TempDir()

	first, err := NewFileStore(dir, slog.Default())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := first.Append("m1", domain.WorkspaceEntry{MissionID: "m1", Author: "a", Content: "survives restarts"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	second, err := NewFileStore(dir, slog.Default())
	if err != nil {
		t.Fatalf("NewFileStore (reopen): %v", err)
	}
	entries, err := second.Entries("m1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "survives restarts" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestFileStore_MissionIsolation(t *testing.T) {
	s := newTestStore(t)

	s.Append("m1", domain.WorkspaceEntry{MissionID: "m1", Author: "a", Content: "one"})
	s.Append("m2", domain.WorkspaceEntry{MissionID: "m2", Author: "b", Content: "two"})

	e1, _ := s.Entries("m1")
	e2, _ := s.Entries("m2")
	if len(e1) != 1 || e1[0].Content != "one" {
		t.Errorf("m1 entries = %+v", e1)
	}
	if len(e2) != 1 || e2[0].Content != "two" {
		t.Errorf("m2 entries = %+v", e2)
	}
}

func TestFileStore_InvalidMissionID(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"", "a/b", `a\b`, "../escape"} {
		if err := s.Append(id, domain.WorkspaceEntry{Content: "x"}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Append(%q) = %v, want ErrInvalidInput", id, err)
		}
		if _, err := s.Entries(id); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Entries(%q) = %v, want ErrInvalidInput", id, err)
		}
	}
}

func TestFileStore_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, slog.Default())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	s.Append("m1", domain.WorkspaceEntry{MissionID: "m1", Author: "a", Content: "good"})

	// Corrupt the file with a truncated line, then keep appending.
	path := filepath.Join(dir, "m1.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString("{\"mission_id\": \"m1\", \"auth\n")
	f.Close()

	s.Append("m1", domain.WorkspaceEntry{MissionID: "m1", Author: "a", Content: "also good"})

	entries, err := s.Entries("m1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after skipping garbage, got %d", len(entries))
	}
	if entries[0].Content != "good" || entries[1].Content != "also good" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestFileStore_Missions(t *testing.T) {
	s := newTestStore(t)

	s.Append("beta", domain.WorkspaceEntry{Author: "a", Content: "x"})
	s.Append("alpha", domain.WorkspaceEntry{Author: "a", Content: "y"})

	ids, err := s.Missions()
	if err != nil {
		t.Fatalf("Missions: %v", err)
	}
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "beta" {
		t.Errorf("ids = %v", ids)
	}
}

func TestFileStore_ConcurrentAppend(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				s.Append("m1", domain.WorkspaceEntry{
					MissionID: "m1",
					Author:    fmt.Sprintf("agent-%d", n),
					Content:   fmt.Sprintf("entry %d/%d", n, j),
				})
			}
		}(i)
	}
	wg.Wait()

	entries, err := s.Entries("m1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 100 {
		t.Errorf("expected 100 entries, got %d", len(entries))
	}
}
