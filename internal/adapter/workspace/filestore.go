// Package workspace persists mission-scoped findings as append-only JSON
// Lines files, one file per mission.
package workspace

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"foreman/internal/domain"
)

// maxLineBytes bounds a single workspace entry on disk.
const maxLineBytes = 4 << 20

// FileStore writes one <missionID>.jsonl file per mission under its base
// directory. Entries are only ever appended; nothing rewrites a line.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger
}

// NewFileStore creates the base directory and returns a store rooted there.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, domain.NewDomainError("FileStore.New", domain.ErrStorage, err.Error())
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Append writes one entry to the mission's file, creating it on first use.
func (s *FileStore) Append(missionID string, entry domain.WorkspaceEntry) error {
	path, err := s.missionPath(missionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return domain.NewDomainError("FileStore.Append", domain.ErrStorage, err.Error())
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(entry); err != nil {
		return domain.NewDomainError("FileStore.Append", domain.ErrStorage, err.Error())
	}
	return nil
}

// Entries reads the mission's file back in append order. A mission with no
// file yet is an empty workspace, not an error. Malformed lines are skipped.
func (s *FileStore) Entries(missionID string) ([]domain.WorkspaceEntry, error) {
	path, err := s.missionPath(missionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.NewDomainError("FileStore.Entries", domain.ErrStorage, err.Error())
	}
	defer f.Close()

	var entries []domain.WorkspaceEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry domain.WorkspaceEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			s.logger.Warn("skipping malformed workspace line", "mission_id", missionID, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, domain.NewDomainError("FileStore.Entries", domain.ErrStorage, err.Error())
	}
	return entries, nil
}

// Missions lists the mission ids that have a workspace file, sorted by name.
func (s *FileStore) Missions() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return nil, domain.NewDomainError("FileStore.Missions", domain.ErrStorage, err.Error())
	}
	ids := make([]string, 0, len(paths))
	for _, p := range paths {
		ids = append(ids, strings.TrimSuffix(filepath.Base(p), ".jsonl"))
	}
	return ids, nil
}

func (s *FileStore) missionPath(missionID string) (string, error) {
	if missionID == "" {
		return "", domain.NewDomainError("FileStore", domain.ErrInvalidInput, "mission id must not be empty")
	}
	if strings.ContainsAny(missionID, `/\`) || strings.Contains(missionID, "..") {
		return "", domain.NewDomainError("FileStore", domain.ErrInvalidInput,
			"mission id "+missionID+" contains invalid path characters")
	}
	return filepath.Join(s.dir, missionID+".jsonl"), nil
}
