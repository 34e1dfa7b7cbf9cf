package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore persists each session's log as a JSON array file under a single
// directory, one file per session. Appends read the current array, add one
// record, and rewrite the file through a temp-file rename so readers never
// observe a partial write.
type FileStore struct {
	dir string

	// mu guards the per-session lock map, not the files themselves.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the directory if needed and returns a FileStore.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create dir %q: %w", dir, err)
	}
	return &FileStore{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// sessionLock returns the mutex serializing writes for one session.
func (s *FileStore) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// path maps a session ID to its log file. Path separators in IDs are
// flattened so a crafted ID cannot escape the history directory.
func (s *FileStore) path(sessionID string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(sessionID)
	return filepath.Join(s.dir, safe+".json")
}

// Append implements Store.
func (s *FileStore) Append(ctx context.Context, sessionID, role, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	records := s.load(sessionID)
	records = append(records, Record{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal log for %q: %w", sessionID, err)
	}

	// Write to a temp file in the same directory, then rename over the log so
	// concurrent readers see either the old or the new array, never a torn one.
	target := s.path(sessionID)
	tmp, err := os.CreateTemp(s.dir, ".history-*")
	if err != nil {
		return fmt.Errorf("history: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("history: write log for %q: %w", sessionID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("history: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("history: replace log for %q: %w", sessionID, err)
	}
	return nil
}

// Read implements Store.
func (s *FileStore) Read(ctx context.Context, sessionID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.load(sessionID), nil
}

// Recent implements Store.
func (s *FileStore) Recent(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	records, err := s.Read(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return tail(records, limit), nil
}

// Reset implements Store.
func (s *FileStore) Reset(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(sessionID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("history: reset %q: %w", sessionID, err)
	}
	return nil
}

// load reads the session's log file, degrading to an empty slice on any
// failure. A missing file is the normal first-turn case and logs nothing;
// anything else is worth a warning.
func (s *FileStore) load(sessionID string) []Record {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("history: log unreadable, treating as empty", "session", sessionID, "err", err)
		}
		return nil
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		slog.Warn("history: log corrupt, treating as empty", "session", sessionID, "err", err)
		return nil
	}
	return records
}
