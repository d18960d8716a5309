package tutorbot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/shaharia-lab/tutorbot/observability"
)

// DefaultSnapshotPath is where the file snapshot lives when no path is configured.
const DefaultSnapshotPath = "sessions.json"

// FileSnapshotStorage keeps the snapshot as a single pretty-printed JSON document on disk.
// Writes go to a temp file in the same directory and are renamed into place.
type FileSnapshotStorage struct {
	path   string
	mu     sync.Mutex
	logger observability.Logger
}

// NewFileSnapshotStorage creates a file-backed SnapshotStorage at path.
func NewFileSnapshotStorage(path string, logger observability.Logger) *FileSnapshotStorage {
	if path == "" {
		path = DefaultSnapshotPath
	}
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	return &FileSnapshotStorage{path: path, logger: logger}
}

// Path returns the snapshot file location.
func (f *FileSnapshotStorage) Path() string {
	return f.path
}

// Load reads and decodes the snapshot file.
func (f *FileSnapshotStorage) Load(ctx context.Context) (map[string]*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot %s: %w", f.path, err)
	}

	sessions, dropped, err := decodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	for _, key := range dropped {
		f.logger.WithContext(ctx).WithFields(map[string]interface{}{
			observability.ContactLogField: key,
			"path":                        f.path,
		}).Warn("Dropping malformed snapshot entry")
	}

	return sessions, nil
}

// Save atomically replaces the snapshot file.
func (f *FileSnapshotStorage) Save(_ context.Context, sessions map[string]*Session) error {
	data, err := encodeSnapshot(sessions)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot into place: %w", err)
	}

	return nil
}
