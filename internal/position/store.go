// Package position persists how far into a source file the pipeline has
// exported, so restarts resume at the next unacknowledged line.
package position

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Position records exported progress for one file identity. Device and
// Inode identify the underlying file so a stored offset is never replayed
// against a rotated replacement.
type Position struct {
	Path   string `json:"path"`
	Device uint64 `json:"device"`
	Inode  uint64 `json:"inode"`
	Offset int64  `json:"offset"`
	Line   int64  `json:"line"`
}

// Store reads and writes Position records under a state directory, one
// JSON file per source path.
type Store struct {
	dir string
}

// NewStore creates the state directory if needed and returns a Store.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Load returns the stored position for a source path. The second return is
// false when no record exists yet, in which case the zero position is
// returned.
func (s *Store) Load(path string) (Position, bool, error) {
	data, err := os.ReadFile(s.recordPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return Position{Path: path}, false, nil
	}
	if err != nil {
		return Position{}, false, fmt.Errorf("failed to read position record: %w", err)
	}

	var pos Position
	if err := json.Unmarshal(data, &pos); err != nil {
		return Position{}, false, fmt.Errorf("position record is corrupt: %w", err)
	}
	return pos, true, nil
}

// Save durably overwrites the record for the position's path. The record is
// written to a temporary file, synced, then renamed over the old one so an
// interrupted save leaves either the old or the new value.
func (s *Store) Save(pos Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("failed to encode position record: %w", err)
	}

	target := s.recordPath(pos.Path)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(target)+".tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary position record: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpName, target)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to persist position record: %w", err)
	}
	return nil
}

func (s *Store) recordPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	sum := sha256.Sum256([]byte(path))
	return filepath.Join(s.dir, fmt.Sprintf("%x.json", sum[:8]))
}
