package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// StatusFile is written in the pipeline output directory.
const StatusFile = "status.json"

// ErrStatusNotFound is returned when no status snapshot exists yet.
var ErrStatusNotFound = errors.New("engine: status not found")

// StateStore persists status snapshots.
type StateStore interface {
	Load() (Status, error)
	Save(Status) error
}

// Repository stores the status snapshot as JSON.
type Repository struct {
	path string
}

// NewRepository stores status.json inside dir.
func NewRepository(dir string) *Repository {
	return &Repository{path: filepath.Join(dir, StatusFile)}
}

// Path returns the snapshot location.
func (r *Repository) Path() string { return r.path }

// Load reads the persisted snapshot.
func (r *Repository) Load() (Status, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Status{}, ErrStatusNotFound
		}
		return Status{}, fmt.Errorf("engine: read status: %w", err)
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return Status{}, fmt.Errorf("engine: decode status: %w", err)
	}
	return status, nil
}

// Save replaces the snapshot through a temp file and rename.
func (r *Repository) Save(status Status) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("engine: ensure status dir: %w", err)
	}
	encoded, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("engine: encode status: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, append(encoded, '\n'), 0o644); err != nil {
		return fmt.Errorf("engine: write status: %w", err)
	}
	return os.Rename(tmp, r.path)
}
