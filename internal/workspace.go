package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Workspace manages per-job scratch directories under one staging root.
type Workspace struct {
	Root string
}

// Prepare creates the staging root if needed and removes every entry in it
// except the directories named in keep.
func (w *Workspace) Prepare(keep ...string) error {
	if err := os.MkdirAll(w.Root, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace root: %w", err)
	}
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		return fmt.Errorf("failed to read workspace root: %w", err)
	}
	skip := make(map[string]bool, len(keep))
	for _, name := range keep {
		skip[name] = true
	}
	var errs []error
	for _, entry := range entries {
		if skip[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.Root, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Allocate creates an empty directory for the job.
func (w *Workspace) Allocate(id uuid.UUID) (string, error) {
	dir := w.Path(id)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to reset workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return dir, nil
}

// Path returns the job's directory whether or not it exists.
func (w *Workspace) Path(id uuid.UUID) string {
	return filepath.Join(w.Root, id.String())
}

// Dispose removes dir and everything in it. A missing dir is not an error.
func (w *Workspace) Dispose(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}
