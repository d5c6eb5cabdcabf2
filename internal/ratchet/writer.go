package ratchet

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kingrea/ratchet/internal/workitem"
)

// Writer is the only path producers use to touch workspace files. Every
// write and removal is checked against the lock table first.
type Writer struct {
	manager *Manager
	item    workitem.WorkItem
}

// NewWriter scopes a writer to one work item.
func NewWriter(manager *Manager, item workitem.WorkItem) (*Writer, error) {
	if manager == nil {
		return nil, fmt.Errorf("ratchet: manager is required")
	}
	if item.Workspace == "" {
		return nil, fmt.Errorf("ratchet: work item %s has no workspace", item.ID)
	}
	return &Writer{manager: manager, item: item.Clone()}, nil
}

// WriteFile writes data to a workspace-relative path.
func (w *Writer) WriteFile(ctx context.Context, rel string, data []byte) error {
	key, err := w.manager.Enforce(ctx, w.item, rel)
	if err != nil {
		return err
	}
	target := filepath.Join(w.item.Workspace, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("ratchet: ensure dir for %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".ratchet-*")
	if err != nil {
		return fmt.Errorf("ratchet: stage %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("ratchet: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("ratchet: write %s: %w", key, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("ratchet: chmod %s: %w", key, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("ratchet: commit %s: %w", key, err)
	}
	return nil
}

// Remove deletes a workspace-relative path. Deleting a locked artifact is a
// violation just like overwriting it.
func (w *Writer) Remove(ctx context.Context, rel string) error {
	key, err := w.manager.Enforce(ctx, w.item, rel)
	if err != nil {
		return err
	}
	target := filepath.Join(w.item.Workspace, filepath.FromSlash(key))
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ratchet: remove %s: %w", key, err)
	}
	return nil
}

// ReadFile reads a workspace-relative path. Reads are never restricted but
// still go through path normalization.
func (w *Writer) ReadFile(rel string) ([]byte, error) {
	key, err := NormalizePath(w.item.Workspace, rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(w.item.Workspace, filepath.FromSlash(key)))
}
