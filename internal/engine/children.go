package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kingrea/ratchet/internal/ratchet"
	"github.com/kingrea/ratchet/internal/workitem"
)

// RecordChildren registers a local work item for every fan-out child and
// records the references on the parent. Children that are already registered
// are reused, so recording the same result twice changes nothing. Each new
// child workspace is seeded with the parent's approved artifacts.
func (e *Engine) RecordChildren(ctx context.Context, parentID string, refs []workitem.ChildRef) (workitem.WorkItem, []workitem.WorkItem, error) {
	parent, err := e.store.GetWorkItem(ctx, parentID)
	if err != nil {
		return workitem.WorkItem{}, nil, err
	}
	if parent.IsChild() {
		return workitem.WorkItem{}, nil, fmt.Errorf("engine: %s is a child and cannot record children", parent.ID)
	}
	stage := e.childStage(parent)
	seeds, err := e.approvedFiles(ctx, parent)
	if err != nil {
		return workitem.WorkItem{}, nil, err
	}
	resolved := make([]workitem.ChildRef, 0, len(refs))
	children := make([]workitem.WorkItem, 0, len(refs))
	for _, ref := range refs {
		if strings.TrimSpace(ref.ExternalID) == "" || strings.TrimSpace(ref.AtomicID) == "" {
			return workitem.WorkItem{}, nil, fmt.Errorf("engine: child reference %q is incomplete", ref.Key)
		}
		child, err := e.Register(ctx, RegisterRequest{
			ExternalID: ref.ExternalID,
			Title:      fmt.Sprintf("[%s] %s", ref.AtomicID, parent.Title),
			ParentID:   parent.ID,
			Stage:      stage,
			Workspace:  childWorkspace(parent, ref.AtomicID),
			Metadata: map[string]string{
				workitem.MetaAtomicID:       ref.AtomicID,
				workitem.MetaParentID:       parent.ID,
				workitem.MetaIdempotencyKey: ref.Key,
			},
		})
		if err != nil {
			return workitem.WorkItem{}, nil, err
		}
		if err := e.seed(ctx, parent, child, seeds); err != nil {
			return workitem.WorkItem{}, nil, err
		}
		ref.ID = child.ID
		resolved = append(resolved, ref)
		children = append(children, child)
	}
	updated := parent.WithChildren(resolved...)
	updated.UpdatedAt = e.now()
	if err := e.store.UpdateWorkItem(ctx, updated); err != nil {
		return workitem.WorkItem{}, nil, err
	}
	e.logger.Info("fan-out children recorded",
		zap.String("work_item", parent.ID),
		zap.Int("children", len(children)),
	)
	return updated, children, nil
}

func (e *Engine) childStage(parent workitem.WorkItem) string {
	if stage, ok := e.def.Stage(parent.Stage); ok && stage.FanOut != nil && stage.FanOut.ChildStage != "" {
		return stage.FanOut.ChildStage
	}
	return e.def.First().ID
}

// approvedFiles lists the parent's actively locked literal paths.
func (e *Engine) approvedFiles(ctx context.Context, parent workitem.WorkItem) ([]string, error) {
	locks, err := e.store.ListLocks(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	ratchet.SortLocks(locks)
	var out []string
	for _, lock := range locks {
		if lock.Locked && !lock.Glob {
			out = append(out, lock.Path)
		}
	}
	return out, nil
}

// seed copies files into a child workspace that does not have them yet.
func (e *Engine) seed(ctx context.Context, parent, child workitem.WorkItem, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	mgr, err := e.Ratchet()
	if err != nil {
		return err
	}
	writer, err := ratchet.NewWriter(mgr, child)
	if err != nil {
		return err
	}
	for _, rel := range paths {
		_, err := writer.ReadFile(rel)
		if err == nil {
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		data, err := os.ReadFile(filepath.Join(parent.Workspace, filepath.FromSlash(rel)))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("engine: read parent artifact %s: %w", rel, err)
		}
		if err := writer.WriteFile(ctx, rel, data); err != nil {
			return err
		}
	}
	return nil
}

func childWorkspace(parent workitem.WorkItem, atomicID string) string {
	name := strings.Trim(unsafeName.ReplaceAllString(atomicID, "-"), "-.")
	return filepath.Join(filepath.Dir(parent.Workspace), filepath.Base(parent.Workspace)+"-"+name)
}
