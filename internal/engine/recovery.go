package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kingrea/ratchet/internal/eventlog"
	"github.com/kingrea/ratchet/internal/ratchet"
	"github.com/kingrea/ratchet/internal/store"
	"github.com/kingrea/ratchet/internal/workitem"
)

// ReplayReport compares the state rebuilt from the event history with the
// persisted manifest and lock table.
type ReplayReport struct {
	WorkItemID  string
	Summary     eventlog.Summary
	StoredStage string
	Stage       string
	Locks       []ratchet.Lock
	Divergences []string
}

// Consistent reports whether stored state matches the history.
func (r ReplayReport) Consistent() bool {
	return len(r.Divergences) == 0
}

// Replay rebuilds stage and locks from the event history without changing
// anything.
func (e *Engine) Replay(ctx context.Context, id string) (ReplayReport, error) {
	report, _, err := e.replay(ctx, e.store, id)
	return report, err
}

// Recover rewrites the stored stage and lock table to match the history.
// The event log is authoritative; a lock record with no event behind it is
// deactivated.
func (e *Engine) Recover(ctx context.Context, id string) (ReplayReport, error) {
	var report ReplayReport
	err := e.store.Atomically(ctx, func(repo store.Repository) error {
		var stored []ratchet.Lock
		var err error
		report, stored, err = e.replay(ctx, repo, id)
		if err != nil {
			return err
		}
		if report.Consistent() {
			return nil
		}
		rebuilt := indexLocks(report.Locks)
		current := indexLocks(stored)
		for _, lock := range report.Locks {
			if have, ok := current[lock.Path]; ok && sameLock(have, lock) {
				continue
			}
			if err := repo.PutLock(ctx, lock); err != nil {
				return err
			}
		}
		now := e.now()
		for _, lock := range stored {
			if _, ok := rebuilt[lock.Path]; ok || !lock.Locked {
				continue
			}
			lock.Locked = false
			lock.UnlockedAt = now
			if err := repo.PutLock(ctx, lock); err != nil {
				return err
			}
		}
		item, err := repo.GetWorkItem(ctx, id)
		if err != nil {
			return err
		}
		if item.Stage != report.Stage {
			item.Stage = report.Stage
			stage, _ := e.def.Stage(report.Stage)
			item.Archived = stage.Terminal
			item.UpdatedAt = now
			if err := repo.UpdateWorkItem(ctx, item); err != nil {
				return err
			}
		}
		_, err = e.refresh(ctx, repo, item)
		return err
	})
	if err != nil {
		return ReplayReport{}, err
	}
	if !report.Consistent() {
		e.logger.Warn("work item recovered from history",
			zap.String("work_item", id),
			zap.Strings("divergences", report.Divergences),
		)
	}
	return report, nil
}

func (e *Engine) replay(ctx context.Context, repo store.Repository, id string) (ReplayReport, []ratchet.Lock, error) {
	item, err := repo.GetWorkItem(ctx, id)
	if err != nil {
		return ReplayReport{}, nil, err
	}
	events, err := repo.ListEvents(ctx, id)
	if err != nil {
		return ReplayReport{}, nil, err
	}
	summary, err := eventlog.Replay(item.Metadata[workitem.MetaInitialStage], events)
	if err != nil {
		return ReplayReport{}, nil, err
	}
	stage := summary.Stage
	if stage == "" {
		stage = item.Stage
	}
	if e.def.Index(stage) < 0 {
		return ReplayReport{}, nil, fmt.Errorf("engine: history of %s ends at unknown stage %s", id, stage)
	}
	stored, err := repo.ListLocks(ctx, id)
	if err != nil {
		return ReplayReport{}, nil, err
	}
	report := ReplayReport{
		WorkItemID:  id,
		Summary:     summary,
		StoredStage: item.Stage,
		Stage:       stage,
		Locks:       ratchet.Rebuild(events),
	}
	if item.Stage != stage {
		report.Divergences = append(report.Divergences, fmt.Sprintf("stage is %s but history ends at %s", item.Stage, stage))
	}
	current := indexLocks(stored)
	for _, lock := range report.Locks {
		have, ok := current[lock.Path]
		switch {
		case !ok:
			report.Divergences = append(report.Divergences, fmt.Sprintf("lock %s is missing", lock.Path))
		case !sameLock(have, lock):
			report.Divergences = append(report.Divergences, fmt.Sprintf("lock %s differs from event %s", lock.Path, lastEventID(lock)))
		}
	}
	rebuilt := indexLocks(report.Locks)
	for _, lock := range stored {
		if _, ok := rebuilt[lock.Path]; !ok && lock.Locked {
			report.Divergences = append(report.Divergences, fmt.Sprintf("lock %s has no approving event", lock.Path))
		}
	}
	return report, stored, nil
}

func indexLocks(locks []ratchet.Lock) map[string]ratchet.Lock {
	out := make(map[string]ratchet.Lock, len(locks))
	for _, lock := range locks {
		out[lock.Path] = lock
	}
	return out
}

func sameLock(a, b ratchet.Lock) bool {
	return a.Locked == b.Locked &&
		a.Glob == b.Glob &&
		a.ApprovedHash == b.ApprovedHash &&
		a.Stage == b.Stage &&
		a.EventID == b.EventID &&
		a.UnlockEventID == b.UnlockEventID
}

func lastEventID(lock ratchet.Lock) string {
	if lock.UnlockEventID != "" {
		return lock.UnlockEventID
	}
	return lock.EventID
}
