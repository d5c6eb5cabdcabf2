package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kingrea/ratchet/internal/eventlog"
	"github.com/kingrea/ratchet/internal/integrity"
	"github.com/kingrea/ratchet/internal/machine"
	"github.com/kingrea/ratchet/internal/metrics"
	"github.com/kingrea/ratchet/internal/ratchet"
	"github.com/kingrea/ratchet/internal/store"
	"github.com/kingrea/ratchet/internal/workitem"
)

// TransitionResult is the committed outcome of a transition.
type TransitionResult struct {
	Item     workitem.WorkItem
	Event    eventlog.Event
	Locked   []ratchet.Lock
	Unlocked []ratchet.Lock
	Registry integrity.Registry
}

// Transition validates and applies a stage move. The event, lock changes,
// marker resets, stage update, and refreshed registry commit together.
func (e *Engine) Transition(ctx context.Context, id string, req machine.TransitionRequest) (TransitionResult, error) {
	var result TransitionResult
	err := e.store.Atomically(ctx, func(repo store.Repository) error {
		item, err := repo.GetWorkItem(ctx, id)
		if err != nil {
			return err
		}
		snap, err := e.snapshot(ctx, repo, item)
		if err != nil {
			return err
		}
		plan, err := machine.PlanTransition(e.def, snap, req)
		if err != nil {
			return err
		}
		result, err = e.apply(ctx, repo, item, plan, req)
		return err
	})
	if err != nil {
		metrics.TransitionsRejected.WithLabelValues(rejectReason(err)).Inc()
		e.logger.Warn("transition rejected",
			zap.String("work_item", id),
			zap.String("to", req.To),
			zap.String("actor", req.Actor),
			zap.Error(err),
		)
		return TransitionResult{}, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(result.Event.Kind)).Inc()
	e.logger.Info("transition applied",
		zap.String("work_item", id),
		zap.String("kind", string(result.Event.Kind)),
		zap.String("from", result.Event.FromStage),
		zap.String("to", result.Event.ToStage),
		zap.String("actor", result.Event.Actor),
		zap.Int("locked", len(result.Locked)),
		zap.Int("unlocked", len(result.Unlocked)),
	)
	return result, nil
}

func (e *Engine) apply(ctx context.Context, repo store.Repository, item workitem.WorkItem, plan machine.TransitionPlan, req machine.TransitionRequest) (TransitionResult, error) {
	mgr, err := ratchet.New(repo, ratchet.WithClock(e.clock), ratchet.WithLogger(e.logger))
	if err != nil {
		return TransitionResult{}, err
	}
	evt := eventlog.New(item.ID, plan.Kind, plan.From, plan.To, req.Actor, req.Reason, e.clock())
	for _, target := range plan.Locks {
		evt.Artifacts = append(evt.Artifacts, eventlog.ArtifactChange{
			Path:  target.Path,
			Hash:  target.Hash,
			Glob:  target.Glob,
			Stage: target.Stage,
			Op:    eventlog.OpLock,
		})
	}
	if len(plan.UnlockStages) > 0 {
		scoped, err := mgr.Scoped(ctx, item.ID, plan.UnlockStages)
		if err != nil {
			return TransitionResult{}, err
		}
		for _, lock := range scoped {
			evt.Artifacts = append(evt.Artifacts, eventlog.ArtifactChange{
				Path:  lock.Path,
				Hash:  lock.ApprovedHash,
				Glob:  lock.Glob,
				Stage: lock.Stage,
				Op:    eventlog.OpUnlock,
			})
		}
	}
	stored, err := repo.AppendEvent(ctx, evt)
	if err != nil {
		return TransitionResult{}, err
	}

	result := TransitionResult{Event: stored}
	if plan.Kind == eventlog.KindApprove {
		if result.Locked, err = mgr.Lock(ctx, stored, plan.Locks); err != nil {
			return TransitionResult{}, err
		}
	} else {
		if result.Unlocked, err = mgr.Unlock(ctx, stored, plan.UnlockStages); err != nil {
			return TransitionResult{}, err
		}
	}
	for _, action := range plan.ResetActions {
		if err := repo.ReplaceMarkers(ctx, item.ID, action, nil); err != nil {
			return TransitionResult{}, err
		}
	}

	item.Stage = plan.To
	item.Archived = plan.Archive
	item.UpdatedAt = e.now()
	if err := repo.UpdateWorkItem(ctx, item); err != nil {
		return TransitionResult{}, err
	}
	reg, err := e.refresh(ctx, repo, item)
	if err != nil {
		return TransitionResult{}, err
	}
	result.Item = item
	result.Registry = reg
	return result, nil
}

// SyncToStage moves a work item to target the way a board column change asks
// for: forward one approved step at a time, backward in a single rollback.
// It stops at the first refused step and returns the steps that committed.
// Being at target already is a no-op.
func (e *Engine) SyncToStage(ctx context.Context, id, target, actor, reason string) ([]TransitionResult, error) {
	item, err := e.store.GetWorkItem(ctx, id)
	if err != nil {
		return nil, err
	}
	fromIdx := e.def.Index(item.Stage)
	toIdx := e.def.Index(target)
	if toIdx < 0 {
		return nil, &machine.TransitionError{From: item.Stage, To: target, Reason: "unknown target stage"}
	}
	if fromIdx == toIdx {
		return nil, nil
	}
	if toIdx < fromIdx {
		res, err := e.Transition(ctx, id, machine.TransitionRequest{To: target, Actor: actor, Reason: reason})
		if err != nil {
			return nil, err
		}
		return []TransitionResult{res}, nil
	}
	var results []TransitionResult
	for idx := fromIdx + 1; idx <= toIdx; idx++ {
		res, err := e.Transition(ctx, id, machine.TransitionRequest{To: e.def.Stages[idx].ID, Actor: actor, Reason: reason})
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, machine.ErrStaleArtifactBlock):
		return "stale"
	case errors.Is(err, machine.ErrMissingArtifact):
		return "missing"
	case errors.Is(err, machine.ErrInvalidTransition):
		return "invalid"
	default:
		return "other"
	}
}
