package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kingrea/ratchet/internal/fanout"
	"github.com/kingrea/ratchet/internal/idempotency"
	"github.com/kingrea/ratchet/internal/integrity"
	"github.com/kingrea/ratchet/internal/metrics"
	"github.com/kingrea/ratchet/internal/workitem"
)

// ErrNoFanOut is returned by FanOut when the work item's stage does not fan
// out, the item is a child, or no spawner is configured.
var ErrNoFanOut = errors.New("runner: no fan-out for work item")

// FanOutReport is the result of one fan-out effect.
type FanOutReport struct {
	Result   fanout.Result
	Parent   workitem.WorkItem
	Children []workitem.WorkItem
	// Skipped is set when an earlier run already completed the fan-out.
	Skipped bool
}

// FanOutAction is the marker name guarding the fan-out of one approved plan.
// A plan approved again with different content gets a fresh marker.
func FanOutAction(stage, planHash string) string {
	if len(planHash) > 12 {
		planHash = planHash[:12]
	}
	return "fan-out:" + stage + "@" + planHash
}

// FanOut spawns board children from the approved plan of the work item's
// current stage and registers them locally. It runs at most once per approved
// plan unless force clears the earlier completion. A plan over the child cap
// is reported once and not retried until a different plan is approved.
func (r *Runner) FanOut(ctx context.Context, id string, force bool) (FanOutReport, error) {
	item, err := r.engine.Get(ctx, id)
	if err != nil {
		return FanOutReport{}, err
	}
	stage, ok := r.engine.Definition().Stage(item.Stage)
	if !ok || stage.FanOut == nil || item.IsChild() || item.Archived || r.spawner == nil {
		return FanOutReport{}, ErrNoFanOut
	}
	reg, err := r.engine.Refresh(ctx, id)
	if err != nil {
		return FanOutReport{}, err
	}
	art, ok := reg.Get(stage.FanOut.Plan)
	if !ok || art.State != integrity.StateApproved {
		return FanOutReport{}, fmt.Errorf("runner: plan %s is not approved", stage.FanOut.Plan)
	}
	action := FanOutAction(stage.ID, art.ApprovedHash)
	if force {
		if err := r.coord.Reset(ctx, id, action); err != nil {
			return FanOutReport{}, err
		}
	}

	report := FanOutReport{Parent: item}
	var flood *fanout.FloodError
	err = r.coord.Run(ctx, id, action, func(ctx context.Context) error {
		plan, err := fanout.LoadPlan(filepath.Join(item.Workspace, filepath.FromSlash(stage.FanOut.Plan)))
		if err != nil {
			return err
		}
		res, err := r.spawner.SpawnChildren(ctx, item, plan)
		report.Result = res
		countChildren(res)
		if errors.As(err, &flood) {
			metrics.FloodRejections.Inc()
			r.comment(ctx, id, fmt.Sprintf("Fan-out refused: %v", flood))
			return nil
		}
		if err != nil {
			return err
		}
		parent, children, err := r.engine.RecordChildren(ctx, id, res.Children)
		if err != nil {
			return err
		}
		report.Parent = parent
		report.Children = children
		return nil
	})

	var conflict *idempotency.ConflictError
	switch {
	case errors.As(err, &conflict):
		report.Skipped = true
		return report, nil
	case err != nil:
		r.logger.Warn("fan-out failed", zap.String("work_item", id), zap.Error(err))
		return report, err
	case flood != nil:
		return report, flood
	}
	r.logger.Info("fan-out recorded",
		zap.String("work_item", id),
		zap.Int("created", report.Result.Created),
		zap.Int("children", len(report.Children)),
	)
	return report, nil
}

func countChildren(res fanout.Result) {
	if res.Created > 0 {
		metrics.FanOutChildren.WithLabelValues("created").Add(float64(res.Created))
	}
	if res.Skipped > 0 {
		metrics.FanOutChildren.WithLabelValues("skipped").Add(float64(res.Skipped))
	}
	if n := len(res.Orphans); n > 0 {
		metrics.FanOutChildren.WithLabelValues("orphan").Add(float64(n))
	}
}
