// Package runner executes automated producer actions. The poll loop and the
// board event handler both funnel into Process, and every action runs under
// the idempotency coordinator's lease so concurrent triggers for the same
// work item and action produce one execution.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kingrea/ratchet/internal/board"
	"github.com/kingrea/ratchet/internal/engine"
	"github.com/kingrea/ratchet/internal/fanout"
	"github.com/kingrea/ratchet/internal/idempotency"
	"github.com/kingrea/ratchet/internal/machine"
	"github.com/kingrea/ratchet/internal/metrics"
	"github.com/kingrea/ratchet/internal/workitem"
)

const (
	// DefaultPollInterval is how often Poll scans for runnable work.
	DefaultPollInterval = 30 * time.Second

	// Actor is recorded on transitions the runner issues itself.
	Actor = "ratchet-runner"

	// FailedTag marks a board card whose last action failed.
	FailedTag = "ratchet:failed"

	kickBuffer = 64
)

// Status summarizes what Process did.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusIdle      Status = "idle"
)

// Outcome reports one Process call.
type Outcome struct {
	WorkItemID string
	Stage      string
	Action     string
	Status     Status
	Reason     string
	// Advanced is set when auto-advance moved the work item.
	Advanced string
}

// Runner drives automated actions for registered work items.
type Runner struct {
	engine   *engine.Engine
	coord    *idempotency.Coordinator
	actions  map[string]Action
	fallback Action
	provider board.Provider
	stages   board.StageMap
	spawner  *fanout.Spawner
	limiter  *rate.Limiter
	interval time.Duration
	recent   *window
	kick     chan string
	logger   *zap.Logger
}

// Option customizes the runner.
type Option func(*Runner)

// WithAction registers the action run for a stage action name.
func WithAction(name string, action Action) Option {
	return func(r *Runner) {
		if name != "" && action != nil {
			r.actions[name] = action
		}
	}
}

// WithDefaultAction sets the action used when no named action matches.
func WithDefaultAction(action Action) Option {
	return func(r *Runner) {
		r.fallback = action
	}
}

// WithBoard mirrors state to a board and enables event handling.
func WithBoard(provider board.Provider, stages board.StageMap) Option {
	return func(r *Runner) {
		r.provider = provider
		r.stages = stages
	}
}

// WithSpawner enables fan-out on stages that declare it.
func WithSpawner(spawner *fanout.Spawner) Option {
	return func(r *Runner) {
		r.spawner = spawner
	}
}

// WithRateLimit bounds how many work items Poll handles per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Runner) {
		if perSecond > 0 {
			if burst <= 0 {
				burst = 1
			}
			r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithDedupeWindow controls how many recent event ids are retained.
func WithDedupeWindow(size int) Option {
	return func(r *Runner) {
		r.recent = newWindow(size)
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New wires a runner to an engine and a coordinator.
func New(eng *engine.Engine, coord *idempotency.Coordinator, opts ...Option) (*Runner, error) {
	if eng == nil {
		return nil, fmt.Errorf("runner: engine is required")
	}
	if coord == nil {
		return nil, fmt.Errorf("runner: coordinator is required")
	}
	r := &Runner{
		engine:   eng,
		coord:    coord,
		actions:  map[string]Action{},
		limiter:  rate.NewLimiter(rate.Inf, 1),
		interval: DefaultPollInterval,
		recent:   newWindow(defaultDedupeWindow),
		kick:     make(chan string, kickBuffer),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.spawner != nil && r.provider == nil {
		return nil, fmt.Errorf("runner: fan-out requires a board provider")
	}
	return r, nil
}

// Process runs the next automated action of a work item, if one is due. A
// run skipped because another runner holds or finished it is not an error.
func (r *Runner) Process(ctx context.Context, id string) (Outcome, error) {
	decision, err := r.engine.Next(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{WorkItemID: id, Stage: decision.Stage, Action: decision.Action, Reason: decision.Reason}
	if !decision.Run {
		out.Status = StatusIdle
		return out, nil
	}
	action, ok := r.actions[decision.Action]
	if !ok {
		action = r.fallback
	}
	if action == nil {
		out.Status = StatusIdle
		out.Reason = fmt.Sprintf("no action registered for %s", decision.Action)
		return out, nil
	}

	start := time.Now()
	runErr := r.coord.Run(ctx, id, decision.Action, func(ctx context.Context) error {
		return r.runAction(ctx, id, action)
	})
	metrics.ActionDuration.WithLabelValues(decision.Action).Observe(time.Since(start).Seconds())

	var conflict *idempotency.ConflictError
	switch {
	case errors.As(runErr, &conflict):
		out.Status = StatusSkipped
		out.Reason = conflict.Error()
		metrics.ActionRuns.WithLabelValues(decision.Action, string(StatusSkipped)).Inc()
		return out, nil
	case runErr != nil:
		out.Status = StatusFailed
		out.Reason = runErr.Error()
		metrics.ActionRuns.WithLabelValues(decision.Action, string(StatusFailed)).Inc()
		r.reportFailure(ctx, id, decision.Action, runErr)
		return out, runErr
	}
	out.Status = StatusCompleted
	metrics.ActionRuns.WithLabelValues(decision.Action, string(StatusCompleted)).Inc()
	r.clearFailure(ctx, id)
	advanced, err := r.autoAdvance(ctx, id)
	if err != nil {
		r.logger.Warn("auto-advance refused", zap.String("work_item", id), zap.Error(err))
		r.comment(ctx, id, fmt.Sprintf("Auto-advance refused: %v", err))
	}
	out.Advanced = advanced
	return out, nil
}

func (r *Runner) runAction(ctx context.Context, id string, action Action) error {
	snap, err := r.engine.Snapshot(ctx, id)
	if err != nil {
		return err
	}
	stage, ok := r.engine.Definition().Stage(snap.Item.Stage)
	if !ok {
		return fmt.Errorf("runner: unknown stage %s", snap.Item.Stage)
	}
	writer, err := r.engine.Writer(ctx, id)
	if err != nil {
		return err
	}
	return action.Run(ctx, Env{Item: snap.Item, Stage: stage, Registry: snap.Registry, Writer: writer})
}

// autoAdvance moves a work item whose stage auto-advances into the next
// stage. A gate is never entered automatically.
func (r *Runner) autoAdvance(ctx context.Context, id string) (string, error) {
	item, err := r.engine.Get(ctx, id)
	if err != nil {
		return "", err
	}
	def := r.engine.Definition()
	stage, ok := def.Stage(item.Stage)
	if !ok || !stage.AutoAdvance {
		return "", nil
	}
	next, ok := def.Next(stage.ID)
	if !ok || next.IsGate() {
		return "", nil
	}
	res, err := r.engine.Transition(ctx, id, machine.TransitionRequest{To: next.ID, Actor: Actor, Reason: "auto-advance"})
	if err != nil {
		return "", err
	}
	r.mirror(ctx, res.Item)
	return next.ID, nil
}

// PollOnce processes every active work item once: pending fan-out first,
// then the next action. Errors are collected rather than stopping the pass.
func (r *Runner) PollOnce(ctx context.Context) ([]Outcome, error) {
	items, err := r.engine.List(ctx)
	if err != nil {
		return nil, err
	}
	var outcomes []Outcome
	var errs []error
	for _, item := range items {
		if item.Archived {
			continue
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return outcomes, err
		}
		out, err := r.step(ctx, item)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", item.ID, err))
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, errors.Join(errs...)
}

func (r *Runner) step(ctx context.Context, item workitem.WorkItem) (Outcome, error) {
	if _, err := r.FanOut(ctx, item.ID, false); err != nil && !errors.Is(err, ErrNoFanOut) {
		return Outcome{WorkItemID: item.ID, Stage: item.Stage, Status: StatusFailed, Reason: err.Error()}, err
	}
	return r.Process(ctx, item.ID)
}

// Kick asks the poll loop to look at one work item soon. It never blocks;
// when the queue is full the next scheduled pass picks the item up.
func (r *Runner) Kick(id string) {
	select {
	case r.kick <- id:
	default:
	}
}

// Poll runs PollOnce every interval and handles kicked work items in
// between until ctx is done.
func (r *Runner) Poll(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.pass(ctx)
		case id := <-r.kick:
			item, err := r.engine.Get(ctx, id)
			if err != nil {
				r.logger.Warn("kicked work item not found", zap.String("work_item", id), zap.Error(err))
				continue
			}
			if _, err := r.step(ctx, item); err != nil {
				r.logger.Warn("kicked work item failed", zap.String("work_item", id), zap.Error(err))
			}
		}
	}
}

func (r *Runner) pass(ctx context.Context) {
	outcomes, err := r.PollOnce(ctx)
	if err != nil && ctx.Err() == nil {
		r.logger.Warn("poll pass finished with errors", zap.Error(err))
	}
	for _, out := range outcomes {
		if out.Status == StatusCompleted || out.Status == StatusFailed {
			r.logger.Info("poll outcome",
				zap.String("work_item", out.WorkItemID),
				zap.String("action", out.Action),
				zap.String("status", string(out.Status)),
			)
		}
	}
}

func (r *Runner) reportFailure(ctx context.Context, id, action string, err error) {
	item, getErr := r.engine.Get(ctx, id)
	if getErr != nil || r.provider == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if tagErr := r.provider.AddTag(ctx, item.ExternalID, FailedTag); tagErr != nil {
		r.logger.Warn("tag failed card", zap.String("card", item.ExternalID), zap.Error(tagErr))
	}
	r.comment(ctx, id, fmt.Sprintf("Action %s failed: %v", action, err))
}

func (r *Runner) clearFailure(ctx context.Context, id string) {
	item, err := r.engine.Get(ctx, id)
	if err != nil || r.provider == nil {
		return
	}
	if err := r.provider.RemoveTag(ctx, item.ExternalID, FailedTag); err != nil {
		r.logger.Debug("clear failure tag", zap.String("card", item.ExternalID), zap.Error(err))
	}
}

func (r *Runner) comment(ctx context.Context, id, body string) {
	if r.provider == nil {
		return
	}
	item, err := r.engine.Get(ctx, id)
	if err != nil {
		return
	}
	if err := r.provider.PostComment(context.WithoutCancel(ctx), item.ExternalID, body); err != nil {
		r.logger.Warn("post board comment", zap.String("card", item.ExternalID), zap.Error(err))
	}
}

// mirror moves the board card to the column of the item's stage.
func (r *Runner) mirror(ctx context.Context, item workitem.WorkItem) {
	if r.provider == nil {
		return
	}
	if err := r.provider.UpdateState(ctx, item.ExternalID, r.stages.Column(item.Stage)); err != nil {
		r.logger.Warn("mirror board state", zap.String("card", item.ExternalID), zap.Error(err))
	}
}
