package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultLeaseTTL bounds how long a crashed runner can block an action.
const DefaultLeaseTTL = 10 * time.Minute

// ErrLeaseLost is the cancellation cause when a running action's lease could
// not be renewed.
var ErrLeaseLost = errors.New("idempotency: lease lost")

// Lease grants one owner exclusive execution of an action until ExpiresAt.
type Lease struct {
	WorkItemID string    `json:"work_item_id"`
	Action     string    `json:"action"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Epoch      int64     `json:"epoch"`
}

// Expired reports whether the lease is no longer valid at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// MarkerStore persists markers per (work item, action).
type MarkerStore interface {
	ListMarkers(ctx context.Context, workItemID, action string) ([]Marker, error)
	ReplaceMarkers(ctx context.Context, workItemID, action string, markers []Marker) error
}

// LeaseStore grants and releases leases. AcquireLease succeeds when no lease
// exists, the existing lease has expired, or it is held by the same owner.
// GetLease reports false when no lease row exists.
type LeaseStore interface {
	AcquireLease(ctx context.Context, lease Lease) (Lease, bool, error)
	ReleaseLease(ctx context.Context, workItemID, action, owner string) error
	GetLease(ctx context.Context, workItemID, action string) (Lease, bool, error)
}

// Store is everything the coordinator persists.
type Store interface {
	MarkerStore
	LeaseStore
}

// Coordinator guards actions with a lease plus markers.
type Coordinator struct {
	store  Store
	owner  string
	ttl    time.Duration
	clock  func() time.Time
	logger *zap.Logger
}

// Option customizes the coordinator.
type Option func(*Coordinator)

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLeaseTTL overrides DefaultLeaseTTL.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithOwner names this runner in lease records.
func WithOwner(owner string) Option {
	return func(c *Coordinator) {
		if owner = strings.TrimSpace(owner); owner != "" {
			c.owner = owner
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoordinator builds a coordinator over a store.
func NewCoordinator(store Store, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("idempotency: store is required")
	}
	c := &Coordinator{
		store:  store,
		owner:  "runner-" + uuid.NewString()[:8],
		ttl:    DefaultLeaseTTL,
		clock:  time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Owner returns the runner name used in leases.
func (c *Coordinator) Owner() string {
	return c.owner
}

// CanRun resolves the persisted markers against the current lease, writing
// back the collapsed set when resolution healed an inconsistent state. A
// started action whose lease is gone or expired may run.
func (c *Coordinator) CanRun(ctx context.Context, workItemID, action string) (bool, error) {
	res, err := c.resolve(ctx, workItemID, action)
	if err != nil {
		return false, err
	}
	return res.CanRun, nil
}

// State returns the effective marker state without modifying anything.
func (c *Coordinator) State(ctx context.Context, workItemID, action string) (MarkerState, error) {
	markers, err := c.store.ListMarkers(ctx, workItemID, action)
	if err != nil {
		return None, err
	}
	return Resolve(markers).Effective, nil
}

// MarkStarted records that an action instance began.
func (c *Coordinator) MarkStarted(ctx context.Context, workItemID, action string) error {
	return c.mark(ctx, workItemID, action, Started, "")
}

// MarkCompleted collapses markers to a single completed marker.
func (c *Coordinator) MarkCompleted(ctx context.Context, workItemID, action string) error {
	return c.mark(ctx, workItemID, action, Completed, "")
}

// MarkFailed collapses markers to a single failed marker.
func (c *Coordinator) MarkFailed(ctx context.Context, workItemID, action, note string) error {
	return c.mark(ctx, workItemID, action, Failed, note)
}

// Reset clears every marker of an action so it can run again.
func (c *Coordinator) Reset(ctx context.Context, workItemID, action string) error {
	return c.store.ReplaceMarkers(ctx, workItemID, action, nil)
}

// Run executes fn at most once per (work item, action): it acquires the
// lease, consults the markers, marks started, runs fn, records the outcome,
// and releases the lease. A skipped run returns a *ConflictError.
func (c *Coordinator) Run(ctx context.Context, workItemID, action string, fn func(context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("idempotency: action func is required")
	}
	owner := c.owner + "/" + uuid.NewString()[:8]
	now := c.now()
	lease, ok, err := c.store.AcquireLease(ctx, Lease{
		WorkItemID: workItemID,
		Action:     action,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(c.ttl),
	})
	if err != nil {
		return fmt.Errorf("idempotency: acquire lease %s/%s: %w", workItemID, action, err)
	}
	if !ok {
		return &ConflictError{WorkItemID: workItemID, Action: action, State: Started, Reason: "lease held by another runner"}
	}
	defer func() {
		if err := c.store.ReleaseLease(context.WithoutCancel(ctx), workItemID, action, owner); err != nil {
			c.logger.Warn("release lease failed", zap.String("work_item", workItemID), zap.String("action", action), zap.Error(err))
		}
	}()

	markers, err := c.store.ListMarkers(ctx, workItemID, action)
	if err != nil {
		return err
	}
	res := Resolve(markers)
	if res.Effective == Started {
		// Holding the lease means the runner that marked started is gone.
		c.logger.Warn("recovering action abandoned by expired lease",
			zap.String("work_item", workItemID), zap.String("action", action))
		res = Resolution{Effective: Failed, CanRun: true}
	}
	if !res.CanRun {
		return &ConflictError{WorkItemID: workItemID, Action: action, State: res.Effective, Reason: "already completed"}
	}
	if err := c.MarkStarted(ctx, workItemID, action); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := c.heartbeat(runCtx, lease, cancel)
	runErr := fn(runCtx)
	stop()

	if runErr != nil {
		if err := c.MarkFailed(context.WithoutCancel(ctx), workItemID, action, runErr.Error()); err != nil {
			return errors.Join(runErr, err)
		}
		c.logger.Warn("action failed", zap.String("work_item", workItemID), zap.String("action", action), zap.Error(runErr))
		return runErr
	}
	if err := c.MarkCompleted(context.WithoutCancel(ctx), workItemID, action); err != nil {
		return err
	}
	c.logger.Info("action completed", zap.String("work_item", workItemID), zap.String("action", action))
	return nil
}

func (c *Coordinator) heartbeat(ctx context.Context, lease Lease, cancel context.CancelCauseFunc) func() {
	interval := c.ttl / 3
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := c.now()
				renewal := lease
				renewal.AcquiredAt = now
				renewal.ExpiresAt = now.Add(c.ttl)
				if _, ok, err := c.store.AcquireLease(ctx, renewal); err != nil || !ok {
					c.logger.Error("lease renewal failed", zap.String("work_item", lease.WorkItemID), zap.String("action", lease.Action), zap.Error(err))
					cancel(ErrLeaseLost)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (c *Coordinator) resolve(ctx context.Context, workItemID, action string) (Resolution, error) {
	markers, err := c.store.ListMarkers(ctx, workItemID, action)
	if err != nil {
		return Resolution{}, err
	}
	lease, ok, err := c.store.GetLease(ctx, workItemID, action)
	if err != nil {
		return Resolution{}, err
	}
	var held *Lease
	if ok {
		held = &lease
	}
	res := ResolveLeased(markers, held, c.now())
	if res.Abandoned {
		c.logger.Info("started action has no live lease",
			zap.String("work_item", workItemID), zap.String("action", action))
	}
	if res.Healed {
		if err := c.store.ReplaceMarkers(ctx, workItemID, action, res.Keep); err != nil {
			return Resolution{}, err
		}
		c.logger.Info("markers healed",
			zap.String("work_item", workItemID),
			zap.String("action", action),
			zap.Stringer("state", res.Effective),
		)
	}
	return res, nil
}

func (c *Coordinator) mark(ctx context.Context, workItemID, action string, state MarkerState, note string) error {
	marker := Marker{State: state, At: c.now(), Note: note}
	if err := c.store.ReplaceMarkers(ctx, workItemID, action, []Marker{marker}); err != nil {
		return fmt.Errorf("idempotency: mark %s %s/%s: %w", state, workItemID, action, err)
	}
	return nil
}

func (c *Coordinator) now() time.Time {
	if c.clock == nil {
		return time.Now().UTC()
	}
	return c.clock().UTC().Truncate(time.Millisecond)
}
