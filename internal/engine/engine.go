package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kingrea/ratchet/internal/eventlog"
	"github.com/kingrea/ratchet/internal/idempotency"
	"github.com/kingrea/ratchet/internal/integrity"
	"github.com/kingrea/ratchet/internal/lifecycle"
	"github.com/kingrea/ratchet/internal/machine"
	"github.com/kingrea/ratchet/internal/metrics"
	"github.com/kingrea/ratchet/internal/ratchet"
	"github.com/kingrea/ratchet/internal/store"
	"github.com/kingrea/ratchet/internal/workitem"
)

// Engine coordinates the lifecycle definition with persisted work item state.
type Engine struct {
	def     lifecycle.Definition
	store   store.Store
	tracker *integrity.Tracker
	root    string
	clock   func() time.Time
	logger  *zap.Logger
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithWorkspaceRoot sets the directory new workspaces are created under.
func WithWorkspaceRoot(dir string) Option {
	return func(e *Engine) {
		if strings.TrimSpace(dir) != "" {
			e.root = dir
		}
	}
}

// New wires an engine to a lifecycle definition and a store.
func New(def lifecycle.Definition, st store.Store, opts ...Option) (*Engine, error) {
	if len(def.Stages) == 0 {
		return nil, fmt.Errorf("engine: lifecycle definition is required")
	}
	if st == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	e := &Engine{
		def:    def,
		store:  st,
		root:   "workspaces",
		clock:  time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.tracker = integrity.NewTracker(def, integrity.WithClock(e.clock), integrity.WithLogger(e.logger))
	return e, nil
}

// Definition returns the lifecycle the engine enforces.
func (e *Engine) Definition() lifecycle.Definition {
	return e.def
}

// Store returns the backing store.
func (e *Engine) Store() store.Store {
	return e.store
}

// RegisterRequest describes a work item to start tracking.
type RegisterRequest struct {
	ExternalID string
	Title      string
	ParentID   string
	// Stage defaults to the first lifecycle stage.
	Stage string
	// Workspace defaults to a directory under the workspace root.
	Workspace string
	Metadata  map[string]string
}

// Register creates a work item, or returns the existing one when the external
// id is already registered.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (workitem.WorkItem, error) {
	externalID := strings.TrimSpace(req.ExternalID)
	if externalID == "" {
		return workitem.WorkItem{}, fmt.Errorf("engine: external id is required")
	}
	existing, err := e.store.GetWorkItemByExternalID(ctx, externalID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, workitem.ErrNotFound) {
		return workitem.WorkItem{}, err
	}
	stage := strings.TrimSpace(req.Stage)
	if stage == "" {
		stage = e.def.First().ID
	}
	if _, ok := e.def.Stage(stage); !ok {
		return workitem.WorkItem{}, &machine.TransitionError{From: stage, To: stage, Reason: "unknown stage"}
	}
	now := e.now()
	item := workitem.WorkItem{
		ID:         uuid.NewString(),
		ExternalID: externalID,
		ParentID:   strings.TrimSpace(req.ParentID),
		Title:      strings.TrimSpace(req.Title),
		Stage:      stage,
		Workspace:  req.Workspace,
		Metadata:   workitem.CloneMetadata(req.Metadata),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if item.Metadata == nil {
		item.Metadata = map[string]string{}
	}
	item.Metadata[workitem.MetaInitialStage] = stage
	if item.Workspace == "" {
		item.Workspace = filepath.Join(e.root, workspaceName(item))
	}
	abs, err := filepath.Abs(item.Workspace)
	if err != nil {
		return workitem.WorkItem{}, fmt.Errorf("engine: resolve workspace: %w", err)
	}
	item.Workspace = abs
	if err := os.MkdirAll(item.Workspace, 0o755); err != nil {
		return workitem.WorkItem{}, fmt.Errorf("engine: create workspace: %w", err)
	}
	if err := e.store.CreateWorkItem(ctx, item); err != nil {
		// A concurrent register of the same external id won the insert.
		if winner, lookupErr := e.store.GetWorkItemByExternalID(ctx, externalID); lookupErr == nil {
			return winner, nil
		}
		return workitem.WorkItem{}, err
	}
	e.logger.Info("work item registered",
		zap.String("work_item", item.ID),
		zap.String("external_id", item.ExternalID),
		zap.String("stage", item.Stage),
	)
	return item, nil
}

// Get loads a work item by internal id.
func (e *Engine) Get(ctx context.Context, id string) (workitem.WorkItem, error) {
	return e.store.GetWorkItem(ctx, id)
}

// Lookup loads a work item by its board id.
func (e *Engine) Lookup(ctx context.Context, externalID string) (workitem.WorkItem, error) {
	return e.store.GetWorkItemByExternalID(ctx, externalID)
}

// Resolve accepts either an internal or a board id.
func (e *Engine) Resolve(ctx context.Context, ref string) (workitem.WorkItem, error) {
	item, err := e.store.GetWorkItem(ctx, ref)
	if err == nil || !errors.Is(err, workitem.ErrNotFound) {
		return item, err
	}
	return e.store.GetWorkItemByExternalID(ctx, ref)
}

// List returns every registered work item.
func (e *Engine) List(ctx context.Context) ([]workitem.WorkItem, error) {
	return e.store.ListWorkItems(ctx)
}

// Refresh rehashes the workspace, classifies it against the lock table, and
// persists the registry.
func (e *Engine) Refresh(ctx context.Context, id string) (integrity.Registry, error) {
	item, err := e.store.GetWorkItem(ctx, id)
	if err != nil {
		return integrity.Registry{}, err
	}
	return e.refresh(ctx, e.store, item)
}

func (e *Engine) refresh(ctx context.Context, repo store.Repository, item workitem.WorkItem) (integrity.Registry, error) {
	locks, err := repo.ListLocks(ctx, item.ID)
	if err != nil {
		return integrity.Registry{}, err
	}
	reg, err := e.tracker.Refresh(ctx, item, locks)
	if err != nil {
		return integrity.Registry{}, err
	}
	if err := repo.SaveRegistry(ctx, reg); err != nil {
		return integrity.Registry{}, err
	}
	metrics.StaleArtifacts.WithLabelValues(item.ID).Set(float64(len(reg.Stale())))
	return reg, nil
}

// Snapshot gathers the manifest, markers, and a fresh registry of a work item.
func (e *Engine) Snapshot(ctx context.Context, id string) (machine.Snapshot, error) {
	item, err := e.store.GetWorkItem(ctx, id)
	if err != nil {
		return machine.Snapshot{}, err
	}
	return e.snapshot(ctx, e.store, item)
}

func (e *Engine) snapshot(ctx context.Context, repo store.Repository, item workitem.WorkItem) (machine.Snapshot, error) {
	reg, err := e.refresh(ctx, repo, item)
	if err != nil {
		return machine.Snapshot{}, err
	}
	snap := machine.Snapshot{
		Item:     item,
		Markers:  map[string][]idempotency.Marker{},
		Leases:   map[string]idempotency.Lease{},
		Registry: reg,
		Now:      e.now(),
	}
	for _, action := range e.def.Actions() {
		markers, err := repo.ListMarkers(ctx, item.ID, action)
		if err != nil {
			return machine.Snapshot{}, err
		}
		if len(markers) == 0 {
			continue
		}
		snap.Markers[action] = markers
		lease, ok, err := repo.GetLease(ctx, item.ID, action)
		if err != nil {
			return machine.Snapshot{}, err
		}
		if ok {
			snap.Leases[action] = lease
		}
	}
	return snap, nil
}

// Next evaluates which automated action, if any, should run.
func (e *Engine) Next(ctx context.Context, id string) (machine.Decision, error) {
	snap, err := e.Snapshot(ctx, id)
	if err != nil {
		return machine.Decision{}, err
	}
	return machine.Evaluate(e.def, snap), nil
}

// GateCheck verifies a stage's preconditions for the work item. An empty
// stage checks the current one.
func (e *Engine) GateCheck(ctx context.Context, id, stage string) error {
	snap, err := e.Snapshot(ctx, id)
	if err != nil {
		return err
	}
	if strings.TrimSpace(stage) == "" {
		stage = snap.Item.Stage
	}
	return machine.GateCheck(e.def, snap, stage)
}

// History returns the ordered approval events of a work item.
func (e *Engine) History(ctx context.Context, id string) ([]eventlog.Event, error) {
	return e.store.ListEvents(ctx, id)
}

// Locks returns the lock table of a work item.
func (e *Engine) Locks(ctx context.Context, id string) ([]ratchet.Lock, error) {
	locks, err := e.store.ListLocks(ctx, id)
	if err != nil {
		return nil, err
	}
	ratchet.SortLocks(locks)
	return locks, nil
}

// Ratchet returns a lock manager over the engine's store.
func (e *Engine) Ratchet() (*ratchet.Manager, error) {
	return ratchet.New(e.store, ratchet.WithClock(e.clock), ratchet.WithLogger(e.logger))
}

// Writer returns a ratchet-guarded writer for the work item's workspace.
func (e *Engine) Writer(ctx context.Context, id string) (*ratchet.Writer, error) {
	item, err := e.store.GetWorkItem(ctx, id)
	if err != nil {
		return nil, err
	}
	mgr, err := e.Ratchet()
	if err != nil {
		return nil, err
	}
	return ratchet.NewWriter(mgr, item)
}

func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Millisecond)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func workspaceName(item workitem.WorkItem) string {
	name := strings.Trim(unsafeName.ReplaceAllString(item.ExternalID, "-"), "-.")
	if name == "" {
		return item.ID
	}
	return name
}
