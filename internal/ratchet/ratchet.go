// Package ratchet enforces immutability of approved artifacts. Lock records
// are keyed by logical path, never deleted, and only change state alongside an
// approval event.
package ratchet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/ratchet/internal/eventlog"
	"github.com/kingrea/ratchet/internal/lifecycle"
	"github.com/kingrea/ratchet/internal/workitem"
)

// ErrRatchetViolation is returned when a write targets a locked artifact.
var ErrRatchetViolation = errors.New("ratchet violation")

// ErrLockNotFound is returned by stores when no record exists for a path.
var ErrLockNotFound = errors.New("ratchet: lock not found")

// Lock is one row of the lock table.
type Lock struct {
	WorkItemID    string    `json:"work_item_id" yaml:"work_item_id"`
	Path          string    `json:"path" yaml:"path"`
	Glob          bool      `json:"glob,omitempty" yaml:"glob,omitempty"`
	Locked        bool      `json:"locked" yaml:"locked"`
	ApprovedHash  string    `json:"approved_hash,omitempty" yaml:"approved_hash,omitempty"`
	Stage         string    `json:"stage" yaml:"stage"`
	LockedAt      time.Time `json:"locked_at" yaml:"locked_at"`
	EventID       string    `json:"event_id" yaml:"event_id"`
	UnlockedAt    time.Time `json:"unlocked_at,omitempty" yaml:"unlocked_at,omitempty"`
	UnlockEventID string    `json:"unlock_event_id,omitempty" yaml:"unlock_event_id,omitempty"`
}

// Covers reports whether an active lock applies to the normalized path.
func (l Lock) Covers(rel string) bool {
	if !l.Locked {
		return false
	}
	if l.Glob {
		return lifecycle.Match(l.Path, rel)
	}
	return l.Path == rel
}

// LockStore persists the lock table.
type LockStore interface {
	ListLocks(ctx context.Context, workItemID string) ([]Lock, error)
	GetLock(ctx context.Context, workItemID, path string) (Lock, error)
	PutLock(ctx context.Context, lock Lock) error
}

// Verdict is the outcome of a permission check.
type Verdict string

const (
	Allow Verdict = "allow"
	Deny  Verdict = "deny"
)

// Decision explains a permission check.
type Decision struct {
	Verdict Verdict
	Path    string
	Reason  string
	Lock    *Lock
}

// Allowed reports whether the write may proceed.
func (d Decision) Allowed() bool {
	return d.Verdict == Allow
}

// ViolationError reports a denied write.
type ViolationError struct {
	WorkItemID string
	Path       string
	Reason     string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("ratchet violation: %s (work item %s): %s", e.Path, e.WorkItemID, e.Reason)
}

func (e *ViolationError) Unwrap() error {
	return ErrRatchetViolation
}

// Target is an artifact to lock on gate entry.
type Target struct {
	Path  string
	Hash  string
	Glob  bool
	Stage string
}

// Manager consults and mutates the lock table.
type Manager struct {
	store  LockStore
	clock  func() time.Time
	logger *zap.Logger
}

// Option customizes the manager.
type Option func(*Manager)

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New builds a manager over a lock store.
func New(store LockStore, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("ratchet: lock store is required")
	}
	m := &Manager{store: store, clock: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CheckWritePermission decides whether path may be written for item. The lock
// table is consulted before and independently of the filesystem, so a locked
// path stays denied after its file is deleted.
func (m *Manager) CheckWritePermission(ctx context.Context, item workitem.WorkItem, path string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	rel, err := NormalizePath(item.Workspace, path)
	if err != nil {
		if errors.Is(err, ErrPathEscape) {
			return Decision{Verdict: Deny, Path: path, Reason: err.Error()}, nil
		}
		return Decision{}, err
	}
	if item.Archived {
		return Decision{Verdict: Deny, Path: rel, Reason: "work item is archived"}, nil
	}
	locks, err := m.store.ListLocks(ctx, item.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("ratchet: list locks: %w", err)
	}
	for _, lock := range locks {
		if lock.Covers(rel) {
			found := lock
			reason := fmt.Sprintf("locked at stage %s by event %s", lock.Stage, lock.EventID)
			if lock.Glob {
				reason = fmt.Sprintf("matches %s locked at stage %s by event %s", lock.Path, lock.Stage, lock.EventID)
			}
			return Decision{Verdict: Deny, Path: rel, Reason: reason, Lock: &found}, nil
		}
	}
	return Decision{Verdict: Allow, Path: rel}, nil
}

// Enforce converts a deny decision into a ViolationError.
func (m *Manager) Enforce(ctx context.Context, item workitem.WorkItem, path string) (string, error) {
	decision, err := m.CheckWritePermission(ctx, item, path)
	if err != nil {
		return "", err
	}
	if !decision.Allowed() {
		m.logger.Warn("ratchet denied write",
			zap.String("work_item", item.ID),
			zap.String("path", decision.Path),
			zap.String("reason", decision.Reason),
		)
		return "", &ViolationError{WorkItemID: item.ID, Path: decision.Path, Reason: decision.Reason}
	}
	return decision.Path, nil
}

// Lock activates lock records for targets. It only accepts an approve event;
// the caller persists the event in the same unit of work.
func (m *Manager) Lock(ctx context.Context, evt eventlog.Event, targets []Target) ([]Lock, error) {
	if evt.Kind != eventlog.KindApprove {
		return nil, fmt.Errorf("ratchet: lock requires an approve event, got %s", evt.Kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	at := evt.Timestamp
	if at.IsZero() {
		at = m.clock().UTC()
	}
	out := make([]Lock, 0, len(targets))
	for _, target := range targets {
		key := strings.TrimSpace(target.Path)
		if key == "" {
			return nil, fmt.Errorf("ratchet: lock target path is required")
		}
		if !target.Glob && target.Hash == "" {
			return nil, fmt.Errorf("ratchet: lock %s requires an approved hash", key)
		}
		lock := Lock{
			WorkItemID:   evt.WorkItemID,
			Path:         key,
			Glob:         target.Glob,
			Locked:       true,
			ApprovedHash: target.Hash,
			Stage:        firstNonEmpty(target.Stage, evt.ToStage),
			LockedAt:     at,
			EventID:      evt.EventID,
		}
		if err := m.store.PutLock(ctx, lock); err != nil {
			return nil, fmt.Errorf("ratchet: lock %s: %w", key, err)
		}
		out = append(out, lock)
	}
	return out, nil
}

// Unlock deactivates the active locks scoped to any of stages. It only
// accepts a rollback or reopen event. Records are kept with the unlock event
// attached.
func (m *Manager) Unlock(ctx context.Context, evt eventlog.Event, stages []string) ([]Lock, error) {
	if !evt.Kind.Backward() {
		return nil, fmt.Errorf("ratchet: unlock requires a rollback or reopen event, got %s", evt.Kind)
	}
	locks, err := m.store.ListLocks(ctx, evt.WorkItemID)
	if err != nil {
		return nil, fmt.Errorf("ratchet: list locks: %w", err)
	}
	scoped := make(map[string]struct{}, len(stages))
	for _, stage := range stages {
		scoped[stage] = struct{}{}
	}
	at := evt.Timestamp
	if at.IsZero() {
		at = m.clock().UTC()
	}
	var out []Lock
	for _, lock := range locks {
		if !lock.Locked {
			continue
		}
		if _, ok := scoped[lock.Stage]; !ok {
			continue
		}
		lock.Locked = false
		lock.UnlockedAt = at
		lock.UnlockEventID = evt.EventID
		if err := m.store.PutLock(ctx, lock); err != nil {
			return nil, fmt.Errorf("ratchet: unlock %s: %w", lock.Path, err)
		}
		out = append(out, lock)
	}
	return out, nil
}

// Scoped returns the active locks belonging to any of stages without
// changing them.
func (m *Manager) Scoped(ctx context.Context, workItemID string, stages []string) ([]Lock, error) {
	locks, err := m.store.ListLocks(ctx, workItemID)
	if err != nil {
		return nil, err
	}
	scoped := make(map[string]struct{}, len(stages))
	for _, stage := range stages {
		scoped[stage] = struct{}{}
	}
	var out []Lock
	for _, lock := range locks {
		if _, ok := scoped[lock.Stage]; ok && lock.Locked {
			out = append(out, lock)
		}
	}
	return out, nil
}

// Rebuild derives the lock table from an event history. Records for paths
// that were ever locked are always present; unlock events only deactivate.
func Rebuild(events []eventlog.Event) []Lock {
	ordered := append([]eventlog.Event(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence < ordered[j].Sequence
	})
	table := map[string]Lock{}
	for _, evt := range ordered {
		for _, change := range evt.Artifacts {
			switch change.Op {
			case eventlog.OpLock:
				table[change.Path] = Lock{
					WorkItemID:   evt.WorkItemID,
					Path:         change.Path,
					Glob:         change.Glob,
					Locked:       true,
					ApprovedHash: change.Hash,
					Stage:        firstNonEmpty(change.Stage, evt.ToStage),
					LockedAt:     evt.Timestamp,
					EventID:      evt.EventID,
				}
			case eventlog.OpUnlock:
				lock, ok := table[change.Path]
				if !ok {
					continue
				}
				lock.Locked = false
				lock.UnlockedAt = evt.Timestamp
				lock.UnlockEventID = evt.EventID
				table[change.Path] = lock
			}
		}
	}
	out := make([]Lock, 0, len(table))
	for _, lock := range table {
		out = append(out, lock)
	}
	SortLocks(out)
	return out
}

// SortLocks orders locks by path.
func SortLocks(locks []Lock) {
	sort.Slice(locks, func(i, j int) bool {
		return locks[i].Path < locks[j].Path
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
