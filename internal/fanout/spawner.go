// Package fanout creates child work items from a parent's approved plan. A
// rerun with the same plan never duplicates children, and a child left half
// created by a crash is found by its idempotency key and replaced.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kingrea/ratchet/internal/board"
	"github.com/kingrea/ratchet/internal/workitem"
)

// DefaultMaxChildren caps the number of children one plan may create.
const DefaultMaxChildren = 20

var (
	// ErrFloodControlExceeded rejects a plan larger than the child cap.
	ErrFloodControlExceeded = errors.New("flood control exceeded")
	// ErrOrphanDetected marks a partially created child found on rerun.
	ErrOrphanDetected = errors.New("orphan detected")
	// ErrRecursionGuard rejects fan-out from a work item that is itself a child.
	ErrRecursionGuard = errors.New("fanout: child work items cannot fan out")
)

// FloodError reports a rejected plan size.
type FloodError struct {
	Requested int
	Limit     int
}

func (e *FloodError) Error() string {
	return fmt.Sprintf("flood control exceeded: plan requests %d children, limit is %d; revise the plan", e.Requested, e.Limit)
}

func (e *FloodError) Unwrap() error {
	return ErrFloodControlExceeded
}

// OrphanError describes a partial child found by key.
type OrphanError struct {
	CardID string
	Key    string
	Reason string
}

func (e *OrphanError) Error() string {
	return fmt.Sprintf("orphan detected: card %s (%s) %s", e.CardID, e.Key, e.Reason)
}

func (e *OrphanError) Unwrap() error {
	return ErrOrphanDetected
}

// Result summarizes a spawn run. Children lists every child of the plan,
// whether created now or found from an earlier run.
type Result struct {
	Total    int
	Created  int
	Skipped  int
	Orphans  []*OrphanError
	Children []workitem.ChildRef
}

// Spawner runs the fan-out saga against a board.
type Spawner struct {
	provider    board.Provider
	maxChildren int
	childState  string
	logger      *zap.Logger
}

// Option customizes the spawner.
type Option func(*Spawner)

// WithMaxChildren overrides DefaultMaxChildren.
func WithMaxChildren(n int) Option {
	return func(s *Spawner) {
		if n > 0 {
			s.maxChildren = n
		}
	}
}

// WithChildState sets the board column new children are placed in.
func WithChildState(state string) Option {
	return func(s *Spawner) {
		s.childState = strings.TrimSpace(state)
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Spawner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSpawner builds a spawner over a board provider.
func NewSpawner(provider board.Provider, opts ...Option) (*Spawner, error) {
	if provider == nil {
		return nil, fmt.Errorf("fanout: board provider is required")
	}
	s := &Spawner{provider: provider, maxChildren: DefaultMaxChildren, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// MaxChildren returns the configured cap.
func (s *Spawner) MaxChildren() int {
	return s.maxChildren
}

// SpawnChildren creates one board child per story of plan under parent.
// Nothing is created when the plan is invalid, exceeds the cap, or parent is
// itself a child. On a saga failure the partial child is deleted before the
// error is returned; the result still lists the children handled so far.
func (s *Spawner) SpawnChildren(ctx context.Context, parent workitem.WorkItem, plan Plan) (Result, error) {
	if parent.IsChild() {
		return Result{}, fmt.Errorf("%w: %s is child %s", ErrRecursionGuard, parent.ID, parent.AtomicID())
	}
	meta, err := s.provider.GetMetadata(ctx, parent.ExternalID)
	if err != nil {
		return Result{}, fmt.Errorf("fanout: read parent metadata: %w", err)
	}
	if atomic := strings.TrimSpace(meta[workitem.MetaAtomicID]); atomic != "" {
		return Result{}, fmt.Errorf("%w: board card %s is child %s", ErrRecursionGuard, parent.ExternalID, atomic)
	}
	if err := plan.Validate(); err != nil {
		return Result{}, err
	}
	if len(plan.Stories) > s.maxChildren {
		return Result{}, &FloodError{Requested: len(plan.Stories), Limit: s.maxChildren}
	}

	linked, err := s.linkedByAtomicID(ctx, parent.ExternalID)
	if err != nil {
		return Result{}, err
	}
	result := Result{Total: len(plan.Stories)}
	for _, story := range plan.Stories {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		key := IdempotencyKey(parent.ID, story.ID)
		existing, ok, err := s.provider.FindByIdempotencyKey(ctx, key)
		if err != nil {
			return result, fmt.Errorf("fanout: look up %s: %w", key, err)
		}
		if ok {
			if complete(existing, parent.ExternalID, story.ID) {
				result.Skipped++
				result.Children = append(result.Children, childRef(existing, story.ID, key))
				continue
			}
			orphan := &OrphanError{CardID: existing.ID, Key: key, Reason: orphanReason(existing, parent.ExternalID, story.ID)}
			s.logger.Warn("fan-out orphan found", zap.String("parent", parent.ID), zap.Error(orphan))
			if err := s.provider.DeleteWorkItem(ctx, existing.ID); err != nil {
				return result, errors.Join(orphan, fmt.Errorf("fanout: delete orphan: %w", err))
			}
			result.Orphans = append(result.Orphans, orphan)
		} else if card, ok := linked[story.ID]; ok {
			result.Skipped++
			result.Children = append(result.Children, childRef(card, story.ID, key))
			continue
		}

		card, err := s.create(ctx, parent, story, key)
		if err != nil {
			return result, err
		}
		result.Created++
		result.Children = append(result.Children, childRef(card, story.ID, key))
	}
	s.logger.Info("fan-out complete",
		zap.String("parent", parent.ID),
		zap.Int("created", result.Created),
		zap.Int("skipped", result.Skipped),
		zap.Int("orphans", len(result.Orphans)),
	)
	return result, nil
}

// create runs create, attach metadata, link. A failure after the card exists
// deletes it before returning.
func (s *Spawner) create(ctx context.Context, parent workitem.WorkItem, story Story, key string) (board.Card, error) {
	card, err := s.provider.CreateWorkItem(ctx, board.CreateRequest{
		Title:          story.childTitle(),
		Description:    story.childDescription(parent.ExternalID),
		State:          s.childState,
		IdempotencyKey: key,
	})
	if err != nil {
		return board.Card{}, fmt.Errorf("fanout: create child %s: %w", story.ID, err)
	}
	metadata := map[string]string{
		workitem.MetaAtomicID:       story.ID,
		workitem.MetaParentID:       parent.ID,
		workitem.MetaIdempotencyKey: key,
	}
	if len(story.AcceptanceCriteria) > 0 {
		metadata[workitem.MetaCriteria] = strings.Join(story.AcceptanceCriteria, "\n")
	}
	stepErr := s.provider.SetMetadata(ctx, card.ID, metadata)
	if stepErr == nil {
		stepErr = s.provider.LinkChild(ctx, parent.ExternalID, card.ID)
	}
	if stepErr == nil {
		card.Metadata = metadata
		card.ParentID = parent.ExternalID
		s.logger.Debug("fan-out child created", zap.String("parent", parent.ID), zap.String("atomic_id", story.ID), zap.String("card", card.ID))
		return card, nil
	}
	stepErr = fmt.Errorf("fanout: attach child %s: %w", story.ID, stepErr)
	if err := s.provider.DeleteWorkItem(context.WithoutCancel(ctx), card.ID); err != nil {
		s.logger.Error("fan-out rollback failed", zap.String("card", card.ID), zap.Error(err))
		return board.Card{}, errors.Join(stepErr, fmt.Errorf("fanout: roll back child %s: %w", card.ID, err))
	}
	s.logger.Warn("fan-out child rolled back", zap.String("card", card.ID), zap.Error(stepErr))
	return board.Card{}, stepErr
}

func (s *Spawner) linkedByAtomicID(ctx context.Context, parentCardID string) (map[string]board.Card, error) {
	children, err := s.provider.ListChildren(ctx, parentCardID)
	if err != nil {
		return nil, fmt.Errorf("fanout: list children: %w", err)
	}
	out := make(map[string]board.Card, len(children))
	for _, child := range children {
		if atomic := strings.TrimSpace(child.Metadata[workitem.MetaAtomicID]); atomic != "" {
			out[atomic] = child
		}
	}
	return out, nil
}

func complete(card board.Card, parentCardID, atomicID string) bool {
	return card.ParentID == parentCardID && card.Metadata[workitem.MetaAtomicID] == atomicID
}

func orphanReason(card board.Card, parentCardID, atomicID string) string {
	switch {
	case card.ParentID != parentCardID:
		return "is not linked to its parent"
	case card.Metadata[workitem.MetaAtomicID] != atomicID:
		return "has no atomic id metadata"
	default:
		return "is incomplete"
	}
}

func childRef(card board.Card, atomicID, key string) workitem.ChildRef {
	return workitem.ChildRef{ExternalID: card.ID, AtomicID: atomicID, Key: key}
}
