// Package eventlog defines the append-only approval history of a work item.
// The ordered events of a work item are its authoritative record: current
// stage and ratchet locks can be rebuilt from them alone.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an approval event.
type Kind string

const (
	// KindApprove records a forward, one-stage move.
	KindApprove Kind = "approve"
	// KindRollback records a backward move that keeps producer markers.
	KindRollback Kind = "rollback"
	// KindReopen records a backward move that also clears producer markers.
	KindReopen Kind = "reopen"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindApprove, KindRollback, KindReopen:
		return true
	}
	return false
}

// Backward reports whether the kind moves a work item to an earlier stage.
func (k Kind) Backward() bool {
	return k == KindRollback || k == KindReopen
}

// Op is the ratchet effect an event had on one artifact.
type Op string

const (
	OpLock   Op = "lock"
	OpUnlock Op = "unlock"
)

// ArtifactChange captures one artifact affected by an event.
type ArtifactChange struct {
	Path  string `json:"path" yaml:"path"`
	Hash  string `json:"hash,omitempty" yaml:"hash,omitempty"`
	Glob  bool   `json:"glob,omitempty" yaml:"glob,omitempty"`
	Stage string `json:"stage,omitempty" yaml:"stage,omitempty"`
	Op    Op     `json:"op" yaml:"op"`
}

// Event is an immutable approval record.
type Event struct {
	EventID    string           `json:"event_id" yaml:"event_id"`
	WorkItemID string           `json:"work_item_id" yaml:"work_item_id"`
	Sequence   int64            `json:"sequence" yaml:"sequence"`
	Kind       Kind             `json:"kind" yaml:"kind"`
	FromStage  string           `json:"from_stage" yaml:"from_stage"`
	ToStage    string           `json:"to_stage" yaml:"to_stage"`
	Actor      string           `json:"actor" yaml:"actor"`
	Reason     string           `json:"reason,omitempty" yaml:"reason,omitempty"`
	Timestamp  time.Time        `json:"timestamp" yaml:"timestamp"`
	Artifacts  []ArtifactChange `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
}

// New builds an event with a fresh id and UTC timestamp.
func New(workItemID string, kind Kind, from, to, actor, reason string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now()
	}
	return Event{
		EventID:    uuid.NewString(),
		WorkItemID: workItemID,
		Kind:       kind,
		FromStage:  from,
		ToStage:    to,
		Actor:      strings.TrimSpace(actor),
		Reason:     strings.TrimSpace(reason),
		Timestamp:  now.UTC().Truncate(time.Millisecond),
	}
}

// Validate enforces the baseline shape of an event.
func (e Event) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return errors.New("eventlog: event_id is required")
	}
	if strings.TrimSpace(e.WorkItemID) == "" {
		return errors.New("eventlog: work_item_id is required")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("eventlog: unknown kind %q", e.Kind)
	}
	if e.FromStage == "" || e.ToStage == "" {
		return errors.New("eventlog: from_stage and to_stage are required")
	}
	if e.FromStage == e.ToStage {
		return fmt.Errorf("eventlog: event does not move the work item (%s)", e.FromStage)
	}
	if e.Actor == "" {
		return errors.New("eventlog: actor is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("eventlog: timestamp is required")
	}
	for _, change := range e.Artifacts {
		if change.Path == "" {
			return errors.New("eventlog: artifact path is required")
		}
		switch change.Op {
		case OpLock:
			if e.Kind != KindApprove {
				return fmt.Errorf("eventlog: %s event cannot lock %s", e.Kind, change.Path)
			}
		case OpUnlock:
			if !e.Kind.Backward() {
				return fmt.Errorf("eventlog: %s event cannot unlock %s", e.Kind, change.Path)
			}
		default:
			return fmt.Errorf("eventlog: unknown artifact op %q", change.Op)
		}
	}
	return nil
}

// Changes returns the artifact changes with the given op.
func (e Event) Changes(op Op) []ArtifactChange {
	var out []ArtifactChange
	for _, change := range e.Artifacts {
		if change.Op == op {
			out = append(out, change)
		}
	}
	return out
}

// Store persists events in append order.
type Store interface {
	AppendEvent(ctx context.Context, evt Event) (Event, error)
	ListEvents(ctx context.Context, workItemID string) ([]Event, error)
}
