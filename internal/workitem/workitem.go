// Package workitem models the unit of work driven through the lifecycle.
package workitem

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Metadata keys the engine reads and writes.
const (
	MetaAtomicID       = "atomic_id"
	MetaParentID       = "parent_id"
	MetaIdempotencyKey = "idempotency_key"
	MetaCriteria       = "criteria"
	// MetaInitialStage is the stage a work item was registered at. Replay
	// seeds from it when the history is empty.
	MetaInitialStage = "initial_stage"
)

// ErrNotFound is returned when a work item does not exist.
var ErrNotFound = errors.New("workitem: not found")

// ChildRef points at a work item created by fan-out.
type ChildRef struct {
	ID         string `json:"id" yaml:"id"`
	ExternalID string `json:"external_id" yaml:"external_id"`
	AtomicID   string `json:"atomic_id" yaml:"atomic_id"`
	Key        string `json:"key" yaml:"key"`
}

// WorkItem is owned by the engine. It is never deleted; entering the
// terminal stage archives it.
type WorkItem struct {
	ID         string            `json:"id" yaml:"id"`
	ExternalID string            `json:"external_id" yaml:"external_id"`
	ParentID   string            `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Title      string            `json:"title" yaml:"title"`
	Stage      string            `json:"stage" yaml:"stage"`
	Workspace  string            `json:"workspace" yaml:"workspace"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Children   []ChildRef        `json:"children,omitempty" yaml:"children,omitempty"`
	Archived   bool              `json:"archived,omitempty" yaml:"archived,omitempty"`
	CreatedAt  time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" yaml:"updated_at"`
}

// Validate enforces the fields every persisted work item carries.
func (w WorkItem) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return errors.New("workitem: id is required")
	}
	if strings.TrimSpace(w.ExternalID) == "" {
		return fmt.Errorf("workitem %s: external id is required", w.ID)
	}
	if strings.TrimSpace(w.Stage) == "" {
		return fmt.Errorf("workitem %s: stage is required", w.ID)
	}
	if strings.TrimSpace(w.Workspace) == "" {
		return fmt.Errorf("workitem %s: workspace is required", w.ID)
	}
	return nil
}

// AtomicID returns the plan entry id of a fan-out child.
func (w WorkItem) AtomicID() string {
	return strings.TrimSpace(w.Metadata[MetaAtomicID])
}

// IsChild reports whether the item was produced by fan-out.
func (w WorkItem) IsChild() bool {
	return w.AtomicID() != ""
}

// Child returns the child reference with the given idempotency key.
func (w WorkItem) Child(key string) (ChildRef, bool) {
	for _, child := range w.Children {
		if child.Key == key {
			return child, true
		}
	}
	return ChildRef{}, false
}

// WithChildren merges refs into the child list, keyed by idempotency key.
func (w WorkItem) WithChildren(refs ...ChildRef) WorkItem {
	clone := w.Clone()
	index := make(map[string]int, len(clone.Children))
	for i, child := range clone.Children {
		index[child.Key] = i
	}
	for _, ref := range refs {
		if i, ok := index[ref.Key]; ok {
			clone.Children[i] = ref
			continue
		}
		index[ref.Key] = len(clone.Children)
		clone.Children = append(clone.Children, ref)
	}
	sort.SliceStable(clone.Children, func(i, j int) bool {
		return clone.Children[i].AtomicID < clone.Children[j].AtomicID
	})
	return clone
}

// Clone returns a deep copy.
func (w WorkItem) Clone() WorkItem {
	clone := w
	clone.Metadata = CloneMetadata(w.Metadata)
	if len(w.Children) > 0 {
		clone.Children = append([]ChildRef(nil), w.Children...)
	}
	return clone
}

// CloneMetadata copies a metadata map.
func CloneMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
