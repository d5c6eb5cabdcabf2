package engine

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/ratchet/internal/eventlog"
	"github.com/kingrea/ratchet/internal/idempotency"
	"github.com/kingrea/ratchet/internal/integrity"
	"github.com/kingrea/ratchet/internal/ratchet"
	"github.com/kingrea/ratchet/internal/workitem"
)

// Manifest is the exported view of a work item.
type Manifest struct {
	WorkItem  workitem.WorkItem    `yaml:"work_item"`
	StageName string               `yaml:"stage_name"`
	Next      string               `yaml:"next,omitempty"`
	Markers   map[string]string    `yaml:"markers,omitempty"`
	Locks     []ratchet.Lock       `yaml:"locks,omitempty"`
	Artifacts []integrity.Artifact `yaml:"artifacts,omitempty"`
	History   []eventlog.Event     `yaml:"history,omitempty"`
}

// Manifest assembles the exported view from a fresh snapshot.
func (e *Engine) Manifest(ctx context.Context, id string) (Manifest, error) {
	snap, err := e.Snapshot(ctx, id)
	if err != nil {
		return Manifest{}, err
	}
	locks, err := e.Locks(ctx, id)
	if err != nil {
		return Manifest{}, err
	}
	history, err := e.History(ctx, id)
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{
		WorkItem:  snap.Item,
		Locks:     locks,
		Artifacts: snap.Registry.Artifacts,
		History:   history,
	}
	if stage, ok := e.def.Stage(snap.Item.Stage); ok {
		m.StageName = stage.DisplayName()
	}
	if next, ok := e.def.Next(snap.Item.Stage); ok && !snap.Item.Archived {
		m.Next = next.ID
	}
	for action, markers := range snap.Markers {
		if m.Markers == nil {
			m.Markers = map[string]string{}
		}
		m.Markers[action] = idempotency.Resolve(markers).Effective.String()
	}
	return m, nil
}

// ExportManifest renders the manifest as YAML.
func (e *Engine) ExportManifest(ctx context.Context, id string) ([]byte, error) {
	m, err := e.Manifest(ctx, id)
	if err != nil {
		return nil, err
	}
	out, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("engine: encode manifest: %w", err)
	}
	return out, nil
}
