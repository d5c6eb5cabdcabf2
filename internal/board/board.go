// Package board abstracts the external kanban board a work item is mirrored
// to. The engine, not the board, is the source of truth for stage.
package board

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/kingrea/ratchet/internal/lifecycle"
)

// ErrCardNotFound is returned when the board has no card with the given id.
var ErrCardNotFound = errors.New("board: card not found")

// ErrInvalidEvent is returned when an inbound payload cannot be parsed.
var ErrInvalidEvent = errors.New("board: invalid event")

// Card is a board-side work item.
type Card struct {
	ID             string            `json:"id" yaml:"id"`
	Title          string            `json:"title" yaml:"title"`
	Description    string            `json:"description,omitempty" yaml:"description,omitempty"`
	State          string            `json:"state" yaml:"state"`
	Tags           []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	ParentID       string            `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty" yaml:"idempotency_key,omitempty"`
	Comments       []Comment         `json:"comments,omitempty" yaml:"comments,omitempty"`
	CreatedAt      time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" yaml:"updated_at"`
}

// Comment is a note posted to a card.
type Comment struct {
	Body string    `json:"body" yaml:"body"`
	At   time.Time `json:"at" yaml:"at"`
}

// CreateRequest describes a card to create.
type CreateRequest struct {
	Title          string
	Description    string
	State          string
	Metadata       map[string]string
	ParentID       string
	IdempotencyKey string
}

// EventKind tags an inbound board event.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventMove
	EventCreate
)

func (k EventKind) String() string {
	switch k {
	case EventMove:
		return "move"
	case EventCreate:
		return "create"
	default:
		return "unknown"
	}
}

// InboundEvent is a parsed board notification. State is the native column
// name for moves; Title is set for creates.
type InboundEvent struct {
	Kind    EventKind
	EventID string
	CardID  string
	State   string
	Title   string
	Actor   string
}

// Provider is a board integration.
type Provider interface {
	GetWorkItem(ctx context.Context, id string) (Card, error)
	ListWorkItems(ctx context.Context) ([]Card, error)
	UpdateState(ctx context.Context, id, state string) error
	GetMetadata(ctx context.Context, id string) (map[string]string, error)
	SetMetadata(ctx context.Context, id string, metadata map[string]string) error
	AddTag(ctx context.Context, id, tag string) error
	RemoveTag(ctx context.Context, id, tag string) error
	PostComment(ctx context.Context, id, body string) error
	CreateWorkItem(ctx context.Context, req CreateRequest) (Card, error)
	DeleteWorkItem(ctx context.Context, id string) error
	LinkChild(ctx context.Context, parentID, childID string) error
	ListChildren(ctx context.Context, parentID string) ([]Card, error)
	FindByIdempotencyKey(ctx context.Context, key string) (Card, bool, error)
	ParseInboundEvent(payload []byte) (InboundEvent, error)
}

var columnPrefix = regexp.MustCompile(`^\d+\.\s*`)

// NormalizeColumn folds a board column name for lookup: a leading ordinal
// like "3. " is stripped and the result is lowercased.
func NormalizeColumn(name string) string {
	name = strings.TrimSpace(columnPrefix.ReplaceAllString(strings.TrimSpace(name), ""))
	name = strings.ToLower(name)
	return strings.Join(strings.FieldsFunc(name, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}

// StageMap translates between native board columns and stage ids.
type StageMap struct {
	toStage  map[string]string
	toColumn map[string]string
}

// NewStageMap builds a map from the lifecycle (stage ids, display names and
// declared columns) plus explicit column overrides.
func NewStageMap(def lifecycle.Definition, overrides map[string]string) StageMap {
	m := StageMap{toStage: map[string]string{}, toColumn: map[string]string{}}
	for _, stage := range def.Stages {
		m.toStage[NormalizeColumn(stage.ID)] = stage.ID
		m.toStage[NormalizeColumn(stage.DisplayName())] = stage.ID
		for _, column := range stage.Columns {
			m.toStage[NormalizeColumn(column)] = stage.ID
		}
		m.toColumn[stage.ID] = stage.DisplayName()
	}
	for column, stage := range overrides {
		if def.Index(stage) < 0 {
			continue
		}
		m.toStage[NormalizeColumn(column)] = stage
		m.toColumn[stage] = column
	}
	return m
}

// Stage returns the stage id for a native column name.
func (m StageMap) Stage(column string) (string, bool) {
	stage, ok := m.toStage[NormalizeColumn(column)]
	return stage, ok
}

// Column returns the native column name for a stage id.
func (m StageMap) Column(stage string) string {
	if column, ok := m.toColumn[stage]; ok {
		return column
	}
	return stage
}
