package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Local is a file-backed board used for single-machine setups and tests.
// Cards are kept in one JSON document rewritten on every change.
type Local struct {
	mu    sync.Mutex
	path  string
	clock func() time.Time
}

type localState struct {
	Cards []Card `json:"cards"`
}

// LocalOption customizes the local board.
type LocalOption func(*Local)

// WithLocalClock injects a deterministic clock.
func WithLocalClock(clock func() time.Time) LocalOption {
	return func(l *Local) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewLocal creates a board persisted at path.
func NewLocal(path string, opts ...LocalOption) *Local {
	l := &Local{path: path, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ Provider = (*Local)(nil)

func (l *Local) GetWorkItem(_ context.Context, id string) (Card, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.load()
	if err != nil {
		return Card{}, err
	}
	idx := state.find(id)
	if idx < 0 {
		return Card{}, fmt.Errorf("%w: %s", ErrCardNotFound, id)
	}
	return cloneCard(state.Cards[idx]), nil
}

func (l *Local) ListWorkItems(_ context.Context) ([]Card, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.load()
	if err != nil {
		return nil, err
	}
	out := make([]Card, 0, len(state.Cards))
	for _, card := range state.Cards {
		out = append(out, cloneCard(card))
	}
	return out, nil
}

func (l *Local) UpdateState(_ context.Context, id, column string) error {
	return l.mutate(id, func(card *Card) {
		card.State = column
	})
}

func (l *Local) GetMetadata(ctx context.Context, id string) (map[string]string, error) {
	card, err := l.GetWorkItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return card.Metadata, nil
}

// SetMetadata merges metadata into the card.
func (l *Local) SetMetadata(_ context.Context, id string, metadata map[string]string) error {
	return l.mutate(id, func(card *Card) {
		if card.Metadata == nil {
			card.Metadata = map[string]string{}
		}
		for k, v := range metadata {
			card.Metadata[k] = v
		}
	})
}

func (l *Local) AddTag(_ context.Context, id, tag string) error {
	return l.mutate(id, func(card *Card) {
		for _, existing := range card.Tags {
			if existing == tag {
				return
			}
		}
		card.Tags = append(card.Tags, tag)
		sort.Strings(card.Tags)
	})
}

func (l *Local) RemoveTag(_ context.Context, id, tag string) error {
	return l.mutate(id, func(card *Card) {
		kept := card.Tags[:0]
		for _, existing := range card.Tags {
			if existing != tag {
				kept = append(kept, existing)
			}
		}
		card.Tags = kept
	})
}

func (l *Local) PostComment(_ context.Context, id, body string) error {
	return l.mutate(id, func(card *Card) {
		card.Comments = append(card.Comments, Comment{Body: body, At: l.now()})
	})
}

// CreateWorkItem creates a card. A request carrying an idempotency key that
// already exists returns the existing card.
func (l *Local) CreateWorkItem(_ context.Context, req CreateRequest) (Card, error) {
	if strings.TrimSpace(req.Title) == "" {
		return Card{}, errors.New("board: title is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.load()
	if err != nil {
		return Card{}, err
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		for _, card := range state.Cards {
			if card.IdempotencyKey == key {
				return cloneCard(card), nil
			}
		}
	}
	now := l.now()
	card := Card{
		ID:             uuid.NewString(),
		Title:          req.Title,
		Description:    req.Description,
		State:          req.State,
		Metadata:       cloneMap(req.Metadata),
		ParentID:       req.ParentID,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	state.Cards = append(state.Cards, card)
	if err := l.save(state); err != nil {
		return Card{}, err
	}
	return cloneCard(card), nil
}

func (l *Local) DeleteWorkItem(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.load()
	if err != nil {
		return err
	}
	idx := state.find(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrCardNotFound, id)
	}
	state.Cards = append(state.Cards[:idx], state.Cards[idx+1:]...)
	return l.save(state)
}

func (l *Local) LinkChild(_ context.Context, parentID, childID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.load()
	if err != nil {
		return err
	}
	if state.find(parentID) < 0 {
		return fmt.Errorf("%w: %s", ErrCardNotFound, parentID)
	}
	idx := state.find(childID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrCardNotFound, childID)
	}
	state.Cards[idx].ParentID = parentID
	state.Cards[idx].UpdatedAt = l.now()
	return l.save(state)
}

func (l *Local) ListChildren(_ context.Context, parentID string) ([]Card, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.load()
	if err != nil {
		return nil, err
	}
	var out []Card
	for _, card := range state.Cards {
		if card.ParentID == parentID {
			out = append(out, cloneCard(card))
		}
	}
	return out, nil
}

func (l *Local) FindByIdempotencyKey(_ context.Context, key string) (Card, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.load()
	if err != nil {
		return Card{}, false, err
	}
	for _, card := range state.Cards {
		if card.IdempotencyKey == key {
			return cloneCard(card), true, nil
		}
	}
	return Card{}, false, nil
}

// inboundPayload is the webhook body the local board emits.
type inboundPayload struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	CardID  string `json:"card_id"`
	State   string `json:"state"`
	Title   string `json:"title"`
	Actor   string `json:"actor"`
}

// ParseInboundEvent decodes a webhook body. Unrecognized types parse to
// EventUnknown rather than failing.
func (l *Local) ParseInboundEvent(payload []byte) (InboundEvent, error) {
	var body inboundPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return InboundEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	evt := InboundEvent{
		EventID: strings.TrimSpace(body.EventID),
		CardID:  strings.TrimSpace(body.CardID),
		State:   strings.TrimSpace(body.State),
		Title:   strings.TrimSpace(body.Title),
		Actor:   strings.TrimSpace(body.Actor),
	}
	switch strings.ToLower(strings.TrimSpace(body.Type)) {
	case "move", "state_changed", "card.moved":
		evt.Kind = EventMove
	case "create", "created", "card.created":
		evt.Kind = EventCreate
	default:
		evt.Kind = EventUnknown
	}
	if evt.Kind != EventUnknown && evt.CardID == "" {
		return InboundEvent{}, fmt.Errorf("%w: card_id is required", ErrInvalidEvent)
	}
	return evt, nil
}

func (l *Local) mutate(id string, fn func(*Card)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.load()
	if err != nil {
		return err
	}
	idx := state.find(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrCardNotFound, id)
	}
	fn(&state.Cards[idx])
	state.Cards[idx].UpdatedAt = l.now()
	return l.save(state)
}

func (l *Local) load() (localState, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return localState{}, nil
		}
		return localState{}, err
	}
	var state localState
	if err := json.Unmarshal(data, &state); err != nil {
		return localState{}, fmt.Errorf("board: decode %s: %w", l.path, err)
	}
	return state, nil
}

func (l *Local) save(state localState) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, append(encoded, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

func (l *Local) now() time.Time {
	return l.clock().UTC().Truncate(time.Millisecond)
}

func (s localState) find(id string) int {
	for i, card := range s.Cards {
		if card.ID == id {
			return i
		}
	}
	return -1
}

func cloneCard(card Card) Card {
	card.Tags = append([]string(nil), card.Tags...)
	card.Metadata = cloneMap(card.Metadata)
	card.Comments = append([]Comment(nil), card.Comments...)
	return card
}

func cloneMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
