package runner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kingrea/ratchet/internal/board"
	"github.com/kingrea/ratchet/internal/engine"
	"github.com/kingrea/ratchet/internal/machine"
	"github.com/kingrea/ratchet/internal/metrics"
	"github.com/kingrea/ratchet/internal/workitem"
)

// ErrNoBoard is returned by HandlePayload when the runner has no provider.
var ErrNoBoard = errors.New("runner: no board provider configured")

// Event results reported by HandlePayload.
const (
	ResultRegistered = "registered"
	ResultSynced     = "synced"
	ResultRejected   = "rejected"
	ResultDuplicate  = "duplicate"
	ResultIgnored    = "ignored"
)

// HandlePayload applies one inbound board event. A refused column move is
// answered on the board (comment plus moving the card back) and reported as
// ResultRejected with a nil error; only malformed payloads and storage
// failures return an error. Events with an id seen recently are dropped; an
// event that fails is forgotten so the board's redelivery is applied.
func (r *Runner) HandlePayload(ctx context.Context, payload []byte) (string, error) {
	if r.provider == nil {
		return "", ErrNoBoard
	}
	evt, err := r.provider.ParseInboundEvent(payload)
	if err != nil {
		return "", err
	}
	if evt.EventID != "" && r.recent.seen(evt.EventID) {
		metrics.InboundEvents.WithLabelValues(ResultDuplicate).Inc()
		r.logger.Debug("duplicate board event", zap.String("event_id", evt.EventID))
		return ResultDuplicate, nil
	}
	metrics.InboundEvents.WithLabelValues(evt.Kind.String()).Inc()

	result, err := r.apply(ctx, evt)
	if err != nil && evt.EventID != "" {
		r.recent.forget(evt.EventID)
	}
	return result, err
}

func (r *Runner) apply(ctx context.Context, evt board.InboundEvent) (string, error) {
	switch evt.Kind {
	case board.EventCreate:
		item, err := r.register(ctx, evt)
		if err != nil {
			return "", err
		}
		r.Kick(item.ID)
		return ResultRegistered, nil
	case board.EventMove:
		return r.handleMove(ctx, evt)
	default:
		return ResultIgnored, nil
	}
}

func (r *Runner) register(ctx context.Context, evt board.InboundEvent) (workitem.WorkItem, error) {
	title := evt.Title
	stage := ""
	if evt.State != "" {
		stage, _ = r.stages.Stage(evt.State)
	}
	if title == "" || evt.State == "" {
		card, err := r.provider.GetWorkItem(ctx, evt.CardID)
		if err != nil {
			return workitem.WorkItem{}, fmt.Errorf("runner: read card %s: %w", evt.CardID, err)
		}
		if title == "" {
			title = card.Title
		}
		if stage == "" {
			stage, _ = r.stages.Stage(card.State)
		}
	}
	return r.engine.Register(ctx, engine.RegisterRequest{ExternalID: evt.CardID, Title: title, Stage: stage})
}

func (r *Runner) handleMove(ctx context.Context, evt board.InboundEvent) (string, error) {
	target, ok := r.stages.Stage(evt.State)
	if !ok {
		r.logger.Debug("board column has no stage", zap.String("column", evt.State))
		return ResultIgnored, nil
	}
	item, err := r.engine.Lookup(ctx, evt.CardID)
	if errors.Is(err, workitem.ErrNotFound) {
		// An unknown card starts at the first stage and has to earn the move.
		card, cardErr := r.provider.GetWorkItem(ctx, evt.CardID)
		if cardErr != nil {
			return "", fmt.Errorf("runner: read card %s: %w", evt.CardID, cardErr)
		}
		item, err = r.engine.Register(ctx, engine.RegisterRequest{ExternalID: card.ID, Title: card.Title})
		if err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}

	actor := evt.Actor
	if actor == "" {
		actor = "board"
	}
	results, err := r.engine.SyncToStage(ctx, item.ID, target, actor, "board column "+evt.State)
	if err != nil && !refused(err) {
		return "", err
	}
	if err != nil {
		current := item
		if n := len(results); n > 0 {
			current = results[n-1].Item
		}
		r.logger.Warn("board move refused",
			zap.String("work_item", item.ID),
			zap.String("target", target),
			zap.Error(err),
		)
		r.comment(ctx, item.ID, fmt.Sprintf("Move to %s refused: %v", evt.State, err))
		r.mirror(ctx, current)
		return ResultRejected, nil
	}
	r.Kick(item.ID)
	return ResultSynced, nil
}

func refused(err error) bool {
	return errors.Is(err, machine.ErrInvalidTransition) ||
		errors.Is(err, machine.ErrStaleArtifactBlock) ||
		errors.Is(err, machine.ErrMissingArtifact)
}
