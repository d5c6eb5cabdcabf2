// Package machine is the pure lifecycle decision engine. It reads a snapshot
// of a work item (stage, markers, artifact registry) and never performs I/O.
package machine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/ratchet/internal/eventlog"
	"github.com/kingrea/ratchet/internal/idempotency"
	"github.com/kingrea/ratchet/internal/integrity"
	"github.com/kingrea/ratchet/internal/lifecycle"
	"github.com/kingrea/ratchet/internal/ratchet"
	"github.com/kingrea/ratchet/internal/workitem"
)

var (
	// ErrInvalidTransition is returned for targets not reachable from the current stage.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrStaleArtifactBlock is returned when a stale artifact blocks progress.
	ErrStaleArtifactBlock = errors.New("stale artifact block")
	// ErrMissingArtifact is returned when a required artifact does not exist.
	ErrMissingArtifact = errors.New("missing artifact")
)

// TransitionError explains a rejected transition.
type TransitionError struct {
	From   string
	To     string
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// StaleError names the artifact blocking progress.
type StaleError struct {
	Path         string
	Stage        string
	ApprovedHash string
	Hash         string
	Missing      bool
}

func (e *StaleError) Error() string {
	if e.Missing {
		return fmt.Sprintf("stale artifact block: %s was approved at %s but is missing; restore it or roll back to re-approve", e.Path, e.Stage)
	}
	return fmt.Sprintf("stale artifact block: %s changed since approval at %s; restore it or roll back to re-approve", e.Path, e.Stage)
}

func (e *StaleError) Unwrap() error {
	return ErrStaleArtifactBlock
}

// RequirementError names an unmet artifact precondition.
type RequirementError struct {
	Stage   string
	Pattern string
	Want    lifecycle.Requirement
}

func (e *RequirementError) Error() string {
	return fmt.Sprintf("missing artifact: stage %s needs %s %s", e.Stage, e.Pattern, e.Want)
}

func (e *RequirementError) Unwrap() error {
	return ErrMissingArtifact
}

// Snapshot is everything the machine needs to decide. Leases holds the
// current lease per action and Now is the time they are judged against.
type Snapshot struct {
	Item     workitem.WorkItem
	Markers  map[string][]idempotency.Marker
	Leases   map[string]idempotency.Lease
	Registry integrity.Registry
	Now      time.Time
}

// ActionDecision is an automated action the runner should perform.
type ActionDecision struct {
	WorkItemID string
	Stage      string
	Action     string
}

// Decision is the full evaluation behind NextAction.
type Decision struct {
	ActionDecision
	Run    bool
	Reason string
	Err    error
}

// NextAction returns the action to run for the snapshot, if any.
func NextAction(def lifecycle.Definition, snap Snapshot) (ActionDecision, bool) {
	d := Evaluate(def, snap)
	return d.ActionDecision, d.Run
}

// Evaluate explains why an action does or does not run. Gate stages never
// yield an action, and a decision never moves the stage.
func Evaluate(def lifecycle.Definition, snap Snapshot) Decision {
	item := snap.Item
	d := Decision{ActionDecision: ActionDecision{WorkItemID: item.ID, Stage: item.Stage}}
	stage, ok := def.Stage(item.Stage)
	if !ok {
		d.Reason = fmt.Sprintf("unknown stage %s", item.Stage)
		d.Err = &TransitionError{From: item.Stage, To: item.Stage, Reason: "unknown stage"}
		return d
	}
	if item.Archived || stage.Terminal {
		d.Reason = "work item is archived"
		return d
	}
	if stage.IsGate() {
		d.Reason = fmt.Sprintf("%s is a gate; waiting for a human transition", stage.ID)
		return d
	}
	d.Action = stage.Action
	var lease *idempotency.Lease
	if l, ok := snap.Leases[stage.Action]; ok {
		lease = &l
	}
	res := idempotency.ResolveLeased(snap.Markers[stage.Action], lease, snap.Now)
	if !res.CanRun {
		d.Reason = fmt.Sprintf("%s is %s", stage.Action, res.Effective)
		return d
	}
	if err := GateCheck(def, snap, stage.ID); err != nil {
		d.Reason = err.Error()
		d.Err = err
		return d
	}
	d.Run = true
	d.Reason = fmt.Sprintf("%s ready", stage.Action)
	if res.Abandoned {
		d.Reason = fmt.Sprintf("%s was abandoned by its runner; retrying", stage.Action)
	}
	return d
}

// GateCheck verifies that the stage's artifact preconditions hold and that no
// tracked artifact is stale.
func GateCheck(def lifecycle.Definition, snap Snapshot, stageID string) error {
	stage, ok := def.Stage(stageID)
	if !ok {
		return &TransitionError{From: snap.Item.Stage, To: stageID, Reason: "unknown stage"}
	}
	if stale := snap.Registry.Stale(); len(stale) > 0 {
		return staleError(stale[0])
	}
	for _, pre := range stage.Requires {
		matches := snap.Registry.Matching(pre.Pattern)
		satisfied := false
		for _, art := range matches {
			switch pre.State {
			case lifecycle.RequireApproved:
				satisfied = satisfied || art.State == integrity.StateApproved
			default:
				satisfied = satisfied || art.Present()
			}
		}
		if !satisfied {
			return &RequirementError{Stage: stage.ID, Pattern: pre.Pattern, Want: pre.State}
		}
	}
	return nil
}

// TransitionRequest is a caller's request to move a work item.
type TransitionRequest struct {
	To     string
	Actor  string
	Reason string
	Reopen bool
}

// TransitionPlan is the complete effect of an accepted transition.
type TransitionPlan struct {
	WorkItemID string
	From       string
	To         string
	Kind       eventlog.Kind
	// Locks are activated on entry to a gate.
	Locks []ratchet.Target
	// UnlockStages are the stages vacated by a backward move; their locks are released.
	UnlockStages []string
	// ResetActions are the producer actions whose markers a reopen clears.
	ResetActions []string
	Archive      bool
}

// PlanTransition validates a move and computes its effects. Forward moves go
// exactly one stage ahead; backward moves go to any strictly earlier stage.
func PlanTransition(def lifecycle.Definition, snap Snapshot, req TransitionRequest) (TransitionPlan, error) {
	item := snap.Item
	from := item.Stage
	to := strings.TrimSpace(req.To)
	fromIdx := def.Index(from)
	toIdx := def.Index(to)
	if fromIdx < 0 {
		return TransitionPlan{}, &TransitionError{From: from, To: to, Reason: "current stage is not in the lifecycle"}
	}
	if toIdx < 0 {
		return TransitionPlan{}, &TransitionError{From: from, To: to, Reason: "unknown target stage"}
	}
	if strings.TrimSpace(req.Actor) == "" {
		return TransitionPlan{}, fmt.Errorf("machine: transition actor is required")
	}
	current := def.Stages[fromIdx]
	if current.Terminal || item.Archived {
		return TransitionPlan{}, &TransitionError{From: from, To: to, Reason: "terminal stage has no outgoing transitions"}
	}
	switch {
	case toIdx == fromIdx:
		return TransitionPlan{}, &TransitionError{From: from, To: to, Reason: "already at target stage"}
	case toIdx > fromIdx:
		if req.Reopen {
			return TransitionPlan{}, &TransitionError{From: from, To: to, Reason: "reopen must move backward"}
		}
		return planForward(def, snap, fromIdx, toIdx)
	default:
		return planBackward(def, item, fromIdx, toIdx, req.Reopen)
	}
}

func planForward(def lifecycle.Definition, snap Snapshot, fromIdx, toIdx int) (TransitionPlan, error) {
	from := def.Stages[fromIdx]
	target := def.Stages[toIdx]
	if toIdx != fromIdx+1 {
		return TransitionPlan{}, &TransitionError{
			From:   from.ID,
			To:     target.ID,
			Reason: fmt.Sprintf("forward moves are one stage at a time; next is %s", def.Stages[fromIdx+1].ID),
		}
	}
	if stale := snap.Registry.Stale(); len(stale) > 0 {
		return TransitionPlan{}, staleError(stale[0])
	}
	if !from.IsGate() {
		for _, pattern := range from.Required {
			if !anyPresent(snap.Registry.Matching(pattern)) {
				return TransitionPlan{}, &RequirementError{Stage: from.ID, Pattern: pattern, Want: lifecycle.RequirePresent}
			}
		}
	}
	if err := GateCheck(def, snap, target.ID); err != nil {
		return TransitionPlan{}, err
	}
	plan := TransitionPlan{
		WorkItemID: snap.Item.ID,
		From:       from.ID,
		To:         target.ID,
		Kind:       eventlog.KindApprove,
		Archive:    target.Terminal,
	}
	for _, pattern := range target.Locks {
		matches := snap.Registry.Matching(pattern)
		if !anyPresent(matches) {
			return TransitionPlan{}, &RequirementError{Stage: target.ID, Pattern: pattern, Want: lifecycle.RequirePresent}
		}
		for _, art := range matches {
			if art.Present() {
				plan.Locks = append(plan.Locks, ratchet.Target{Path: art.Path, Hash: art.Hash, Stage: target.ID})
			}
		}
		if isGlob(pattern) {
			plan.Locks = append(plan.Locks, ratchet.Target{Path: pattern, Glob: true, Stage: target.ID})
		}
	}
	return plan, nil
}

func planBackward(def lifecycle.Definition, item workitem.WorkItem, fromIdx, toIdx int, reopen bool) (TransitionPlan, error) {
	from := def.Stages[fromIdx]
	target := def.Stages[toIdx]
	plan := TransitionPlan{
		WorkItemID: item.ID,
		From:       from.ID,
		To:         target.ID,
		Kind:       eventlog.KindRollback,
	}
	for _, stage := range def.Between(toIdx, fromIdx) {
		plan.UnlockStages = append(plan.UnlockStages, stage.ID)
	}
	if reopen {
		plan.Kind = eventlog.KindReopen
		for _, stage := range def.Between(toIdx-1, fromIdx) {
			if stage.Action != "" {
				plan.ResetActions = append(plan.ResetActions, stage.Action)
			}
		}
	}
	return plan, nil
}

func staleError(art integrity.Artifact) error {
	return &StaleError{
		Path:         art.Path,
		Stage:        art.LockStage,
		ApprovedHash: art.ApprovedHash,
		Hash:         art.Hash,
		Missing:      art.Missing,
	}
}

func anyPresent(arts []integrity.Artifact) bool {
	for _, art := range arts {
		if art.Present() {
			return true
		}
	}
	return false
}

func isGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}
