// Package idempotency tracks per-action markers on work items and decides
// whether an action may run.
package idempotency

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// MarkerState is the closed set of marker values for one (work item, action).
type MarkerState int

const (
	None MarkerState = iota
	Started
	Completed
	Failed
)

func (s MarkerState) String() string {
	switch s {
	case Started:
		return "started"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "none"
	}
}

// ParseMarkerState maps a persisted name back to a state.
func ParseMarkerState(name string) (MarkerState, error) {
	switch name {
	case "started":
		return Started, nil
	case "completed":
		return Completed, nil
	case "failed":
		return Failed, nil
	case "", "none":
		return None, nil
	}
	return None, fmt.Errorf("idempotency: unknown marker %q", name)
}

// Marker is one recorded marker.
type Marker struct {
	State MarkerState `json:"state" yaml:"state"`
	At    time.Time   `json:"at" yaml:"at"`
	Note  string      `json:"note,omitempty" yaml:"note,omitempty"`
}

// ErrIdempotencyConflict signals an action that is already running or done.
// Callers treat it as a no-op, not a failure.
var ErrIdempotencyConflict = errors.New("idempotency conflict")

// ConflictError names the action that was skipped.
type ConflictError struct {
	WorkItemID string
	Action     string
	State      MarkerState
	Reason     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency conflict: %s on %s is %s: %s", e.Action, e.WorkItemID, e.State, e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return ErrIdempotencyConflict
}

// Resolution is the effective state derived from a marker set.
type Resolution struct {
	Effective MarkerState
	CanRun    bool
	// Keep holds the markers that should remain persisted after resolution.
	Keep []Marker
	// Healed is true when Keep differs from the input.
	Healed bool
	// Abandoned is true when a started marker has no live lease behind it.
	Abandoned bool
}

// Resolve collapses coexisting markers into one effective state:
//
//   - completed with no newer started: done, cannot run
//   - started alone: in flight, cannot run
//   - started and failed together: the started marker is discarded, can run
//   - failed alone or nothing: can run
func Resolve(markers []Marker) Resolution {
	latest := map[MarkerState]Marker{}
	for _, m := range markers {
		if m.State == None {
			continue
		}
		if cur, ok := latest[m.State]; !ok || m.At.After(cur.At) {
			latest[m.State] = m
		}
	}
	started, hasStarted := latest[Started]
	completed, hasCompleted := latest[Completed]
	failed, hasFailed := latest[Failed]

	if hasCompleted && hasStarted && started.At.After(completed.At) {
		// A rerun began after completion; the old completion no longer counts.
		hasCompleted = false
	}

	var res Resolution
	switch {
	case hasCompleted:
		res = Resolution{Effective: Completed, CanRun: false, Keep: []Marker{completed}}
	case hasStarted && hasFailed:
		res = Resolution{Effective: Failed, CanRun: true, Keep: []Marker{failed}}
	case hasStarted:
		res = Resolution{Effective: Started, CanRun: false, Keep: []Marker{started}}
	case hasFailed:
		res = Resolution{Effective: Failed, CanRun: true, Keep: []Marker{failed}}
	default:
		res = Resolution{Effective: None, CanRun: true}
	}
	res.Healed = !sameMarkers(markers, res.Keep)
	return res
}

// ResolveLeased is Resolve for a marker set read next to its lease. A started
// marker whose lease is absent or expired at now belongs to a runner that is
// gone, so it resolves as failed and the action may run again. lease is nil
// when no lease row exists.
func ResolveLeased(markers []Marker, lease *Lease, now time.Time) Resolution {
	res := Resolve(markers)
	if res.Effective == Started && (lease == nil || lease.Expired(now)) {
		res.Effective = Failed
		res.CanRun = true
		res.Abandoned = true
	}
	return res
}

func sameMarkers(a, b []Marker) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]Marker(nil), a...)
	y := append([]Marker(nil), b...)
	sortMarkers(x)
	sortMarkers(y)
	for i := range x {
		if x[i].State != y[i].State || !x[i].At.Equal(y[i].At) {
			return false
		}
	}
	return true
}

func sortMarkers(markers []Marker) {
	sort.Slice(markers, func(i, j int) bool {
		if markers[i].State != markers[j].State {
			return markers[i].State < markers[j].State
		}
		return markers[i].At.Before(markers[j].At)
	})
}
