package eventlog

import (
	"fmt"
	"sort"
)

// Summary is the state reconstructed from a work item's event history.
type Summary struct {
	WorkItemID string
	Stage      string
	Events     int
	Approvals  int
	Rollbacks  int
	Reopens    int
	LastEvent  *Event
}

// Replay folds an ordered event history into its resulting stage. The first
// event's from_stage seeds the walk; every later event must start where the
// previous one ended.
func Replay(initialStage string, events []Event) (Summary, error) {
	ordered := append([]Event(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence < ordered[j].Sequence
	})
	summary := Summary{Stage: initialStage}
	for idx, evt := range ordered {
		if err := evt.Validate(); err != nil {
			return Summary{}, fmt.Errorf("eventlog: replay event %d: %w", idx, err)
		}
		if summary.WorkItemID == "" {
			summary.WorkItemID = evt.WorkItemID
		} else if evt.WorkItemID != summary.WorkItemID {
			return Summary{}, fmt.Errorf("eventlog: replay mixes work items %s and %s", summary.WorkItemID, evt.WorkItemID)
		}
		if summary.Stage != "" && evt.FromStage != summary.Stage {
			return Summary{}, fmt.Errorf("eventlog: event %s starts at %s but history is at %s", evt.EventID, evt.FromStage, summary.Stage)
		}
		summary.Stage = evt.ToStage
		summary.Events++
		switch evt.Kind {
		case KindApprove:
			summary.Approvals++
		case KindRollback:
			summary.Rollbacks++
		case KindReopen:
			summary.Reopens++
		}
		last := ordered[idx]
		summary.LastEvent = &last
	}
	return summary, nil
}
