package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func TestNewStampsIdentityAndTime(t *testing.T) {
	evt := New("wi-1", KindApprove, "design_draft", "design_approved", " alice ", "", fixedNow.Add(1500*time.Microsecond))
	require.NotEmpty(t, evt.EventID)
	assert.Equal(t, "alice", evt.Actor)
	assert.Equal(t, fixedNow.Add(time.Millisecond), evt.Timestamp)
	require.NoError(t, evt.Validate())
}

func TestValidateRejectsMisplacedArtifactOps(t *testing.T) {
	approve := New("wi-1", KindApprove, "a", "b", "alice", "", fixedNow)
	approve.Artifacts = []ArtifactChange{{Path: "DESIGN.md", Op: OpUnlock}}
	assert.Error(t, approve.Validate(), "approve events cannot unlock")

	rollback := New("wi-1", KindRollback, "b", "a", "alice", "", fixedNow)
	rollback.Artifacts = []ArtifactChange{{Path: "DESIGN.md", Op: OpLock, Hash: "abc"}}
	assert.Error(t, rollback.Validate(), "rollback events cannot lock")

	rollback.Artifacts = []ArtifactChange{{Path: "DESIGN.md", Op: OpUnlock}}
	assert.NoError(t, rollback.Validate())
}

func TestValidateRequiresMovement(t *testing.T) {
	evt := New("wi-1", KindApprove, "a", "a", "alice", "", fixedNow)
	assert.Error(t, evt.Validate())

	evt = New("wi-1", KindApprove, "a", "b", "", "", fixedNow)
	assert.Error(t, evt.Validate(), "actor is required")
}

func TestReplayReconstructsStage(t *testing.T) {
	events := []Event{
		withSeq(New("wi-1", KindApprove, "inbox", "design_draft", "alice", "", fixedNow), 1),
		withSeq(New("wi-1", KindApprove, "design_draft", "design_approved", "alice", "", fixedNow), 2),
		withSeq(New("wi-1", KindReopen, "design_approved", "design_draft", "bob", "typo", fixedNow), 3),
		withSeq(New("wi-1", KindApprove, "design_draft", "design_approved", "alice", "", fixedNow), 4),
	}
	// Out of order input still replays by sequence.
	events[0], events[3] = events[3], events[0]

	summary, err := Replay("inbox", events)
	require.NoError(t, err)
	assert.Equal(t, "design_approved", summary.Stage)
	assert.Equal(t, 4, summary.Events)
	assert.Equal(t, 3, summary.Approvals)
	assert.Equal(t, 1, summary.Reopens)
	require.NotNil(t, summary.LastEvent)
	assert.EqualValues(t, 4, summary.LastEvent.Sequence)
}

func TestReplayDetectsGaps(t *testing.T) {
	events := []Event{
		withSeq(New("wi-1", KindApprove, "inbox", "design_draft", "alice", "", fixedNow), 1),
		withSeq(New("wi-1", KindApprove, "planning_draft", "plan_approved", "alice", "", fixedNow), 2),
	}
	_, err := Replay("inbox", events)
	assert.Error(t, err)
}

func TestReplayEmptyHistoryKeepsInitialStage(t *testing.T) {
	summary, err := Replay("inbox", nil)
	require.NoError(t, err)
	assert.Equal(t, "inbox", summary.Stage)
	assert.Nil(t, summary.LastEvent)
}

func withSeq(evt Event, seq int64) Event {
	evt.Sequence = seq
	return evt
}
