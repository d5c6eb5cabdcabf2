package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/ratchet/internal/eventlog"
	"github.com/kingrea/ratchet/internal/idempotency"
	"github.com/kingrea/ratchet/internal/integrity"
	"github.com/kingrea/ratchet/internal/lifecycle"
	"github.com/kingrea/ratchet/internal/machine"
	"github.com/kingrea/ratchet/internal/ratchet"
	"github.com/kingrea/ratchet/internal/store"
	"github.com/kingrea/ratchet/internal/store/sqlite"
	"github.com/kingrea/ratchet/internal/workitem"
)

type testClock struct {
	value time.Time
}

func (c *testClock) Now() time.Time {
	c.value = c.value.Add(time.Second)
	return c.value
}

func newEngineHarness(t *testing.T) (*Engine, *sqlite.Store) {
	t.Helper()
	def, err := lifecycle.Default()
	require.NoError(t, err)
	dir := t.TempDir()
	st, err := sqlite.Open(context.Background(), filepath.Join(dir, "ratchet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	clock := &testClock{value: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)}
	eng, err := New(def, st, WithClock(clock.Now), WithWorkspaceRoot(filepath.Join(dir, "workspaces")))
	require.NoError(t, err)
	return eng, st
}

func register(t *testing.T, eng *Engine, externalID string) workitem.WorkItem {
	t.Helper()
	item, err := eng.Register(context.Background(), RegisterRequest{ExternalID: externalID, Title: "Login flow"})
	require.NoError(t, err)
	return item
}

func writeFile(t *testing.T, item workitem.WorkItem, rel, body string) {
	t.Helper()
	path := filepath.Join(item.Workspace, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func move(t *testing.T, eng *Engine, id, to string) TransitionResult {
	t.Helper()
	res, err := eng.Transition(context.Background(), id, machine.TransitionRequest{To: to, Actor: "alice"})
	require.NoError(t, err)
	return res
}

func TestNewRequiresDefinitionAndStore(t *testing.T) {
	_, err := New(lifecycle.Definition{}, nil)
	assert.Error(t, err)
	def, err := lifecycle.Default()
	require.NoError(t, err)
	_, err = New(def, nil)
	assert.Error(t, err)
}

func TestRegisterIsIdempotentByExternalID(t *testing.T) {
	eng, _ := newEngineHarness(t)
	first := register(t, eng, "card/17")
	assert.Equal(t, "inbox", first.Stage)
	assert.Equal(t, "inbox", first.Metadata[workitem.MetaInitialStage])
	assert.Equal(t, "card-17", filepath.Base(first.Workspace))
	assert.DirExists(t, first.Workspace)

	second := register(t, eng, "card/17")
	assert.Equal(t, first.ID, second.ID)

	found, err := eng.Resolve(context.Background(), "card/17")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	_, err = eng.Register(context.Background(), RegisterRequest{ExternalID: "x", Stage: "nowhere"})
	assert.ErrorIs(t, err, machine.ErrInvalidTransition)
}

// racingStore lets another registration land between the external id lookup
// and the insert.
type racingStore struct {
	store.Store
	once sync.Once
	race func()
}

func (s *racingStore) GetWorkItemByExternalID(ctx context.Context, externalID string) (workitem.WorkItem, error) {
	raced := false
	s.once.Do(func() {
		s.race()
		raced = true
	})
	if raced {
		return workitem.WorkItem{}, workitem.ErrNotFound
	}
	return s.Store.GetWorkItemByExternalID(ctx, externalID)
}

func TestConcurrentRegisterReturnsTheWinner(t *testing.T) {
	ctx := context.Background()
	other, st := newEngineHarness(t)
	var winner workitem.WorkItem
	racing := &racingStore{Store: st, race: func() {
		winner = register(t, other, "card-5")
	}}
	eng, err := New(other.Definition(), racing, WithWorkspaceRoot(t.TempDir()))
	require.NoError(t, err)

	item, err := eng.Register(ctx, RegisterRequest{ExternalID: "card-5", Title: "Login flow"})
	require.NoError(t, err)
	assert.Equal(t, winner.ID, item.ID)

	items, err := st.ListWorkItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestApprovalLocksArtifacts(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngineHarness(t)
	item := register(t, eng, "42")

	move(t, eng, item.ID, "design_draft")
	writeFile(t, item, "DESIGN.md", "# design v1")
	res := move(t, eng, item.ID, "design_approved")

	assert.Equal(t, eventlog.KindApprove, res.Event.Kind)
	assert.Equal(t, int64(2), res.Event.Sequence)
	require.Len(t, res.Locked, 1)
	assert.Equal(t, "DESIGN.md", res.Locked[0].Path)
	assert.Equal(t, integrity.HashBytes([]byte("# design v1")), res.Locked[0].ApprovedHash)
	require.Len(t, res.Event.Changes(eventlog.OpLock), 1)
	art, ok := res.Registry.Get("DESIGN.md")
	require.True(t, ok)
	assert.Equal(t, integrity.StateApproved, art.State)

	writer, err := eng.Writer(ctx, item.ID)
	require.NoError(t, err)
	err = writer.WriteFile(ctx, "DESIGN.md", []byte("sneaky edit"))
	assert.ErrorIs(t, err, ratchet.ErrRatchetViolation)
	require.NoError(t, writer.WriteFile(ctx, "notes.md", []byte("scratch")))
}

func TestStaleArtifactBlocksTransition(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngineHarness(t)
	item := register(t, eng, "42")
	move(t, eng, item.ID, "design_draft")
	writeFile(t, item, "DESIGN.md", "# design v1")
	move(t, eng, item.ID, "design_approved")

	writeFile(t, item, "DESIGN.md", "# edited behind the ratchet")
	_, err := eng.Transition(ctx, item.ID, machine.TransitionRequest{To: "planning_draft", Actor: "alice"})
	require.ErrorIs(t, err, machine.ErrStaleArtifactBlock)
	assert.Contains(t, err.Error(), "DESIGN.md")

	history, err := eng.History(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	current, err := eng.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "design_approved", current.Stage)
	assert.ErrorIs(t, eng.GateCheck(ctx, item.ID, ""), machine.ErrStaleArtifactBlock)
}

func TestRollbackReleasesLocks(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngineHarness(t)
	item := register(t, eng, "42")
	move(t, eng, item.ID, "design_draft")
	writeFile(t, item, "DESIGN.md", "# design v1")
	move(t, eng, item.ID, "design_approved")

	res, err := eng.Transition(ctx, item.ID, machine.TransitionRequest{To: "design_draft", Actor: "bob", Reason: "missing auth section"})
	require.NoError(t, err)
	assert.Equal(t, eventlog.KindRollback, res.Event.Kind)
	require.Len(t, res.Unlocked, 1)
	require.Len(t, res.Event.Changes(eventlog.OpUnlock), 1)

	locks, err := eng.Locks(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, locks, 1, "records are kept after unlock")
	assert.False(t, locks[0].Locked)
	assert.Equal(t, res.Event.EventID, locks[0].UnlockEventID)

	art, ok := res.Registry.Get("DESIGN.md")
	require.True(t, ok)
	assert.Equal(t, integrity.StateSuperseded, art.State)

	writer, err := eng.Writer(ctx, item.ID)
	require.NoError(t, err)
	require.NoError(t, writer.WriteFile(ctx, "DESIGN.md", []byte("# design v2")))
}

func TestReopenClearsProducerMarkers(t *testing.T) {
	ctx := context.Background()
	eng, st := newEngineHarness(t)
	item := register(t, eng, "42")
	move(t, eng, item.ID, "design_draft")
	require.NoError(t, st.ReplaceMarkers(ctx, item.ID, "architect", []idempotency.Marker{{State: idempotency.Completed, At: time.Now().UTC()}}))
	writeFile(t, item, "DESIGN.md", "# design v1")
	move(t, eng, item.ID, "design_approved")

	_, err := eng.Transition(ctx, item.ID, machine.TransitionRequest{To: "design_draft", Actor: "bob"})
	require.NoError(t, err)
	markers, err := st.ListMarkers(ctx, item.ID, "architect")
	require.NoError(t, err)
	assert.Len(t, markers, 1, "rollback keeps markers")
	d, err := eng.Next(ctx, item.ID)
	require.NoError(t, err)
	assert.False(t, d.Run)

	move(t, eng, item.ID, "design_approved")
	res, err := eng.Transition(ctx, item.ID, machine.TransitionRequest{To: "design_draft", Actor: "bob", Reopen: true})
	require.NoError(t, err)
	assert.Equal(t, eventlog.KindReopen, res.Event.Kind)
	markers, err = st.ListMarkers(ctx, item.ID, "architect")
	require.NoError(t, err)
	assert.Empty(t, markers)

	d, err = eng.Next(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, d.Run)
	assert.Equal(t, "architect", d.Action)
}

func TestSyncToStageStopsAtFirstRefusal(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngineHarness(t)
	item := register(t, eng, "42")
	writeFile(t, item, "DESIGN.md", "# design")

	results, err := eng.SyncToStage(ctx, item.ID, "plan_approved", "board", "column moved")
	require.ErrorIs(t, err, machine.ErrMissingArtifact)
	require.Len(t, results, 3)
	assert.Equal(t, "planning_draft", results[2].Item.Stage)

	results, err = eng.SyncToStage(ctx, item.ID, "planning_draft", "board", "")
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = eng.SyncToStage(ctx, item.ID, "design_draft", "board", "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, eventlog.KindRollback, results[0].Event.Kind)
}

func TestReplayMatchesAndRecoverRepairs(t *testing.T) {
	ctx := context.Background()
	eng, st := newEngineHarness(t)
	item := register(t, eng, "42")
	move(t, eng, item.ID, "design_draft")
	writeFile(t, item, "DESIGN.md", "# design v1")
	move(t, eng, item.ID, "design_approved")

	report, err := eng.Replay(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent(), report.Divergences)
	assert.Equal(t, "design_approved", report.Stage)
	assert.Equal(t, 2, report.Summary.Approvals)

	current, err := st.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	current.Stage = "done"
	require.NoError(t, st.UpdateWorkItem(ctx, current))
	require.NoError(t, st.PutLock(ctx, ratchet.Lock{
		WorkItemID:   item.ID,
		Path:         "rogue.md",
		Locked:       true,
		ApprovedHash: "forged",
		Stage:        "design_approved",
		EventID:      "forged",
		LockedAt:     time.Now().UTC(),
	}))

	report, err = eng.Replay(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, report.Divergences, 2)

	report, err = eng.Recover(ctx, item.ID)
	require.NoError(t, err)
	assert.False(t, report.Consistent())

	repaired, err := st.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "design_approved", repaired.Stage)
	rogue, err := st.GetLock(ctx, item.ID, "rogue.md")
	require.NoError(t, err)
	assert.False(t, rogue.Locked)

	report, err = eng.Replay(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent(), report.Divergences)
}

func TestRecordChildrenSeedsWorkspaces(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngineHarness(t)
	parent := register(t, eng, "42")
	writeFile(t, parent, "DESIGN.md", "# design")
	writeFile(t, parent, "prd.json", `{"stories":[{"id":"S1","title":"Login"}]}`)
	_, err := eng.SyncToStage(ctx, parent.ID, "plan_approved", "alice", "")
	require.NoError(t, err)

	refs := []workitem.ChildRef{{ExternalID: "card-c1", AtomicID: "S1", Key: parent.ID + ":S1"}}
	updated, children, err := eng.RecordChildren(ctx, parent.ID, refs)
	require.NoError(t, err)
	require.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, "plan_approved", child.Stage)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.True(t, child.IsChild())
	assert.FileExists(t, filepath.Join(child.Workspace, "DESIGN.md"))
	assert.FileExists(t, filepath.Join(child.Workspace, "prd.json"))
	require.Len(t, updated.Children, 1)
	assert.Equal(t, child.ID, updated.Children[0].ID)

	again, children, err := eng.RecordChildren(ctx, parent.ID, refs)
	require.NoError(t, err)
	assert.Equal(t, child.ID, children[0].ID)
	assert.Len(t, again.Children, 1)

	_, _, err = eng.RecordChildren(ctx, child.ID, refs)
	assert.Error(t, err)
}

func TestTerminalStageArchives(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngineHarness(t)
	item, err := eng.Register(ctx, RegisterRequest{ExternalID: "42", Stage: "final_review"})
	require.NoError(t, err)

	res := move(t, eng, item.ID, "done")
	assert.True(t, res.Item.Archived)
	_, err = eng.Transition(ctx, item.ID, machine.TransitionRequest{To: "final_review", Actor: "alice"})
	assert.ErrorIs(t, err, machine.ErrInvalidTransition)

	report, err := eng.Replay(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent(), report.Divergences)
}

func TestExportManifest(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngineHarness(t)
	item := register(t, eng, "42")
	move(t, eng, item.ID, "design_draft")
	writeFile(t, item, "DESIGN.md", "# design v1")
	move(t, eng, item.ID, "design_approved")

	out, err := eng.ExportManifest(ctx, item.ID)
	require.NoError(t, err)
	text := string(out)
	assert.Contains(t, text, "stage_name: Design Approved")
	assert.Contains(t, text, "next: planning_draft")
	assert.Contains(t, text, "path: DESIGN.md")
	assert.Contains(t, text, "kind: approve")
}
