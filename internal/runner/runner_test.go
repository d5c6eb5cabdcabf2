package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/ratchet/internal/board"
	"github.com/kingrea/ratchet/internal/engine"
	"github.com/kingrea/ratchet/internal/fanout"
	"github.com/kingrea/ratchet/internal/generator"
	"github.com/kingrea/ratchet/internal/idempotency"
	"github.com/kingrea/ratchet/internal/lifecycle"
	"github.com/kingrea/ratchet/internal/store/sqlite"
	"github.com/kingrea/ratchet/internal/workitem"
)

type testClock struct {
	mu    sync.Mutex
	value time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = c.value.Add(time.Second)
	return c.value
}

type harness struct {
	eng   *engine.Engine
	coord *idempotency.Coordinator
	board *board.Local
	dir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	def, err := lifecycle.Default()
	require.NoError(t, err)
	dir := t.TempDir()
	st, err := sqlite.Open(context.Background(), filepath.Join(dir, "ratchet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	clock := &testClock{value: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	eng, err := engine.New(def, st, engine.WithClock(clock.Now), engine.WithWorkspaceRoot(filepath.Join(dir, "workspaces")))
	require.NoError(t, err)
	coord, err := idempotency.NewCoordinator(st, idempotency.WithClock(clock.Now), idempotency.WithOwner("test"))
	require.NoError(t, err)
	return &harness{
		eng:   eng,
		coord: coord,
		board: board.NewLocal(filepath.Join(dir, "board.json")),
		dir:   dir,
	}
}

func (h *harness) runner(t *testing.T, opts ...Option) *Runner {
	t.Helper()
	stages := board.NewStageMap(h.eng.Definition(), nil)
	opts = append([]Option{WithBoard(h.board, stages)}, opts...)
	r, err := New(h.eng, h.coord, opts...)
	require.NoError(t, err)
	return r
}

// card creates a board card and registers it.
func (h *harness) card(t *testing.T, title string) (board.Card, workitem.WorkItem) {
	t.Helper()
	ctx := context.Background()
	card, err := h.board.CreateWorkItem(ctx, board.CreateRequest{Title: title, State: "Backlog"})
	require.NoError(t, err)
	item, err := h.eng.Register(ctx, engine.RegisterRequest{ExternalID: card.ID, Title: title})
	require.NoError(t, err)
	return card, item
}

func (h *harness) sync(t *testing.T, id, stage string) {
	t.Helper()
	_, err := h.eng.SyncToStage(context.Background(), id, stage, "alice", "")
	require.NoError(t, err)
}

func writeFile(t *testing.T, item workitem.WorkItem, rel, body string) {
	t.Helper()
	path := filepath.Join(item.Workspace, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func writeArtifact(path, body string) Action {
	return ActionFunc(func(ctx context.Context, env Env) error {
		return env.Writer.WriteFile(ctx, path, []byte(body))
	})
}

func TestNewRequiresEngineAndCoordinator(t *testing.T) {
	h := newHarness(t)
	_, err := New(nil, h.coord)
	assert.Error(t, err)
	_, err = New(h.eng, nil)
	assert.Error(t, err)

	spawner, err := fanout.NewSpawner(h.board)
	require.NoError(t, err)
	_, err = New(h.eng, h.coord, WithSpawner(spawner))
	assert.Error(t, err, "fan-out without a board")
}

func TestProcessRunsGeneratorOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	calls := 0
	gen := generator.Func(func(_ context.Context, role, input string) (string, error) {
		calls++
		assert.Equal(t, "architect", role)
		assert.Contains(t, input, "# Login flow")
		return "# Design\n", nil
	})
	r := h.runner(t, WithAction("architect", GenerateArtifact{Generator: gen}))
	_, item := h.card(t, "Login flow")

	out, err := r.Process(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, out.Status, "inbox is a gate")

	h.sync(t, item.ID, "design_draft")
	out, err = r.Process(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "architect", out.Action)
	assert.FileExists(t, filepath.Join(item.Workspace, "DESIGN.md"))

	out, err = r.Process(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, out.Status)
	assert.Contains(t, out.Reason, "completed")
	assert.Equal(t, 1, calls)
}

func TestProcessWithoutActionIsIdle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.runner(t)
	_, item := h.card(t, "Login flow")
	h.sync(t, item.ID, "design_draft")

	out, err := r.Process(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, out.Status)
	assert.Contains(t, out.Reason, "no action registered")
}

func TestFailedActionIsReportedAndRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	attempts := 0
	r := h.runner(t, WithDefaultAction(ActionFunc(func(ctx context.Context, env Env) error {
		attempts++
		if attempts == 1 {
			return errors.New("model unavailable")
		}
		return env.Writer.WriteFile(ctx, "DESIGN.md", []byte("# design"))
	})))
	card, item := h.card(t, "Login flow")
	h.sync(t, item.ID, "design_draft")

	out, err := r.Process(ctx, item.ID)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	got, err := h.board.GetWorkItem(ctx, card.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Tags, FailedTag)
	require.Len(t, got.Comments, 1)
	assert.Contains(t, got.Comments[0].Body, "model unavailable")

	state, err := h.coord.State(ctx, item.ID, "architect")
	require.NoError(t, err)
	assert.Equal(t, idempotency.Failed, state)

	out, err = r.Process(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	got, err = h.board.GetWorkItem(ctx, card.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.Tags, FailedTag)
	assert.Equal(t, 2, attempts)
}

func TestProcessSkipsWhileLeaseIsHeld(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.runner(t, WithAction("architect", writeArtifact("DESIGN.md", "# design")))
	_, item := h.card(t, "Login flow")
	h.sync(t, item.ID, "design_draft")

	other, err := idempotency.NewCoordinator(h.eng.Store(), idempotency.WithOwner("other"))
	require.NoError(t, err)
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- other.Run(ctx, item.ID, "architect", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	out, err := r.Process(ctx, item.ID)
	require.NoError(t, err)
	assert.NotEqual(t, StatusCompleted, out.Status)
	assert.NoFileExists(t, filepath.Join(item.Workspace, "DESIGN.md"))
	close(release)
	require.NoError(t, <-done)
}

func TestProcessRetriesActionAbandonedByCrashedRunner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.runner(t, WithAction("architect", writeArtifact("DESIGN.md", "# design")))
	_, item := h.card(t, "Login flow")
	h.sync(t, item.ID, "design_draft")

	// A runner took the lease, marked started, and died.
	expired := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	st := h.eng.Store()
	_, ok, err := st.AcquireLease(ctx, idempotency.Lease{
		WorkItemID: item.ID, Action: "architect", Owner: "dead",
		AcquiredAt: expired, ExpiresAt: expired.Add(time.Minute),
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.ReplaceMarkers(ctx, item.ID, "architect", []idempotency.Marker{{State: idempotency.Started, At: expired}}))

	out, err := r.Process(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.FileExists(t, filepath.Join(item.Workspace, "DESIGN.md"))
	state, err := h.coord.State(ctx, item.ID, "architect")
	require.NoError(t, err)
	assert.Equal(t, idempotency.Completed, state)

	out, err = r.Process(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, out.Status, "completed actions stay done")
}

func TestAutoAdvanceLeavesImplementation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.runner(t, WithAction("implementer", writeArtifact("src/IMPLEMENTATION.md", "done")))
	card, item := h.card(t, "Login flow")
	writeFile(t, item, "DESIGN.md", "# design")
	writeFile(t, item, "prd.json", `{"stories":[{"id":"S1","title":"Login"}]}`)
	writeFile(t, item, "tests/test_login.py", "def test_login(): pass")
	h.sync(t, item.ID, "ralph_loop")

	out, err := r.Process(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "code_review", out.Advanced)

	got, err := h.eng.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "code_review", got.Stage)
	cardNow, err := h.board.GetWorkItem(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "Code Review", cardNow.State)
}

func TestBoardEventsDriveTheEngine(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.runner(t)
	card, err := h.board.CreateWorkItem(ctx, board.CreateRequest{Title: "Checkout", State: "Backlog"})
	require.NoError(t, err)

	result, err := r.HandlePayload(ctx, []byte(`{"event_id":"e1","type":"card.created","card_id":"`+card.ID+`"}`))
	require.NoError(t, err)
	assert.Equal(t, ResultRegistered, result)
	item, err := h.eng.Lookup(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "inbox", item.Stage)
	assert.Equal(t, "Checkout", item.Title)

	move := `{"event_id":"e2","type":"move","card_id":"` + card.ID + `","state":"Design Draft","actor":"bob"}`
	result, err = r.HandlePayload(ctx, []byte(move))
	require.NoError(t, err)
	assert.Equal(t, ResultSynced, result)
	item, err = h.eng.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "design_draft", item.Stage)

	result, err = r.HandlePayload(ctx, []byte(move))
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, result)

	// No DESIGN.md yet, so approval is refused and the card goes back.
	result, err = r.HandlePayload(ctx, []byte(`{"event_id":"e3","type":"move","card_id":"`+card.ID+`","state":"Design Approved"}`))
	require.NoError(t, err)
	assert.Equal(t, ResultRejected, result)
	got, err := h.board.GetWorkItem(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "Design Draft", got.State)
	require.NotEmpty(t, got.Comments)
	assert.Contains(t, got.Comments[len(got.Comments)-1].Body, "missing artifact")

	result, err = r.HandlePayload(ctx, []byte(`{"event_id":"e4","type":"card.archived","card_id":"`+card.ID+`"}`))
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, result)

	_, err = r.HandlePayload(ctx, []byte(`{"type":`))
	assert.ErrorIs(t, err, board.ErrInvalidEvent)
}

func TestFailedEventIsAppliedOnRedelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.runner(t)

	// The card is not on the board yet, so reading its title fails.
	_, err := r.HandlePayload(ctx, []byte(`{"event_id":"e1","type":"card.created","card_id":"card-9"}`))
	require.ErrorIs(t, err, board.ErrCardNotFound)
	_, err = h.eng.Lookup(ctx, "card-9")
	require.ErrorIs(t, err, workitem.ErrNotFound)

	result, err := r.HandlePayload(ctx, []byte(`{"event_id":"e1","type":"card.created","card_id":"card-9","title":"Billing","state":"Backlog"}`))
	require.NoError(t, err)
	assert.Equal(t, ResultRegistered, result)
	item, err := h.eng.Lookup(ctx, "card-9")
	require.NoError(t, err)
	assert.Equal(t, "Billing", item.Title)

	result, err = r.HandlePayload(ctx, []byte(`{"event_id":"e1","type":"card.created","card_id":"card-9","title":"Billing","state":"Backlog"}`))
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, result, "applied events stay deduplicated")
}

func TestMoveOfUnknownCardStartsAtFirstStage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.runner(t)
	card, err := h.board.CreateWorkItem(ctx, board.CreateRequest{Title: "Search", State: "Design Draft"})
	require.NoError(t, err)

	result, err := r.HandlePayload(ctx, []byte(`{"event_id":"m1","type":"move","card_id":"`+card.ID+`","state":"Design Draft"}`))
	require.NoError(t, err)
	assert.Equal(t, ResultSynced, result)
	item, err := h.eng.Lookup(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "design_draft", item.Stage)
	history, err := h.eng.History(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestFanOutCreatesChildrenOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	spawner, err := fanout.NewSpawner(h.board, fanout.WithChildState("Plan Approved"))
	require.NoError(t, err)
	r := h.runner(t, WithSpawner(spawner))
	_, parent := h.card(t, "Checkout")
	writeFile(t, parent, "DESIGN.md", "# design")
	writeFile(t, parent, "prd.json", `{"stories":[{"id":"S1","title":"Cart"},{"id":"S2","title":"Payment"}]}`)

	_, err = r.FanOut(ctx, parent.ID, false)
	assert.ErrorIs(t, err, ErrNoFanOut, "inbox does not fan out")

	h.sync(t, parent.ID, "plan_approved")
	report, err := r.FanOut(ctx, parent.ID, false)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 2, report.Result.Created)
	require.Len(t, report.Children, 2)
	assert.Len(t, report.Parent.Children, 2)
	for _, child := range report.Children {
		assert.True(t, child.IsChild())
		assert.Equal(t, "plan_approved", child.Stage)
		assert.FileExists(t, filepath.Join(child.Workspace, "prd.json"))
	}

	again, err := r.FanOut(ctx, parent.ID, false)
	require.NoError(t, err)
	assert.True(t, again.Skipped)

	forced, err := r.FanOut(ctx, parent.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 0, forced.Result.Created)
	assert.Equal(t, 2, forced.Result.Skipped)

	items, err := h.eng.List(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 3)

	_, err = r.FanOut(ctx, report.Children[0].ID, false)
	assert.ErrorIs(t, err, ErrNoFanOut)

	outcomes, err := r.PollOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, outcomes, 3)
}

func TestFanOutFloodIsReportedOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	spawner, err := fanout.NewSpawner(h.board, fanout.WithMaxChildren(1))
	require.NoError(t, err)
	r := h.runner(t, WithSpawner(spawner))
	card, parent := h.card(t, "Checkout")
	writeFile(t, parent, "DESIGN.md", "# design")
	writeFile(t, parent, "prd.json", `{"stories":[{"id":"S1","title":"Cart"},{"id":"S2","title":"Payment"}]}`)
	h.sync(t, parent.ID, "plan_approved")

	_, err = r.FanOut(ctx, parent.ID, false)
	assert.ErrorIs(t, err, fanout.ErrFloodControlExceeded)
	again, err := r.FanOut(ctx, parent.ID, false)
	require.NoError(t, err)
	assert.True(t, again.Skipped)

	got, err := h.board.GetWorkItem(ctx, card.ID)
	require.NoError(t, err)
	flood := 0
	for _, c := range got.Comments {
		if strings.Contains(c.Body, "flood control") {
			flood++
		}
	}
	assert.Equal(t, 1, flood)
}

func TestDedupeWindowEvictsOldest(t *testing.T) {
	w := newWindow(2)
	assert.False(t, w.seen("a"))
	assert.False(t, w.seen("b"))
	assert.True(t, w.seen("a"))
	assert.False(t, w.seen("c"))
	assert.False(t, w.seen("a"), "a was evicted by c")

	w.forget("a")
	assert.False(t, w.seen("a"), "forgotten ids are processed again")
	w.forget("missing")
	assert.True(t, w.seen("c"))
}

func TestOutputPath(t *testing.T) {
	assert.Equal(t, "src/IMPLEMENTATION.md", OutputPath(lifecycle.Stage{Output: "src/IMPLEMENTATION.md"}))
	assert.Equal(t, "DESIGN.md", OutputPath(lifecycle.Stage{Required: []string{"DESIGN.md"}}))
	assert.Empty(t, OutputPath(lifecycle.Stage{Required: []string{"src/**"}}))
}
