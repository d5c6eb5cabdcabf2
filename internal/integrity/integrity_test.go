package integrity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/ratchet/internal/lifecycle"
	"github.com/kingrea/ratchet/internal/ratchet"
	"github.com/kingrea/ratchet/internal/workitem"
)

var fixedNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func newTracker(t *testing.T) (*Tracker, workitem.WorkItem) {
	t.Helper()
	def, err := lifecycle.Default()
	require.NoError(t, err)
	item := workitem.WorkItem{ID: "wi-1", ExternalID: "42", Stage: "design_approved", Workspace: t.TempDir()}
	return NewTracker(def, WithClock(func() time.Time { return fixedNow })), item
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestClassify(t *testing.T) {
	art := Artifact{Path: "DESIGN.md", Hash: "h1"}
	assert.Equal(t, StateDraft, Classify(art, nil))
	assert.Equal(t, StateApproved, Classify(art, &ratchet.Lock{Locked: true, ApprovedHash: "h1"}))
	assert.Equal(t, StateStale, Classify(art, &ratchet.Lock{Locked: true, ApprovedHash: "h0"}))
	assert.Equal(t, StateSuperseded, Classify(art, &ratchet.Lock{Locked: false, ApprovedHash: "h1"}))
	assert.Equal(t, StateStale, Classify(Artifact{Path: "DESIGN.md", Missing: true}, &ratchet.Lock{Locked: true, ApprovedHash: "h1"}))
	assert.Equal(t, StateDraft, Classify(art, &ratchet.Lock{Locked: true, Glob: true}))
}

func TestRefreshOnlyTracksDeclaredPatterns(t *testing.T) {
	tracker, item := newTracker(t)
	writeFile(t, item.Workspace, "DESIGN.md", "design")
	writeFile(t, item.Workspace, "tests/test_login.py", "def test(): pass")
	writeFile(t, item.Workspace, "scratch.txt", "ignored")
	writeFile(t, item.Workspace, ".git/HEAD", "ref")

	reg, err := tracker.Refresh(context.Background(), item, nil)
	require.NoError(t, err)
	paths := make([]string, 0, len(reg.Artifacts))
	for _, a := range reg.Artifacts {
		paths = append(paths, a.Path)
		assert.Equal(t, StateDraft, a.State)
	}
	assert.Equal(t, []string{"DESIGN.md", "tests/test_login.py"}, paths)
	assert.Equal(t, fixedNow, reg.RefreshedAt)
}

func TestStaleDetectionRoundTrip(t *testing.T) {
	ctx := context.Background()
	tracker, item := newTracker(t)
	writeFile(t, item.Workspace, "DESIGN.md", "approved content")
	h1, err := HashFile(filepath.Join(item.Workspace, "DESIGN.md"))
	require.NoError(t, err)
	locks := []ratchet.Lock{{WorkItemID: item.ID, Path: "DESIGN.md", Locked: true, ApprovedHash: h1, Stage: "design_approved"}}

	reg, err := tracker.Refresh(ctx, item, locks)
	require.NoError(t, err)
	art, ok := reg.Get("DESIGN.md")
	require.True(t, ok)
	assert.Equal(t, StateApproved, art.State)

	writeFile(t, item.Workspace, "DESIGN.md", "drifted content")
	reg, err = tracker.Refresh(ctx, item, locks)
	require.NoError(t, err)
	art, _ = reg.Get("DESIGN.md")
	assert.Equal(t, StateStale, art.State)
	assert.Len(t, reg.Stale(), 1)

	writeFile(t, item.Workspace, "DESIGN.md", "approved content")
	reg, err = tracker.Refresh(ctx, item, locks)
	require.NoError(t, err)
	art, _ = reg.Get("DESIGN.md")
	assert.Equal(t, StateApproved, art.State)
	assert.Equal(t, h1, art.Hash)
}

func TestMissingLockedFileIsStale(t *testing.T) {
	tracker, item := newTracker(t)
	locks := []ratchet.Lock{{WorkItemID: item.ID, Path: "DESIGN.md", Locked: true, ApprovedHash: "h1"}}
	reg, err := tracker.Refresh(context.Background(), item, locks)
	require.NoError(t, err)
	art, ok := reg.Get("DESIGN.md")
	require.True(t, ok)
	assert.True(t, art.Missing)
	assert.Equal(t, StateStale, art.State)
}

func TestRefreshIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tracker, item := newTracker(t)
	writeFile(t, item.Workspace, "DESIGN.md", "design")
	writeFile(t, item.Workspace, "prd.json", `{"stories":[]}`)

	first, err := tracker.Refresh(ctx, item, nil)
	require.NoError(t, err)
	second, err := tracker.Refresh(ctx, item, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReclassifyCounts(t *testing.T) {
	reg := Registry{WorkItemID: "wi-1", Artifacts: []Artifact{
		{Path: "DESIGN.md", Hash: "h1"},
		{Path: "prd.json", Hash: "p2"},
		{Path: "tests/test_a.py", Hash: "t1"},
	}}
	locks := []ratchet.Lock{
		{Path: "DESIGN.md", Locked: true, ApprovedHash: "h1"},
		{Path: "prd.json", Locked: true, ApprovedHash: "p1"},
		{Path: "old.md", Locked: false, ApprovedHash: "o1"},
	}
	out := Reclassify(reg, locks)
	counts := out.Counts()
	assert.Equal(t, 1, counts[StateApproved])
	assert.Equal(t, 1, counts[StateStale])
	assert.Equal(t, 1, counts[StateDraft])
	assert.Equal(t, 1, counts[StateSuperseded])
}

func TestHashBytesMatchesHashFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")
	fromFile, err := HashFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, HashBytes([]byte("hello")), fromFile)
}
