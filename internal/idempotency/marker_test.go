package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func TestResolveRules(t *testing.T) {
	cases := []struct {
		name      string
		markers   []Marker
		effective MarkerState
		canRun    bool
		keep      []MarkerState
	}{
		{name: "none", effective: None, canRun: true},
		{name: "completed", markers: []Marker{{State: Completed, At: t0}}, effective: Completed, keep: []MarkerState{Completed}},
		{name: "started alone", markers: []Marker{{State: Started, At: t0}}, effective: Started, keep: []MarkerState{Started}},
		{name: "failed alone", markers: []Marker{{State: Failed, At: t0}}, effective: Failed, canRun: true, keep: []MarkerState{Failed}},
		{
			name:      "started and failed",
			markers:   []Marker{{State: Started, At: t0}, {State: Failed, At: t0.Add(time.Second)}},
			effective: Failed, canRun: true, keep: []MarkerState{Failed},
		},
		{
			name:      "stuck legacy order",
			markers:   []Marker{{State: Failed, At: t0}, {State: Started, At: t0.Add(time.Second)}},
			effective: Failed, canRun: true, keep: []MarkerState{Failed},
		},
		{
			name:      "completed then newer started",
			markers:   []Marker{{State: Completed, At: t0}, {State: Started, At: t0.Add(time.Second)}},
			effective: Started, keep: []MarkerState{Started},
		},
		{
			name:      "started then completed",
			markers:   []Marker{{State: Started, At: t0}, {State: Completed, At: t0.Add(time.Second)}},
			effective: Completed, keep: []MarkerState{Completed},
		},
		{
			name:      "completed with stale failure",
			markers:   []Marker{{State: Failed, At: t0}, {State: Completed, At: t0.Add(time.Second)}},
			effective: Completed, keep: []MarkerState{Completed},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Resolve(tc.markers)
			assert.Equal(t, tc.effective, res.Effective)
			assert.Equal(t, tc.canRun, res.CanRun)
			var kept []MarkerState
			for _, m := range res.Keep {
				kept = append(kept, m.State)
			}
			assert.Equal(t, tc.keep, kept)
			assert.Equal(t, len(tc.markers) != len(tc.keep), res.Healed)
		})
	}
}

type memStore struct {
	mu      sync.Mutex
	markers map[string][]Marker
	leases  map[string]Lease
}

func newMemStore() *memStore {
	return &memStore{markers: map[string][]Marker{}, leases: map[string]Lease{}}
}

func (m *memStore) ListMarkers(_ context.Context, id, action string) ([]Marker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Marker(nil), m.markers[id+"|"+action]...), nil
}

func (m *memStore) ReplaceMarkers(_ context.Context, id, action string, markers []Marker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[id+"|"+action] = append([]Marker(nil), markers...)
	return nil
}

func (m *memStore) AcquireLease(_ context.Context, lease Lease) (Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := lease.WorkItemID + "|" + lease.Action
	if cur, ok := m.leases[key]; ok && cur.Owner != lease.Owner && !cur.Expired(lease.AcquiredAt) {
		return cur, false, nil
	}
	lease.Epoch = m.leases[key].Epoch + 1
	m.leases[key] = lease
	return lease, true, nil
}

func (m *memStore) ReleaseLease(_ context.Context, id, action, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := id + "|" + action
	if cur, ok := m.leases[key]; ok && cur.Owner == owner {
		delete(m.leases, key)
	}
	return nil
}

func (m *memStore) GetLease(_ context.Context, id, action string) (Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[id+"|"+action]
	return lease, ok, nil
}

func newCoordinator(t *testing.T, store Store, clock func() time.Time) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(store, WithClock(clock), WithOwner("test"))
	require.NoError(t, err)
	return c
}

func TestMarkerSelfHealing(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.ReplaceMarkers(ctx, "W", "A", []Marker{
		{State: Started, At: t0},
		{State: Failed, At: t0.Add(time.Second)},
	}))
	c := newCoordinator(t, store, func() time.Time { return t0.Add(time.Minute) })

	ok, err := c.CanRun(ctx, "W", "A")
	require.NoError(t, err)
	assert.True(t, ok)

	ran := 0
	require.NoError(t, c.Run(ctx, "W", "A", func(context.Context) error {
		ran++
		return nil
	}))
	assert.Equal(t, 1, ran)

	markers, err := store.ListMarkers(ctx, "W", "A")
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, Completed, markers[0].State)
}

func TestRunSkipsCompletedAction(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, newMemStore(), func() time.Time { return t0 })
	require.NoError(t, c.Run(ctx, "W", "A", func(context.Context) error { return nil }))

	err := c.Run(ctx, "W", "A", func(context.Context) error {
		t.Fatal("completed action must not run again")
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIdempotencyConflict))
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, Completed, conflict.State)
}

func TestRunRecordsFailureAndAllowsRetry(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := newCoordinator(t, store, func() time.Time { return t0 })
	boom := errors.New("boom")
	err := c.Run(ctx, "W", "A", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	state, err := c.State(ctx, "W", "A")
	require.NoError(t, err)
	assert.Equal(t, Failed, state)

	require.NoError(t, c.Run(ctx, "W", "A", func(context.Context) error { return nil }))
	state, err = c.State(ctx, "W", "A")
	require.NoError(t, err)
	assert.Equal(t, Completed, state)
}

func TestHeldLeaseBlocksSecondRunner(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	_, ok, err := store.AcquireLease(ctx, Lease{WorkItemID: "W", Action: "A", Owner: "other", AcquiredAt: t0, ExpiresAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.True(t, ok)

	c := newCoordinator(t, store, func() time.Time { return t0.Add(time.Minute) })
	err = c.Run(ctx, "W", "A", func(context.Context) error {
		t.Fatal("must not run while another runner holds the lease")
		return nil
	})
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestExpiredLeaseTreatsStartedAsFailed(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	// A runner marked started and then crashed while holding a lease.
	require.NoError(t, store.ReplaceMarkers(ctx, "W", "A", []Marker{{State: Started, At: t0}}))
	_, _, err := store.AcquireLease(ctx, Lease{WorkItemID: "W", Action: "A", Owner: "dead", AcquiredAt: t0, ExpiresAt: t0.Add(time.Minute)})
	require.NoError(t, err)

	ok, err := newCoordinator(t, store, func() time.Time { return t0 }).CanRun(ctx, "W", "A")
	require.NoError(t, err)
	assert.False(t, ok, "started alone is in flight")

	later := newCoordinator(t, store, func() time.Time { return t0.Add(2 * time.Minute) })
	ok, err = later.CanRun(ctx, "W", "A")
	require.NoError(t, err)
	assert.True(t, ok, "expired lease frees the action")
	ran := false
	require.NoError(t, later.Run(ctx, "W", "A", func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestResetAllowsRerun(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, newMemStore(), func() time.Time { return t0 })
	require.NoError(t, c.MarkCompleted(ctx, "W", "A"))
	require.NoError(t, c.Reset(ctx, "W", "A"))
	ok, err := c.CanRun(ctx, "W", "A")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResolveLeased(t *testing.T) {
	started := []Marker{{State: Started, At: t0}}
	live := &Lease{Owner: "a", ExpiresAt: t0.Add(time.Minute)}

	res := ResolveLeased(started, live, t0)
	assert.Equal(t, Started, res.Effective)
	assert.False(t, res.CanRun)
	assert.False(t, res.Abandoned)

	res = ResolveLeased(started, live, t0.Add(time.Minute))
	assert.Equal(t, Failed, res.Effective)
	assert.True(t, res.CanRun)
	assert.True(t, res.Abandoned)

	res = ResolveLeased(started, nil, t0)
	assert.True(t, res.CanRun, "started with no lease is abandoned")

	res = ResolveLeased([]Marker{{State: Completed, At: t0}}, nil, t0)
	assert.False(t, res.CanRun)
	assert.False(t, res.Abandoned)
}
