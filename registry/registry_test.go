package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(clock *fakeClock, st core.AgentStore) *Registry {
	return New(func(o *Options) {
		o.HeartbeatInterval = 10 * time.Second
		o.Now = clock.Now
		o.Store = st
	})
}

func observer(id string) core.AgentDescriptor {
	return core.AgentDescriptor{
		AgentID:      id,
		Role:         core.RoleObserver,
		Capabilities: []string{core.CapPerception, core.CapTrafficMonitoring},
	}
}

func TestRegister_Idempotent(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)}
	r := newTestRegistry(clock, nil)
	ctx := context.Background()

	ack, err := r.Register(ctx, observer("observer-1"))
	require.NoError(t, err)
	assert.Equal(t, core.LivenessActive, ack.Liveness)
	registeredAt := clock.Now()

	clock.Advance(5 * time.Second)
	d := observer("observer-1")
	d.Capabilities = []string{core.CapPerception}
	_, err = r.Register(ctx, d)
	require.NoError(t, err)

	all := r.List(ctx)
	require.Len(t, all, 1)
	assert.Equal(t, []string{core.CapPerception}, all[0].Capabilities)
	assert.True(t, all[0].RegisteredAt.Equal(registeredAt))
	assert.True(t, all[0].LastHeartbeat.Equal(clock.Now()))

	_, err = r.Register(ctx, core.AgentDescriptor{})
	assert.True(t, core.IsKind(err, core.KindRegistry))
}

func TestLivenessTransitions(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)}
	r := newTestRegistry(clock, nil)
	ctx := context.Background()

	_, err := r.Register(ctx, observer("observer-1"))
	require.NoError(t, err)
	assert.Len(t, r.Discover(ctx, core.CapPerception), 1)

	clock.Advance(21 * time.Second)
	d, err := r.Get(ctx, "observer-1")
	require.NoError(t, err)
	assert.Equal(t, core.LivenessStale, d.Liveness)
	assert.Empty(t, r.Discover(ctx, core.CapPerception))

	_, err = r.Heartbeat(ctx, "observer-1")
	require.NoError(t, err)
	assert.Len(t, r.Discover(ctx, core.CapPerception), 1)

	clock.Advance(51 * time.Second)
	d, err = r.Get(ctx, "observer-1")
	require.NoError(t, err)
	assert.Equal(t, core.LivenessExpired, d.Liveness)
	assert.Empty(t, r.Discover(ctx, core.CapPerception))

	_, err = r.Heartbeat(ctx, "observer-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrAgentNotFound)
	assert.True(t, core.IsKind(err, core.KindRegistry))
}

func TestHeartbeat_UnknownAgent(t *testing.T) {
	r := New()
	_, err := r.Heartbeat(context.Background(), "ghost")
	assert.ErrorIs(t, err, core.ErrAgentNotFound)
}

func TestDiscover_SortedAndFiltered(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)}
	r := newTestRegistry(clock, nil)
	ctx := context.Background()

	for _, id := range []string{"observer-b", "observer-a"} {
		_, err := r.Register(ctx, observer(id))
		require.NoError(t, err)
	}
	_, err := r.Register(ctx, core.AgentDescriptor{AgentID: "sim-1", Role: core.RoleSimulation, Capabilities: []string{core.CapPrediction}})
	require.NoError(t, err)

	found := r.Discover(ctx, core.CapPerception)
	require.Len(t, found, 2)
	assert.Equal(t, "observer-a", found[0].AgentID)
	assert.Equal(t, "observer-b", found[1].AgentID)
	assert.Empty(t, r.Discover(ctx, core.CapCommunication))
}

func TestSweep_RemovesExpiredFromStore(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)}
	st := store.NewMemory()
	r := newTestRegistry(clock, st)
	ctx := context.Background()

	_, err := r.Register(ctx, observer("observer-1"))
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = r.Register(ctx, observer("observer-2"))
	require.NoError(t, err)

	clock.Advance(25 * time.Second)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := st.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "observer-2", stored[0].AgentID)
}

func TestRestore(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)}
	st := store.NewMemory()
	ctx := context.Background()

	first := newTestRegistry(clock, st)
	_, err := first.Register(ctx, observer("observer-1"))
	require.NoError(t, err)

	second := newTestRegistry(clock, st)
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, second.Discover(ctx, core.CapTrafficMonitoring), 1)
}

func TestDeregister(t *testing.T) {
	r := New()
	ctx := context.Background()
	_, err := r.Register(ctx, observer("observer-1"))
	require.NoError(t, err)

	require.NoError(t, r.Deregister(ctx, "observer-1"))
	assert.ErrorIs(t, r.Deregister(ctx, "observer-1"), core.ErrAgentNotFound)
	_, err = r.Get(ctx, "observer-1")
	assert.ErrorIs(t, err, core.ErrAgentNotFound)
}
