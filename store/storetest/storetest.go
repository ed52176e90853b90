// Package storetest holds a conformance suite shared by every store backend.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/trafficmesh/core"
)

// Store is the union of the store interfaces a backend must implement.
type Store interface {
	core.JourneyStore
	core.ChokePointStore
	core.AgentStore
}

func journey(id string, status core.JourneyStatus) core.Journey {
	start := time.Date(2025, 9, 1, 8, 30, 0, 0, time.UTC)
	return core.Journey{
		ID:             id,
		Origin:         core.LatLng{Lat: 12.9716, Lng: 77.5946},
		Destination:    core.LatLng{Lat: 12.8456, Lng: 77.6603},
		ScheduledStart: start,
		ScheduledEnd:   start.Add(time.Hour),
		VehicleID:      "veh-" + id,
		RouteRef:       "route-1",
		Status:         status,
	}
}

// Run exercises newStore against the shared contract. newStore must return an
// empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("journey crud", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetJourney(ctx, "missing")
		assert.ErrorIs(t, err, core.ErrNotFound)

		require.NoError(t, s.PutJourney(ctx, journey("j1", core.JourneyScheduled)))
		require.NoError(t, s.PutJourney(ctx, journey("j2", core.JourneyCompleted)))
		require.NoError(t, s.PutJourney(ctx, journey("j0", core.JourneyOngoing)))

		got, err := s.GetJourney(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, "veh-j1", got.VehicleID)
		assert.True(t, got.ScheduledStart.Equal(journey("j1", core.JourneyScheduled).ScheduledStart))

		all, err := s.ListJourneys(ctx, core.JourneyFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "j0", all[0].ID)

		active, err := s.ListJourneys(ctx, core.ActiveJourneys)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, []string{"j0", "j1"}, []string{active[0].ID, active[1].ID})

		require.NoError(t, s.PutJourney(ctx, got))
		got, err = s.GetJourney(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)

		require.NoError(t, s.DeleteJourney(ctx, "j2"))
		assert.ErrorIs(t, s.DeleteJourney(ctx, "j2"), core.ErrNotFound)
	})

	t.Run("journey validation", func(t *testing.T) {
		s := newStore(t)
		err := s.PutJourney(context.Background(), journey("", core.JourneyScheduled))
		assert.True(t, core.IsKind(err, core.KindData))
		err = s.PutJourney(context.Background(), journey("x", "FLYING"))
		assert.True(t, core.IsKind(err, core.KindData))
	})

	t.Run("journey compare and swap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.PutJourney(ctx, journey("j1", core.JourneyScheduled)))

		cur, err := s.GetJourney(ctx, "j1")
		require.NoError(t, err)

		cur.Status = core.JourneyRerouted
		cur.RouteRef = "route-alt"
		updated, err := s.UpdateJourney(ctx, cur, cur.Version)
		require.NoError(t, err)
		assert.Equal(t, cur.Version+1, updated.Version)
		assert.Equal(t, core.JourneyRerouted, updated.Status)

		_, err = s.UpdateJourney(ctx, cur, cur.Version)
		assert.ErrorIs(t, err, core.ErrConflict)

		ghost := journey("ghost", core.JourneyScheduled)
		_, err = s.UpdateJourney(ctx, ghost, 1)
		assert.ErrorIs(t, err, core.ErrNotFound)

		stored, err := s.GetJourney(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, "route-alt", stored.RouteRef)
		assert.Equal(t, updated.Version, stored.Version)
	})

	t.Run("concurrent compare and swap has one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.PutJourney(ctx, journey("j1", core.JourneyScheduled)))
		base, err := s.GetJourney(ctx, "j1")
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		results := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				j := base
				j.Status = core.JourneyRerouted
				_, err := s.UpdateJourney(ctx, j, base.Version)
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			if err == nil {
				wins++
			} else {
				assert.ErrorIs(t, err, core.ErrConflict)
			}
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("choke points", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, cp := range core.DefaultChokePoints() {
			require.NoError(t, s.PutChokePoint(ctx, cp))
		}
		list, err := s.ListChokePoints(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "electronic_city", list[0].ID)

		at := time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)
		require.NoError(t, s.UpdateChokePointCount(ctx, "silk_board", 1800, at))
		cp, err := s.GetChokePoint(ctx, "silk_board")
		require.NoError(t, err)
		assert.Equal(t, 1800, cp.VehicleCount)
		assert.True(t, cp.CountUpdatedAt.Equal(at))
		assert.Equal(t, 2000, cp.Capacity)

		assert.ErrorIs(t, s.UpdateChokePointCount(ctx, "nowhere", 1, at), core.ErrNotFound)
		assert.True(t, core.IsKind(s.UpdateChokePointCount(ctx, "silk_board", -1, at), core.KindData))
		assert.True(t, core.IsKind(s.PutChokePoint(ctx, core.ChokePoint{ID: "bad", Capacity: 0, ThresholdFraction: 0.8}), core.KindData))

		_, err = s.GetChokePoint(ctx, "nowhere")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("agents with ttl", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)

		obs := core.AgentDescriptor{AgentID: "observer-1", Role: core.RoleObserver, Capabilities: []string{core.CapPerception}}
		sim := core.AgentDescriptor{AgentID: "simulation-1", Role: core.RoleSimulation, Capabilities: []string{core.CapPrediction}}
		require.NoError(t, s.SaveAgent(ctx, obs, now.Add(time.Minute)))
		require.NoError(t, s.SaveAgent(ctx, sim, now.Add(-time.Second)))

		agents, err := s.ListAgents(ctx)
		require.NoError(t, err)
		require.Len(t, agents, 2)
		assert.Equal(t, []string{core.CapPerception}, agents[0].Capabilities)

		n, err := s.DeleteExpiredAgents(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		agents, err = s.ListAgents(ctx)
		require.NoError(t, err)
		require.Len(t, agents, 1)
		assert.Equal(t, "observer-1", agents[0].AgentID)

		require.NoError(t, s.DeleteAgent(ctx, "observer-1"))
		assert.ErrorIs(t, s.DeleteAgent(ctx, "observer-1"), core.ErrNotFound)
	})
}
