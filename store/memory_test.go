package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, func(*testing.T) storetest.Store { return NewMemory() })
}

func TestMemory_ReturnsClones(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.SaveAgent(ctx, core.AgentDescriptor{
		AgentID:      "observer-1",
		Capabilities: []string{core.CapPerception},
	}, s.now().Add(time.Minute)))

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	agents[0].Capabilities[0] = "mutated"

	again, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.CapPerception, again[0].Capabilities[0])
}

func TestSeedJourneys(t *testing.T) {
	s := NewMemory()
	input := `[
		{"id": "j1", "status": "SCHEDULED", "vehicle_id": "v1"},
		{"id": "", "status": "SCHEDULED"},
		{"id": "j2", "status": "TELEPORTED"},
		{"id": "j3", "status": "ONGOING"}
	]`
	seeded, skipped, err := SeedJourneys(context.Background(), s, strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, seeded)
	assert.Equal(t, 2, skipped)

	_, _, err = SeedJourneys(context.Background(), s, strings.NewReader("{not json"))
	assert.True(t, core.IsKind(err, core.KindData))
}

func TestSeedChokePoints_KeepsObservedCounts(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	n, err := SeedChokePoints(ctx, s, core.DefaultChokePoints())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.UpdateChokePointCount(ctx, "silk_board", 900, s.now()))
	_, err = SeedChokePoints(ctx, s, core.DefaultChokePoints())
	require.NoError(t, err)

	cp, err := s.GetChokePoint(ctx, "silk_board")
	require.NoError(t, err)
	assert.Equal(t, 900, cp.VehicleCount)
}
