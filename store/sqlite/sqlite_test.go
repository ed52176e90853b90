package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/store/storetest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "trafficmesh.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return openTemp(t) })
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "trafficmesh.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.PutChokePoint(ctx, core.DefaultChokePoints()[1]))
	require.NoError(t, s.PutJourney(ctx, core.Journey{ID: "j1", Status: core.JourneyOngoing}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	cp, err := s.GetChokePoint(ctx, "silk_board")
	require.NoError(t, err)
	assert.Equal(t, "Silk Board Junction", cp.Name)
	assert.False(t, cp.HasCount())

	j, err := s.GetJourney(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, core.JourneyOngoing, j.Status)
	assert.Equal(t, int64(1), j.Version)
}
