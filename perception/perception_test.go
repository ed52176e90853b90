package perception

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/store"
)

var testNow = time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)

func newTelemetry() *TelemetrySource {
	return NewTelemetrySource(func(o *TelemetryOptions) {
		o.Now = func() time.Time { return testNow }
	})
}

func report(id string, at core.LatLng, speed float64, age time.Duration) Telemetry {
	return Telemetry{VehicleID: id, Latitude: at.Lat, Longitude: at.Lng, SpeedKPH: speed, Timestamp: testNow.Add(-age)}
}

func seededStore(t *testing.T) *store.Memory {
	t.Helper()
	s := store.NewMemory()
	_, err := store.SeedChokePoints(context.Background(), s, core.DefaultChokePoints())
	require.NoError(t, err)
	return s
}

func TestTelemetry_Validate(t *testing.T) {
	silk := core.DefaultChokePoints()[1].Location
	ts := newTelemetry()
	ctx := context.Background()

	require.NoError(t, ts.Ingest(ctx, report("v1", silk, 30, 0)))

	err := ts.Ingest(ctx, Telemetry{VehicleID: "", Latitude: silk.Lat, Longitude: silk.Lng, Timestamp: testNow})
	assert.ErrorIs(t, err, core.ErrInvalidTelemetry)
	assert.True(t, core.IsKind(err, core.KindData))

	err = ts.Ingest(ctx, Telemetry{VehicleID: "v2", Latitude: 19.07, Longitude: 72.87, Timestamp: testNow})
	assert.ErrorIs(t, err, core.ErrInvalidTelemetry)

	err = ts.Ingest(ctx, Telemetry{VehicleID: "v3", Latitude: silk.Lat, Longitude: silk.Lng})
	assert.ErrorIs(t, err, core.ErrInvalidTelemetry)

	n, err := ts.IngestBatch(ctx, []Telemetry{report("v4", silk, 10, 0), {VehicleID: "bad"}})
	assert.Equal(t, 1, n)
	assert.Error(t, err)
}

func TestTelemetry_KeepsLatestPerVehicle(t *testing.T) {
	silk := core.DefaultChokePoints()[1].Location
	ts := newTelemetry()
	ctx := context.Background()

	require.NoError(t, ts.Ingest(ctx, report("v1", silk, 30, time.Minute)))
	require.NoError(t, ts.Ingest(ctx, report("v1", silk, 50, 5*time.Minute)))

	recent := ts.Recent(ctx, 0)
	require.Len(t, recent, 1)
	assert.Equal(t, 30.0, recent[0].SpeedKPH)
}

func TestTelemetry_ObserveWindowAndRadius(t *testing.T) {
	cps := core.DefaultChokePoints()
	ec, silk := cps[0].Location, cps[1].Location
	ts := newTelemetry()
	ctx := context.Background()

	require.NoError(t, ts.Ingest(ctx, report("near-silk", silk, 12, time.Minute)))
	require.NoError(t, ts.Ingest(ctx, report("near-ec", ec, 18, 2*time.Minute)))
	require.NoError(t, ts.Ingest(ctx, report("old", silk, 60, 15*time.Minute)))

	obs, err := ts.Observe(ctx, core.Area{}, cps)
	require.NoError(t, err)
	assert.Equal(t, 2, obs.VehicleCount)
	assert.Equal(t, 1, obs.ChokePointCounts["silk_board"])
	assert.Equal(t, 1, obs.ChokePointCounts["electronic_city"])
	assert.Equal(t, 0, obs.ChokePointCounts["whitefield"])

	obs, err = ts.Observe(ctx, core.Area{Center: silk, RadiusKM: 1}, cps)
	require.NoError(t, err)
	assert.Equal(t, 1, obs.VehicleCount)

	assert.Equal(t, 1, ts.Prune())
}

func TestLevelForSpeed(t *testing.T) {
	assert.Equal(t, core.CongestionLow, LevelForSpeed(0, 0))
	assert.Equal(t, core.CongestionHigh, LevelForSpeed(3, 15))
	assert.Equal(t, core.CongestionMedium, LevelForSpeed(3, 20))
	assert.Equal(t, core.CongestionMedium, LevelForSpeed(3, 39.9))
	assert.Equal(t, core.CongestionLow, LevelForSpeed(3, 40))
}

type failingSource struct{}

func (failingSource) Name() string { return "cameras" }

func (failingSource) Observe(context.Context, core.Area, []core.ChokePoint) (Observation, error) {
	return Observation{}, errors.New("camera feed offline")
}

type slowSource struct{}

func (slowSource) Name() string { return "slow" }

func (slowSource) Observe(ctx context.Context, _ core.Area, _ []core.ChokePoint) (Observation, error) {
	<-ctx.Done()
	return Observation{}, ctx.Err()
}

func TestProvider_GetNetworkState(t *testing.T) {
	st := seededStore(t)
	silk := core.DefaultChokePoints()[1].Location
	ts := newTelemetry()
	ctx := context.Background()
	require.NoError(t, ts.Ingest(ctx, report("v1", silk, 10, 0)))
	require.NoError(t, ts.Ingest(ctx, report("v2", silk, 20, 0)))

	p := NewProvider(st, []Source{ts}, func(o *Options) { o.Now = func() time.Time { return testNow } })
	snap, err := p.GetNetworkState(ctx, core.Area{})
	require.NoError(t, err)
	assert.False(t, snap.Degraded)
	assert.Equal(t, 2, snap.ActiveVehicleCount)
	assert.InDelta(t, 15.0, snap.AverageSpeedKPH, 1e-9)
	assert.Equal(t, core.CongestionHigh, snap.CongestionLevel)
	assert.Equal(t, 2, snap.ChokePointCounts["silk_board"])

	// Reading never writes.
	cp, err := st.GetChokePoint(ctx, "silk_board")
	require.NoError(t, err)
	assert.False(t, cp.HasCount())
}

func TestProvider_DegradesOnSourceFailure(t *testing.T) {
	st := seededStore(t)
	p := NewProvider(st, []Source{newTelemetry(), failingSource{}, slowSource{}}, func(o *Options) {
		o.SourceTimeout = 20 * time.Millisecond
	})

	snap, err := p.GetNetworkState(context.Background(), core.Area{})
	require.NoError(t, err)
	assert.True(t, snap.Degraded)
	assert.Equal(t, core.CongestionUnknown, snap.CongestionLevel)
	require.Len(t, snap.Sources, 3)
	assert.True(t, snap.Sources[0].OK)
	assert.Equal(t, "camera feed offline", snap.Sources[1].Error)
	assert.False(t, snap.Sources[2].OK)
}

func TestProvider_NoSources(t *testing.T) {
	p := NewProvider(seededStore(t), nil)
	snap, err := p.GetNetworkState(context.Background(), core.Area{})
	require.NoError(t, err)
	assert.True(t, snap.Degraded)
	assert.Equal(t, core.CongestionUnknown, snap.CongestionLevel)
}

func TestProvider_RecordCounts(t *testing.T) {
	st := seededStore(t)
	p := NewProvider(st, nil)
	ctx := context.Background()

	n, err := p.RecordCounts(ctx, core.NetworkStateSnapshot{
		ChokePointCounts: map[string]int{"silk_board": 1800, "unknown": 5},
		Timestamp:        testNow,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cp, err := st.GetChokePoint(ctx, "silk_board")
	require.NoError(t, err)
	assert.Equal(t, 1800, cp.VehicleCount)
	assert.True(t, cp.CountUpdatedAt.Equal(testNow))

	n, err = p.RecordCounts(ctx, core.NetworkStateSnapshot{Degraded: true, ChokePointCounts: map[string]int{}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestProvider_PartialSnapshotKeepsAnsweringSources(t *testing.T) {
	st := seededStore(t)
	p := NewProvider(st, []Source{fixedSource{"silk_board": 1800}, failingSource{}}, func(o *Options) {
		o.Now = func() time.Time { return testNow }
	})
	ctx := context.Background()

	snap, err := p.GetNetworkState(ctx, core.Area{})
	require.NoError(t, err)
	assert.True(t, snap.Degraded)
	assert.Equal(t, 1800, snap.ChokePointCounts["silk_board"])

	n, err := p.RecordCounts(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cp, err := st.GetChokePoint(ctx, "silk_board")
	require.NoError(t, err)
	assert.Equal(t, 1800, cp.VehicleCount)
}

type fixedSource map[string]int

func (fixedSource) Name() string { return "loop_detectors" }

func (f fixedSource) Observe(context.Context, core.Area, []core.ChokePoint) (Observation, error) {
	obs := Observation{ChokePointCounts: map[string]int{}}
	for id, n := range f {
		obs.VehicleCount += n
		obs.ChokePointCounts[id] = n
	}
	return obs, nil
}

type stuckSource struct{ release chan struct{} }

func (stuckSource) Name() string { return "stuck_feed" }

func (s stuckSource) Observe(context.Context, core.Area, []core.ChokePoint) (Observation, error) {
	<-s.release
	return Observation{VehicleCount: 99}, nil
}

func TestProvider_SourceIgnoringDeadlineIsAbandoned(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	p := NewProvider(seededStore(t), []Source{fixedSource{"silk_board": 1800}, stuckSource{release: release}}, func(o *Options) {
		o.SourceTimeout = 20 * time.Millisecond
	})

	start := time.Now()
	snap, err := p.GetNetworkState(context.Background(), core.Area{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.True(t, snap.Degraded)
	require.Len(t, snap.Sources, 2)
	assert.True(t, snap.Sources[0].OK)
	assert.Equal(t, context.DeadlineExceeded.Error(), snap.Sources[1].Error)
	assert.Equal(t, 1800, snap.ActiveVehicleCount)
}
