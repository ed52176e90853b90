package trafficmesh_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/trafficmesh"
	"github.com/hupe1980/trafficmesh/config"
	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/execution"
	"github.com/hupe1980/trafficmesh/internal/testutil"
	"github.com/hupe1980/trafficmesh/logging"
	"github.com/hupe1980/trafficmesh/perception"
)

var now = time.Date(2025, 9, 1, 3, 30, 0, 0, time.UTC)

type silkBoardSource struct{ count int }

func (s silkBoardSource) Name() string { return "loop_detectors" }

func (s silkBoardSource) Observe(context.Context, core.Area, []core.ChokePoint) (perception.Observation, error) {
	return perception.Observation{
		VehicleCount:     s.count,
		SpeedSumKPH:      float64(s.count) * 12,
		ChokePointCounts: map[string]int{"silk_board": s.count},
	}, nil
}

type recordingSink struct {
	mu   sync.Mutex
	sent []execution.Notification
}

func (r *recordingSink) Deliver(_ context.Context, n execution.Notification) (execution.DeliveryStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return execution.DeliveryStatus{MessageID: n.ID, Channel: n.Channel, DeliveredAt: now}, nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func newMesh(t *testing.T, mode string, count int, extra ...perception.Source) (*trafficmesh.Mesh, *recordingSink) {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Orchestrator.Mode = mode
	cfg.Transport.CallTimeout = 2 * time.Second
	sink := &recordingSink{}

	m, err := trafficmesh.New(ctx, func(o *trafficmesh.Options) {
		o.Config = cfg
		o.Logger = logging.NoOpLogger{}
		o.Sources = append([]perception.Source{silkBoardSource{count: count}}, extra...)
		o.Sink = sink
		o.Now = func() time.Time { return now }
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	for _, id := range []string{"j1", "j2"} {
		require.NoError(t, m.Store().PutJourney(ctx, testutil.NewJourneyBuilder(id).StartsIn(now, 10*time.Minute).Build()))
	}
	return m, sink
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Orchestrator.Mode = "swarm"

	_, err := trafficmesh.New(context.Background(), func(o *trafficmesh.Options) { o.Config = cfg })
	require.Error(t, err)
}

func TestNew_SeedsChokePoints(t *testing.T) {
	m, _ := newMesh(t, config.ModeDirect, 0)

	cps, err := m.Store().ListChokePoints(context.Background())
	require.NoError(t, err)
	assert.Len(t, cps, 3)
}

func TestRunOrchestrationCycle(t *testing.T) {
	for _, mode := range []string{config.ModeDirect, config.ModeA2A} {
		t.Run(mode, func(t *testing.T) {
			m, sink := newMesh(t, mode, 1700)
			require.NoError(t, m.Start(context.Background()))

			c := m.RunOrchestrationCycle(context.Background(), core.PerceptionParams{CorrelationID: "corr-" + mode})

			require.Equal(t, core.CycleCompleted, c.Status, c.Error)
			assert.False(t, c.Degraded, c.DegradedReasons)
			assert.Equal(t, "corr-"+mode, c.CorrelationID)
			assert.Equal(t, 30, c.Prediction.HorizonMinutes)
			assert.Equal(t, "silk_board", c.Prediction.CriticalChokePoint)
			assert.Equal(t, core.StrategyReroute, c.Decision.Strategy)
			require.NotNil(t, c.ExecutionResult)
			assert.Len(t, c.ExecutionResult.Reroutes, 2)
			assert.Equal(t, 2, sink.count())

			j, err := m.Store().GetJourney(context.Background(), "j1")
			require.NoError(t, err)
			assert.Equal(t, core.JourneyRerouted, j.Status)
		})
	}
}

type offlineSource struct{}

func (offlineSource) Name() string { return "cameras" }

func (offlineSource) Observe(context.Context, core.Area, []core.ChokePoint) (perception.Observation, error) {
	return perception.Observation{}, errors.New("camera feed offline")
}

func TestRunOrchestrationCycle_FailedSourceKeepsObservedCounts(t *testing.T) {
	m, sink := newMesh(t, config.ModeDirect, 1800, offlineSource{})
	require.NoError(t, m.Start(context.Background()))

	c := m.RunOrchestrationCycle(context.Background(), core.PerceptionParams{})

	require.Equal(t, core.CycleCompleted, c.Status, c.Error)
	assert.True(t, c.Degraded)
	require.NotNil(t, c.Perception)
	assert.Equal(t, 1800, c.Perception.ChokePointCounts["silk_board"])

	a, ok := c.Prediction.Assessment("silk_board")
	require.True(t, ok)
	assert.Equal(t, core.CountObserved, a.CountSource)
	assert.Equal(t, core.StatusSevere, a.Status)
	assert.Equal(t, "silk_board", c.Prediction.CriticalChokePoint)
	assert.Equal(t, core.StrategyReroute, c.Decision.Strategy)
	assert.Equal(t, 2, sink.count())
}

func TestA2AModeRegistersAgents(t *testing.T) {
	m, _ := newMesh(t, config.ModeA2A, 0)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	var ids []string
	for _, d := range m.Registry().List(ctx) {
		ids = append(ids, d.AgentID)
	}
	assert.Equal(t, []string{
		trafficmesh.CommunicationsID,
		trafficmesh.ObserverID,
		trafficmesh.OrchestratorID,
		trafficmesh.SimulationID,
	}, ids)

	require.NoError(t, m.Stop(ctx))
	assert.Empty(t, m.Registry().List(ctx))
}

func TestStartTwice(t *testing.T) {
	m, _ := newMesh(t, config.ModeDirect, 0)
	require.NoError(t, m.Start(context.Background()))
	require.Error(t, m.Start(context.Background()))
}

func TestPredict(t *testing.T) {
	m, _ := newMesh(t, config.ModeDirect, 0)

	p, err := m.Predict(context.Background(), 45)
	require.NoError(t, err)
	assert.Equal(t, 45, p.HorizonMinutes)
	assert.Len(t, p.Assessments, 3)
}

func TestHandlerServesAgentHealth(t *testing.T) {
	m, _ := newMesh(t, config.ModeA2A, 0)
	require.NoError(t, m.Start(context.Background()))

	h, err := m.Handler()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agents/"+trafficmesh.ObserverID+"/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}
