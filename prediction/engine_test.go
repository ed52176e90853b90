package prediction

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/trafficmesh/core"
)

var now = time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)

func newEngine() *Engine {
	return New(func(o *Options) { o.Now = func() time.Time { return now } })
}

func observed(cp core.ChokePoint, count int, age time.Duration) core.ChokePoint {
	cp.VehicleCount = count
	cp.CountUpdatedAt = now.Add(-age)
	return cp
}

func catalog() (ec, silk, wf core.ChokePoint) {
	cps := core.DefaultChokePoints()
	return cps[0], cps[1], cps[2]
}

func journeyNear(id string, p core.LatLng, start time.Duration) core.Journey {
	return core.Journey{
		ID:             id,
		Origin:         p,
		Destination:    core.LatLng{Lat: p.Lat + 0.01, Lng: p.Lng + 0.01},
		ScheduledStart: now.Add(start),
		Status:         core.JourneyScheduled,
	}
}

func TestAssess_SevereObservedCount(t *testing.T) {
	ec, silk, wf := catalog()
	in := core.PredictionInput{
		Journeys:    []core.Journey{journeyNear("j1", silk.Location, 10*time.Minute)},
		ChokePoints: []core.ChokePoint{observed(silk, 1800, time.Minute), observed(ec, 100, time.Minute), observed(wf, 0, time.Minute)},
	}

	p := newEngine().Assess(in)
	require.Len(t, p.Assessments, 3)
	a, ok := p.Assessment("silk_board")
	require.True(t, ok)
	assert.Equal(t, 1800, a.VehicleCount)
	assert.Equal(t, 1600, a.ThresholdCount)
	assert.InDelta(t, 0.9, a.CongestionScore, 1e-9)
	assert.Equal(t, core.StatusSevere, a.Status)
	assert.Equal(t, core.CountObserved, a.CountSource)
	assert.Equal(t, []string{"j1"}, a.AffectedJourneyIDs)

	assert.Equal(t, "silk_board", p.CriticalChokePoint)
	assert.Equal(t, 1.0, p.OverallConfidence)
	assert.Equal(t, 30, p.HorizonMinutes)
	assert.Contains(t, p.Recommendations, "Priority intervention needed at Silk Board Junction")
}

func TestAssess_StaleCountFallsBackToProjection(t *testing.T) {
	_, silk, _ := catalog()
	in := core.PredictionInput{
		Journeys: []core.Journey{
			journeyNear("j1", silk.Location, 0),
			journeyNear("j2", silk.Location, 20*time.Minute),
			journeyNear("later", silk.Location, 2*time.Hour),
		},
		ChokePoints: []core.ChokePoint{observed(silk, 1900, 10*time.Minute)},
	}

	p := newEngine().Assess(in)
	a := p.Assessments[0]
	assert.Equal(t, core.CountProjected, a.CountSource)
	assert.Equal(t, 2, a.VehicleCount)
	assert.Equal(t, 0.5, a.Confidence)
	assert.Equal(t, core.StatusMinimal, a.Status)
	assert.Equal(t, 0.0, p.OverallConfidence)
	assert.Empty(t, p.CriticalChokePoint)
}

func TestAssess_ProjectionRules(t *testing.T) {
	_, silk, wf := catalog()
	far := core.LatLng{Lat: 13.1, Lng: 77.5}
	cases := []struct {
		name string
		j    core.Journey
		want bool
	}{
		{"origin within proximity", journeyNear("a", silk.Location, 0), true},
		{"box spans choke point", core.Journey{ID: "b", Origin: core.LatLng{Lat: 12.85, Lng: 77.55}, Destination: core.LatLng{Lat: 13.0, Lng: 77.7}, Status: core.JourneyOngoing}, true},
		{"far away", core.Journey{ID: "c", Origin: far, Destination: core.LatLng{Lat: 13.12, Lng: 77.52}, Status: core.JourneyScheduled}, false},
		{"completed journey", func() core.Journey { j := journeyNear("d", silk.Location, 0); j.Status = core.JourneyCompleted; return j }(), false},
		{"rerouted journey", func() core.Journey { j := journeyNear("e", silk.Location, 0); j.Status = core.JourneyRerouted; return j }(), false},
		{"outside service area", core.Journey{ID: "f", Origin: core.LatLng{Lat: 19.0, Lng: 72.8}, Destination: core.LatLng{Lat: 19.1, Lng: 72.9}, Status: core.JourneyScheduled}, false},
		{"already ended", func() core.Journey { j := journeyNear("g", silk.Location, -2*time.Hour); j.ScheduledEnd = now.Add(-time.Hour); return j }(), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newEngine().Assess(core.PredictionInput{Journeys: []core.Journey{tc.j}, ChokePoints: []core.ChokePoint{silk, wf}})
			a, _ := p.Assessment("silk_board")
			if tc.want {
				assert.Equal(t, []string{tc.j.ID}, a.AffectedJourneyIDs)
			} else {
				assert.Empty(t, a.AffectedJourneyIDs)
			}
		})
	}
}

func TestStatusBuckets(t *testing.T) {
	_, silk, _ := catalog()
	assert.Equal(t, core.StatusSevere, Status(1600, Score(1600, 2000), silk))
	assert.Equal(t, core.StatusModerate, Status(1599, Score(1599, 2000), silk))
	assert.Equal(t, core.StatusModerate, Status(800, Score(800, 2000), silk))
	assert.Equal(t, core.StatusMinimal, Status(799, Score(799, 2000), silk))
	assert.Equal(t, 1.0, Score(5000, 2000))
	assert.Equal(t, 0.0, Score(10, 0))
}

func TestScoreIsMonotonic(t *testing.T) {
	_, silk, _ := catalog()
	prev := -1.0
	rank := map[core.CongestionStatus]int{core.StatusMinimal: 0, core.StatusModerate: 1, core.StatusSevere: 2}
	prevRank := 0
	for count := 0; count <= 2500; count += 50 {
		p := newEngine().Assess(core.PredictionInput{ChokePoints: []core.ChokePoint{observed(silk, count, 0)}})
		a := p.Assessments[0]
		assert.GreaterOrEqual(t, a.CongestionScore, prev, fmt.Sprintf("count %d", count))
		assert.GreaterOrEqual(t, rank[a.Status], prevRank, fmt.Sprintf("count %d", count))
		prev, prevRank = a.CongestionScore, rank[a.Status]
	}
}

func TestCriticalTieBreak(t *testing.T) {
	a := core.ChokePoint{ID: "b_point", Name: "B", Capacity: 100, ThresholdFraction: 0.8}
	b := core.ChokePoint{ID: "a_point", Name: "A", Capacity: 100, ThresholdFraction: 0.8}
	p := newEngine().Assess(core.PredictionInput{ChokePoints: []core.ChokePoint{observed(a, 90, 0), observed(b, 90, 0)}})
	assert.Equal(t, "a_point", p.CriticalChokePoint)
}

func TestAssess_Empty(t *testing.T) {
	p := newEngine().Assess(core.PredictionInput{})
	assert.Empty(t, p.Assessments)
	assert.Equal(t, 0.0, p.OverallConfidence)
	assert.Equal(t, []string{"LOW: Continue normal monitoring"}, p.Recommendations)
}

func TestRecommendations(t *testing.T) {
	mk := func(score float64) core.CongestionAssessment {
		return core.CongestionAssessment{Name: "X", CongestionScore: score}
	}
	assert.Equal(t, "CRITICAL: Implement emergency traffic intervention", Recommendations([]core.CongestionAssessment{mk(0.85)})[0])
	assert.Equal(t, "HIGH: Reroute vehicles to alternate paths", Recommendations([]core.CongestionAssessment{mk(0.65)})[0])
	assert.Equal(t, "MEDIUM: Monitor closely and prepare interventions", Recommendations([]core.CongestionAssessment{mk(0.45)})[0])
	assert.Equal(t, []string{"LOW: Continue normal monitoring"}, Recommendations([]core.CongestionAssessment{mk(0.1)}))
	assert.Len(t, Recommendations([]core.CongestionAssessment{mk(0.75)}), 3)
}

func TestPredict_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newEngine().Predict(ctx, core.PredictionInput{})
	assert.True(t, core.IsKind(err, core.KindData))
}
