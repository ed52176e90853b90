package advisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/model"
)

func report() SituationReport {
	return SituationReport{
		Traffic: TrafficAnalysis{
			CongestionScore:        0.9,
			CriticalChokePoint:     "silk_board",
			CriticalChokePointName: "Silk Board Junction",
			AffectedVehicles:       42,
			PredictionConfidence:   1,
			RiskLevel:              core.RiskCritical,
		},
		Temporal: TemporalContext{
			CurrentTime: time.Date(2025, 9, 1, 9, 30, 0, 0, time.UTC),
			Hour:        9,
			IsPeakHour:  true,
			DayOfWeek:   "Monday",
		},
		System: SystemState{EmergencyThreshold: 0.9},
		Domain: DefaultDomainContext(),
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name, in, want string
		wantErr        bool
	}{
		{name: "bare", in: `{"a":1}`, want: `{"a":1}`},
		{name: "fenced", in: "```json\n{\"a\":{\"b\":2}}\n```", want: `{"a":{"b":2}}`},
		{name: "first of two", in: `{"a":1} and {"b":2}`, want: `{"a":1}`},
		{name: "brace in string", in: `x {"r":"use } carefully"} y`, want: `{"r":"use } carefully"}`},
		{name: "none", in: "no json here", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractJSON(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseRecommendation(t *testing.T) {
	rec, err := ParseRecommendation(`Sure! {"recommended_strategy": "reroute_vehicles", "confidence": 0.8, "reasoning": "ORR is clear", "risk_level": "HIGH"}`)
	require.NoError(t, err)
	assert.Equal(t, core.StrategyReroute, rec.Strategy)
	assert.Equal(t, 0.8, rec.Confidence)
	assert.Equal(t, core.RiskHigh, rec.RiskLevel)

	for _, bad := range []string{
		`{"recommended_strategy": "PANIC", "confidence": 0.5}`,
		`{"recommended_strategy": "MONITOR_AND_WAIT", "confidence": 1.5}`,
		`{"recommended_strategy": "MONITOR_AND_WAIT", "confidence": 0.5, "risk_level": "apocalyptic"}`,
		`{"recommended_strategy": "MONITOR_AND_WAIT", "confidence": "high"}`,
		`I cannot decide.`,
	} {
		_, err := ParseRecommendation(bad)
		assert.ErrorIs(t, err, core.ErrInvalidAdvice, bad)
	}
}

func TestRenderPrompt(t *testing.T) {
	prompt, err := RenderPrompt(report())
	require.NoError(t, err)
	assert.Contains(t, prompt, "Congestion Score: 90/100")
	assert.Contains(t, prompt, "Critical Choke Point: Silk Board Junction")
	assert.Contains(t, prompt, "1. MONITOR_AND_WAIT - Continue monitoring, no intervention")
	assert.Contains(t, prompt, "4. COORDINATE_WITH_AUTHORITIES - Alert traffic police/authorities")
	assert.Contains(t, prompt, "Major Routes: ORR, Hosur Road, Whitefield Road")
	assert.Contains(t, prompt, `"recommended_strategy"`)
}

func TestModelAdvisor_Recommend(t *testing.T) {
	m := model.NewMockModel("mock", "mock")
	m.SetDefaultResponse(`{"recommended_strategy":"EMERGENCY_INTERVENTION","confidence":0.95,"reasoning":"gridlock"}`)

	rec, err := NewModelAdvisor(m).Recommend(context.Background(), report())
	require.NoError(t, err)
	assert.Equal(t, core.StrategyEmergency, rec.Strategy)
	assert.Equal(t, "gridlock", rec.Reasoning)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, defaultInstructions, reqs[0].Instructions)
}

func TestModelAdvisor_Failures(t *testing.T) {
	m := model.NewMockModel("mock", "mock")
	a := NewModelAdvisor(m)

	m.SetDefaultResponse("I think you should reroute.")
	_, err := a.Recommend(context.Background(), report())
	assert.True(t, core.IsKind(err, core.KindAdvisor))
	assert.ErrorIs(t, err, core.ErrInvalidAdvice)

	m.SetError(errors.New("quota exceeded"))
	_, err = a.Recommend(context.Background(), report())
	assert.True(t, core.IsKind(err, core.KindAdvisor))
	assert.ErrorIs(t, err, core.ErrAdvisorUnavailable)
}

func TestFunc(t *testing.T) {
	var a Advisor = Func(func(context.Context, SituationReport) (Recommendation, error) {
		return Recommendation{Strategy: core.StrategyMonitor, Confidence: 1}, nil
	})
	rec, err := a.Recommend(context.Background(), report())
	require.NoError(t, err)
	assert.Equal(t, core.StrategyMonitor, rec.Strategy)
}
