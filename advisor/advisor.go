// Package advisor asks a language model for a strategic recommendation on the
// current traffic situation.
package advisor

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/trafficmesh/core"
)

// TrafficAnalysis summarizes the prediction for the advisor.
type TrafficAnalysis struct {
	CongestionScore        float64        `json:"congestion_score"`
	CriticalChokePoint     string         `json:"critical_choke_point,omitempty"`
	CriticalChokePointName string         `json:"critical_choke_point_name,omitempty"`
	AffectedVehicles       int            `json:"affected_vehicles"`
	PredictionConfidence   float64        `json:"prediction_confidence"`
	RiskLevel              core.RiskLevel `json:"risk_level"`
}

// TemporalContext places the situation in local time.
type TemporalContext struct {
	CurrentTime time.Time `json:"current_time"`
	Hour        int       `json:"hour"`
	IsPeakHour  bool      `json:"is_peak_hour"`
	DayOfWeek   string    `json:"day_of_week"`
	IsWeekend   bool      `json:"is_weekend"`
}

// SystemState describes the orchestrator itself.
type SystemState struct {
	AvailableStrategies    []core.Strategy `json:"available_strategies"`
	TotalCycles            int64           `json:"total_cycles"`
	InterventionsTriggered int64           `json:"interventions_triggered"`
	EmergencyThreshold     float64         `json:"emergency_threshold"`
}

// DomainContext lists the city knowledge handed to the advisor.
type DomainContext struct {
	MajorRoutes       []string `json:"major_routes"`
	CriticalJunctions []string `json:"critical_junctions"`
}

// DefaultDomainContext is the Bengaluru context.
func DefaultDomainContext() DomainContext {
	return DomainContext{
		MajorRoutes:       []string{"ORR", "Hosur Road", "Whitefield Road"},
		CriticalJunctions: []string{"Silk Board", "Electronic City", "Whitefield"},
	}
}

// SituationReport is the complete input of one advisor call.
type SituationReport struct {
	Traffic  TrafficAnalysis `json:"traffic_analysis"`
	Temporal TemporalContext `json:"temporal_context"`
	System   SystemState     `json:"system_state"`
	Domain   DomainContext   `json:"domain_context"`
}

// Recommendation is a validated advisor answer.
type Recommendation struct {
	Strategy   core.Strategy  `json:"recommended_strategy"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning"`
	RiskLevel  core.RiskLevel `json:"risk_level,omitempty"`
}

// Validate checks the strategy, the confidence range and the optional risk
// level. The error wraps core.ErrInvalidAdvice.
func (r Recommendation) Validate() error {
	if !r.Strategy.Valid() {
		return fmt.Errorf("%w: unknown strategy %q", core.ErrInvalidAdvice, r.Strategy)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", core.ErrInvalidAdvice, r.Confidence)
	}
	if r.RiskLevel != "" && !r.RiskLevel.Valid() {
		return fmt.Errorf("%w: unknown risk level %q", core.ErrInvalidAdvice, r.RiskLevel)
	}
	return nil
}

// Advisor recommends a strategy for a situation. Implementations return a
// core.AdvisorError on any failure so callers can fall back to rules.
type Advisor interface {
	Recommend(ctx context.Context, report SituationReport) (Recommendation, error)
}

// Func adapts a function to Advisor.
type Func func(ctx context.Context, report SituationReport) (Recommendation, error)

// Recommend implements Advisor.
func (f Func) Recommend(ctx context.Context, report SituationReport) (Recommendation, error) {
	return f(ctx, report)
}
