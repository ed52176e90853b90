package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Strategy is a high-level orchestration decision.
type Strategy string

const (
	StrategyMonitor    Strategy = "MONITOR_AND_WAIT"
	StrategyReroute    Strategy = "REROUTE_VEHICLES"
	StrategyEmergency  Strategy = "EMERGENCY_INTERVENTION"
	StrategyCoordinate Strategy = "COORDINATE_WITH_AUTHORITIES"
)

// Strategies lists every strategy in advisor prompt order.
var Strategies = []Strategy{StrategyMonitor, StrategyReroute, StrategyEmergency, StrategyCoordinate}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	for _, v := range Strategies {
		if s == v {
			return true
		}
	}
	return false
}

// InterventionType is the concrete action family a strategy maps to.
type InterventionType string

const (
	InterventionMonitor    InterventionType = "MONITOR"
	InterventionReroute    InterventionType = "REROUTE"
	InterventionEmergency  InterventionType = "EMERGENCY"
	InterventionCoordinate InterventionType = "COORDINATE"
)

// Valid reports whether t is a known intervention type.
func (t InterventionType) Valid() bool {
	switch t {
	case InterventionMonitor, InterventionReroute, InterventionEmergency, InterventionCoordinate:
		return true
	}
	return false
}

// InterventionFor maps a strategy to its intervention type. Unknown
// strategies map to MONITOR.
func InterventionFor(s Strategy) InterventionType {
	switch s {
	case StrategyReroute:
		return InterventionReroute
	case StrategyEmergency:
		return InterventionEmergency
	case StrategyCoordinate:
		return InterventionCoordinate
	default:
		return InterventionMonitor
	}
}

// RiskLevel grades the severity of a situation.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// RiskForScore grades a congestion score in [0,1].
func RiskForScore(score float64) RiskLevel {
	switch {
	case score >= 0.8:
		return RiskCritical
	case score >= 0.6:
		return RiskHigh
	case score >= 0.4:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ReasoningSource records who made a decision.
type ReasoningSource string

const (
	ReasoningAI       ReasoningSource = "ai"
	ReasoningFallback ReasoningSource = "fallback_rules"
)

// Decision is the single terminal decision of a cycle.
type Decision struct {
	Strategy           Strategy         `json:"strategy"`
	InterventionType   InterventionType `json:"intervention_type"`
	InterventionNeeded bool             `json:"intervention_needed"`
	RiskLevel          RiskLevel        `json:"risk_level"`
	Confidence         float64          `json:"confidence"`
	Reasoning          string           `json:"reasoning,omitempty"`
	ReasoningSource    ReasoningSource  `json:"reasoning_source"`
	AdvisorError       string           `json:"advisor_error,omitempty"`
	DecidedAt          time.Time        `json:"decided_at"`
}

// Default authority channels notified on EMERGENCY and COORDINATE plans.
const (
	AuthorityTrafficPolice    = "Traffic Police"
	AuthorityTransit          = "Transit Authority"
	AuthorityMunicipalTraffic = "Municipal Traffic"
)

// DefaultAuthorities returns the fixed authority fan-out list.
func DefaultAuthorities() []string {
	return []string{AuthorityTrafficPolice, AuthorityTransit, AuthorityMunicipalTraffic}
}

// InterventionPlan is the orchestration output consumed by the execution layer.
type InterventionPlan struct {
	InterventionID      string           `json:"intervention_id"`
	CycleID             string           `json:"cycle_id,omitempty"`
	CorrelationID       string           `json:"correlation_id"`
	Type                InterventionType `json:"type"`
	Strategy            Strategy         `json:"strategy"`
	ChokePointID        string           `json:"choke_point_id,omitempty"`
	AffectedJourneyIDs  []string         `json:"affected_journey_ids,omitempty"`
	NewRoute            string           `json:"new_route,omitempty"`
	Reason              string           `json:"reason,omitempty"`
	NotificationTargets []string         `json:"notification_targets,omitempty"`
	AuthorityTargets    []string         `json:"authority_targets,omitempty"`
	Measures            []string         `json:"measures,omitempty"`
	EstimatedImpact     string           `json:"estimated_impact,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
}

// Validate checks the plan contract. The returned error wraps ErrInvalidPlan
// and lists every violation.
func (p InterventionPlan) Validate() error {
	var problems []string
	if p.InterventionID == "" {
		problems = append(problems, "intervention_id is required")
	}
	if p.CorrelationID == "" {
		problems = append(problems, "correlation_id is required")
	}
	if !p.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown type %q", p.Type))
	}
	if p.Strategy != "" && p.Strategy.Valid() && InterventionFor(p.Strategy) != p.Type {
		problems = append(problems, fmt.Sprintf("strategy %s does not map to type %s", p.Strategy, p.Type))
	}
	switch p.Type {
	case InterventionMonitor:
		if len(p.AffectedJourneyIDs) > 0 {
			problems = append(problems, "monitor plan must not target journeys")
		}
	case InterventionReroute:
		if strings.TrimSpace(p.NewRoute) == "" {
			problems = append(problems, "reroute plan requires new_route")
		}
		for _, id := range p.AffectedJourneyIDs {
			if strings.TrimSpace(id) == "" {
				problems = append(problems, "empty journey id")
				break
			}
		}
	case InterventionEmergency, InterventionCoordinate:
		if len(p.AuthorityTargets) == 0 {
			problems = append(problems, "authority targets are required")
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidPlan, strings.Join(problems, "; "))
}

// IsInvalidPlan reports whether err is a plan contract violation.
func IsInvalidPlan(err error) bool { return errors.Is(err, ErrInvalidPlan) }
