package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/trafficmesh/advisor"
	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/internal/util"
)

// Estimated impact per intervention type.
var estimatedImpact = map[core.InterventionType]string{
	core.InterventionReroute:    "30% congestion reduction",
	core.InterventionEmergency:  "50% congestion reduction",
	core.InterventionCoordinate: "20% congestion reduction",
}

// EmergencyMeasures are attached to EMERGENCY plans.
var EmergencyMeasures = []string{"Traffic police deployment", "Signal optimization", "Route closure"}

// IsPeakHour reports whether the local hour falls into the morning (08-11)
// or evening (17-21) rush, both inclusive.
func IsPeakHour(hour int) bool {
	return (hour >= 8 && hour <= 11) || (hour >= 17 && hour <= 21)
}

// focus returns the assessment a decision is about: the critical one, or the
// highest-scoring one when nothing is critical.
func focus(pred core.Prediction) (core.CongestionAssessment, bool) {
	if a, ok := pred.Critical(); ok {
		return a, true
	}
	var (
		best  core.CongestionAssessment
		found bool
	)
	for _, a := range pred.Assessments {
		if !found || a.CongestionScore > best.CongestionScore {
			best, found = a, true
		}
	}
	return best, found
}

// SituationReport builds the advisor input for pred.
func (e *Engine) SituationReport(pred core.Prediction) advisor.SituationReport {
	now := e.opts.Now().In(e.opts.Location)

	traffic := advisor.TrafficAnalysis{
		CongestionScore:      pred.MaxScore(),
		PredictionConfidence: pred.OverallConfidence,
	}
	if a, ok := pred.Critical(); ok {
		traffic.CongestionScore = a.CongestionScore
		traffic.CriticalChokePoint = a.ChokePointID
		traffic.CriticalChokePointName = a.Name
	}
	if a, ok := focus(pred); ok {
		traffic.AffectedVehicles = len(a.AffectedJourneyIDs)
	}
	traffic.RiskLevel = core.RiskForScore(traffic.CongestionScore)

	return advisor.SituationReport{
		Traffic: traffic,
		Temporal: advisor.TemporalContext{
			CurrentTime: now,
			Hour:        now.Hour(),
			IsPeakHour:  IsPeakHour(now.Hour()),
			DayOfWeek:   now.Weekday().String(),
			IsWeekend:   now.Weekday() == time.Saturday || now.Weekday() == time.Sunday,
		},
		System: advisor.SystemState{
			AvailableStrategies:    append([]core.Strategy(nil), core.Strategies...),
			TotalCycles:            e.totalCycles.Load(),
			InterventionsTriggered: e.interventions.Load(),
			EmergencyThreshold:     e.opts.EmergencyThreshold,
		},
		Domain: advisor.DefaultDomainContext(),
	}
}

// MakeDecision picks the cycle's strategy. With no active journeys the
// advisor is skipped and the engine monitors. Otherwise the advisor is asked
// within AdvisorTimeout and any failure falls back to the threshold rules.
func (e *Engine) MakeDecision(ctx context.Context, pred core.Prediction, journeyCount int) core.Decision {
	report := e.SituationReport(pred)

	var d core.Decision
	switch {
	case journeyCount == 0:
		d = core.Decision{
			Strategy:        core.StrategyMonitor,
			RiskLevel:       report.Traffic.RiskLevel,
			Confidence:      0.5,
			Reasoning:       "No active journeys to act on",
			ReasoningSource: core.ReasoningFallback,
		}
	case e.opts.Advisor == nil:
		d = e.fallback(pred)
	default:
		rec, err := e.consultAdvisor(ctx, report)
		if err != nil {
			d = e.fallback(pred)
			d.AdvisorError = err.Error()
			break
		}
		d = core.Decision{
			Strategy:        rec.Strategy,
			RiskLevel:       rec.RiskLevel,
			Confidence:      rec.Confidence,
			Reasoning:       rec.Reasoning,
			ReasoningSource: core.ReasoningAI,
		}
		if d.RiskLevel == "" {
			d.RiskLevel = report.Traffic.RiskLevel
		}
	}

	d.InterventionType = core.InterventionFor(d.Strategy)
	d.InterventionNeeded = d.InterventionType != core.InterventionMonitor
	d.DecidedAt = e.opts.Now().UTC()
	return d
}

func (e *Engine) consultAdvisor(ctx context.Context, report advisor.SituationReport) (advisor.Recommendation, error) {
	actx, cancel := context.WithTimeout(ctx, e.opts.AdvisorTimeout)
	defer cancel()

	start := time.Now()
	rec, err := util.Bounded(actx, func(ctx context.Context) (advisor.Recommendation, error) {
		return e.opts.Advisor.Recommend(ctx, report)
	})
	if err == nil {
		err = rec.Validate()
	}
	e.advisorCalls.Add(1)
	e.opts.Metrics.AdvisorCall(time.Since(start), err == nil)
	if err != nil {
		e.advisorFailures.Add(1)
		e.opts.Metrics.Error(string(core.KindAdvisor))
		if !core.IsKind(err, core.KindAdvisor) {
			err = core.AdvisorError("recommend", err)
		}
		e.opts.Logger.Warn("Advisor failed, using fallback rules", "error", err)
		return advisor.Recommendation{}, err
	}
	return rec, nil
}

// fallback applies the threshold rules: nothing critical means monitor, a
// critical score above EmergencyThreshold means emergency, otherwise reroute.
func (e *Engine) fallback(pred core.Prediction) core.Decision {
	crit, ok := pred.Critical()
	if !ok {
		return core.Decision{
			Strategy:        core.StrategyMonitor,
			RiskLevel:       core.RiskLow,
			Confidence:      0.5,
			Reasoning:       "No choke point above its congestion threshold",
			ReasoningSource: core.ReasoningFallback,
		}
	}
	strategy := core.StrategyReroute
	if crit.CongestionScore > e.opts.EmergencyThreshold {
		strategy = core.StrategyEmergency
	}
	return core.Decision{
		Strategy:        strategy,
		RiskLevel:       core.RiskForScore(crit.CongestionScore),
		Confidence:      pred.OverallConfidence,
		Reasoning:       fmt.Sprintf("%s at %.0f%% of capacity", crit.Name, crit.CongestionScore*100),
		ReasoningSource: core.ReasoningFallback,
	}
}

// PlanIntervention turns a decision into a plan for the execution layer.
func (e *Engine) PlanIntervention(d core.Decision, pred core.Prediction, correlationID, cycleID string) core.InterventionPlan {
	typ := d.InterventionType
	if typ == "" {
		typ = core.InterventionFor(d.Strategy)
	}
	plan := core.InterventionPlan{
		InterventionID:  e.opts.NewID(),
		CycleID:         cycleID,
		CorrelationID:   correlationID,
		Type:            typ,
		Strategy:        d.Strategy,
		Reason:          d.Reasoning,
		EstimatedImpact: estimatedImpact[typ],
		CreatedAt:       e.opts.Now().UTC(),
	}

	a, hasFocus := focus(pred)
	if hasFocus && typ != core.InterventionMonitor {
		plan.ChokePointID = a.ChokePointID
	}

	switch typ {
	case core.InterventionReroute:
		if len(e.opts.TargetRoutes) > 0 {
			plan.NewRoute = e.opts.TargetRoutes[0]
		}
		if hasFocus {
			plan.AffectedJourneyIDs = append([]string(nil), a.AffectedJourneyIDs...)
			plan.NotificationTargets = append([]string(nil), a.AffectedJourneyIDs...)
			plan.Reason = fmt.Sprintf("Congestion at %s", a.Name)
		}
	case core.InterventionEmergency:
		plan.AuthorityTargets = append([]string(nil), e.opts.Authorities...)
		plan.Measures = append([]string(nil), EmergencyMeasures...)
	case core.InterventionCoordinate:
		plan.AuthorityTargets = append([]string(nil), e.opts.Authorities...)
	}
	return plan
}
