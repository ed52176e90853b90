// Package prediction scores choke-point congestion from observed counts and
// projected journeys.
package prediction

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/logging"
)

const (
	observedConfidence  = 1.0
	projectedConfidence = 0.5
	priorityScore       = 0.7
)

// Options configure an Engine.
type Options struct {
	// StaleAfter is how old an observed count may be before the engine falls
	// back to projecting journeys. Defaults to 5 minutes.
	StaleAfter time.Duration
	// ProximityKM is how close a journey's origin or destination must be to a
	// choke point to count as passing through it. Defaults to 5 km.
	ProximityKM float64
	// DefaultHorizonMinutes applies when the input carries no horizon.
	DefaultHorizonMinutes int
	// Bounds filters out journeys whose origin and destination both lie
	// outside the service area.
	Bounds core.Bounds
	Logger logging.Logger
	Now    func() time.Time
}

// Engine computes congestion predictions. It holds no mutable state.
type Engine struct {
	opts Options
}

// New creates an engine.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		StaleAfter:            5 * time.Minute,
		ProximityKM:           5,
		DefaultHorizonMinutes: 30,
		Bounds:                core.BengaluruBounds,
		Now:                   time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.With(opts.Logger, "component", "prediction")
	return &Engine{opts: opts}
}

// Predict is the context-aware entry point used by agents and the
// orchestrator.
func (e *Engine) Predict(ctx context.Context, in core.PredictionInput) (core.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return core.Prediction{}, core.DataError("predict", err)
	}
	p := e.Assess(in)
	e.opts.Logger.Info("Congestion prediction completed",
		"choke_points", len(p.Assessments),
		"journeys", len(in.Journeys),
		"critical", p.CriticalChokePoint,
		"confidence", p.OverallConfidence)
	return p, nil
}

// Assess scores every choke point in the input. It is deterministic for a
// given input and clock.
func (e *Engine) Assess(in core.PredictionInput) core.Prediction {
	now := e.opts.Now().UTC()
	horizon := in.HorizonMinutes
	if horizon <= 0 {
		horizon = e.opts.DefaultHorizonMinutes
	}
	cutoff := now.Add(time.Duration(horizon) * time.Minute)

	journeys := make([]core.Journey, 0, len(in.Journeys))
	for _, j := range in.Journeys {
		if e.eligible(j, now, cutoff) {
			journeys = append(journeys, j)
		}
	}

	chokePoints := append([]core.ChokePoint(nil), in.ChokePoints...)
	sort.Slice(chokePoints, func(i, j int) bool { return chokePoints[i].ID < chokePoints[j].ID })

	pred := core.Prediction{
		Assessments:    make([]core.CongestionAssessment, 0, len(chokePoints)),
		HorizonMinutes: horizon,
		GeneratedAt:    now,
	}

	missing := 0
	for _, cp := range chokePoints {
		a := e.assess(cp, journeys, now)
		if a.CountSource == core.CountProjected {
			missing++
		}
		pred.Assessments = append(pred.Assessments, a)
	}

	if len(chokePoints) > 0 {
		pred.OverallConfidence = 1 - float64(missing)/float64(len(chokePoints))
	}
	pred.CriticalChokePoint = critical(pred.Assessments)
	pred.Recommendations = Recommendations(pred.Assessments)
	return pred
}

func (e *Engine) eligible(j core.Journey, now, cutoff time.Time) bool {
	if !j.Status.Active() {
		return false
	}
	if !j.ScheduledStart.IsZero() && j.ScheduledStart.After(cutoff) {
		return false
	}
	if !j.ScheduledEnd.IsZero() && j.ScheduledEnd.Before(now) {
		return false
	}
	return e.opts.Bounds.Contains(j.Origin) || e.opts.Bounds.Contains(j.Destination)
}

// passesThrough reports whether j is expected to cross cp: its origin or
// destination is within ProximityKM, or cp lies inside the box spanned by
// origin and destination.
func (e *Engine) passesThrough(j core.Journey, cp core.ChokePoint) bool {
	if core.DistanceKM(j.Origin, cp.Location) < e.opts.ProximityKM ||
		core.DistanceKM(j.Destination, cp.Location) < e.opts.ProximityKM {
		return true
	}
	box := core.Bounds{
		South: math.Min(j.Origin.Lat, j.Destination.Lat),
		North: math.Max(j.Origin.Lat, j.Destination.Lat),
		West:  math.Min(j.Origin.Lng, j.Destination.Lng),
		East:  math.Max(j.Origin.Lng, j.Destination.Lng),
	}
	return box.Contains(cp.Location)
}

func (e *Engine) assess(cp core.ChokePoint, journeys []core.Journey, now time.Time) core.CongestionAssessment {
	var affected []string
	for _, j := range journeys {
		if e.passesThrough(j, cp) {
			affected = append(affected, j.ID)
		}
	}
	sort.Strings(affected)

	a := core.CongestionAssessment{
		ChokePointID:       cp.ID,
		Name:               cp.Name,
		Capacity:           cp.Capacity,
		ThresholdCount:     cp.ThresholdCount(),
		AffectedJourneyIDs: affected,
		Timestamp:          now,
	}

	if cp.HasCount() && now.Sub(cp.CountUpdatedAt) <= e.opts.StaleAfter {
		a.VehicleCount = cp.VehicleCount
		a.CountSource = core.CountObserved
		a.Confidence = observedConfidence
	} else {
		a.VehicleCount = len(affected)
		a.CountSource = core.CountProjected
		a.Confidence = projectedConfidence
	}

	a.CongestionScore = Score(a.VehicleCount, cp.Capacity)
	a.Status = Status(a.VehicleCount, a.CongestionScore, cp)
	return a
}

// Score is count/capacity clamped to [0, 1]. A non-positive capacity scores 0.
func Score(count, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return math.Max(0, math.Min(1, float64(count)/float64(capacity)))
}

// Status buckets a choke point: severe at or above its threshold count,
// moderate from half the threshold fraction, minimal below.
func Status(count int, score float64, cp core.ChokePoint) core.CongestionStatus {
	switch {
	case cp.Capacity > 0 && count >= cp.ThresholdCount():
		return core.StatusSevere
	case score >= 0.5*cp.ThresholdFraction:
		return core.StatusModerate
	default:
		return core.StatusMinimal
	}
}

// critical picks the highest-scoring severe assessment; ties go to the
// lexicographically smallest id.
func critical(assessments []core.CongestionAssessment) string {
	best := -1
	for i, a := range assessments {
		if a.Status != core.StatusSevere {
			continue
		}
		if best < 0 ||
			a.CongestionScore > assessments[best].CongestionScore ||
			(a.CongestionScore == assessments[best].CongestionScore && a.ChokePointID < assessments[best].ChokePointID) {
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	return assessments[best].ChokePointID
}

// Recommendations derives operator guidance from the mean congestion score and
// flags every choke point at or above the priority score.
func Recommendations(assessments []core.CongestionAssessment) []string {
	if len(assessments) == 0 {
		return []string{"LOW: Continue normal monitoring"}
	}
	var sum float64
	for _, a := range assessments {
		sum += a.CongestionScore
	}
	mean := sum / float64(len(assessments)) * 100

	var out []string
	switch {
	case mean >= 80:
		out = append(out,
			"CRITICAL: Implement emergency traffic intervention",
			"Activate all available alternate routes",
			"Deploy traffic police at critical junctions")
	case mean >= 60:
		out = append(out,
			"HIGH: Reroute vehicles to alternate paths",
			"Increase signal timing optimization")
	case mean >= 40:
		out = append(out,
			"MEDIUM: Monitor closely and prepare interventions",
			"Suggest alternate routes to new journeys")
	default:
		out = append(out, "LOW: Continue normal monitoring")
	}
	for _, a := range assessments {
		if a.CongestionScore >= priorityScore {
			out = append(out, fmt.Sprintf("Priority intervention needed at %s", a.Name))
		}
	}
	return out
}
