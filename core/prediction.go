package core

import "time"

// CongestionStatus buckets a congestion score.
type CongestionStatus string

const (
	StatusMinimal  CongestionStatus = "minimal"
	StatusModerate CongestionStatus = "moderate"
	StatusSevere   CongestionStatus = "severe"
)

// CountSource tells where an assessment's vehicle count came from.
type CountSource string

const (
	CountObserved  CountSource = "observed"
	CountProjected CountSource = "projected"
)

// CongestionAssessment is an immutable per-choke-point scoring snapshot.
type CongestionAssessment struct {
	ChokePointID       string           `json:"choke_point_id"`
	Name               string           `json:"name"`
	VehicleCount       int              `json:"vehicle_count"`
	Capacity           int              `json:"capacity"`
	ThresholdCount     int              `json:"threshold"`
	CongestionScore    float64          `json:"congestion_score"`
	Status             CongestionStatus `json:"status"`
	Confidence         float64          `json:"confidence"`
	CountSource        CountSource      `json:"count_source"`
	AffectedJourneyIDs []string         `json:"affected_journey_ids,omitempty"`
	Timestamp          time.Time        `json:"timestamp"`
}

// PredictionInput is what the prediction engine scores.
type PredictionInput struct {
	Journeys       []Journey    `json:"journeys"`
	ChokePoints    []ChokePoint `json:"choke_points"`
	HorizonMinutes int          `json:"horizon_minutes"`
}

// Prediction is the outcome of one prediction run. CriticalChokePoint is empty
// when no choke point crossed its threshold.
type Prediction struct {
	Assessments        []CongestionAssessment `json:"assessments"`
	CriticalChokePoint string                 `json:"critical_choke_point,omitempty"`
	OverallConfidence  float64                `json:"overall_confidence"`
	HorizonMinutes     int                    `json:"horizon_minutes"`
	Recommendations    []string               `json:"recommendations,omitempty"`
	GeneratedAt        time.Time              `json:"generated_at"`
}

// Assessment returns the assessment for id.
func (p Prediction) Assessment(id string) (CongestionAssessment, bool) {
	for _, a := range p.Assessments {
		if a.ChokePointID == id {
			return a, true
		}
	}
	return CongestionAssessment{}, false
}

// Critical returns the critical assessment, if any.
func (p Prediction) Critical() (CongestionAssessment, bool) {
	if p.CriticalChokePoint == "" {
		return CongestionAssessment{}, false
	}
	return p.Assessment(p.CriticalChokePoint)
}

// MaxScore returns the highest congestion score across all assessments.
func (p Prediction) MaxScore() float64 {
	max := 0.0
	for _, a := range p.Assessments {
		if a.CongestionScore > max {
			max = a.CongestionScore
		}
	}
	return max
}
