package core

import "time"

// CongestionLevel is the coarse network-wide congestion indicator.
type CongestionLevel string

const (
	CongestionLow     CongestionLevel = "low"
	CongestionMedium  CongestionLevel = "medium"
	CongestionHigh    CongestionLevel = "high"
	CongestionUnknown CongestionLevel = "unknown"
)

// SourceStatus records how one perception source behaved for a snapshot.
type SourceStatus struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NetworkStateSnapshot is a best-effort point-in-time view of the network.
type NetworkStateSnapshot struct {
	ActiveVehicleCount int             `json:"active_vehicle_count"`
	CongestionLevel    CongestionLevel `json:"congestion_level"`
	ChokePointCounts   map[string]int  `json:"choke_point_counts"`
	AverageSpeedKPH    float64         `json:"average_speed_kph"`
	Sources            []SourceStatus  `json:"sources,omitempty"`
	Degraded           bool            `json:"degraded"`
	Area               Area            `json:"area"`
	Timestamp          time.Time       `json:"timestamp"`
}

// PerceptionParams scopes a cycle's perception request.
type PerceptionParams struct {
	Area           Area `json:"area"`
	HorizonMinutes int  `json:"horizon_minutes,omitempty"`
	// CorrelationID is generated by the orchestrator when empty.
	CorrelationID string `json:"correlation_id,omitempty"`
}
