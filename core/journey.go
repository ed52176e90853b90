package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// JourneyStatus is the lifecycle state of a journey.
type JourneyStatus string

const (
	JourneyScheduled JourneyStatus = "SCHEDULED"
	JourneyOngoing   JourneyStatus = "ONGOING"
	JourneyCompleted JourneyStatus = "COMPLETED"
	JourneyCancelled JourneyStatus = "CANCELLED"
	JourneyRerouted  JourneyStatus = "REROUTED"
)

// Valid reports whether s is a known status.
func (s JourneyStatus) Valid() bool {
	switch s {
	case JourneyScheduled, JourneyOngoing, JourneyCompleted, JourneyCancelled, JourneyRerouted:
		return true
	}
	return false
}

// Active reports whether a journey in this status is still heading for its
// planned route and therefore counts toward choke-point load.
func (s JourneyStatus) Active() bool {
	return s == JourneyScheduled || s == JourneyOngoing
}

// Journey is a single planned or ongoing trip. Version is bumped on every
// successful write and drives optimistic concurrency.
type Journey struct {
	ID             string        `json:"id"`
	Origin         LatLng        `json:"origin"`
	Destination    LatLng        `json:"destination"`
	ScheduledStart time.Time     `json:"scheduled_start"`
	ScheduledEnd   time.Time     `json:"scheduled_end"`
	ActualStart    *time.Time    `json:"actual_start,omitempty"`
	VehicleID      string        `json:"vehicle_id"`
	RouteRef       string        `json:"route_ref"`
	Status         JourneyStatus `json:"status"`

	RerouteReason      string     `json:"reroute_reason,omitempty"`
	RerouteExecutionID string     `json:"reroute_execution_id,omitempty"`
	ReroutedAt         *time.Time `json:"rerouted_at,omitempty"`
	RerouteUpdatedAt   *time.Time `json:"reroute_updated_at,omitempty"`
	ReroutedBy         string     `json:"rerouted_by,omitempty"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (j Journey) Clone() Journey {
	cp := j
	if j.ActualStart != nil {
		t := *j.ActualStart
		cp.ActualStart = &t
	}
	if j.ReroutedAt != nil {
		t := *j.ReroutedAt
		cp.ReroutedAt = &t
	}
	if j.RerouteUpdatedAt != nil {
		t := *j.RerouteUpdatedAt
		cp.RerouteUpdatedAt = &t
	}
	return cp
}

// Validate checks the fields a store requires.
func (j Journey) Validate() error {
	if j.ID == "" {
		return DataError("validate journey", errors.New("empty journey id"))
	}
	if !j.Status.Valid() {
		return DataError("validate journey", fmt.Errorf("journey %q has unknown status %q", j.ID, j.Status))
	}
	return nil
}

// JourneyFilter narrows ListJourneys. Zero value matches everything.
type JourneyFilter struct {
	Statuses []JourneyStatus
}

// Match reports whether j satisfies the filter.
func (f JourneyFilter) Match(j Journey) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

// ActiveJourneys is the filter used by the prediction pipeline.
var ActiveJourneys = JourneyFilter{Statuses: []JourneyStatus{JourneyScheduled, JourneyOngoing}}

// JourneyStore persists journeys keyed by id. Implementations must be safe for
// concurrent use. UpdateJourney is a compare-and-swap on Version: it returns
// ErrConflict when the stored version differs from expectedVersion and
// ErrNotFound when the journey does not exist.
type JourneyStore interface {
	GetJourney(ctx context.Context, id string) (Journey, error)
	ListJourneys(ctx context.Context, filter JourneyFilter) ([]Journey, error)
	PutJourney(ctx context.Context, j Journey) error
	UpdateJourney(ctx context.Context, j Journey, expectedVersion int64) (Journey, error)
	DeleteJourney(ctx context.Context, id string) error
}
