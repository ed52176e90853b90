package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ChokePoint is a monitored junction or corridor. The catalog entry is static;
// only VehicleCount and CountUpdatedAt change, and only through perception.
type ChokePoint struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Capacity          int       `json:"capacity"`
	ThresholdFraction float64   `json:"threshold_fraction"`
	Location          LatLng    `json:"location"`
	VehicleCount      int       `json:"vehicle_count"`
	CountUpdatedAt    time.Time `json:"count_updated_at"`
}

// ThresholdCount is the vehicle count at which the choke point is severe.
func (c ChokePoint) ThresholdCount() int {
	return int(math.Round(c.ThresholdFraction * float64(c.Capacity)))
}

// HasCount reports whether a vehicle count was ever observed.
func (c ChokePoint) HasCount() bool {
	return !c.CountUpdatedAt.IsZero()
}

// Validate checks capacity and threshold bounds.
func (c ChokePoint) Validate() error {
	switch {
	case c.ID == "":
		return DataError("validate choke point", errors.New("empty choke point id"))
	case c.Capacity <= 0:
		return DataError("validate choke point", fmt.Errorf("choke point %q needs a positive capacity", c.ID))
	case c.ThresholdFraction <= 0 || c.ThresholdFraction > 1:
		return DataError("validate choke point", fmt.Errorf("choke point %q threshold fraction %v outside (0,1]", c.ID, c.ThresholdFraction))
	}
	return nil
}

// DefaultChokePoints returns the Bengaluru catalog.
func DefaultChokePoints() []ChokePoint {
	return []ChokePoint{
		{ID: "electronic_city", Name: "Electronic City Toll Plaza", Capacity: 1500, ThresholdFraction: 0.8, Location: LatLng{Lat: 12.8456, Lng: 77.6603}},
		{ID: "silk_board", Name: "Silk Board Junction", Capacity: 2000, ThresholdFraction: 0.8, Location: LatLng{Lat: 12.9176, Lng: 77.6228}},
		{ID: "whitefield", Name: "Whitefield Main Road", Capacity: 1200, ThresholdFraction: 0.8, Location: LatLng{Lat: 12.9698, Lng: 77.7500}},
	}
}

// ChokePointStore persists the choke-point catalog keyed by id.
type ChokePointStore interface {
	GetChokePoint(ctx context.Context, id string) (ChokePoint, error)
	ListChokePoints(ctx context.Context) ([]ChokePoint, error)
	PutChokePoint(ctx context.Context, cp ChokePoint) error
	UpdateChokePointCount(ctx context.Context, id string, count int, at time.Time) error
}
