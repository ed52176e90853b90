package testutil

import (
	"strconv"
	"time"

	"github.com/hupe1980/trafficmesh/core"
)

// Well-known coordinates for test journeys.
var (
	NearSilkBoard     = core.LatLng{Lat: 12.9180, Lng: 77.6230}
	NearElectronicCty = core.LatLng{Lat: 12.8460, Lng: 77.6600}
	NearWhitefield    = core.LatLng{Lat: 12.9700, Lng: 77.7500}
)

// JourneyBuilder provides a fluent helper for constructing journeys in tests.
// Example:
//
//	j := NewJourneyBuilder("j1").StartsIn(now, 10*time.Minute).Build()
//
// The default journey is SCHEDULED on Hosur Road from Silk Board towards
// Electronic City.
type JourneyBuilder struct {
	j core.Journey
}

// NewJourneyBuilder creates a builder for a journey with the given id.
func NewJourneyBuilder(id string) *JourneyBuilder {
	return &JourneyBuilder{j: core.Journey{
		ID:          id,
		Origin:      NearSilkBoard,
		Destination: NearElectronicCty,
		VehicleID:   "veh-" + id,
		RouteRef:    "Hosur Road",
		Status:      core.JourneyScheduled,
	}}
}

// From sets the origin (chainable).
func (b *JourneyBuilder) From(p core.LatLng) *JourneyBuilder { b.j.Origin = p; return b }

// To sets the destination (chainable).
func (b *JourneyBuilder) To(p core.LatLng) *JourneyBuilder { b.j.Destination = p; return b }

// StartsAt sets the scheduled start (chainable).
func (b *JourneyBuilder) StartsAt(t time.Time) *JourneyBuilder { b.j.ScheduledStart = t; return b }

// StartsIn schedules the start d after now (chainable).
func (b *JourneyBuilder) StartsIn(now time.Time, d time.Duration) *JourneyBuilder {
	b.j.ScheduledStart = now.Add(d)
	return b
}

// Status sets the lifecycle status (chainable).
func (b *JourneyBuilder) Status(s core.JourneyStatus) *JourneyBuilder { b.j.Status = s; return b }

// Route sets the route reference (chainable).
func (b *JourneyBuilder) Route(r string) *JourneyBuilder { b.j.RouteRef = r; return b }

// Vehicle overrides the vehicle id (chainable).
func (b *JourneyBuilder) Vehicle(id string) *JourneyBuilder { b.j.VehicleID = id; return b }

// Build returns the journey. The end defaults to one hour after the start.
func (b *JourneyBuilder) Build() core.Journey {
	j := b.j
	if j.ScheduledEnd.IsZero() && !j.ScheduledStart.IsZero() {
		j.ScheduledEnd = j.ScheduledStart.Add(time.Hour)
	}
	return j
}

// Journeys builds n journeys with ids prefix-1..prefix-n from the same
// template.
func Journeys(prefix string, n int, configure func(b *JourneyBuilder)) []core.Journey {
	out := make([]core.Journey, 0, n)
	for i := 1; i <= n; i++ {
		b := NewJourneyBuilder(prefix + "-" + strconv.Itoa(i))
		if configure != nil {
			configure(b)
		}
		out = append(out, b.Build())
	}
	return out
}
