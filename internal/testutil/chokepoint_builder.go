package testutil

import (
	"time"

	"github.com/hupe1980/trafficmesh/core"
)

// ChokePointBuilder helps construct choke points with fluent chaining.
// Example:
//
//	cp := NewChokePointBuilder("silk_board").Capacity(2000).Count(1700, now).Build()
type ChokePointBuilder struct {
	cp core.ChokePoint
}

// NewChokePointBuilder starts from the default catalog entry with the same id
// when there is one, otherwise from a 1000-vehicle junction at Silk Board.
func NewChokePointBuilder(id string) *ChokePointBuilder {
	for _, cp := range core.DefaultChokePoints() {
		if cp.ID == id {
			return &ChokePointBuilder{cp: cp}
		}
	}
	return &ChokePointBuilder{cp: core.ChokePoint{
		ID:                id,
		Name:              id,
		Capacity:          1000,
		ThresholdFraction: 0.8,
		Location:          NearSilkBoard,
	}}
}

// Name sets the display name (chainable).
func (b *ChokePointBuilder) Name(n string) *ChokePointBuilder { b.cp.Name = n; return b }

// Capacity sets the capacity (chainable).
func (b *ChokePointBuilder) Capacity(c int) *ChokePointBuilder { b.cp.Capacity = c; return b }

// Threshold sets the severe fraction of capacity (chainable).
func (b *ChokePointBuilder) Threshold(f float64) *ChokePointBuilder {
	b.cp.ThresholdFraction = f
	return b
}

// At sets the location (chainable).
func (b *ChokePointBuilder) At(p core.LatLng) *ChokePointBuilder { b.cp.Location = p; return b }

// Count records an observed vehicle count (chainable).
func (b *ChokePointBuilder) Count(n int, at time.Time) *ChokePointBuilder {
	b.cp.VehicleCount = n
	b.cp.CountUpdatedAt = at
	return b
}

// Build returns the choke point.
func (b *ChokePointBuilder) Build() core.ChokePoint { return b.cp }
