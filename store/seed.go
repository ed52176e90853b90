package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hupe1980/trafficmesh/core"
)

// SeedChokePoints writes cps into s, keeping any vehicle count already stored
// for an existing id.
func SeedChokePoints(ctx context.Context, s core.ChokePointStore, cps []core.ChokePoint) (int, error) {
	n := 0
	for _, cp := range cps {
		if existing, err := s.GetChokePoint(ctx, cp.ID); err == nil && existing.HasCount() {
			cp.VehicleCount = existing.VehicleCount
			cp.CountUpdatedAt = existing.CountUpdatedAt
		}
		if err := s.PutChokePoint(ctx, cp); err != nil {
			return n, fmt.Errorf("seed choke point %q: %w", cp.ID, err)
		}
		n++
	}
	return n, nil
}

// SeedJourneys reads a JSON array of journeys from r and upserts each one.
// Entries without an id or with an unknown status are skipped and reported
// in the returned skipped count.
func SeedJourneys(ctx context.Context, s core.JourneyStore, r io.Reader) (seeded, skipped int, err error) {
	var journeys []core.Journey
	if err := json.NewDecoder(r).Decode(&journeys); err != nil {
		return 0, 0, core.DataError("decode journeys", err)
	}
	for _, j := range journeys {
		if j.ID == "" || !j.Status.Valid() {
			skipped++
			continue
		}
		if err := s.PutJourney(ctx, j); err != nil {
			return seeded, skipped, fmt.Errorf("seed journey %q: %w", j.ID, err)
		}
		seeded++
	}
	return seeded, skipped, nil
}
