package perception

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/trafficmesh/core"
)

// Telemetry is one position report from a vehicle.
type Telemetry struct {
	VehicleID string    `json:"vehicle_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	SpeedKPH  float64   `json:"speed_kph"`
	Heading   float64   `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Position returns the report's coordinate.
func (t Telemetry) Position() core.LatLng {
	return core.LatLng{Lat: t.Latitude, Lng: t.Longitude}
}

// Validate checks required fields and the service bounds.
func (t Telemetry) Validate(bounds core.Bounds) error {
	var problems []string
	if strings.TrimSpace(t.VehicleID) == "" {
		problems = append(problems, "missing vehicle_id")
	}
	if t.Timestamp.IsZero() {
		problems = append(problems, "missing timestamp")
	}
	if t.SpeedKPH < 0 {
		problems = append(problems, "negative speed")
	}
	if !bounds.Contains(t.Position()) {
		problems = append(problems, fmt.Sprintf("position (%.4f, %.4f) outside service area", t.Latitude, t.Longitude))
	}
	if len(problems) > 0 {
		return core.DataError("validate telemetry", fmt.Errorf("%w: %s", core.ErrInvalidTelemetry, strings.Join(problems, "; ")))
	}
	return nil
}

// TelemetryOptions configure a TelemetrySource.
type TelemetryOptions struct {
	// Window bounds how old a report may be to count. Defaults to 10 minutes.
	Window time.Duration
	// ChokePointRadiusKM is the radius around a choke point a vehicle must
	// be within to count toward it. Defaults to 2 km.
	ChokePointRadiusKM float64
	Bounds             core.Bounds
	Now                func() time.Time
}

// TelemetrySource keeps the latest report per vehicle in memory.
type TelemetrySource struct {
	opts TelemetryOptions

	mu     sync.RWMutex
	latest map[string]Telemetry
}

// NewTelemetrySource creates an empty telemetry window.
func NewTelemetrySource(optFns ...func(o *TelemetryOptions)) *TelemetrySource {
	opts := TelemetryOptions{
		Window:             10 * time.Minute,
		ChokePointRadiusKM: 2,
		Bounds:             core.BengaluruBounds,
		Now:                time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &TelemetrySource{opts: opts, latest: map[string]Telemetry{}}
}

// Name implements Source.
func (s *TelemetrySource) Name() string { return "telemetry" }

// Ingest validates and stores t. Older reports for the same vehicle are
// ignored.
func (s *TelemetrySource) Ingest(_ context.Context, t Telemetry) error {
	if err := t.Validate(s.opts.Bounds); err != nil {
		return err
	}
	t.Timestamp = t.Timestamp.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.latest[t.VehicleID]; ok && prev.Timestamp.After(t.Timestamp) {
		return nil
	}
	s.latest[t.VehicleID] = t
	return nil
}

// IngestBatch ingests every report and returns how many were accepted. The
// returned error joins the individual validation failures.
func (s *TelemetrySource) IngestBatch(ctx context.Context, batch []Telemetry) (int, error) {
	var errs []error
	accepted := 0
	for _, t := range batch {
		if err := s.Ingest(ctx, t); err != nil {
			errs = append(errs, err)
			continue
		}
		accepted++
	}
	return accepted, errors.Join(errs...)
}

// Recent returns reports inside the window, newest first, at most limit
// entries (0 means all).
func (s *TelemetrySource) Recent(_ context.Context, limit int) []Telemetry {
	cutoff := s.opts.Now().Add(-s.opts.Window)
	s.mu.RLock()
	out := make([]Telemetry, 0, len(s.latest))
	for _, t := range s.latest {
		if !t.Timestamp.Before(cutoff) {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].VehicleID < out[j].VehicleID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Observe implements Source: it counts distinct vehicles reporting inside
// area within the window, and per choke point within the configured radius.
func (s *TelemetrySource) Observe(ctx context.Context, area core.Area, chokePoints []core.ChokePoint) (Observation, error) {
	obs := Observation{ChokePointCounts: map[string]int{}}
	for _, cp := range chokePoints {
		obs.ChokePointCounts[cp.ID] = 0
	}

	for _, t := range s.Recent(ctx, 0) {
		p := t.Position()
		if area.Contains(p) {
			obs.VehicleCount++
			obs.SpeedSumKPH += t.SpeedKPH
		}
		for _, cp := range chokePoints {
			if core.DistanceKM(p, cp.Location) <= s.opts.ChokePointRadiusKM {
				obs.ChokePointCounts[cp.ID]++
			}
		}
	}
	return obs, ctx.Err()
}

// Prune drops reports older than the window and returns how many were removed.
func (s *TelemetrySource) Prune() int {
	cutoff := s.opts.Now().Add(-s.opts.Window)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.latest {
		if t.Timestamp.Before(cutoff) {
			delete(s.latest, id)
			n++
		}
	}
	return n
}
