// Package perception builds network state snapshots from traffic sources.
package perception

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/internal/util"
	"github.com/hupe1980/trafficmesh/logging"
)

// Observation is what a single source reports for an area.
type Observation struct {
	VehicleCount     int
	SpeedSumKPH      float64
	ChokePointCounts map[string]int
}

// Source is a perception input such as a telemetry feed.
type Source interface {
	Name() string
	Observe(ctx context.Context, area core.Area, chokePoints []core.ChokePoint) (Observation, error)
}

// Options configure a Provider.
type Options struct {
	// SourceTimeout bounds each source query. Defaults to 2 seconds.
	SourceTimeout time.Duration
	Logger        logging.Logger
	Now           func() time.Time
}

// Provider queries its sources concurrently and merges them into a snapshot.
// GetNetworkState never writes; RecordCounts is the explicit write path.
type Provider struct {
	sources     []Source
	chokePoints core.ChokePointStore
	opts        Options
}

// NewProvider creates a provider over sources. chokePoints supplies the catalog
// that per-choke-point counts are computed for.
func NewProvider(chokePoints core.ChokePointStore, sources []Source, optFns ...func(o *Options)) *Provider {
	opts := Options{SourceTimeout: 2 * time.Second, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.With(opts.Logger, "component", "perception")
	return &Provider{sources: sources, chokePoints: chokePoints, opts: opts}
}

// LevelForSpeed maps an average speed to a congestion level. No vehicles
// means low congestion.
func LevelForSpeed(vehicles int, avgSpeedKPH float64) core.CongestionLevel {
	switch {
	case vehicles == 0:
		return core.CongestionLow
	case avgSpeedKPH < 20:
		return core.CongestionHigh
	case avgSpeedKPH < 40:
		return core.CongestionMedium
	default:
		return core.CongestionLow
	}
}

// GetNetworkState returns a best-effort snapshot for area. A failing source
// marks the snapshot degraded with an unknown congestion level; the call
// itself only fails when ctx is done.
func (p *Provider) GetNetworkState(ctx context.Context, area core.Area) (core.NetworkStateSnapshot, error) {
	snap := core.NetworkStateSnapshot{
		ChokePointCounts: map[string]int{},
		Area:             area,
		Timestamp:        p.opts.Now().UTC(),
	}

	var catalog []core.ChokePoint
	if p.chokePoints != nil {
		cps, err := p.chokePoints.ListChokePoints(ctx)
		if err != nil {
			snap.Degraded = true
			snap.Sources = append(snap.Sources, core.SourceStatus{Name: "choke_points", Error: err.Error()})
		} else {
			catalog = cps
		}
	}

	if len(p.sources) == 0 {
		snap.Degraded = true
		snap.Sources = append(snap.Sources, core.SourceStatus{Name: "none", Error: "no perception source configured"})
	}

	results := make([]Observation, len(p.sources))
	errs := make([]error, len(p.sources))
	var g errgroup.Group
	for i, src := range p.sources {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, p.opts.SourceTimeout)
			defer cancel()
			results[i], errs[i] = util.Bounded(sctx, func(ctx context.Context) (Observation, error) {
				return src.Observe(ctx, area, catalog)
			})
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return core.NetworkStateSnapshot{}, core.DataError("get network state", err)
	}

	var speedSum float64
	for i, src := range p.sources {
		if errs[i] != nil {
			snap.Degraded = true
			snap.Sources = append(snap.Sources, core.SourceStatus{Name: src.Name(), Error: errs[i].Error()})
			p.opts.Logger.Warn("Perception source failed", "source", src.Name(), "error", errs[i])
			continue
		}
		snap.Sources = append(snap.Sources, core.SourceStatus{Name: src.Name(), OK: true})
		snap.ActiveVehicleCount += results[i].VehicleCount
		speedSum += results[i].SpeedSumKPH
		for id, n := range results[i].ChokePointCounts {
			snap.ChokePointCounts[id] += n
		}
	}

	if snap.ActiveVehicleCount > 0 {
		snap.AverageSpeedKPH = speedSum / float64(snap.ActiveVehicleCount)
	}
	if snap.Degraded {
		snap.CongestionLevel = core.CongestionUnknown
	} else {
		snap.CongestionLevel = LevelForSpeed(snap.ActiveVehicleCount, snap.AverageSpeedKPH)
	}

	p.opts.Logger.Debug("Network state collected",
		"vehicles", snap.ActiveVehicleCount,
		"congestion_level", snap.CongestionLevel,
		"degraded", snap.Degraded)
	return snap, nil
}

// RecordCounts persists the snapshot's per-choke-point counts. Counts for
// ids missing from the catalog are skipped. A degraded snapshot only holds
// counts from the sources that answered, so those are recorded too.
func (p *Provider) RecordCounts(ctx context.Context, snap core.NetworkStateSnapshot) (int, error) {
	if p.chokePoints == nil {
		return 0, core.DataError("record counts", errors.New("no choke point store configured"))
	}
	at := snap.Timestamp
	if at.IsZero() {
		at = p.opts.Now().UTC()
	}
	var errs []error
	n := 0
	for id, count := range snap.ChokePointCounts {
		err := p.chokePoints.UpdateChokePointCount(ctx, id, count, at)
		switch {
		case err == nil:
			n++
		case errors.Is(err, core.ErrNotFound):
			p.opts.Logger.Debug("Skipping count for unknown choke point", "choke_point", id)
		default:
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return n, core.DataError("record counts", errors.Join(errs...))
	}
	return n, nil
}
