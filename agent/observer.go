package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/hupe1980/trafficmesh/a2a"
	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/perception"
	"github.com/hupe1980/trafficmesh/registry"
)

// Observer tasks.
const (
	TaskGetNetworkState      = "get_network_state"
	TaskGetTelemetryData     = "get_telemetry_data"
	TaskIngestTelemetry      = "ingest_telemetry"
	TaskStartPerceptionCycle = "start_perception_cycle"
)

// NetworkStateParams select the area for get_network_state and
// start_perception_cycle.
type NetworkStateParams struct {
	Area    core.Area `json:"area"`
	CycleID string    `json:"cycle_id,omitempty"`
}

// TelemetryQuery is the get_telemetry_data input.
type TelemetryQuery struct {
	Limit int `json:"limit,omitempty"`
}

// TelemetryData is the get_telemetry_data output.
type TelemetryData struct {
	Count     int                    `json:"count"`
	Telemetry []perception.Telemetry `json:"telemetry"`
}

// IngestParams is the ingest_telemetry input.
type IngestParams struct {
	Telemetry []perception.Telemetry `json:"telemetry"`
}

// IngestResult is the ingest_telemetry output.
type IngestResult struct {
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
	Error    string `json:"error,omitempty"`
}

// PerceptionCycleResult is the start_perception_cycle output.
type PerceptionCycleResult struct {
	CycleID  string                    `json:"cycle_id,omitempty"`
	Snapshot core.NetworkStateSnapshot `json:"snapshot"`
	Recorded int                       `json:"recorded"`
}

// ObserverAgent owns perception: it ingests telemetry and serves network
// snapshots.
type ObserverAgent struct {
	*BaseAgent
	provider  *perception.Provider
	telemetry *perception.TelemetrySource

	perceptionCycles atomic.Int64
	lastPerception   atomic.Pointer[time.Time]
}

// NewObserverAgent creates an observer. telemetry may be nil when the
// provider has other sources.
func NewObserverAgent(id string, provider *perception.Provider, telemetry *perception.TelemetrySource, reg *registry.Registry, t a2a.Transport, optFns ...func(o *Options)) *ObserverAgent {
	a := &ObserverAgent{
		BaseAgent: newBaseAgent(id, core.RoleObserver, []string{core.CapPerception, core.CapTrafficMonitoring, core.CapTelemetryIngestion}, reg, t, optFns...),
		provider:  provider,
		telemetry: telemetry,
	}
	a.serve(map[string]a2a.TaskHandler{
		TaskGetNetworkState:      a.getNetworkState,
		TaskGetTelemetryData:     a.getTelemetryData,
		TaskIngestTelemetry:      a.ingestTelemetry,
		TaskStartPerceptionCycle: a.startPerceptionCycle,
	}, a.details)
	return a
}

func (a *ObserverAgent) details() map[string]any {
	d := map[string]any{"perception_cycles": a.perceptionCycles.Load()}
	if last := a.lastPerception.Load(); last != nil {
		d["last_perception"] = *last
	}
	return d
}

func (a *ObserverAgent) getNetworkState(ctx context.Context, env a2a.TaskEnvelope) (any, error) {
	var p NetworkStateParams
	if err := env.DecodeParams(&p); err != nil {
		return nil, err
	}
	return a.provider.GetNetworkState(ctx, p.Area)
}

func (a *ObserverAgent) getTelemetryData(ctx context.Context, env a2a.TaskEnvelope) (any, error) {
	var q TelemetryQuery
	if err := env.DecodeParams(&q); err != nil {
		return nil, err
	}
	if a.telemetry == nil {
		return TelemetryData{Telemetry: []perception.Telemetry{}}, nil
	}
	recent := a.telemetry.Recent(ctx, q.Limit)
	return TelemetryData{Count: len(recent), Telemetry: recent}, nil
}

func (a *ObserverAgent) ingestTelemetry(ctx context.Context, env a2a.TaskEnvelope) (any, error) {
	var p IngestParams
	if err := env.DecodeParams(&p); err != nil {
		return nil, err
	}
	if a.telemetry == nil {
		return nil, core.DataError("ingest telemetry", errors.New("no telemetry source configured"))
	}
	accepted, err := a.telemetry.IngestBatch(ctx, p.Telemetry)
	res := IngestResult{Accepted: accepted, Rejected: len(p.Telemetry) - accepted}
	if err != nil {
		res.Error = err.Error()
	}
	return res, nil
}

// startPerceptionCycle takes a snapshot and records its counts so the
// prediction pipeline sees fresh observations.
func (a *ObserverAgent) startPerceptionCycle(ctx context.Context, env a2a.TaskEnvelope) (any, error) {
	var p NetworkStateParams
	if err := env.DecodeParams(&p); err != nil {
		return nil, err
	}
	snap, err := a.provider.GetNetworkState(ctx, p.Area)
	if err != nil {
		return nil, err
	}
	n, err := a.provider.RecordCounts(ctx, snap)
	if err != nil {
		return nil, err
	}
	a.perceptionCycles.Add(1)
	now := a.opts.Now().UTC()
	a.lastPerception.Store(&now)
	return PerceptionCycleResult{CycleID: p.CycleID, Snapshot: snap, Recorded: n}, nil
}
