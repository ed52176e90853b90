// Package orchestrator runs the perceive, predict, decide, execute cycle that
// turns traffic observations into interventions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/trafficmesh/advisor"
	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/internal/util"
	"github.com/hupe1980/trafficmesh/logging"
	"github.com/hupe1980/trafficmesh/metrics"
)

// Perceiver supplies network snapshots.
type Perceiver interface {
	GetNetworkState(ctx context.Context, area core.Area) (core.NetworkStateSnapshot, error)
}

// Predictor scores choke points.
type Predictor interface {
	Predict(ctx context.Context, in core.PredictionInput) (core.Prediction, error)
}

// Executor applies an intervention plan.
type Executor interface {
	ExecuteIntervention(ctx context.Context, plan core.InterventionPlan) (core.ExecutionResult, error)
}

// Deps are the engine's collaborators. Perception, Prediction and Execution
// may be local services or remote agents.
type Deps struct {
	Perception  Perceiver
	Prediction  Predictor
	Execution   Executor
	Journeys    core.JourneyStore
	ChokePoints core.ChokePointStore
}

// Options configure an Engine.
type Options struct {
	// Interval between cycles started by Start. Defaults to 60 seconds.
	Interval time.Duration

	PerceptionTimeout time.Duration
	PredictionTimeout time.Duration
	AdvisorTimeout    time.Duration
	ExecutionTimeout  time.Duration

	// EmergencyThreshold is the critical score above which the fallback
	// rules escalate to an emergency.
	EmergencyThreshold float64
	// MaxConcurrentCycles bounds cycles running at the same time.
	MaxConcurrentCycles int
	// HistorySize bounds the finished cycles kept for inspection.
	HistorySize int
	// TargetRoutes are the alternates offered to rerouted journeys.
	TargetRoutes []string
	// Authorities receive EMERGENCY and COORDINATE plans.
	Authorities []string
	// Location is used for the peak-hour and weekday context.
	Location *time.Location
	// HorizonMinutes applies when the cycle parameters carry none.
	HorizonMinutes int

	// Advisor is optional. Without one every decision uses the fallback rules.
	Advisor advisor.Advisor

	Logger  logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	NewID   func() string
}

// Stats summarizes the engine's activity.
type Stats struct {
	TotalCycles            int64     `json:"total_cycles"`
	CompletedCycles        int64     `json:"completed_cycles"`
	FailedCycles           int64     `json:"failed_cycles"`
	InterventionsTriggered int64     `json:"interventions_triggered"`
	AdvisorCalls           int64     `json:"advisor_calls"`
	AdvisorFailures        int64     `json:"advisor_failures"`
	ErrorCount             int64     `json:"error_count"`
	InFlight               int       `json:"in_flight"`
	LastCycleAt            time.Time `json:"last_cycle_at,omitempty"`
}

// Bengaluru is the default location, falling back to a fixed IST offset when
// no tz database is available.
func Bengaluru() *time.Location {
	if loc, err := time.LoadLocation("Asia/Kolkata"); err == nil {
		return loc
	}
	return time.FixedZone("IST", 5*60*60+30*60)
}

// Engine runs orchestration cycles. It is safe for concurrent use.
type Engine struct {
	deps Deps
	opts Options
	sem  *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]*run
	history  []*core.OrchestrationCycle // oldest first
	lastAt   time.Time

	totalCycles     atomic.Int64
	completed       atomic.Int64
	failed          atomic.Int64
	interventions   atomic.Int64
	advisorCalls    atomic.Int64
	advisorFailures atomic.Int64
	errorCount      atomic.Int64

	loopMu sync.Mutex
	stop   context.CancelFunc
	done   chan struct{}
}

// New creates an engine. Perception, Prediction and Execution are required.
func New(deps Deps, optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		Interval:            60 * time.Second,
		PerceptionTimeout:   10 * time.Second,
		PredictionTimeout:   10 * time.Second,
		AdvisorTimeout:      15 * time.Second,
		ExecutionTimeout:    30 * time.Second,
		EmergencyThreshold:  0.9,
		MaxConcurrentCycles: 4,
		HistorySize:         100,
		TargetRoutes:        []string{"Outer Ring Road", "Hosur Road Alternate"},
		Authorities:         core.DefaultAuthorities(),
		HorizonMinutes:      30,
		Now:                 time.Now,
		NewID:               uuid.NewString,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var missing []string
	if deps.Perception == nil {
		missing = append(missing, "perception")
	}
	if deps.Prediction == nil {
		missing = append(missing, "prediction")
	}
	if deps.Execution == nil {
		missing = append(missing, "execution")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("orchestrator: missing dependencies: %v", missing)
	}
	if opts.Location == nil {
		opts.Location = Bengaluru()
	}
	if opts.MaxConcurrentCycles <= 0 {
		opts.MaxConcurrentCycles = 1
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 1
	}
	opts.Logger = logging.With(opts.Logger, "component", "orchestrator")

	return &Engine{
		deps:     deps,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrentCycles)),
		inflight: map[string]*run{},
	}, nil
}

// run guards a cycle that readers may inspect while it is in flight.
type run struct {
	mu     sync.Mutex
	cycle  *core.OrchestrationCycle
	cancel context.CancelFunc
	log    logging.Logger
}

func (r *run) snapshot() *core.OrchestrationCycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycle.Clone()
}

func (r *run) update(fn func(c *core.OrchestrationCycle)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.cycle)
}

func (r *run) transition(to core.CycleState, at time.Time) {
	r.update(func(c *core.OrchestrationCycle) {
		if !core.CanTransition(c.State, to) {
			return
		}
		c.Transitions = append(c.Transitions, core.Transition{From: c.State, To: to, At: at})
		c.State = to
	})
}

func (r *run) degrade(reason string) {
	r.log.Warn("Cycle degraded", "reason", reason)
	r.update(func(c *core.OrchestrationCycle) {
		c.Degraded = true
		c.DegradedReasons = append(c.DegradedReasons, reason)
	})
}

// RunCycle executes one full cycle and always returns a terminal record.
// Cancelling ctx before execution fails the cycle without applying anything;
// once execution starts it runs to completion on a detached context.
func (e *Engine) RunCycle(ctx context.Context, params core.PerceptionParams) *core.OrchestrationCycle {
	correlationID := params.CorrelationID
	if correlationID == "" {
		correlationID = e.opts.NewID()
	}
	start := e.opts.Now().UTC()
	cycle := &core.OrchestrationCycle{
		CycleID:       e.opts.NewID(),
		CorrelationID: correlationID,
		StartedAt:     start,
		State:         core.StateIdle,
		Status:        core.CycleRunning,
	}

	cctx, cancel := context.WithCancel(WithCorrelationID(ctx, correlationID))
	defer cancel()
	r := &run{
		cycle:  cycle,
		cancel: cancel,
		log:    logging.With(e.opts.Logger, "cycle_id", cycle.CycleID, "correlation_id", correlationID),
	}

	e.totalCycles.Add(1)
	e.mu.Lock()
	e.inflight[cycle.CycleID] = r
	e.mu.Unlock()

	if err := e.sem.Acquire(cctx, 1); err != nil {
		e.fail(r, core.StateIdle, fmt.Errorf("waiting for a cycle slot: %w", err))
	} else {
		defer e.sem.Release(1)
		e.execute(cctx, r, params)
	}

	return e.finish(r)
}

func (e *Engine) execute(ctx context.Context, r *run, params core.PerceptionParams) {
	cycleID, correlationID := r.cycle.CycleID, r.cycle.CorrelationID
	r.log.Info("Orchestration cycle started")

	// Perceive.
	r.transition(core.StatePerceiving, e.opts.Now())
	snap, ok := e.perceive(ctx, r, params.Area)
	if !ok {
		return
	}

	// Predict.
	r.transition(core.StatePredicting, e.opts.Now())
	pred, journeys, ok := e.predict(ctx, r, snap, params)
	if !ok {
		return
	}

	// Decide and plan.
	r.transition(core.StateDeciding, e.opts.Now())
	stageStart := time.Now()
	decision := e.MakeDecision(ctx, pred, journeys)
	plan := e.PlanIntervention(decision, pred, correlationID, cycleID)
	r.update(func(c *core.OrchestrationCycle) {
		c.Decision = &decision
		c.Plan = &plan
	})
	if decision.AdvisorError != "" {
		r.degrade("advisor: " + decision.AdvisorError)
	}
	logging.Stage(r.log, "deciding", time.Since(stageStart), true, nil)
	r.log.Info("Strategic decision made",
		"strategy", decision.Strategy,
		"intervention_type", decision.InterventionType,
		"reasoning_source", decision.ReasoningSource)

	if err := plan.Validate(); err != nil {
		e.fail(r, core.StateDeciding, core.ContractError("plan intervention", err))
		return
	}
	if err := ctx.Err(); err != nil {
		e.fail(r, core.StateDeciding, err)
		return
	}

	// Execute. Once started the plan is applied regardless of caller
	// cancellation.
	r.transition(core.StateExecuting, e.opts.Now())
	xctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.ExecutionTimeout)
	defer cancel()
	stageStart = time.Now()
	result, err := util.Bounded(xctx, func(ctx context.Context) (core.ExecutionResult, error) {
		return e.deps.Execution.ExecuteIntervention(ctx, plan)
	})
	logging.Stage(r.log, "executing", time.Since(stageStart), err == nil, err)
	if err != nil {
		if core.IsKind(err, core.KindContract) {
			e.fail(r, core.StateExecuting, err)
			return
		}
		e.countError(err)
		result = core.ExecutionResult{
			InterventionID: plan.InterventionID,
			CorrelationID:  correlationID,
			Type:           plan.Type,
			Action:         "execution_failed",
			Degraded:       true,
			Errors:         []string{err.Error()},
			Timestamp:      e.opts.Now().UTC(),
		}
		r.degrade("execution: " + err.Error())
	} else if result.Degraded {
		r.degrade("execution result degraded")
	}
	if decision.InterventionNeeded {
		e.interventions.Add(1)
	}
	r.update(func(c *core.OrchestrationCycle) { c.ExecutionResult = &result })

	// Report.
	r.transition(core.StateReporting, e.opts.Now())
	r.update(func(c *core.OrchestrationCycle) { c.Status = core.CycleCompleted })
	r.transition(core.StateIdle, e.opts.Now())
}

func (e *Engine) perceive(ctx context.Context, r *run, area core.Area) (*core.NetworkStateSnapshot, bool) {
	pctx, cancel := context.WithTimeout(ctx, e.opts.PerceptionTimeout)
	defer cancel()

	start := time.Now()
	snap, err := util.Bounded(pctx, func(ctx context.Context) (core.NetworkStateSnapshot, error) {
		return e.deps.Perception.GetNetworkState(ctx, area)
	})
	logging.Stage(r.log, "perceiving", time.Since(start), err == nil, err)

	if ctxErr := ctx.Err(); ctxErr != nil {
		e.fail(r, core.StatePerceiving, ctxErr)
		return nil, false
	}
	if err != nil {
		e.countError(err)
		r.degrade("perception: " + err.Error())
		return nil, true
	}
	r.update(func(c *core.OrchestrationCycle) { c.Perception = &snap })
	if snap.Degraded {
		r.degrade("perception snapshot degraded")
	}
	return &snap, true
}

func (e *Engine) predict(ctx context.Context, r *run, snap *core.NetworkStateSnapshot, params core.PerceptionParams) (core.Prediction, int, bool) {
	horizon := params.HorizonMinutes
	if horizon <= 0 {
		horizon = e.opts.HorizonMinutes
	}
	in := core.PredictionInput{HorizonMinutes: horizon}

	if e.deps.Journeys != nil {
		journeys, err := e.deps.Journeys.ListJourneys(ctx, core.ActiveJourneys)
		if err != nil {
			e.countError(core.DataError("list journeys", err))
			r.degrade("journeys: " + err.Error())
		} else {
			in.Journeys = journeys
		}
	}
	if e.deps.ChokePoints != nil {
		cps, err := e.deps.ChokePoints.ListChokePoints(ctx)
		if err != nil {
			e.countError(core.DataError("list choke points", err))
			r.degrade("choke points: " + err.Error())
		} else {
			in.ChokePoints = overlay(cps, snap)
		}
	}
	if err := ctx.Err(); err != nil {
		e.fail(r, core.StatePredicting, err)
		return core.Prediction{}, 0, false
	}

	pctx, cancel := context.WithTimeout(ctx, e.opts.PredictionTimeout)
	defer cancel()
	start := time.Now()
	pred, err := util.Bounded(pctx, func(ctx context.Context) (core.Prediction, error) {
		return e.deps.Prediction.Predict(ctx, in)
	})
	logging.Stage(r.log, "predicting", time.Since(start), err == nil, err)

	if ctxErr := ctx.Err(); ctxErr != nil {
		e.fail(r, core.StatePredicting, ctxErr)
		return core.Prediction{}, 0, false
	}
	if err != nil {
		e.countError(err)
		r.degrade("prediction: " + err.Error())
		pred = core.Prediction{HorizonMinutes: horizon, GeneratedAt: e.opts.Now().UTC()}
	}
	r.update(func(c *core.OrchestrationCycle) {
		c.Prediction = &pred
		c.JourneyCount = len(in.Journeys)
	})
	return pred, len(in.Journeys), true
}

// overlay applies the snapshot's per-choke-point counts to the catalog. A
// degraded snapshot still carries the counts of the sources that answered;
// choke points no source reported keep their stored counts.
func overlay(cps []core.ChokePoint, snap *core.NetworkStateSnapshot) []core.ChokePoint {
	if snap == nil || len(snap.ChokePointCounts) == 0 {
		return cps
	}
	out := make([]core.ChokePoint, len(cps))
	for i, cp := range cps {
		if n, ok := snap.ChokePointCounts[cp.ID]; ok {
			cp.VehicleCount = n
			cp.CountUpdatedAt = snap.Timestamp
		}
		out[i] = cp
	}
	return out
}

func (e *Engine) countError(err error) {
	e.errorCount.Add(1)
	var ce *core.Error
	if errors.As(err, &ce) {
		e.opts.Metrics.Error(string(ce.Kind))
		return
	}
	e.opts.Metrics.Error("unknown")
}

// fail moves the cycle to FAILED from whatever state it reached.
func (e *Engine) fail(r *run, at core.CycleState, err error) {
	e.countError(err)
	r.log.Error("Orchestration cycle failed", "state", at, "error", err)
	r.update(func(c *core.OrchestrationCycle) {
		c.Status = core.CycleFailed
		c.Error = err.Error()
	})
	r.transition(core.StateFailed, e.opts.Now())
}

func (e *Engine) finish(r *run) *core.OrchestrationCycle {
	end := e.opts.Now().UTC()
	r.update(func(c *core.OrchestrationCycle) {
		if c.Status == core.CycleRunning {
			c.Status = core.CycleFailed
			c.Error = "cycle ended without a terminal state"
		}
		c.FinishedAt = end
		c.Duration = end.Sub(c.StartedAt)
	})
	out := r.snapshot()

	if out.Status == core.CycleCompleted {
		e.completed.Add(1)
	} else {
		e.failed.Add(1)
	}
	e.opts.Metrics.CycleFinished(string(out.Status), out.Duration)

	e.mu.Lock()
	delete(e.inflight, out.CycleID)
	e.history = append(e.history, out)
	if over := len(e.history) - e.opts.HistorySize; over > 0 {
		e.history = append([]*core.OrchestrationCycle(nil), e.history[over:]...)
	}
	e.lastAt = end
	e.mu.Unlock()

	r.log.Info("Orchestration cycle finished",
		"status", out.Status,
		"duration", out.Duration,
		"degraded", out.Degraded)
	return out.Clone()
}

// Cancel cancels an in-flight cycle. It reports whether the cycle was found.
func (e *Engine) Cancel(cycleID string) bool {
	e.mu.Lock()
	r, ok := e.inflight[cycleID]
	e.mu.Unlock()
	if ok {
		r.cancel()
	}
	return ok
}

// Cycle returns an in-flight or recently finished cycle.
func (e *Engine) Cycle(cycleID string) (*core.OrchestrationCycle, bool) {
	e.mu.Lock()
	r, ok := e.inflight[cycleID]
	if !ok {
		for i := len(e.history) - 1; i >= 0; i-- {
			if e.history[i].CycleID == cycleID {
				c := e.history[i].Clone()
				e.mu.Unlock()
				return c, true
			}
		}
	}
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.snapshot(), true
}

// Cycles returns up to limit cycles, in-flight first, then finished ones
// newest first. A non-positive limit returns all.
func (e *Engine) Cycles(limit int) []*core.OrchestrationCycle {
	e.mu.Lock()
	running := make([]*run, 0, len(e.inflight))
	for _, r := range e.inflight {
		running = append(running, r)
	}
	finished := make([]*core.OrchestrationCycle, 0, len(e.history))
	for i := len(e.history) - 1; i >= 0; i-- {
		finished = append(finished, e.history[i].Clone())
	}
	e.mu.Unlock()

	out := make([]*core.OrchestrationCycle, 0, len(running)+len(finished))
	for _, r := range running {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	out = append(out, finished...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	inFlight, last := len(e.inflight), e.lastAt
	e.mu.Unlock()
	return Stats{
		TotalCycles:            e.totalCycles.Load(),
		CompletedCycles:        e.completed.Load(),
		FailedCycles:           e.failed.Load(),
		InterventionsTriggered: e.interventions.Load(),
		AdvisorCalls:           e.advisorCalls.Load(),
		AdvisorFailures:        e.advisorFailures.Load(),
		ErrorCount:             e.errorCount.Load(),
		InFlight:               inFlight,
		LastCycleAt:            last,
	}
}

// Start runs a cycle immediately and then every Interval until ctx is done
// or Stop is called.
func (e *Engine) Start(ctx context.Context, params core.PerceptionParams) error {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.stop != nil {
		return errors.New("orchestrator: already started")
	}
	lctx, cancel := context.WithCancel(ctx)
	e.stop = cancel
	e.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(e.opts.Interval)
		defer ticker.Stop()
		for {
			p := params
			p.CorrelationID = ""
			e.RunCycle(lctx, p)
			select {
			case <-lctx.Done():
				return
			case <-ticker.C:
			}
		}
	}(e.done)

	e.opts.Logger.Info("Orchestration loop started", "interval", e.opts.Interval)
	return nil
}

// Stop ends the loop started by Start and waits for the running cycle.
func (e *Engine) Stop() {
	e.loopMu.Lock()
	cancel, done := e.stop, e.done
	e.stop, e.done = nil, nil
	e.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.opts.Logger.Info("Orchestration loop stopped")
}
