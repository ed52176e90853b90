package agent

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/trafficmesh/a2a"
	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/orchestrator"
	"github.com/hupe1980/trafficmesh/registry"
)

// Orchestrator tasks.
const (
	TaskRunOrchestrationCycle = "run_orchestration_cycle"
	TaskMakeStrategicDecision = "make_strategic_decision"
	TaskPlanIntervention      = "plan_intervention"
	TaskCoordinateAgents      = "coordinate_agents"
)

// DecisionParams is the make_strategic_decision input.
type DecisionParams struct {
	Prediction   core.Prediction `json:"prediction"`
	JourneyCount int             `json:"journey_count"`
}

// PlanParams is the plan_intervention input.
type PlanParams struct {
	Decision   core.Decision   `json:"decision"`
	Prediction core.Prediction `json:"prediction"`
	CycleID    string          `json:"cycle_id,omitempty"`
}

// CoordinateParams narrows coordinate_agents to agents with one of the
// capabilities. Empty means every active agent.
type CoordinateParams struct {
	Capabilities []string `json:"capabilities,omitempty"`
}

// CoordinationResult reports which agents answered a health check.
type CoordinationResult struct {
	AgentsCoordinated []string          `json:"agents_coordinated"`
	Failed            map[string]string `json:"failed,omitempty"`
	Success           bool              `json:"coordination_success"`
}

// OrchestratorAgent exposes the orchestration engine over A2A.
type OrchestratorAgent struct {
	*BaseAgent
	engine *orchestrator.Engine
	client *a2a.Client
}

// NewOrchestratorAgent creates an orchestrator agent. client is used for
// coordinate_agents and may be nil when the agent runs without peers.
func NewOrchestratorAgent(id string, engine *orchestrator.Engine, client *a2a.Client, reg *registry.Registry, t a2a.Transport, optFns ...func(o *Options)) *OrchestratorAgent {
	a := &OrchestratorAgent{
		BaseAgent: newBaseAgent(id, core.RoleOrchestrator, []string{core.CapDecisionMaking, core.CapStrategicPlanning}, reg, t, optFns...),
		engine:    engine,
		client:    client,
	}
	a.serve(map[string]a2a.TaskHandler{
		TaskRunOrchestrationCycle: a.runOrchestrationCycle,
		TaskMakeStrategicDecision: a.makeStrategicDecision,
		TaskPlanIntervention:      a.planIntervention,
		TaskCoordinateAgents:      a.coordinateAgents,
	}, func() map[string]any {
		return map[string]any{
			"stats":                engine.Stats(),
			"coordination_enabled": client != nil,
		}
	})
	return a
}

// Engine returns the wrapped engine.
func (a *OrchestratorAgent) Engine() *orchestrator.Engine { return a.engine }

func (a *OrchestratorAgent) runOrchestrationCycle(ctx context.Context, env a2a.TaskEnvelope) (any, error) {
	var p core.PerceptionParams
	if err := env.DecodeParams(&p); err != nil {
		return nil, err
	}
	if p.CorrelationID == "" {
		p.CorrelationID = env.CorrelationID
	}
	return a.engine.RunCycle(ctx, p), nil
}

func (a *OrchestratorAgent) makeStrategicDecision(ctx context.Context, env a2a.TaskEnvelope) (any, error) {
	var p DecisionParams
	if err := env.DecodeParams(&p); err != nil {
		return nil, err
	}
	return a.engine.MakeDecision(ctx, p.Prediction, p.JourneyCount), nil
}

func (a *OrchestratorAgent) planIntervention(_ context.Context, env a2a.TaskEnvelope) (any, error) {
	var p PlanParams
	if err := env.DecodeParams(&p); err != nil {
		return nil, err
	}
	plan := a.engine.PlanIntervention(p.Decision, p.Prediction, env.CorrelationID, p.CycleID)
	if err := plan.Validate(); err != nil {
		return nil, core.ContractError("plan intervention", err)
	}
	return plan, nil
}

// coordinateAgents health-checks every matching peer concurrently.
func (a *OrchestratorAgent) coordinateAgents(ctx context.Context, env a2a.TaskEnvelope) (any, error) {
	var p CoordinateParams
	if err := env.DecodeParams(&p); err != nil {
		return nil, err
	}
	if a.client == nil || a.registry == nil {
		return nil, core.RegistryError("coordinate agents", core.ErrNoAgentAvailable)
	}

	var peers []core.AgentDescriptor
	for _, d := range a.registry.List(ctx) {
		if d.AgentID == a.id || d.Liveness != core.LivenessActive {
			continue
		}
		if len(p.Capabilities) > 0 && !hasAny(d, p.Capabilities) {
			continue
		}
		peers = append(peers, d)
	}

	var (
		mu  sync.Mutex
		res = CoordinationResult{AgentsCoordinated: []string{}, Failed: map[string]string{}}
	)
	var g errgroup.Group
	for _, d := range peers {
		g.Go(func() error {
			resp, err := a.client.Call(ctx, d.AgentID, TaskHealthCheck, env.CorrelationID, nil)
			if err == nil {
				err = resp.Err()
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[d.AgentID] = err.Error()
				return nil
			}
			res.AgentsCoordinated = append(res.AgentsCoordinated, d.AgentID)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.AgentsCoordinated)
	res.Success = len(res.Failed) == 0
	if len(res.Failed) == 0 {
		res.Failed = nil
	}
	return res, nil
}

func hasAny(d core.AgentDescriptor, capabilities []string) bool {
	for _, c := range capabilities {
		if d.HasCapability(c) {
			return true
		}
	}
	return false
}
