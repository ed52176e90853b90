package agent

import (
	"context"
	"sync/atomic"

	"github.com/hupe1980/trafficmesh/a2a"
	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/orchestrator"
	"github.com/hupe1980/trafficmesh/registry"
)

// TaskRunGridlockPrediction is the simulation agent's scoring task.
const TaskRunGridlockPrediction = "run_gridlock_prediction"

// SimulationAgent scores choke points for a prediction input.
type SimulationAgent struct {
	*BaseAgent
	predictor orchestrator.Predictor

	predictions atomic.Int64
	critical    atomic.Int64
}

// NewSimulationAgent creates a simulation agent around predictor.
func NewSimulationAgent(id string, predictor orchestrator.Predictor, reg *registry.Registry, t a2a.Transport, optFns ...func(o *Options)) *SimulationAgent {
	a := &SimulationAgent{
		BaseAgent: newBaseAgent(id, core.RoleSimulation, []string{core.CapPrediction, core.CapCongestionPredict}, reg, t, optFns...),
		predictor: predictor,
	}
	a.serve(map[string]a2a.TaskHandler{
		TaskRunGridlockPrediction: a.runGridlockPrediction,
	}, func() map[string]any {
		return map[string]any{
			"predictions_run":      a.predictions.Load(),
			"critical_predictions": a.critical.Load(),
		}
	})
	return a
}

func (a *SimulationAgent) runGridlockPrediction(ctx context.Context, env a2a.TaskEnvelope) (any, error) {
	var in core.PredictionInput
	if err := env.DecodeParams(&in); err != nil {
		return nil, err
	}
	pred, err := a.predictor.Predict(ctx, in)
	if err != nil {
		return nil, err
	}
	a.predictions.Add(1)
	if pred.CriticalChokePoint != "" {
		a.critical.Add(1)
	}
	return pred, nil
}
