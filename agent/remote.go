package agent

import (
	"context"

	"github.com/google/uuid"

	"github.com/hupe1980/trafficmesh/a2a"
	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/orchestrator"
)

// The remote adapters let the orchestrator engine drive the other roles over
// A2A. Targets are resolved by capability on every call, so a restarted or
// replacement agent is picked up without rewiring.
var (
	_ orchestrator.Perceiver = (*RemotePerception)(nil)
	_ orchestrator.Predictor = (*RemotePrediction)(nil)
	_ orchestrator.Executor  = (*RemoteExecution)(nil)
)

// RemotePerception calls get_network_state on an observer agent.
type RemotePerception struct {
	Client *a2a.Client
}

// GetNetworkState implements orchestrator.Perceiver.
func (r *RemotePerception) GetNetworkState(ctx context.Context, area core.Area) (core.NetworkStateSnapshot, error) {
	var snap core.NetworkStateSnapshot
	err := call(ctx, r.Client, core.CapPerception, TaskGetNetworkState, NetworkStateParams{Area: area}, &snap)
	return snap, err
}

// RemotePrediction calls run_gridlock_prediction on a simulation agent.
type RemotePrediction struct {
	Client *a2a.Client
}

// Predict implements orchestrator.Predictor.
func (r *RemotePrediction) Predict(ctx context.Context, in core.PredictionInput) (core.Prediction, error) {
	var pred core.Prediction
	err := call(ctx, r.Client, core.CapPrediction, TaskRunGridlockPrediction, in, &pred)
	return pred, err
}

// RemoteExecution calls execute_intervention on a communications agent.
type RemoteExecution struct {
	Client *a2a.Client
}

// ExecuteIntervention implements orchestrator.Executor. A rejected plan comes
// back as a ContractError wrapping core.ErrInvalidPlan.
func (r *RemoteExecution) ExecuteIntervention(ctx context.Context, plan core.InterventionPlan) (core.ExecutionResult, error) {
	var res core.ExecutionResult
	err := call(ctx, r.Client, core.CapCommunication, TaskExecuteIntervention, plan, &res)
	return res, err
}

func call(ctx context.Context, c *a2a.Client, capability, task string, params, out any) error {
	correlationID := orchestrator.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	resp, err := c.CallCapability(ctx, capability, task, correlationID, params)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	return resp.DecodeResult(out)
}
