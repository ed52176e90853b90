package agent

import (
	"context"

	"github.com/hupe1980/trafficmesh/a2a"
	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/execution"
	"github.com/hupe1980/trafficmesh/registry"
)

// Communications tasks.
const (
	TaskExecuteRerouteAndNotify = "execute_reroute_and_notify"
	TaskExecuteIntervention     = "execute_intervention"
	TaskSendNotification        = "send_notification"
	TaskUpdateJourneyStatus     = "update_journey_status"
	TaskBroadcastAlert          = "broadcast_alert"
)

// RerouteParams is the execute_reroute_and_notify input.
type RerouteParams struct {
	JourneyID string `json:"journey_id"`
	NewRoute  string `json:"new_route"`
	Reason    string `json:"reason,omitempty"`
}

// JourneyStatusParams is the update_journey_status input.
type JourneyStatusParams struct {
	JourneyID string             `json:"journey_id"`
	Status    core.JourneyStatus `json:"status"`
}

// BroadcastParams is the broadcast_alert input.
type BroadcastParams struct {
	Message   string `json:"message"`
	AlertType string `json:"alert_type,omitempty"`
}

// CommunicationsAgent applies interventions and talks to travellers and
// authorities.
type CommunicationsAgent struct {
	*BaseAgent
	service *execution.Service
}

// NewCommunicationsAgent creates a communications agent around service.
func NewCommunicationsAgent(id string, service *execution.Service, reg *registry.Registry, t a2a.Transport, optFns ...func(o *Options)) *CommunicationsAgent {
	a := &CommunicationsAgent{
		BaseAgent: newBaseAgent(id, core.RoleCommunications, []string{core.CapCommunication, core.CapNotificationDeliver}, reg, t, optFns...),
		service:   service,
	}
	a.serve(map[string]a2a.TaskHandler{
		TaskExecuteRerouteAndNotify: a.executeRerouteAndNotify,
		TaskExecuteIntervention:     a.executeIntervention,
		TaskSendNotification:        a.sendNotification,
		TaskUpdateJourneyStatus:     a.updateJourneyStatus,
		TaskBroadcastAlert:          a.broadcastAlert,
	}, func() map[string]any {
		return map[string]any{"stats": service.Stats()}
	})
	return a
}

func (a *CommunicationsAgent) executeRerouteAndNotify(ctx context.Context, env a2a.TaskEnvelope) (any, error) {
	var p RerouteParams
	if err := env.DecodeParams(&p); err != nil {
		return nil, err
	}
	return a.service.ExecuteRerouteAndNotify(ctx, p.JourneyID, p.NewRoute, p.Reason), nil
}

func (a *CommunicationsAgent) executeIntervention(ctx context.Context, env a2a.TaskEnvelope) (any, error) {
	var plan core.InterventionPlan
	if err := env.DecodeParams(&plan); err != nil {
		return nil, err
	}
	if plan.CorrelationID == "" {
		plan.CorrelationID = env.CorrelationID
	}
	return a.service.ExecuteIntervention(ctx, plan)
}

func (a *CommunicationsAgent) sendNotification(ctx context.Context, env a2a.TaskEnvelope) (any, error) {
	var n execution.Notification
	if err := env.DecodeParams(&n); err != nil {
		return nil, err
	}
	if n.Kind == "" {
		n.Kind = execution.KindDirect
	}
	if n.CorrelationID == "" {
		n.CorrelationID = env.CorrelationID
	}
	return a.service.SendNotification(ctx, n), nil
}

func (a *CommunicationsAgent) updateJourneyStatus(ctx context.Context, env a2a.TaskEnvelope) (any, error) {
	var p JourneyStatusParams
	if err := env.DecodeParams(&p); err != nil {
		return nil, err
	}
	return a.service.UpdateJourneyStatus(ctx, p.JourneyID, p.Status)
}

func (a *CommunicationsAgent) broadcastAlert(ctx context.Context, env a2a.TaskEnvelope) (any, error) {
	var p BroadcastParams
	if err := env.DecodeParams(&p); err != nil {
		return nil, err
	}
	return a.service.BroadcastAlert(ctx, p.Message, p.AlertType), nil
}
