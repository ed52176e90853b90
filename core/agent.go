package core

import (
	"context"
	"slices"
	"time"
)

// Liveness is an agent's heartbeat-derived health state.
type Liveness string

const (
	LivenessActive  Liveness = "active"
	LivenessStale   Liveness = "stale"
	LivenessExpired Liveness = "expired"
)

// Capability tags used for discovery.
const (
	CapPerception          = "perception"
	CapTrafficMonitoring   = "traffic_monitoring"
	CapTelemetryIngestion  = "telemetry_ingestion"
	CapPrediction          = "prediction"
	CapCongestionPredict   = "congestion_prediction"
	CapDecisionMaking      = "decision_making"
	CapStrategicPlanning   = "strategic_planning"
	CapCommunication       = "communication"
	CapNotificationDeliver = "notification_delivery"
)

// Agent roles.
const (
	RoleObserver       = "observer"
	RoleSimulation     = "simulation"
	RoleOrchestrator   = "orchestrator"
	RoleCommunications = "communications"
)

// AgentDescriptor describes a registered agent.
type AgentDescriptor struct {
	AgentID       string    `json:"agent_id"`
	Role          string    `json:"role"`
	Capabilities  []string  `json:"capabilities"`
	Endpoint      string    `json:"endpoint,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Liveness      Liveness  `json:"liveness"`
}

// HasCapability reports whether the descriptor advertises capability.
func (d AgentDescriptor) HasCapability(capability string) bool {
	return slices.Contains(d.Capabilities, capability)
}

// Clone returns a copy that does not share the capability slice.
func (d AgentDescriptor) Clone() AgentDescriptor {
	cp := d
	cp.Capabilities = slices.Clone(d.Capabilities)
	return cp
}

// AgentStore persists agent descriptors with a liveness TTL. ExpiresAt is the
// instant after which the record may be deleted.
type AgentStore interface {
	SaveAgent(ctx context.Context, d AgentDescriptor, expiresAt time.Time) error
	ListAgents(ctx context.Context) ([]AgentDescriptor, error)
	DeleteAgent(ctx context.Context, agentID string) error
	DeleteExpiredAgents(ctx context.Context, now time.Time) (int, error)
}
