package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/trafficmesh/a2a"
	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/logging"
	"github.com/hupe1980/trafficmesh/registry"
)

// TaskHealthCheck is answered by every agent.
const TaskHealthCheck = "health_check"

// Health statuses.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusStopped  = "stopped"
)

// Options configure the shared agent plumbing.
type Options struct {
	// HeartbeatInterval defaults to the registry's interval.
	HeartbeatInterval time.Duration
	Endpoint          string
	DedupSize         int
	Logger            logging.Logger
	Now               func() time.Time
}

// Health is what health_check and the HTTP surface report for an agent.
type Health struct {
	AgentID           string         `json:"agent_id"`
	Role              string         `json:"role"`
	Status            string         `json:"status"`
	Running           bool           `json:"running"`
	Liveness          core.Liveness  `json:"liveness,omitempty"`
	Capabilities      []string       `json:"capabilities"`
	Tasks             []string       `json:"tasks"`
	StartedAt         time.Time      `json:"started_at,omitempty"`
	LastHeartbeat     time.Time      `json:"last_heartbeat,omitempty"`
	HeartbeatFailures int64          `json:"heartbeat_failures"`
	TasksHandled      int64          `json:"tasks_handled"`
	TaskFailures      int64          `json:"task_failures"`
	Details           map[string]any `json:"details,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

// BaseAgent bundles lifecycle (Start/Stop), registry membership and the A2A
// server shared by every role. Embed it in concrete agents and hand the task
// table to serve before Start. All exported methods are goroutine-safe.
type BaseAgent struct {
	id           string
	role         string
	capabilities []string
	registry     *registry.Registry
	transport    a2a.Transport
	opts         Options
	log          logging.Logger

	dispatcher *a2a.Dispatcher
	server     *a2a.Server
	details    func() map[string]any

	mu            sync.Mutex
	cancel        context.CancelFunc
	done          chan struct{}
	running       bool
	startedAt     time.Time
	lastHeartbeat time.Time

	heartbeatFailures atomic.Int64
	tasksHandled      atomic.Int64
	taskFailures      atomic.Int64
}

func newBaseAgent(id, role string, capabilities []string, reg *registry.Registry, t a2a.Transport, optFns ...func(o *Options)) *BaseAgent {
	opts := Options{DedupSize: a2a.DefaultDedupSize, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.HeartbeatInterval <= 0 && reg != nil {
		opts.HeartbeatInterval = reg.HeartbeatInterval()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = registry.DefaultHeartbeatInterval
	}
	return &BaseAgent{
		id:           id,
		role:         role,
		capabilities: slices.Clone(capabilities),
		registry:     reg,
		transport:    t,
		opts:         opts,
		log:          logging.With(opts.Logger, "agent_id", id, "role", role),
	}
}

// serve installs the task table. health_check is added to every table.
func (b *BaseAgent) serve(tasks map[string]a2a.TaskHandler, details func() map[string]any) {
	table := make(map[string]a2a.TaskHandler, len(tasks)+1)
	for name, h := range tasks {
		table[name] = b.count(h)
	}
	table[TaskHealthCheck] = func(ctx context.Context, _ a2a.TaskEnvelope) (any, error) {
		return b.Health(ctx), nil
	}
	b.details = details
	b.dispatcher = a2a.NewDispatcher(b.id, table)
	b.server = a2a.NewServer(b.id, b.transport, b.dispatcher, func(o *a2a.ServerOptions) {
		o.Keys = b.capabilities
		o.DedupSize = b.opts.DedupSize
		o.Logger = b.opts.Logger
	})
}

func (b *BaseAgent) count(h a2a.TaskHandler) a2a.TaskHandler {
	return func(ctx context.Context, env a2a.TaskEnvelope) (any, error) {
		b.tasksHandled.Add(1)
		out, err := h(ctx, env)
		if err != nil {
			b.taskFailures.Add(1)
			b.log.Warn("Task failed", "task", env.TaskName, "correlation_id", env.CorrelationID, "error", err)
		}
		return out, err
	}
}

// ID returns the agent id.
func (b *BaseAgent) ID() string { return b.id }

// Role returns the agent role.
func (b *BaseAgent) Role() string { return b.role }

// Capabilities returns a copy of the advertised capabilities.
func (b *BaseAgent) Capabilities() []string { return slices.Clone(b.capabilities) }

// Tasks returns the names in the agent's task table.
func (b *BaseAgent) Tasks() []string {
	if b.dispatcher == nil {
		return nil
	}
	return b.dispatcher.Tasks()
}

// Dispatch runs a task in-process, bypassing the transport.
func (b *BaseAgent) Dispatch(ctx context.Context, env a2a.TaskEnvelope) a2a.TaskResponse {
	return b.dispatcher.Dispatch(ctx, env)
}

// Descriptor returns the registry descriptor for this agent.
func (b *BaseAgent) Descriptor() core.AgentDescriptor {
	return core.AgentDescriptor{
		AgentID:      b.id,
		Role:         b.role,
		Capabilities: slices.Clone(b.capabilities),
		Endpoint:     b.opts.Endpoint,
	}
}

// Start subscribes the agent's server, registers it and starts the heartbeat
// loop. It returns an error if the agent is already running.
func (b *BaseAgent) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return errors.New("agent is already running")
	}
	if b.server == nil {
		return fmt.Errorf("agent %s has no task table", b.id)
	}
	if err := b.server.Start(); err != nil {
		return core.TransportError("start agent "+b.id, err)
	}
	if err := b.register(ctx); err != nil {
		b.server.Stop()
		return err
	}

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true
	b.startedAt = b.opts.Now().UTC()
	go b.heartbeatLoop(hctx, b.done)

	b.log.Info("Agent started", "capabilities", b.capabilities, "tasks", b.dispatcher.Tasks())
	return nil
}

// Stop ends the heartbeat loop, unsubscribes and deregisters the agent. It
// returns an error if the agent was not running.
func (b *BaseAgent) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return errors.New("agent is not running")
	}
	cancel, done := b.cancel, b.done
	b.running = false
	b.mu.Unlock()

	cancel()
	<-done
	b.server.Stop()

	if b.registry != nil {
		if err := b.registry.Deregister(ctx, b.id); err != nil && !errors.Is(err, core.ErrAgentNotFound) {
			return err
		}
	}
	b.log.Info("Agent stopped")
	return nil
}

func (b *BaseAgent) register(ctx context.Context) error {
	if b.registry == nil {
		return nil
	}
	ack, err := b.registry.Register(ctx, b.Descriptor())
	if err != nil {
		return err
	}
	b.lastHeartbeat = ack.Timestamp
	return nil
}

func (b *BaseAgent) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	if b.registry == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.heartbeat(ctx)
		}
	}
}

// heartbeat refreshes liveness and registers again when the registry has
// forgotten the agent.
func (b *BaseAgent) heartbeat(ctx context.Context) {
	ack, err := b.registry.Heartbeat(ctx, b.id)
	if errors.Is(err, core.ErrAgentNotFound) {
		b.log.Warn("Registry lost agent, registering again")
		ack, err = b.registry.Register(ctx, b.Descriptor())
	}
	if err != nil {
		b.heartbeatFailures.Add(1)
		b.log.Error("Heartbeat failed", "error", err)
		return
	}
	b.mu.Lock()
	b.lastHeartbeat = ack.Timestamp
	b.mu.Unlock()
}

// Health reports the agent's state. An agent that is running but missing
// from the registry, or whose last heartbeat failed, is degraded.
func (b *BaseAgent) Health(ctx context.Context) Health {
	b.mu.Lock()
	h := Health{
		AgentID:       b.id,
		Role:          b.role,
		Running:       b.running,
		Capabilities:  slices.Clone(b.capabilities),
		Tasks:         b.Tasks(),
		StartedAt:     b.startedAt,
		LastHeartbeat: b.lastHeartbeat,
		Timestamp:     b.opts.Now().UTC(),
	}
	b.mu.Unlock()
	h.HeartbeatFailures = b.heartbeatFailures.Load()
	h.TasksHandled = b.tasksHandled.Load()
	h.TaskFailures = b.taskFailures.Load()
	if b.details != nil {
		h.Details = b.details()
	}

	switch {
	case !h.Running:
		h.Status = StatusStopped
	case b.registry == nil:
		h.Status = StatusHealthy
	default:
		d, err := b.registry.Get(ctx, b.id)
		if err != nil {
			h.Status = StatusDegraded
			break
		}
		h.Liveness = d.Liveness
		h.Status = StatusHealthy
		if d.Liveness != core.LivenessActive {
			h.Status = StatusDegraded
		}
	}
	return h
}
