// Package registry tracks which agents are alive and what they can do.
//
// A Registry is an injected handle: every component that needs discovery
// receives the same *Registry explicitly. Liveness is derived from the last
// heartbeat, expired agents drop out of discovery immediately and are removed
// by Sweep.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/logging"
	"github.com/hupe1980/trafficmesh/metrics"
)

// DefaultHeartbeatInterval is the interval agents are expected to heartbeat at.
const DefaultHeartbeatInterval = 10 * time.Second

// Options configure a Registry.
type Options struct {
	// HeartbeatInterval drives the default StaleAfter, ExpireAfter and sweep
	// period.
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	ExpireAfter       time.Duration
	// Store optionally persists descriptors with an expiry.
	Store   core.AgentStore
	Logger  logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Ack confirms a registration or heartbeat.
type Ack struct {
	AgentID   string        `json:"agent_id"`
	Liveness  core.Liveness `json:"liveness"`
	Timestamp time.Time     `json:"timestamp"`
}

// Registry is safe for concurrent use.
type Registry struct {
	opts Options

	mu     sync.RWMutex
	agents map[string]core.AgentDescriptor
}

// New creates a registry.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{HeartbeatInterval: DefaultHeartbeatInterval, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * opts.HeartbeatInterval
	}
	if opts.ExpireAfter <= 0 {
		opts.ExpireAfter = 5 * opts.HeartbeatInterval
	}
	if opts.ExpireAfter < opts.StaleAfter {
		opts.ExpireAfter = opts.StaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Logger = logging.With(opts.Logger, "component", "registry")

	return &Registry{opts: opts, agents: map[string]core.AgentDescriptor{}}
}

// Restore loads previously persisted descriptors from the store, skipping
// those that already expired.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.opts.Store == nil {
		return 0, nil
	}
	stored, err := r.opts.Store.ListAgents(ctx)
	if err != nil {
		return 0, core.RegistryError("restore", err)
	}
	now := r.opts.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range stored {
		if r.liveness(d, now) == core.LivenessExpired {
			continue
		}
		r.agents[d.AgentID] = d.Clone()
		n++
	}
	return n, nil
}

func (r *Registry) liveness(d core.AgentDescriptor, now time.Time) core.Liveness {
	age := now.Sub(d.LastHeartbeat)
	switch {
	case age <= r.opts.StaleAfter:
		return core.LivenessActive
	case age <= r.opts.ExpireAfter:
		return core.LivenessStale
	default:
		return core.LivenessExpired
	}
}

func (r *Registry) persist(ctx context.Context, d core.AgentDescriptor) error {
	if r.opts.Store == nil {
		return nil
	}
	return r.opts.Store.SaveAgent(ctx, d, d.LastHeartbeat.Add(r.opts.ExpireAfter))
}

// Register adds or replaces the descriptor for d.AgentID and refreshes its
// heartbeat. RegisteredAt is kept across re-registrations.
func (r *Registry) Register(ctx context.Context, d core.AgentDescriptor) (Ack, error) {
	if d.AgentID == "" {
		return Ack{}, core.RegistryError("register", errors.New("empty agent id"))
	}
	now := r.opts.Now()

	r.mu.Lock()
	d = d.Clone()
	if prev, ok := r.agents[d.AgentID]; ok && !prev.RegisteredAt.IsZero() {
		d.RegisteredAt = prev.RegisteredAt
	} else {
		d.RegisteredAt = now
	}
	d.LastHeartbeat = now
	d.Liveness = core.LivenessActive
	r.agents[d.AgentID] = d
	r.mu.Unlock()

	if err := r.persist(ctx, d); err != nil {
		return Ack{}, core.RegistryError("register", err)
	}
	r.opts.Logger.Info("Agent registered", "agent_id", d.AgentID, "role", d.Role, "capabilities", d.Capabilities)
	r.publish()
	return Ack{AgentID: d.AgentID, Liveness: core.LivenessActive, Timestamp: now}, nil
}

// Heartbeat refreshes the agent's liveness. An unknown or already expired id
// returns a RegistryError wrapping core.ErrAgentNotFound; the agent is then
// expected to register again.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) (Ack, error) {
	now := r.opts.Now()

	r.mu.Lock()
	d, ok := r.agents[agentID]
	if ok && r.liveness(d, now) == core.LivenessExpired {
		delete(r.agents, agentID)
		ok = false
	}
	if !ok {
		r.mu.Unlock()
		return Ack{}, core.RegistryError("heartbeat", fmt.Errorf("%w: %s", core.ErrAgentNotFound, agentID))
	}
	d.LastHeartbeat = now
	d.Liveness = core.LivenessActive
	r.agents[agentID] = d
	r.mu.Unlock()

	if err := r.persist(ctx, d); err != nil {
		return Ack{}, core.RegistryError("heartbeat", err)
	}
	return Ack{AgentID: agentID, Liveness: core.LivenessActive, Timestamp: now}, nil
}

// Deregister removes an agent.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	_, ok := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()
	if !ok {
		return core.RegistryError("deregister", fmt.Errorf("%w: %s", core.ErrAgentNotFound, agentID))
	}
	if r.opts.Store != nil {
		if err := r.opts.Store.DeleteAgent(ctx, agentID); err != nil && !errors.Is(err, core.ErrNotFound) {
			return core.RegistryError("deregister", err)
		}
	}
	r.opts.Logger.Info("Agent deregistered", "agent_id", agentID)
	r.publish()
	return nil
}

// Get returns the descriptor with its current liveness.
func (r *Registry) Get(_ context.Context, agentID string) (core.AgentDescriptor, error) {
	now := r.opts.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[agentID]
	if !ok {
		return core.AgentDescriptor{}, core.RegistryError("get", fmt.Errorf("%w: %s", core.ErrAgentNotFound, agentID))
	}
	d = d.Clone()
	d.Liveness = r.liveness(d, now)
	return d, nil
}

// List returns every known agent with its current liveness, sorted by id.
func (r *Registry) List(_ context.Context) []core.AgentDescriptor {
	now := r.opts.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.AgentDescriptor, 0, len(r.agents))
	for _, d := range r.agents {
		d = d.Clone()
		d.Liveness = r.liveness(d, now)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Discover returns the active agents advertising capability, sorted by id.
func (r *Registry) Discover(ctx context.Context, capability string) []core.AgentDescriptor {
	var out []core.AgentDescriptor
	for _, d := range r.List(ctx) {
		if d.Liveness == core.LivenessActive && d.HasCapability(capability) {
			out = append(out, d)
		}
	}
	return out
}

// Sweep deletes expired agents and returns how many were removed.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	now := r.opts.Now()

	r.mu.Lock()
	var expired []string
	for id, d := range r.agents {
		if r.liveness(d, now) == core.LivenessExpired {
			delete(r.agents, id)
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	if r.opts.Store != nil {
		if _, err := r.opts.Store.DeleteExpiredAgents(ctx, now); err != nil {
			return len(expired), core.RegistryError("sweep", err)
		}
	}
	if len(expired) > 0 {
		sort.Strings(expired)
		r.opts.Logger.Warn("Expired agents removed", "agents", expired)
	}
	r.publish()
	return len(expired), nil
}

// Run sweeps every heartbeat interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.opts.Logger.Error("Registry sweep failed", "error", err)
			}
		}
	}
}

// HeartbeatInterval returns the configured interval.
func (r *Registry) HeartbeatInterval() time.Duration {
	return r.opts.HeartbeatInterval
}

func (r *Registry) publish() {
	if r.opts.Metrics == nil {
		return
	}
	counts := map[string]int{}
	for _, d := range r.List(context.Background()) {
		counts[string(d.Liveness)]++
	}
	r.opts.Metrics.SetAgents(counts)
}
