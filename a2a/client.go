package a2a

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/logging"
)

// Resolver finds active agents for a capability.
type Resolver interface {
	Discover(ctx context.Context, capability string) []core.AgentDescriptor
}

// ClientOptions configure a Client.
type ClientOptions struct {
	// Timeout bounds the wait for a response when ctx has no earlier deadline.
	Timeout time.Duration
	Logger  logging.Logger
}

// Client sends task envelopes and waits for the correlated response on a
// private inbox key.
type Client struct {
	self      string
	inbox     string
	transport Transport
	resolver  Resolver
	opts      ClientOptions

	mu      sync.Mutex
	pending map[string]chan TaskResponse
	unsub   func()
}

// NewClient creates a client for agent self and subscribes its inbox.
func NewClient(self string, t Transport, r Resolver, optFns ...func(o *ClientOptions)) (*Client, error) {
	opts := ClientOptions{Timeout: 30 * time.Second}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.With(opts.Logger, "agent_id", self)

	c := &Client{
		self:      self,
		inbox:     self + ".inbox",
		transport: t,
		resolver:  r,
		opts:      opts,
		pending:   map[string]chan TaskResponse{},
	}
	unsub, err := t.Subscribe(c.inbox, c.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribe inbox: %w", err)
	}
	c.unsub = unsub
	return c, nil
}

// Close unsubscribes the inbox.
func (c *Client) Close() {
	if c.unsub != nil {
		c.unsub()
	}
}

func (c *Client) receive(_ context.Context, msg Message) error {
	if msg.Type != TypeResponse {
		return nil
	}
	var resp TaskResponse
	if err := msg.Decode(&resp); err != nil {
		c.opts.Logger.Warn("Dropping malformed response", "message_id", msg.MessageID, "error", err)
		return nil
	}
	c.mu.Lock()
	ch, ok := c.pending[msg.InReplyTo]
	if ok {
		delete(c.pending, msg.InReplyTo)
	}
	c.mu.Unlock()
	if !ok {
		c.opts.Logger.Debug("Dropping late or duplicate response", "in_reply_to", msg.InReplyTo)
		return nil
	}
	logging.Delivery(c.opts.Logger, "receive", msg.MessageID, msg.CorrelationID, msg.TaskName, 1, nil)
	ch <- resp
	return nil
}

// Call sends taskName to the agent with id target and waits for its response.
// Transport failures, response timeouts and delivery_failed notices from the
// transport are TransportErrors; any other unsuccessful response is returned
// as-is with a nil error.
func (c *Client) Call(ctx context.Context, target, taskName, correlationID string, params any) (TaskResponse, error) {
	env, err := NewTaskEnvelope(taskName, correlationID, c.self, target, params)
	if err != nil {
		return TaskResponse{}, err
	}
	msg, err := NewMessage(c.self, target, correlationID, TypeRequest, taskName, env)
	if err != nil {
		return TaskResponse{}, err
	}
	msg.ReplyTo = c.inbox

	ch := make(chan TaskResponse, 1)
	c.mu.Lock()
	c.pending[msg.MessageID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.MessageID)
		c.mu.Unlock()
	}()

	if _, ok := ctx.Deadline(); !ok && c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	if _, err := c.transport.Send(ctx, msg); err != nil {
		return TaskResponse{}, err
	}

	select {
	case resp := <-ch:
		if err := resp.Err(); err != nil && errors.Is(err, core.ErrDeliveryFailed) {
			return TaskResponse{}, err
		}
		return resp, nil
	case <-ctx.Done():
		return TaskResponse{}, core.TransportError("await "+taskName, fmt.Errorf("%w: %v", core.ErrDeliveryFailed, ctx.Err()))
	}
}

// CallCapability resolves capability through the registry and calls the
// first active agent, moving on to the next one when delivery fails.
func (c *Client) CallCapability(ctx context.Context, capability, taskName, correlationID string, params any) (TaskResponse, error) {
	if c.resolver == nil {
		return TaskResponse{}, core.RegistryError("discover "+capability, core.ErrNoAgentAvailable)
	}
	candidates := c.resolver.Discover(ctx, capability)
	if len(candidates) == 0 {
		return TaskResponse{}, core.RegistryError("discover "+capability, core.ErrNoAgentAvailable)
	}

	var lastErr error
	for _, d := range candidates {
		resp, err := c.Call(ctx, d.AgentID, taskName, correlationID, params)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !core.IsKind(err, core.KindTransport) || ctx.Err() != nil {
			break
		}
		c.opts.Logger.Warn("Agent unreachable, trying next", "target", d.AgentID, "capability", capability, "error", err)
	}
	return TaskResponse{}, lastErr
}
