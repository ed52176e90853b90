package a2a

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/logging"
)

// ServerOptions configure a Server.
type ServerOptions struct {
	// Keys are extra subscription keys (typically capability tags) the server
	// answers on in addition to its agent id.
	Keys      []string
	DedupSize int
	Logger    logging.Logger
}

// Server answers task envelopes addressed to one agent.
type Server struct {
	agentID    string
	transport  Transport
	dispatcher *Dispatcher
	opts       ServerOptions

	mu     sync.Mutex
	unsubs []func()
}

// NewServer creates a server for agentID. Call Start to subscribe.
func NewServer(agentID string, t Transport, d *Dispatcher, optFns ...func(o *ServerOptions)) *Server {
	opts := ServerOptions{DedupSize: DefaultDedupSize}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.With(opts.Logger, "agent_id", agentID)
	return &Server{agentID: agentID, transport: t, dispatcher: d, opts: opts}
}

// Start subscribes the server under its agent id and extra keys.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.unsubs) > 0 {
		return nil
	}
	h := Idempotent(s.handle, s.opts.DedupSize)
	for _, key := range append([]string{s.agentID}, s.opts.Keys...) {
		unsub, err := s.transport.Subscribe(key, h)
		if err != nil {
			for _, u := range s.unsubs {
				u()
			}
			s.unsubs = nil
			return fmt.Errorf("subscribe %s: %w", key, err)
		}
		s.unsubs = append(s.unsubs, unsub)
	}
	return nil
}

// Stop removes all subscriptions.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
}

func (s *Server) handle(ctx context.Context, msg Message) error {
	if msg.Type != TypeRequest {
		s.opts.Logger.Debug("Ignoring non-request message", "message_id", msg.MessageID, "type", msg.Type)
		return nil
	}
	logging.Delivery(s.opts.Logger, "receive", msg.MessageID, msg.CorrelationID, msg.TaskName, 1, nil)

	var env TaskEnvelope
	var resp TaskResponse
	if err := msg.Decode(&env); err != nil {
		resp = s.dispatcher.fail(TaskResponse{TaskName: msg.TaskName, CorrelationID: msg.CorrelationID}, fmt.Errorf("%w: %v", core.ErrMalformedEnvelope, err))
	} else {
		resp = s.dispatcher.Dispatch(ctx, env)
	}

	if msg.ReplyTo == "" {
		return nil
	}
	reply, err := NewMessage(s.agentID, msg.ReplyTo, msg.CorrelationID, TypeResponse, resp.TaskName, resp)
	if err != nil {
		return err
	}
	reply.InReplyTo = msg.MessageID
	if _, err := s.transport.Send(ctx, reply); err != nil {
		// The caller times out on its side; redelivering the request would
		// only repeat work that already happened.
		logging.Delivery(s.opts.Logger, "send", reply.MessageID, reply.CorrelationID, reply.TaskName, 0, err)
	}
	return nil
}
