// Package transport provides a2a.Transport implementations: an in-process
// channel transport and a Kafka-backed one.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/trafficmesh/a2a"
	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/logging"
	"github.com/hupe1980/trafficmesh/metrics"
)

// Compile-time check.
var _ a2a.Transport = (*Memory)(nil)

var (
	errNoSubscriber = errors.New("no subscriber for target")
	errExpired      = errors.New("message expired")
	errUnsubscribed = errors.New("subscriber went away")
	errClosed       = errors.New("transport closed")
)

// MemoryOptions configure the in-process transport.
type MemoryOptions struct {
	// MaxAttempts bounds deliveries per subscriber. Defaults to 3.
	MaxAttempts int
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
	// QueueSize is the buffer of each sender->receiver lane.
	QueueSize int
	Logger    logging.Logger
	Metrics   *metrics.Metrics
}

// Memory is an in-process transport. Each subscription keeps one ordered
// lane per sender, drained by its own goroutine, so ordering holds per
// sender->receiver pair while different senders are served concurrently.
type Memory struct {
	opts MemoryOptions

	mu     sync.RWMutex
	subs   map[string]map[uint64]*subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// NewMemory creates an in-process transport.
func NewMemory(optFns ...func(o *MemoryOptions)) *Memory {
	opts := MemoryOptions{
		MaxAttempts:  3,
		RetryBackoff: 20 * time.Millisecond,
		QueueSize:    64,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	opts.Logger = logging.With(opts.Logger, "component", "transport.memory")

	return &Memory{
		opts: opts,
		subs: map[string]map[uint64]*subscription{},
	}
}

type delivery struct {
	ctx     context.Context
	msg     a2a.Message
	attempt int
	result  chan error
}

type subscription struct {
	id      uint64
	key     string
	handler a2a.Handler
	done    chan struct{}
	stop    sync.Once

	mu    sync.Mutex
	lanes map[string]chan delivery
}

// Subscribe registers h for key. The returned function removes the
// subscription; pending deliveries to it fail and are retried elsewhere.
func (m *Memory) Subscribe(key string, h a2a.Handler) (func(), error) {
	if key == "" {
		return nil, core.ContractError("subscribe", errors.New("empty key"))
	}
	if h == nil {
		return nil, core.ContractError("subscribe", errors.New("nil handler"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, core.TransportError("subscribe", errClosed)
	}

	m.nextID++
	sub := &subscription{
		id:      m.nextID,
		key:     key,
		handler: h,
		done:    make(chan struct{}),
		lanes:   map[string]chan delivery{},
	}
	if m.subs[key] == nil {
		m.subs[key] = map[uint64]*subscription{}
	}
	m.subs[key][sub.id] = sub

	return func() { m.remove(sub) }, nil
}

func (m *Memory) remove(sub *subscription) {
	m.mu.Lock()
	if set, ok := m.subs[sub.key]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(m.subs, sub.key)
		}
	}
	m.mu.Unlock()
	sub.close()
}

func (s *subscription) close() {
	s.stop.Do(func() { close(s.done) })
}

// lane returns the ordered queue for sender, starting its worker on first use.
func (m *Memory) lane(sub *subscription, sender string) chan delivery {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if ch, ok := sub.lanes[sender]; ok {
		return ch
	}
	select {
	case <-sub.done:
		// Nobody drains a stopped subscription; callers select on done.
		return nil
	default:
	}
	ch := make(chan delivery, m.opts.QueueSize)
	sub.lanes[sender] = ch
	m.wg.Add(1)
	go m.drain(sub, ch)
	return ch
}

func (m *Memory) drain(sub *subscription, ch chan delivery) {
	defer m.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case d := <-ch:
			err := m.invoke(sub, d)
			logging.Delivery(m.opts.Logger, "receive", d.msg.MessageID, d.msg.CorrelationID, d.msg.TaskName, d.attempt, err)
			d.result <- err
		}
	}
}

func (m *Memory) invoke(sub *subscription, d delivery) (err error) {
	if err := d.ctx.Err(); err != nil {
		return err
	}
	if d.msg.Expired(time.Now()) {
		return errExpired
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(d.ctx, d.msg)
}

func (m *Memory) subscribers(key string) []*subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.subs[key]
	out := make([]*subscription, 0, len(set))
	for _, sub := range set {
		out = append(out, sub)
	}
	return out
}

// Send delivers msg to every subscriber of msg.Target and blocks until each
// one acknowledged. Subscribers that fail are retried with linear backoff.
func (m *Memory) Send(ctx context.Context, msg a2a.Message) (a2a.DeliveryReceipt, error) {
	if err := msg.Validate(); err != nil {
		return a2a.DeliveryReceipt{}, err
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return a2a.DeliveryReceipt{}, m.fail(msg, 0, errClosed)
	}

	// Subscribers that already acknowledged are not delivered to again.
	acked := map[uint64]bool{}
	var lastErr error

	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		if msg.Expired(time.Now()) {
			return a2a.DeliveryReceipt{}, m.fail(msg, attempt, errExpired)
		}

		subs := m.subscribers(msg.Target)
		if len(subs) == 0 {
			lastErr = errNoSubscriber
		} else {
			lastErr = m.deliver(ctx, msg, attempt, subs, acked)
			if lastErr == nil {
				receipt := a2a.DeliveryReceipt{
					MessageID:   msg.MessageID,
					Target:      msg.Target,
					Attempts:    attempt,
					Subscribers: len(acked),
					DeliveredAt: time.Now().UTC(),
				}
				m.opts.Metrics.Delivery(msg.Target, attempt, true)
				logging.Delivery(m.opts.Logger, "send", msg.MessageID, msg.CorrelationID, msg.TaskName, attempt, nil)
				return receipt, nil
			}
		}

		if ctx.Err() != nil {
			return a2a.DeliveryReceipt{}, m.fail(msg, attempt, ctx.Err())
		}
		if attempt < m.opts.MaxAttempts && m.opts.RetryBackoff > 0 {
			timer := time.NewTimer(time.Duration(attempt) * m.opts.RetryBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return a2a.DeliveryReceipt{}, m.fail(msg, attempt, ctx.Err())
			case <-timer.C:
			}
		}
	}

	return a2a.DeliveryReceipt{}, m.fail(msg, m.opts.MaxAttempts, lastErr)
}

// deliver fans msg out to the subscribers not yet in acked and waits for all
// of them. It returns the first failure, if any.
func (m *Memory) deliver(ctx context.Context, msg a2a.Message, attempt int, subs []*subscription, acked map[uint64]bool) error {
	type pending struct {
		sub    *subscription
		result chan error
	}
	var waits []pending

	for _, sub := range subs {
		if acked[sub.id] {
			continue
		}
		d := delivery{ctx: ctx, msg: msg, attempt: attempt, result: make(chan error, 1)}
		select {
		case m.lane(sub, msg.Sender) <- d:
			waits = append(waits, pending{sub: sub, result: d.result})
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var firstErr error
	for _, w := range waits {
		var err error
		select {
		case err = <-w.result:
		case <-w.sub.done:
			err = errUnsubscribed
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err == nil {
			acked[w.sub.id] = true
		} else if firstErr == nil {
			firstErr = err
		}
	}

	if firstErr == nil && len(acked) == 0 {
		return errNoSubscriber
	}
	return firstErr
}

func (m *Memory) fail(msg a2a.Message, attempts int, cause error) error {
	err := core.TransportError("send "+msg.Target, fmt.Errorf("%w: %v", core.ErrDeliveryFailed, cause))
	m.opts.Metrics.Delivery(msg.Target, attempts, false)
	logging.Delivery(m.opts.Logger, "send", msg.MessageID, msg.CorrelationID, msg.TaskName, attempts, err)
	return err
}

// Close removes every subscription and waits for the lane workers to exit.
// In-flight handlers run to completion.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var subs []*subscription
	for _, set := range m.subs {
		for _, sub := range set {
			subs = append(subs, sub)
		}
	}
	m.subs = map[string]map[uint64]*subscription{}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	m.wg.Wait()
	return nil
}
