package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hupe1980/trafficmesh/a2a"
	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/logging"
	"github.com/hupe1980/trafficmesh/metrics"
)

// Compile-time check.
var _ a2a.Transport = (*Kafka)(nil)

// messageWriter is the subset of *kafka.Writer the transport needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the subset of *kafka.Reader the transport needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOptions configure the Kafka transport.
type KafkaOptions struct {
	Brokers     []string
	TopicPrefix string
	// GroupID prefixes the consumer group of each subscription; the key is
	// appended so every subscribed key has its own group.
	GroupID      string
	MaxAttempts  int
	RetryBackoff time.Duration
	Logger       logging.Logger
	Metrics      *metrics.Metrics

	// NewWriter and NewReader override the kafka-go constructors.
	NewWriter func(topic string) messageWriter
	NewReader func(topic, group string) messageReader
}

// Kafka carries A2A messages over Kafka topics named "<prefix>.<key>". The
// message key is "sender->target" so a pair always lands on one partition.
// Send returns once the broker acknowledged the write; handler failures are
// retried on the consumer side. An offset is committed only after the
// handler succeeded or, once the retry budget ran out, after the message was
// written to the dead-letter topic "<prefix>.dlq". A request that ends up
// there is answered on its ReplyTo key with a delivery_failed response so the
// caller learns about it instead of timing out.
type Kafka struct {
	opts KafkaOptions

	mu      sync.Mutex
	writers map[string]messageWriter
	cancels []context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// NewKafka creates a Kafka transport. It does not contact the brokers until
// the first Send or Subscribe.
func NewKafka(optFns ...func(o *KafkaOptions)) (*Kafka, error) {
	opts := KafkaOptions{
		TopicPrefix:  "trafficmesh",
		GroupID:      "trafficmesh",
		MaxAttempts:  3,
		RetryBackoff: 200 * time.Millisecond,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.NewWriter == nil || opts.NewReader == nil {
		if len(opts.Brokers) == 0 {
			return nil, errors.New("at least one kafka broker is required")
		}
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.NewWriter == nil {
		brokers := opts.Brokers
		opts.NewWriter = func(topic string) messageWriter {
			return &kafka.Writer{
				Addr:                   kafka.TCP(brokers...),
				Topic:                  topic,
				Balancer:               &kafka.Hash{},
				RequiredAcks:           kafka.RequireAll,
				AllowAutoTopicCreation: true,
			}
		}
	}
	if opts.NewReader == nil {
		brokers := opts.Brokers
		opts.NewReader = func(topic, group string) messageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:  brokers,
				GroupID:  group,
				Topic:    topic,
				MinBytes: 1,
				MaxBytes: 10e6,
				MaxWait:  200 * time.Millisecond,
			})
		}
	}
	opts.Logger = logging.With(opts.Logger, "component", "transport.kafka")

	return &Kafka{opts: opts, writers: map[string]messageWriter{}}, nil
}

// Topic returns the topic used for key.
func (k *Kafka) Topic(key string) string {
	return k.opts.TopicPrefix + "." + sanitizeTopic(key)
}

func sanitizeTopic(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, key)
}

func pairKey(msg a2a.Message) []byte {
	return []byte(msg.Sender + "->" + msg.Target)
}

func (k *Kafka) writer(topic string) (messageWriter, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, errClosed
	}
	if w, ok := k.writers[topic]; ok {
		return w, nil
	}
	w := k.opts.NewWriter(topic)
	k.writers[topic] = w
	return w, nil
}

// Send publishes msg to the target's topic, retrying failed writes.
func (k *Kafka) Send(ctx context.Context, msg a2a.Message) (a2a.DeliveryReceipt, error) {
	if err := msg.Validate(); err != nil {
		return a2a.DeliveryReceipt{}, err
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return a2a.DeliveryReceipt{}, core.ContractError("encode message", err)
	}
	w, err := k.writer(k.Topic(msg.Target))
	if err != nil {
		return a2a.DeliveryReceipt{}, k.fail(msg, 0, err)
	}

	var lastErr error
	for attempt := 1; attempt <= k.opts.MaxAttempts; attempt++ {
		if msg.Expired(time.Now()) {
			return a2a.DeliveryReceipt{}, k.fail(msg, attempt, errExpired)
		}
		lastErr = w.WriteMessages(ctx, kafka.Message{
			Key:   pairKey(msg),
			Value: value,
			Time:  msg.CreatedAt,
		})
		if lastErr == nil {
			k.opts.Metrics.Delivery(msg.Target, attempt, true)
			logging.Delivery(k.opts.Logger, "send", msg.MessageID, msg.CorrelationID, msg.TaskName, attempt, nil)
			return a2a.DeliveryReceipt{
				MessageID:   msg.MessageID,
				Target:      msg.Target,
				Attempts:    attempt,
				DeliveredAt: time.Now().UTC(),
			}, nil
		}
		if ctx.Err() != nil {
			return a2a.DeliveryReceipt{}, k.fail(msg, attempt, ctx.Err())
		}
		if err := sleep(ctx, time.Duration(attempt)*k.opts.RetryBackoff); err != nil {
			return a2a.DeliveryReceipt{}, k.fail(msg, attempt, err)
		}
	}
	return a2a.DeliveryReceipt{}, k.fail(msg, k.opts.MaxAttempts, lastErr)
}

// Subscribe starts a consumer for key's topic.
func (k *Kafka) Subscribe(key string, h a2a.Handler) (func(), error) {
	if key == "" {
		return nil, core.ContractError("subscribe", errors.New("empty key"))
	}
	if h == nil {
		return nil, core.ContractError("subscribe", errors.New("nil handler"))
	}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, core.TransportError("subscribe", errClosed)
	}
	ctx, cancel := context.WithCancel(context.Background())
	k.cancels = append(k.cancels, cancel)
	k.mu.Unlock()

	r := k.opts.NewReader(k.Topic(key), k.opts.GroupID+"."+sanitizeTopic(key))
	done := make(chan struct{})
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		defer close(done)
		k.consume(ctx, key, r, h)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (k *Kafka) consume(ctx context.Context, key string, r messageReader, h a2a.Handler) {
	defer func() {
		if err := r.Close(); err != nil {
			k.opts.Logger.Warn("Closing kafka reader failed", "key", key, "error", err)
		}
	}()

	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			k.opts.Logger.Warn("Kafka fetch failed", "key", key, "error", err)
			if sleep(ctx, k.opts.RetryBackoff) != nil {
				return
			}
			continue
		}

		var msg a2a.Message
		if err := json.Unmarshal(km.Value, &msg); err != nil {
			k.opts.Logger.Warn("Undecodable kafka message", "key", key, "offset", km.Offset, "error", err)
			if !k.deadLetter(ctx, km, err) {
				return
			}
		} else if err := k.handle(ctx, msg, h); err != nil {
			if ctx.Err() != nil || !k.deadLetter(ctx, km, err) {
				return
			}
			k.notifyFailure(ctx, msg, err)
		}

		if err := r.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
			k.opts.Logger.Warn("Kafka commit failed", "key", key, "offset", km.Offset, "error", err)
		}
	}
}

// handle runs h within the retry budget and returns the last handler error.
// Expired messages are logged and treated as handled.
func (k *Kafka) handle(ctx context.Context, msg a2a.Message, h a2a.Handler) error {
	var lastErr error
	for attempt := 1; attempt <= k.opts.MaxAttempts; attempt++ {
		if msg.Expired(time.Now()) {
			logging.Delivery(k.opts.Logger, "receive", msg.MessageID, msg.CorrelationID, msg.TaskName, attempt, errExpired)
			return nil
		}
		lastErr = h(ctx, msg)
		logging.Delivery(k.opts.Logger, "receive", msg.MessageID, msg.CorrelationID, msg.TaskName, attempt, lastErr)
		if lastErr == nil {
			return nil
		}
		if attempt == k.opts.MaxAttempts {
			break
		}
		if err := sleep(ctx, time.Duration(attempt)*k.opts.RetryBackoff); err != nil {
			return err
		}
	}
	k.opts.Metrics.Delivery(msg.Target, k.opts.MaxAttempts, false)
	return fmt.Errorf("%w: %v", core.ErrDeliveryFailed, lastErr)
}

// DeadLetterTopic returns the topic that receives undeliverable messages.
func (k *Kafka) DeadLetterTopic() string {
	return k.opts.TopicPrefix + ".dlq"
}

// deadLetter copies km to the dead-letter topic, retrying until the write
// succeeds. It reports false when ctx ended first; the offset then stays
// uncommitted and the message is fetched again after a restart.
func (k *Kafka) deadLetter(ctx context.Context, km kafka.Message, cause error) bool {
	w, err := k.writer(k.DeadLetterTopic())
	if err != nil {
		return false
	}
	dl := kafka.Message{
		Key:   km.Key,
		Value: km.Value,
		Time:  km.Time,
		Headers: append(append([]kafka.Header(nil), km.Headers...),
			kafka.Header{Key: "x-source-topic", Value: []byte(km.Topic)},
			kafka.Header{Key: "x-delivery-error", Value: []byte(cause.Error())},
		),
	}
	for attempt := 1; ; attempt++ {
		err := w.WriteMessages(ctx, dl)
		if err == nil {
			k.opts.Logger.Warn("Message dead-lettered", "topic", km.Topic, "offset", km.Offset, "error", cause)
			return true
		}
		k.opts.Logger.Error("Dead-letter write failed", "topic", km.Topic, "offset", km.Offset, "attempt", attempt, "error", err)
		if sleep(ctx, time.Duration(min(attempt, k.opts.MaxAttempts))*k.opts.RetryBackoff) != nil {
			return false
		}
	}
}

// notifyFailure answers a dead-lettered request with a delivery_failed
// response on its ReplyTo key.
func (k *Kafka) notifyFailure(ctx context.Context, msg a2a.Message, cause error) {
	if msg.Type != a2a.TypeRequest || msg.ReplyTo == "" {
		return
	}
	resp := a2a.TaskResponse{
		TaskName:      msg.TaskName,
		CorrelationID: msg.CorrelationID,
		Error:         a2a.ErrorString(cause),
		SourceService: msg.Target,
		Timestamp:     time.Now().UTC(),
	}
	reply, err := a2a.NewMessage(msg.Target, msg.ReplyTo, msg.CorrelationID, a2a.TypeResponse, msg.TaskName, resp)
	if err == nil {
		reply.InReplyTo = msg.MessageID
		_, err = k.Send(ctx, reply)
	}
	if err != nil {
		k.opts.Logger.Warn("Delivery failure notice not sent", "message_id", msg.MessageID, "reply_to", msg.ReplyTo, "error", err)
	}
}

func (k *Kafka) fail(msg a2a.Message, attempts int, cause error) error {
	err := core.TransportError("send "+msg.Target, fmt.Errorf("%w: %v", core.ErrDeliveryFailed, cause))
	k.opts.Metrics.Delivery(msg.Target, attempts, false)
	logging.Delivery(k.opts.Logger, "send", msg.MessageID, msg.CorrelationID, msg.TaskName, attempts, err)
	return err
}

// Close stops all consumers and closes the writers.
func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	cancels := k.cancels
	writers := k.writers
	k.writers = map[string]messageWriter{}
	k.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	k.wg.Wait()

	var errs []error
	for _, w := range writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
