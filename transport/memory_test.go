package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/trafficmesh/a2a"
	"github.com/hupe1980/trafficmesh/core"
)

func newTestMemory() *Memory {
	return NewMemory(func(o *MemoryOptions) {
		o.MaxAttempts = 3
		o.RetryBackoff = time.Millisecond
	})
}

func mustMessage(t *testing.T, sender, target string, payload any) a2a.Message {
	t.Helper()
	msg, err := a2a.NewMessage(sender, target, "corr-1", a2a.TypeEvent, "test", payload)
	require.NoError(t, err)
	return msg
}

type logEntry struct {
	msg   string
	attrs map[string]any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) record(msg string, args []any) {
	attrs := map[string]any{}
	for i := 0; i+1 < len(args); i += 2 {
		if k, ok := args[i].(string); ok {
			attrs[k] = args[i+1]
		}
	}
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{msg: msg, attrs: attrs})
	l.mu.Unlock()
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.record(msg, args) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.record(msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.record(msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.record(msg, args) }

func (l *recordingLogger) direction(dir string) []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logEntry
	for _, e := range l.entries {
		if e.attrs["direction"] == dir {
			out = append(out, e)
		}
	}
	return out
}

func TestMemory_DeliversToAllSubscribers(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	var a, b atomic.Int32
	_, err := m.Subscribe("observer", func(context.Context, a2a.Message) error { a.Add(1); return nil })
	require.NoError(t, err)
	_, err = m.Subscribe("observer", func(context.Context, a2a.Message) error { b.Add(1); return nil })
	require.NoError(t, err)

	receipt, err := m.Send(context.Background(), mustMessage(t, "orchestrator", "observer", map[string]int{"n": 1}))
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.Attempts)
	assert.Equal(t, 2, receipt.Subscribers)
	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(1), b.Load())
}

func TestMemory_FIFOPerSender(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	var mu sync.Mutex
	var got []int
	_, err := m.Subscribe("sim", func(_ context.Context, msg a2a.Message) error {
		var v int
		assert.NoError(t, msg.Decode(&v))
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := m.Send(context.Background(), mustMessage(t, "orch", "sim", i))
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 20)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestMemory_RetriesFailingHandler(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	var calls atomic.Int32
	_, err := m.Subscribe("comms", func(context.Context, a2a.Message) error {
		if calls.Add(1) < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)

	receipt, err := m.Send(context.Background(), mustMessage(t, "orch", "comms", nil))
	require.NoError(t, err)
	assert.Equal(t, 3, receipt.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestMemory_DeliveryFailedAfterBudget(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	var calls atomic.Int32
	_, err := m.Subscribe("comms", func(context.Context, a2a.Message) error {
		calls.Add(1)
		return errors.New("down")
	})
	require.NoError(t, err)

	_, err = m.Send(context.Background(), mustMessage(t, "orch", "comms", nil))
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindTransport))
	assert.ErrorIs(t, err, core.ErrDeliveryFailed)
	assert.Equal(t, int32(3), calls.Load())

	// The transport keeps working after a failed delivery.
	_, err = m.Subscribe("other", func(context.Context, a2a.Message) error { return nil })
	require.NoError(t, err)
	_, err = m.Send(context.Background(), mustMessage(t, "orch", "other", nil))
	require.NoError(t, err)
}

func TestMemory_NoSubscriber(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	_, err := m.Send(context.Background(), mustMessage(t, "orch", "nobody", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDeliveryFailed)
}

func TestMemory_ExpiredMessageIsNotDelivered(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	var calls atomic.Int32
	_, err := m.Subscribe("sim", func(context.Context, a2a.Message) error { calls.Add(1); return nil })
	require.NoError(t, err)

	msg := mustMessage(t, "orch", "sim", nil)
	msg.ExpiresAt = time.Now().Add(-time.Second)

	_, err = m.Send(context.Background(), msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDeliveryFailed)
	assert.Equal(t, int32(0), calls.Load())
}

func TestMemory_RejectsMalformedMessage(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	_, err := m.Send(context.Background(), a2a.Message{Target: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMalformedEnvelope)
}

func TestMemory_Unsubscribe(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	var calls atomic.Int32
	unsub, err := m.Subscribe("sim", func(context.Context, a2a.Message) error { calls.Add(1); return nil })
	require.NoError(t, err)

	_, err = m.Send(context.Background(), mustMessage(t, "orch", "sim", nil))
	require.NoError(t, err)

	unsub()
	unsub()

	_, err = m.Send(context.Background(), mustMessage(t, "orch", "sim", nil))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMemory_HandlerPanicIsRetried(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	var calls atomic.Int32
	_, err := m.Subscribe("sim", func(context.Context, a2a.Message) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})
	require.NoError(t, err)

	receipt, err := m.Send(context.Background(), mustMessage(t, "orch", "sim", nil))
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.Attempts)
}

func TestMemory_ReplyFromHandlerDoesNotDeadlock(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	replies := make(chan a2a.Message, 1)
	_, err := m.Subscribe("orch.inbox", func(_ context.Context, msg a2a.Message) error {
		replies <- msg
		return nil
	})
	require.NoError(t, err)

	_, err = m.Subscribe("sim", func(ctx context.Context, msg a2a.Message) error {
		reply, err := a2a.NewMessage("sim", msg.ReplyTo, msg.CorrelationID, a2a.TypeResponse, msg.TaskName, "pong")
		if err != nil {
			return err
		}
		_, err = m.Send(ctx, reply)
		return err
	})
	require.NoError(t, err)

	msg := mustMessage(t, "orch", "sim", "ping")
	msg.ReplyTo = "orch.inbox"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = m.Send(ctx, msg)
	require.NoError(t, err)

	select {
	case reply := <-replies:
		var s string
		require.NoError(t, reply.Decode(&s))
		assert.Equal(t, "pong", s)
	case <-ctx.Done():
		t.Fatal("no reply")
	}
}

func TestMemory_CloseRejectsSends(t *testing.T) {
	m := newTestMemory()
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Send(context.Background(), mustMessage(t, "orch", "sim", nil))
	assert.ErrorIs(t, err, core.ErrDeliveryFailed)

	_, err = m.Subscribe("sim", func(context.Context, a2a.Message) error { return nil })
	assert.True(t, core.IsKind(err, core.KindTransport))
}

func TestMemory_LogsReceiveAttempts(t *testing.T) {
	rec := &recordingLogger{}
	m := NewMemory(func(o *MemoryOptions) {
		o.MaxAttempts = 3
		o.RetryBackoff = time.Millisecond
		o.Logger = rec
	})
	defer m.Close()

	var calls atomic.Int32
	_, err := m.Subscribe("observer", func(context.Context, a2a.Message) error {
		if calls.Add(1) == 1 {
			return errors.New("busy")
		}
		return nil
	})
	require.NoError(t, err)

	msg := mustMessage(t, "orch", "observer", nil)
	_, err = m.Send(context.Background(), msg)
	require.NoError(t, err)

	received := rec.direction("receive")
	require.Len(t, received, 2)
	assert.Equal(t, "A2A delivery failed", received[0].msg)
	assert.Equal(t, 1, received[0].attrs["attempts"])
	assert.Equal(t, "busy", received[0].attrs["error"])
	assert.Equal(t, "A2A delivery", received[1].msg)
	assert.Equal(t, 2, received[1].attrs["attempts"])
	for _, e := range received {
		assert.Equal(t, msg.MessageID, e.attrs["message_id"])
		assert.Equal(t, "corr-1", e.attrs["correlation_id"])
		assert.Equal(t, "transport.memory", e.attrs["component"])
	}

	sent := rec.direction("send")
	require.Len(t, sent, 1)
	assert.Equal(t, 2, sent[0].attrs["attempts"])
}
