package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/trafficmesh/a2a"
	"github.com/hupe1980/trafficmesh/logging"
)

// NotificationKind classifies a notification.
type NotificationKind string

const (
	KindReroute   NotificationKind = "REROUTE"
	KindBroadcast NotificationKind = "BROADCAST"
	KindAuthority NotificationKind = "AUTHORITY"
	KindDirect    NotificationKind = "DIRECT"
)

// Notification channels.
const (
	ChannelPush      = "push"
	ChannelAuthority = "authority"
)

// Notification is one message to a traveller, all travellers or an authority.
type Notification struct {
	ID            string            `json:"id"`
	Kind          NotificationKind  `json:"kind"`
	Channel       string            `json:"channel"`
	Recipient     string            `json:"recipient"`
	Title         string            `json:"title"`
	Message       string            `json:"message"`
	Data          map[string]string `json:"data,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// DeliveryStatus is what a sink reports for a delivered notification.
type DeliveryStatus struct {
	MessageID   string    `json:"message_id"`
	Channel     string    `json:"channel"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// NotificationSink delivers notifications to the outside world.
type NotificationSink interface {
	Deliver(ctx context.Context, n Notification) (DeliveryStatus, error)
}

// LogSink writes notifications to a logger. It never fails.
type LogSink struct {
	Logger logging.Logger
}

var _ NotificationSink = LogSink{}

// Deliver implements NotificationSink.
func (s LogSink) Deliver(_ context.Context, n Notification) (DeliveryStatus, error) {
	logging.OrNoOp(s.Logger).Info("Notification delivered",
		"notification_id", n.ID,
		"kind", n.Kind,
		"channel", n.Channel,
		"recipient", n.Recipient,
		"title", n.Title,
		"message", n.Message)
	return DeliveryStatus{MessageID: n.ID, Channel: n.Channel, DeliveredAt: time.Now().UTC()}, nil
}

// FuncSink adapts a function to NotificationSink.
type FuncSink func(ctx context.Context, n Notification) (DeliveryStatus, error)

// Deliver implements NotificationSink.
func (f FuncSink) Deliver(ctx context.Context, n Notification) (DeliveryStatus, error) {
	return f(ctx, n)
}

// MultiSink delivers to every sink in order. It fails when any sink fails and
// reports the status of the first successful one.
type MultiSink []NotificationSink

// Deliver implements NotificationSink.
func (m MultiSink) Deliver(ctx context.Context, n Notification) (DeliveryStatus, error) {
	var (
		first DeliveryStatus
		ok    bool
		errs  []error
	)
	for _, s := range m {
		st, err := s.Deliver(ctx, n)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			first, ok = st, true
		}
	}
	if len(errs) > 0 {
		return first, errors.Join(errs...)
	}
	if !ok {
		return DeliveryStatus{}, errors.New("no notification sink configured")
	}
	return first, nil
}

// TransportSink publishes notifications as A2A events on a transport key so
// that downstream consumers (push gateways, dashboards) can pick them up.
type TransportSink struct {
	Transport a2a.Transport
	Sender    string
	Target    string
}

// DefaultNotificationTopic is the transport key TransportSink publishes to
// when Target is empty.
const DefaultNotificationTopic = "notifications"

// Deliver implements NotificationSink.
func (s TransportSink) Deliver(ctx context.Context, n Notification) (DeliveryStatus, error) {
	target := s.Target
	if target == "" {
		target = DefaultNotificationTopic
	}
	correlationID := n.CorrelationID
	if correlationID == "" {
		correlationID = n.ID
	}
	msg, err := a2a.NewMessage(s.Sender, target, correlationID, a2a.TypeEvent, "notification", n)
	if err != nil {
		return DeliveryStatus{}, err
	}
	receipt, err := s.Transport.Send(ctx, msg)
	if err != nil {
		return DeliveryStatus{}, fmt.Errorf("publish notification %s: %w", n.ID, err)
	}
	return DeliveryStatus{MessageID: receipt.MessageID, Channel: n.Channel, DeliveredAt: receipt.DeliveredAt}, nil
}
