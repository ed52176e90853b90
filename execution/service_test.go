package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/trafficmesh/a2a"
	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/store"
	"github.com/hupe1980/trafficmesh/transport"
)

var now = time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)

type outbox struct {
	mu   sync.Mutex
	sent []Notification
	fail map[string]error // by recipient
}

func (o *outbox) sink() FuncSink {
	return func(_ context.Context, n Notification) (DeliveryStatus, error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		if err := o.fail[n.Recipient]; err != nil {
			return DeliveryStatus{}, err
		}
		o.sent = append(o.sent, n)
		return DeliveryStatus{MessageID: "msg-" + n.ID, Channel: n.Channel, DeliveredAt: now}, nil
	}
}

func (o *outbox) byKind(k NotificationKind) []Notification {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Notification
	for _, n := range o.sent {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

func setup(t *testing.T, journeys ...core.Journey) (*Service, *store.Memory, *outbox) {
	t.Helper()
	st := store.NewMemory()
	for _, j := range journeys {
		require.NoError(t, st.PutJourney(context.Background(), j))
	}
	ob := &outbox{fail: map[string]error{}}
	ids := 0
	var mu sync.Mutex
	svc := New(st, func(o *Options) {
		o.Sink = ob.sink()
		o.Now = func() time.Time { return now }
		o.NewID = func() string {
			mu.Lock()
			defer mu.Unlock()
			ids++
			return fmt.Sprintf("id-%d", ids)
		}
	})
	return svc, st, ob
}

func journey(id string) core.Journey {
	return core.Journey{ID: id, VehicleID: "veh-" + id, RouteRef: "Hosur Road", Status: core.JourneyScheduled}
}

func TestExecuteRerouteAndNotify(t *testing.T) {
	svc, st, ob := setup(t, journey("j1"))
	ctx := context.Background()

	res := svc.ExecuteRerouteAndNotify(ctx, "j1", "Outer Ring Road", "Silk Board congestion")
	assert.Equal(t, core.RerouteApplied, res.Status)
	assert.True(t, res.DatabaseUpdate.Success)
	assert.True(t, res.Notification.Success)
	assert.NotEmpty(t, res.ExecutionID)

	j, err := st.GetJourney(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, core.JourneyRerouted, j.Status)
	assert.Equal(t, "Outer Ring Road", j.RouteRef)
	assert.Equal(t, "Silk Board congestion", j.RerouteReason)
	assert.Equal(t, res.ExecutionID, j.RerouteExecutionID)
	assert.Equal(t, "communications-agent", j.ReroutedBy)
	require.NotNil(t, j.ReroutedAt)

	sent := ob.byKind(KindReroute)
	require.Len(t, sent, 1)
	assert.Equal(t, "Route Updated", sent[0].Title)
	assert.Equal(t, "Your journey has been rerouted to Outer Ring Road due to Silk Board congestion", sent[0].Message)
	assert.Equal(t, "j1", sent[0].Recipient)
}

func TestExecuteRerouteAndNotify_Idempotent(t *testing.T) {
	svc, st, ob := setup(t, journey("j1"))
	ctx := context.Background()

	first := svc.ExecuteRerouteAndNotify(ctx, "j1", "Outer Ring Road", "")
	require.Equal(t, core.RerouteApplied, first.Status)
	before, err := st.GetJourney(ctx, "j1")
	require.NoError(t, err)

	second := svc.ExecuteRerouteAndNotify(ctx, "j1", "Outer Ring Road", "")
	assert.Equal(t, core.RerouteUnchanged, second.Status)
	assert.True(t, second.DatabaseUpdate.Success)
	assert.True(t, second.Notification.Skipped)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)

	after, err := st.GetJourney(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, before.RerouteExecutionID, after.RerouteExecutionID)
	assert.Equal(t, before.Version+1, after.Version)
	assert.Len(t, ob.byKind(KindReroute), 1)
	assert.Equal(t, int64(1), svc.Stats().Reroutes)
}

func TestExecuteRerouteAndNotify_NotFound(t *testing.T) {
	svc, _, ob := setup(t)
	res := svc.ExecuteRerouteAndNotify(context.Background(), "ghost", "Outer Ring Road", "")
	assert.Equal(t, core.RerouteNotFound, res.Status)
	assert.False(t, res.DatabaseUpdate.Success)
	assert.True(t, res.Notification.Skipped)
	assert.Empty(t, ob.byKind(KindReroute))
}

func TestExecuteRerouteAndNotify_NotificationFailureKeepsUpdate(t *testing.T) {
	svc, st, ob := setup(t, journey("j1"))
	ob.fail["j1"] = errors.New("push gateway down")

	res := svc.ExecuteRerouteAndNotify(context.Background(), "j1", "Outer Ring Road", "")
	assert.Equal(t, core.RerouteApplied, res.Status)
	assert.True(t, res.DatabaseUpdate.Success)
	assert.False(t, res.Notification.Success)
	assert.Contains(t, res.Notification.Error, "push gateway down")

	j, err := st.GetJourney(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, core.JourneyRerouted, j.Status)
	assert.Equal(t, int64(1), svc.Stats().NotificationFailures)
}

func TestExecuteRerouteAndNotify_TemplateFailure(t *testing.T) {
	svc, _, _ := setup(t, journey("j1"))
	svc.opts.RerouteMessage = "{{.Unknown}}"

	res := svc.ExecuteRerouteAndNotify(context.Background(), "j1", "Outer Ring Road", "")
	assert.True(t, res.DatabaseUpdate.Success)
	assert.False(t, res.Notification.Success)
	assert.Contains(t, res.Notification.Error, "execution error")
}

// conflictStore fails the first n updates with a version conflict.
type conflictStore struct {
	*store.Memory
	mu        sync.Mutex
	conflicts int
}

func (c *conflictStore) UpdateJourney(ctx context.Context, j core.Journey, expected int64) (core.Journey, error) {
	c.mu.Lock()
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		return core.Journey{}, core.ErrConflict
	}
	c.mu.Unlock()
	return c.Memory.UpdateJourney(ctx, j, expected)
}

func TestExecuteRerouteAndNotify_ConflictRetry(t *testing.T) {
	for _, tc := range []struct {
		conflicts int
		want      core.RerouteStatus
	}{
		{1, core.RerouteApplied},
		{2, core.RerouteDegraded},
	} {
		t.Run(fmt.Sprintf("%d conflicts", tc.conflicts), func(t *testing.T) {
			mem := store.NewMemory()
			require.NoError(t, mem.PutJourney(context.Background(), journey("j1")))
			cs := &conflictStore{Memory: mem, conflicts: tc.conflicts}
			svc := New(cs)

			res := svc.ExecuteRerouteAndNotify(context.Background(), "j1", "Outer Ring Road", "")
			assert.Equal(t, tc.want, res.Status)
		})
	}
}

func TestExecuteIntervention_InvalidPlan(t *testing.T) {
	svc, _, _ := setup(t)
	_, err := svc.ExecuteIntervention(context.Background(), core.InterventionPlan{Type: core.InterventionReroute})
	assert.True(t, core.IsKind(err, core.KindContract))
	assert.True(t, core.IsInvalidPlan(err))
}

func plan(typ core.InterventionType, strategy core.Strategy) core.InterventionPlan {
	return core.InterventionPlan{
		InterventionID: "int-1",
		CorrelationID:  "corr-1",
		Type:           typ,
		Strategy:       strategy,
		ChokePointID:   "silk_board",
	}
}

func TestExecuteIntervention_Monitor(t *testing.T) {
	svc, _, ob := setup(t, journey("j1"))
	res, err := svc.ExecuteIntervention(context.Background(), plan(core.InterventionMonitor, core.StrategyMonitor))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "monitoring_continued", res.Action)
	assert.Empty(t, ob.sent)
}

func TestExecuteIntervention_Reroute(t *testing.T) {
	svc, st, _ := setup(t, journey("j1"), journey("j2"))
	p := plan(core.InterventionReroute, core.StrategyReroute)
	p.AffectedJourneyIDs = []string{"j1", "j2", "missing"}
	p.NewRoute = "Outer Ring Road"

	res, err := svc.ExecuteIntervention(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Degraded)
	require.Len(t, res.Reroutes, 3)
	assert.Equal(t, core.RerouteApplied, res.Reroutes[0].Status)
	assert.Equal(t, core.RerouteApplied, res.Reroutes[1].Status)
	assert.Equal(t, core.RerouteNotFound, res.Reroutes[2].Status)
	assert.Len(t, res.Errors, 1)

	for _, id := range []string{"j1", "j2"} {
		j, err := st.GetJourney(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, core.JourneyRerouted, j.Status)
	}

	p.AffectedJourneyIDs = []string{"missing"}
	res, err = svc.ExecuteIntervention(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, res.Success)

	p.AffectedJourneyIDs = nil
	res, err = svc.ExecuteIntervention(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestExecuteIntervention_Emergency(t *testing.T) {
	svc, _, ob := setup(t)
	ob.fail[core.AuthorityTransit] = errors.New("fax busy")
	p := plan(core.InterventionEmergency, core.StrategyEmergency)
	p.AuthorityTargets = core.DefaultAuthorities()

	res, err := svc.ExecuteIntervention(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Degraded)
	require.NotNil(t, res.Alert)
	assert.True(t, res.Alert.Success)

	broadcasts := ob.byKind(KindBroadcast)
	require.Len(t, broadcasts, 1)
	assert.Equal(t, EmergencyAlert, broadcasts[0].Message)
	assert.Equal(t, "Traffic Alert - EMERGENCY", broadcasts[0].Title)

	report := res.AuthorityNotifications
	require.NotNil(t, report)
	assert.Equal(t, 3, report.AuthoritiesNotified)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Statuses, 3)
	assert.Equal(t, core.AuthorityTrafficPolice, report.Statuses[0].Authority)
	assert.Equal(t, "notified", report.Statuses[0].Status)
	assert.Equal(t, "failed", report.Statuses[1].Status)

	authority := ob.byKind(KindAuthority)
	require.Len(t, authority, 2)
	assert.Equal(t, "Traffic intervention required: EMERGENCY_INTERVENTION at silk_board", authority[0].Message)
}

func TestExecuteIntervention_Coordinate(t *testing.T) {
	svc, _, ob := setup(t)
	p := plan(core.InterventionCoordinate, core.StrategyCoordinate)
	p.AuthorityTargets = core.DefaultAuthorities()

	res, err := svc.ExecuteIntervention(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Degraded)
	assert.Equal(t, CoordinationActions, res.Actions)
	assert.Equal(t, 0, res.AuthorityNotifications.Failed)

	broadcasts := ob.byKind(KindBroadcast)
	require.Len(t, broadcasts, 1)
	assert.Equal(t, CoordinationAlert, broadcasts[0].Message)

	stats := svc.Stats()
	assert.Equal(t, int64(1), stats.Interventions)
	assert.Equal(t, int64(1), stats.Broadcasts)
	assert.Equal(t, int64(3), stats.AuthorityNotifications)
	assert.Equal(t, int64(4), stats.NotificationsSent)
}

func TestUpdateJourneyStatus(t *testing.T) {
	svc, _, _ := setup(t, journey("j1"))
	ctx := context.Background()

	j, err := svc.UpdateJourneyStatus(ctx, "j1", core.JourneyOngoing)
	require.NoError(t, err)
	assert.Equal(t, core.JourneyOngoing, j.Status)

	_, err = svc.UpdateJourneyStatus(ctx, "j1", "FLYING")
	assert.True(t, core.IsKind(err, core.KindData))

	_, err = svc.UpdateJourneyStatus(ctx, "ghost", core.JourneyCompleted)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMultiSink(t *testing.T) {
	var calls int
	ok := FuncSink(func(context.Context, Notification) (DeliveryStatus, error) {
		calls++
		return DeliveryStatus{MessageID: "m1"}, nil
	})
	bad := FuncSink(func(context.Context, Notification) (DeliveryStatus, error) {
		calls++
		return DeliveryStatus{}, errors.New("down")
	})

	st, err := MultiSink{ok, LogSink{}}.Deliver(context.Background(), Notification{ID: "n1"})
	require.NoError(t, err)
	assert.Equal(t, "m1", st.MessageID)

	_, err = MultiSink{bad, ok}.Deliver(context.Background(), Notification{ID: "n2"})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)

	_, err = MultiSink{}.Deliver(context.Background(), Notification{ID: "n3"})
	assert.Error(t, err)
}

func TestTransportSink(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()

	got := make(chan Notification, 1)
	_, err := tr.Subscribe(DefaultNotificationTopic, func(_ context.Context, msg a2a.Message) error {
		var n Notification
		if err := msg.Decode(&n); err != nil {
			return err
		}
		got <- n
		return nil
	})
	require.NoError(t, err)

	sink := TransportSink{Transport: tr, Sender: "communications-agent"}
	st, err := sink.Deliver(context.Background(), Notification{ID: "n1", Channel: ChannelPush, Message: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, st.MessageID)

	select {
	case n := <-got:
		assert.Equal(t, "hello", n.Message)
	case <-time.After(time.Second):
		t.Fatal("notification not published")
	}
}
