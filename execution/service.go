// Package execution applies intervention plans: it updates journeys, sends
// notifications and fans alerts out to traffic authorities.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/internal/util"
	"github.com/hupe1980/trafficmesh/logging"
	"github.com/hupe1980/trafficmesh/metrics"
)

// Alert texts.
const (
	EmergencyAlert    = "EMERGENCY: Severe traffic congestion detected. Avoid affected areas."
	CoordinationAlert = "Traffic coordination in progress. Please follow alternate routes."
	DefaultReason     = "Traffic congestion detected"
)

// CoordinationActions are reported by COORDINATE interventions.
var CoordinationActions = []string{
	"Signal timing optimization requested",
	"Traffic police deployment coordinated",
	"Public transport rerouting initiated",
}

// Options configure a Service.
type Options struct {
	Sink NotificationSink
	// ServiceID is recorded as ReroutedBy on updated journeys.
	ServiceID string
	// MaxConcurrentReroutes bounds parallel journey updates of one plan.
	MaxConcurrentReroutes int

	// Templates for the traveller notification of a reroute. They see
	// JourneyID, NewRoute, Reason and VehicleID.
	RerouteTitle   string
	RerouteMessage string
	// AuthorityMessage sees Strategy, Type, ChokePointID and InterventionID.
	AuthorityMessage string

	Logger  logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	NewID   func() string
}

// Stats counts what the service has done since it was created.
type Stats struct {
	Interventions          int64 `json:"interventions"`
	Reroutes               int64 `json:"reroutes"`
	RerouteFailures        int64 `json:"reroute_failures"`
	NotificationsSent      int64 `json:"notifications_sent"`
	NotificationFailures   int64 `json:"notification_failures"`
	Broadcasts             int64 `json:"broadcasts"`
	AuthorityNotifications int64 `json:"authority_notifications"`
}

// Service executes plans against a journey store and a notification sink.
type Service struct {
	journeys core.JourneyStore
	opts     Options

	interventions          atomic.Int64
	reroutes               atomic.Int64
	rerouteFailures        atomic.Int64
	notificationsSent      atomic.Int64
	notificationFailures   atomic.Int64
	broadcasts             atomic.Int64
	authorityNotifications atomic.Int64
}

// New creates a service. Without a Sink notifications go to the logger.
func New(journeys core.JourneyStore, optFns ...func(o *Options)) *Service {
	opts := Options{
		ServiceID:             "communications-agent",
		MaxConcurrentReroutes: 8,
		RerouteTitle:          "Route Updated",
		RerouteMessage:        "Your journey has been rerouted to {{.NewRoute}} due to {{.Reason}}",
		AuthorityMessage:      "Traffic intervention required: {{.Strategy}}{{if .ChokePointID}} at {{.ChokePointID}}{{end}}",
		Now:                   time.Now,
		NewID:                 uuid.NewString,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.With(opts.Logger, "component", "execution")
	if opts.Sink == nil {
		opts.Sink = LogSink{Logger: opts.Logger}
	}
	if opts.MaxConcurrentReroutes <= 0 {
		opts.MaxConcurrentReroutes = 1
	}
	return &Service{journeys: journeys, opts: opts}
}

// Stats returns a snapshot of the counters.
func (s *Service) Stats() Stats {
	return Stats{
		Interventions:          s.interventions.Load(),
		Reroutes:               s.reroutes.Load(),
		RerouteFailures:        s.rerouteFailures.Load(),
		NotificationsSent:      s.notificationsSent.Load(),
		NotificationFailures:   s.notificationFailures.Load(),
		Broadcasts:             s.broadcasts.Load(),
		AuthorityNotifications: s.authorityNotifications.Load(),
	}
}

func (s *Service) now() time.Time { return s.opts.Now().UTC() }

// ExecuteRerouteAndNotify moves a journey to newRoute and tells the traveller.
// A missing journey yields RerouteNotFound without writing anything. The
// journey update is a compare-and-swap retried once on conflict. The
// notification is best effort and never rolls back the update.
func (s *Service) ExecuteRerouteAndNotify(ctx context.Context, journeyID, newRoute, reason string) core.RerouteResult {
	if reason == "" {
		reason = DefaultReason
	}
	res := core.RerouteResult{
		ExecutionID:  s.opts.NewID(),
		JourneyID:    journeyID,
		NewRoute:     newRoute,
		Reason:       reason,
		Notification: core.NotificationStatus{Skipped: true},
		Timestamp:    s.now(),
	}
	log := logging.With(s.opts.Logger, "journey_id", journeyID, "reroute_execution_id", res.ExecutionID)

	stored, unchanged, err := s.reroute(ctx, journeyID, newRoute, reason, res.ExecutionID)
	switch {
	case errors.Is(err, core.ErrNotFound):
		res.Status = core.RerouteNotFound
		res.DatabaseUpdate = core.OperationStatus{Action: "not_found", Error: err.Error()}
		s.rerouteFailures.Add(1)
		log.Warn("Reroute skipped, journey not found")
		return res
	case err != nil:
		res.Status = core.RerouteDegraded
		res.DatabaseUpdate = core.OperationStatus{Action: "update_failed", Error: err.Error()}
		s.rerouteFailures.Add(1)
		s.opts.Metrics.Error(string(core.KindExecution))
		log.Error("Journey reroute failed", "error", err)
		return res
	case unchanged:
		res.Status = core.RerouteUnchanged
		res.ExecutionID = stored.RerouteExecutionID
		res.DatabaseUpdate = core.OperationStatus{Success: true, Action: "reroute_refreshed"}
		log.Debug("Journey already rerouted, refreshed timestamp")
		return res
	}

	res.Status = core.RerouteApplied
	res.DatabaseUpdate = core.OperationStatus{Success: true, Action: "rerouted"}
	s.reroutes.Add(1)

	res.Notification = s.notifyReroute(ctx, stored, res)
	log.Info("Journey rerouted", "new_route", newRoute, "notified", res.Notification.Success)
	return res
}

// reroute applies the reroute with one retry on a version conflict. The
// boolean reports that the journey already was on newRoute.
func (s *Service) reroute(ctx context.Context, journeyID, newRoute, reason, executionID string) (core.Journey, bool, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		j, err := s.journeys.GetJourney(ctx, journeyID)
		if err != nil {
			return core.Journey{}, false, err
		}
		now := s.now()
		updated := j.Clone()
		unchanged := j.Status == core.JourneyRerouted && j.RouteRef == newRoute
		if unchanged {
			updated.RerouteUpdatedAt = &now
		} else {
			updated.Status = core.JourneyRerouted
			updated.RouteRef = newRoute
			updated.RerouteReason = reason
			updated.RerouteExecutionID = executionID
			updated.ReroutedAt = &now
			updated.RerouteUpdatedAt = &now
			updated.ReroutedBy = s.opts.ServiceID
		}
		stored, err := s.journeys.UpdateJourney(ctx, updated, j.Version)
		if err == nil {
			return stored, unchanged, nil
		}
		if !errors.Is(err, core.ErrConflict) {
			return core.Journey{}, false, err
		}
		lastErr = err
	}
	return core.Journey{}, false, core.ExecutionError("reroute journey", lastErr)
}

func (s *Service) notifyReroute(ctx context.Context, j core.Journey, res core.RerouteResult) core.NotificationStatus {
	data := map[string]any{
		"JourneyID": j.ID,
		"NewRoute":  res.NewRoute,
		"Reason":    res.Reason,
		"VehicleID": j.VehicleID,
	}
	title, err := util.RenderTemplate(s.opts.RerouteTitle, data)
	if err == nil {
		var msg string
		msg, err = util.RenderTemplate(s.opts.RerouteMessage, data)
		if err == nil {
			return s.SendNotification(ctx, Notification{
				Kind:      KindReroute,
				Channel:   ChannelPush,
				Recipient: j.ID,
				Title:     title,
				Message:   msg,
				Data: map[string]string{
					"journey_id":           j.ID,
					"new_route":            res.NewRoute,
					"reroute_execution_id": res.ExecutionID,
				},
			})
		}
	}
	err = core.ExecutionError("render notification", err)
	s.notificationFailures.Add(1)
	s.opts.Metrics.Notification(ChannelPush, false)
	return core.NotificationStatus{Channel: ChannelPush, Error: err.Error()}
}

// SendNotification delivers n through the sink. It fills in ID and CreatedAt
// when missing. Delivery failures are reported on the status, not returned.
func (s *Service) SendNotification(ctx context.Context, n Notification) core.NotificationStatus {
	if n.ID == "" {
		n.ID = s.opts.NewID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	if n.Channel == "" {
		n.Channel = ChannelPush
	}

	st, err := s.opts.Sink.Deliver(ctx, n)
	s.opts.Metrics.Notification(n.Channel, err == nil)
	if err != nil {
		s.notificationFailures.Add(1)
		s.opts.Logger.Warn("Notification failed", "notification_id", n.ID, "recipient", n.Recipient, "error", err)
		return core.NotificationStatus{Channel: n.Channel, MessageID: n.ID, Error: err.Error()}
	}
	s.notificationsSent.Add(1)
	messageID := st.MessageID
	if messageID == "" {
		messageID = n.ID
	}
	return core.NotificationStatus{Success: true, Channel: n.Channel, MessageID: messageID}
}

// BroadcastAlert sends message to every traveller.
func (s *Service) BroadcastAlert(ctx context.Context, message, alertType string) core.NotificationStatus {
	if alertType == "" {
		alertType = "INFO"
	}
	s.broadcasts.Add(1)
	return s.SendNotification(ctx, Notification{
		Kind:      KindBroadcast,
		Channel:   ChannelPush,
		Recipient: "all",
		Title:     "Traffic Alert - " + alertType,
		Message:   message,
		Data:      map[string]string{"alert_type": alertType},
	})
}

// UpdateJourneyStatus sets a journey's status with the same conflict retry as
// a reroute.
func (s *Service) UpdateJourneyStatus(ctx context.Context, journeyID string, status core.JourneyStatus) (core.Journey, error) {
	if !status.Valid() {
		return core.Journey{}, core.DataError("update journey status", fmt.Errorf("unknown status %q", status))
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		j, err := s.journeys.GetJourney(ctx, journeyID)
		if err != nil {
			return core.Journey{}, core.DataError("update journey status", err)
		}
		if j.Status == status {
			return j, nil
		}
		updated := j.Clone()
		updated.Status = status
		stored, err := s.journeys.UpdateJourney(ctx, updated, j.Version)
		if err == nil {
			s.opts.Logger.Info("Journey status updated", "journey_id", journeyID, "status", status)
			return stored, nil
		}
		if !errors.Is(err, core.ErrConflict) {
			return core.Journey{}, core.ExecutionError("update journey status", err)
		}
		lastErr = err
	}
	return core.Journey{}, core.ExecutionError("update journey status", lastErr)
}

// ExecuteIntervention carries out plan. An invalid plan is a ContractError;
// every other failure is reported on the result.
func (s *Service) ExecuteIntervention(ctx context.Context, plan core.InterventionPlan) (core.ExecutionResult, error) {
	if err := plan.Validate(); err != nil {
		s.opts.Metrics.Error(string(core.KindContract))
		return core.ExecutionResult{}, core.ContractError("execute intervention", err)
	}
	s.interventions.Add(1)

	res := core.ExecutionResult{
		ExecutionID:    s.opts.NewID(),
		InterventionID: plan.InterventionID,
		CorrelationID:  plan.CorrelationID,
		Type:           plan.Type,
		Timestamp:      s.now(),
	}
	log := logging.With(s.opts.Logger, "intervention_id", plan.InterventionID, "correlation_id", plan.CorrelationID, "type", plan.Type)

	switch plan.Type {
	case core.InterventionMonitor:
		res.Action = "monitoring_continued"
		res.Success = true
	case core.InterventionReroute:
		res.Action = "journeys_rerouted"
		s.executeReroutes(ctx, plan, &res)
	case core.InterventionEmergency:
		res.Action = "emergency_response_initiated"
		alert := s.BroadcastAlert(ctx, EmergencyAlert, "EMERGENCY")
		res.Alert = &alert
		res.AuthorityNotifications = s.notifyAuthorities(ctx, plan)
		s.finishFanOut(&res)
	case core.InterventionCoordinate:
		res.Action = "authorities_coordinated"
		res.Actions = append([]string(nil), CoordinationActions...)
		res.AuthorityNotifications = s.notifyAuthorities(ctx, plan)
		alert := s.BroadcastAlert(ctx, CoordinationAlert, "COORDINATION")
		res.Alert = &alert
		s.finishFanOut(&res)
	}

	s.opts.Metrics.Intervention(string(plan.Type), res.Success)
	log.Info("Intervention executed", "action", res.Action, "success", res.Success, "degraded", res.Degraded)
	return res, nil
}

func (s *Service) executeReroutes(ctx context.Context, plan core.InterventionPlan, res *core.ExecutionResult) {
	results := make([]core.RerouteResult, len(plan.AffectedJourneyIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxConcurrentReroutes)
	for i, id := range plan.AffectedJourneyIDs {
		g.Go(func() error {
			results[i] = s.ExecuteRerouteAndNotify(gctx, id, plan.NewRoute, plan.Reason)
			return nil
		})
	}
	_ = g.Wait()

	res.Reroutes = results
	applied := 0
	for _, r := range results {
		if r.DatabaseUpdate.Success {
			applied++
			if r.Notification.Error != "" {
				res.Degraded = true
				res.Errors = append(res.Errors, fmt.Sprintf("%s: notification: %s", r.JourneyID, r.Notification.Error))
			}
			continue
		}
		res.Degraded = true
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", r.JourneyID, r.DatabaseUpdate.Error))
	}
	res.Success = len(results) == 0 || applied > 0
}

// finishFanOut marks an emergency or coordination result. It stays
// successful on partial failure and is flagged degraded instead.
func (s *Service) finishFanOut(res *core.ExecutionResult) {
	res.Success = true
	if res.Alert != nil && !res.Alert.Success {
		res.Degraded = true
		res.Errors = append(res.Errors, "alert: "+res.Alert.Error)
	}
	if r := res.AuthorityNotifications; r != nil && r.Failed > 0 {
		res.Degraded = true
		for _, st := range r.Statuses {
			if !st.Success {
				res.Errors = append(res.Errors, st.Authority+": "+st.Error)
			}
		}
	}
}

// notifyAuthorities fans the plan out to every authority concurrently.
func (s *Service) notifyAuthorities(ctx context.Context, plan core.InterventionPlan) *core.AuthorityReport {
	targets := plan.AuthorityTargets
	if len(targets) == 0 {
		targets = core.DefaultAuthorities()
	}
	msg, renderErr := util.RenderTemplate(s.opts.AuthorityMessage, map[string]any{
		"Strategy":       plan.Strategy,
		"Type":           plan.Type,
		"ChokePointID":   plan.ChokePointID,
		"InterventionID": plan.InterventionID,
	})

	report := &core.AuthorityReport{
		AuthoritiesNotified: len(targets),
		Statuses:            make([]core.AuthorityStatus, len(targets)),
	}
	var g errgroup.Group
	for i, authority := range targets {
		g.Go(func() error {
			st := core.AuthorityStatus{Authority: authority}
			if renderErr != nil {
				st.Status = "failed"
				st.Error = core.ExecutionError("render notification", renderErr).Error()
				report.Statuses[i] = st
				return nil
			}
			ns := s.SendNotification(ctx, Notification{
				Kind:          KindAuthority,
				Channel:       ChannelAuthority,
				Recipient:     authority,
				Title:         "Traffic intervention required",
				Message:       msg,
				CorrelationID: plan.CorrelationID,
				Data: map[string]string{
					"intervention_id": plan.InterventionID,
					"strategy":        string(plan.Strategy),
				},
			})
			st.Success, st.MessageID, st.Error = ns.Success, ns.MessageID, ns.Error
			st.Status = "notified"
			if !ns.Success {
				st.Status = "failed"
			}
			report.Statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	for _, st := range report.Statuses {
		if st.Success {
			s.authorityNotifications.Add(1)
		} else {
			report.Failed++
		}
	}
	return report
}
