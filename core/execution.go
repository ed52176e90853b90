package core

import "time"

// OperationStatus reports one persistence step.
type OperationStatus struct {
	Success bool   `json:"success"`
	Action  string `json:"action,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NotificationStatus reports one notification delivery attempt.
type NotificationStatus struct {
	Success   bool   `json:"success"`
	Skipped   bool   `json:"skipped,omitempty"`
	Channel   string `json:"channel,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RerouteStatus summarizes a reroute attempt.
type RerouteStatus string

const (
	RerouteApplied   RerouteStatus = "rerouted"
	RerouteUnchanged RerouteStatus = "unchanged"
	RerouteNotFound  RerouteStatus = "not_found"
	RerouteDegraded  RerouteStatus = "degraded"
)

// RerouteResult is the outcome of execute_reroute_and_notify. The database
// update and the notification are reported independently.
type RerouteResult struct {
	ExecutionID    string             `json:"reroute_execution_id"`
	JourneyID      string             `json:"journey_id"`
	NewRoute       string             `json:"new_route"`
	Reason         string             `json:"reason"`
	Status         RerouteStatus      `json:"status"`
	DatabaseUpdate OperationStatus    `json:"database_update"`
	Notification   NotificationStatus `json:"notification"`
	Timestamp      time.Time          `json:"timestamp"`
}

// AuthorityStatus reports delivery to one authority channel.
type AuthorityStatus struct {
	Authority string `json:"authority"`
	Status    string `json:"status"`
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AuthorityReport aggregates an authority fan-out. AuthoritiesNotified counts
// the channels the fan-out addressed; per-channel outcome is in Statuses.
type AuthorityReport struct {
	AuthoritiesNotified int               `json:"authorities_notified"`
	Failed              int               `json:"failed"`
	Statuses            []AuthorityStatus `json:"statuses"`
}

// ExecutionResult is the outcome of execute_intervention.
type ExecutionResult struct {
	ExecutionID            string              `json:"execution_id"`
	InterventionID         string              `json:"intervention_id"`
	CorrelationID          string              `json:"correlation_id,omitempty"`
	Type                   InterventionType    `json:"type"`
	Action                 string              `json:"action"`
	Success                bool                `json:"success"`
	Degraded               bool                `json:"degraded"`
	Reroutes               []RerouteResult     `json:"reroutes,omitempty"`
	Alert                  *NotificationStatus `json:"alert,omitempty"`
	AuthorityNotifications *AuthorityReport    `json:"authority_notifications,omitempty"`
	Actions                []string            `json:"actions,omitempty"`
	Errors                 []string            `json:"errors,omitempty"`
	Timestamp              time.Time           `json:"timestamp"`
}
