package a2a

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/trafficmesh/core"
)

// TaskEnvelope is the wire shape shared by every agent role.
type TaskEnvelope struct {
	TaskID        string          `json:"task_id"`
	TaskName      string          `json:"task_name"`
	Params        json.RawMessage `json:"params,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	SourceService string          `json:"source_service"`
	TargetService string          `json:"target_service"`
}

// NewTaskEnvelope builds an envelope with a fresh task id.
func NewTaskEnvelope(taskName, correlationID, source, target string, params any) (TaskEnvelope, error) {
	raw, err := encodePayload(params)
	if err != nil {
		return TaskEnvelope{}, core.ContractError("encode params", err)
	}
	return TaskEnvelope{
		TaskID:        uuid.NewString(),
		TaskName:      taskName,
		Params:        raw,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		SourceService: source,
		TargetService: target,
	}, nil
}

// Validate rejects an envelope missing a required field.
func (e TaskEnvelope) Validate() error {
	var missing []string
	if strings.TrimSpace(e.TaskID) == "" {
		missing = append(missing, "task_id")
	}
	if strings.TrimSpace(e.TaskName) == "" {
		missing = append(missing, "task_name")
	}
	if strings.TrimSpace(e.CorrelationID) == "" {
		missing = append(missing, "correlation_id")
	}
	if e.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if strings.TrimSpace(e.SourceService) == "" {
		missing = append(missing, "source_service")
	}
	if strings.TrimSpace(e.TargetService) == "" {
		missing = append(missing, "target_service")
	}
	if len(missing) > 0 {
		return core.ContractError("validate envelope", fmt.Errorf("%w: missing %s", core.ErrMalformedEnvelope, strings.Join(missing, ", ")))
	}
	return nil
}

// DecodeParams unmarshals Params into v. Empty params leave v untouched.
func (e TaskEnvelope) DecodeParams(v any) error {
	if len(e.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Params, v); err != nil {
		return core.ContractError("decode params", fmt.Errorf("%w: %v", core.ErrMalformedEnvelope, err))
	}
	return nil
}

// TaskResponse answers a TaskEnvelope.
type TaskResponse struct {
	TaskID        string          `json:"task_id"`
	TaskName      string          `json:"task_name"`
	CorrelationID string          `json:"correlation_id"`
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	SourceService string          `json:"source_service,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// DecodeResult unmarshals Result into v.
func (r TaskResponse) DecodeResult(v any) error {
	if len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return core.ContractError("decode result", err)
	}
	return nil
}

// Err converts an unsuccessful response into an error.
func (r TaskResponse) Err() error {
	if r.Success {
		return nil
	}
	switch {
	case r.Error == core.ErrUnsupportedTask.Error():
		return core.ContractError(r.TaskName, core.ErrUnsupportedTask)
	case strings.HasPrefix(r.Error, core.ErrMalformedEnvelope.Error()):
		return core.ContractError(r.TaskName, fmt.Errorf("%w: %s", core.ErrMalformedEnvelope, strings.TrimPrefix(r.Error, core.ErrMalformedEnvelope.Error()+": ")))
	case strings.HasPrefix(r.Error, core.ErrDeliveryFailed.Error()):
		return core.TransportError(r.TaskName, fmt.Errorf("%w: %s", core.ErrDeliveryFailed, strings.TrimPrefix(r.Error, core.ErrDeliveryFailed.Error()+": ")))
	case strings.HasPrefix(r.Error, core.ErrInvalidPlan.Error()):
		return core.ContractError(r.TaskName, fmt.Errorf("%w: %s", core.ErrInvalidPlan, strings.TrimPrefix(r.Error, core.ErrInvalidPlan.Error()+": ")))
	default:
		return fmt.Errorf("task %s failed: %s", r.TaskName, r.Error)
	}
}
