package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/hupe1980/trafficmesh/core"
)

// TaskHandler executes one task. The returned value is JSON encoded into the
// response Result.
type TaskHandler func(ctx context.Context, env TaskEnvelope) (any, error)

// Dispatcher routes envelopes through a closed task table. The table is
// copied at construction and never changes afterwards.
type Dispatcher struct {
	service string
	tasks   map[string]TaskHandler
}

// NewDispatcher builds a dispatcher for service over the given task table.
func NewDispatcher(service string, tasks map[string]TaskHandler) *Dispatcher {
	table := make(map[string]TaskHandler, len(tasks))
	for name, h := range tasks {
		if h != nil {
			table[name] = h
		}
	}
	return &Dispatcher{service: service, tasks: table}
}

// Tasks returns the supported task names, sorted.
func (d *Dispatcher) Tasks() []string {
	names := make([]string, 0, len(d.tasks))
	for name := range d.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supports reports whether taskName is in the table.
func (d *Dispatcher) Supports(taskName string) bool {
	_, ok := d.tasks[taskName]
	return ok
}

// Dispatch validates env and runs the matching handler. It never returns an
// error: every failure is folded into an unsuccessful TaskResponse.
func (d *Dispatcher) Dispatch(ctx context.Context, env TaskEnvelope) TaskResponse {
	resp := TaskResponse{
		TaskID:        env.TaskID,
		TaskName:      env.TaskName,
		CorrelationID: env.CorrelationID,
		SourceService: d.service,
	}

	if err := env.Validate(); err != nil {
		return d.fail(resp, err)
	}

	h, ok := d.tasks[env.TaskName]
	if !ok {
		return d.fail(resp, core.ErrUnsupportedTask)
	}

	result, err := h(ctx, env)
	if err != nil {
		return d.fail(resp, err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return d.fail(resp, core.ExecutionError("encode result", err))
	}
	resp.Success = true
	resp.Result = raw
	resp.Timestamp = time.Now().UTC()
	return resp
}

func (d *Dispatcher) fail(resp TaskResponse, err error) TaskResponse {
	resp.Success = false
	resp.Error = ErrorString(err)
	resp.Timestamp = time.Now().UTC()
	return resp
}

// ErrorString renders err for the wire so TaskResponse.Err can recover the
// contract sentinels on the other side.
func ErrorString(err error) string {
	switch {
	case errors.Is(err, core.ErrUnsupportedTask):
		return core.ErrUnsupportedTask.Error()
	case errors.Is(err, core.ErrMalformedEnvelope):
		return core.ErrMalformedEnvelope.Error() + ": " + err.Error()
	case errors.Is(err, core.ErrInvalidPlan):
		return core.ErrInvalidPlan.Error() + ": " + err.Error()
	default:
		return err.Error()
	}
}
