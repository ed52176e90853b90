// Package server exposes the mesh's health, registry and cycle history over
// HTTP. Routes are registered through huma on a chi router; /metrics is a
// plain Prometheus handler.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hupe1980/trafficmesh/agent"
	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/logging"
	"github.com/hupe1980/trafficmesh/metrics"
	"github.com/hupe1980/trafficmesh/orchestrator"
	"github.com/hupe1980/trafficmesh/registry"
)

// HealthReporter is implemented by every agent.
type HealthReporter interface {
	ID() string
	Health(ctx context.Context) agent.Health
}

// Config wires the handler to the running mesh. Engine is required; the rest
// may be nil when the mesh runs in direct mode.
type Config struct {
	Engine   *orchestrator.Engine
	Registry *registry.Registry
	Agents   []HealthReporter
	Metrics  *metrics.Metrics
	Logger   logging.Logger
	// Params fills fields a POST /cycles body leaves empty.
	Params core.PerceptionParams
	// Version is reported in the OpenAPI document.
	Version string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"cycle not found"`
	Details map[string]any `json:"details,omitempty"`
}

// apiError is the error envelope for every non-2xx response.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// handleError maps classified mesh errors onto HTTP statuses.
func handleError(err error) huma.StatusError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrAgentNotFound):
		return newAPIError(http.StatusNotFound, "", err.Error(), nil)
	case errors.Is(err, core.ErrConflict):
		return newAPIError(http.StatusConflict, "", err.Error(), nil)
	case core.IsKind(err, core.KindContract):
		return newAPIError(http.StatusUnprocessableEntity, "", err.Error(), nil)
	default:
		details := map[string]any{"error": err.Error()}
		if kind, ok := core.KindOf(err); ok {
			details["kind"] = string(kind)
		}
		return newAPIError(http.StatusInternalServerError, "", "internal error", details)
	}
}

// New returns the HTTP handler.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}
	log := logging.With(cfg.Logger, "component", "http")

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(cfg.Metrics.Instrument(routePattern))
	router.Use(requestLogger(log))

	router.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	hcfg := huma.DefaultConfig("trafficmesh", cfg.Version)
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)

	registerHealth(api, cfg)
	registerAgents(api, cfg)
	registerRegistry(api, cfg)
	registerCycles(api, cfg)

	return router, nil
}

// routePattern reports the matched chi pattern so cycle ids do not become
// label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func requestLogger(log logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"method", r.Method,
				"route", routePattern(r),
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status       string             `json:"status" enum:"ok,degraded"`
	Agents       int                `json:"agents"`
	ActiveAgents int                `json:"active_agents"`
	Orchestrator orchestrator.Stats `json:"orchestrator"`
	Timestamp    time.Time          `json:"timestamp"`
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Mesh health",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		resp := HealthResponse{
			Status:       "ok",
			Orchestrator: cfg.Engine.Stats(),
			Timestamp:    time.Now().UTC(),
		}
		if cfg.Registry != nil {
			for _, d := range cfg.Registry.List(ctx) {
				resp.Agents++
				if d.Liveness == core.LivenessActive {
					resp.ActiveAgents++
				}
			}
			if resp.ActiveAgents < resp.Agents {
				resp.Status = "degraded"
			}
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAgents(api huma.API, cfg Config) {
	byID := make(map[string]HealthReporter, len(cfg.Agents))
	for _, a := range cfg.Agents {
		byID[a.ID()] = a
	}

	type agentPath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "agent-health",
		Method:      http.MethodGet,
		Path:        "/agents/{id}/health",
		Summary:     "Health of one local agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *agentPath) (*struct {
		Body agent.Health `json:"body"`
	}, error) {
		a, ok := byID[input.ID]
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "", "agent "+input.ID+" is not hosted here", nil)
		}
		return &struct {
			Body agent.Health `json:"body"`
		}{Body: a.Health(ctx)}, nil
	})
}

func registerRegistry(api huma.API, cfg Config) {
	type registryQuery struct {
		All bool `query:"all" doc:"Include stale agents"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/registry",
		Summary:     "Registered agents",
	}, func(ctx context.Context, input *registryQuery) (*struct {
		Body []core.AgentDescriptor `json:"body"`
	}, error) {
		out := []core.AgentDescriptor{}
		if cfg.Registry != nil {
			for _, d := range cfg.Registry.List(ctx) {
				if input.All || d.Liveness == core.LivenessActive {
					out = append(out, d)
				}
			}
		}
		return &struct {
			Body []core.AgentDescriptor `json:"body"`
		}{Body: out}, nil
	})
}

// CycleRequest is the optional POST /cycles body.
type CycleRequest struct {
	Center         *core.LatLng `json:"center,omitempty"`
	RadiusKM       float64      `json:"radius_km,omitempty" minimum:"0"`
	HorizonMinutes int          `json:"horizon_minutes,omitempty" minimum:"0"`
	CorrelationID  string       `json:"correlation_id,omitempty"`
}

func (r *CycleRequest) params(base core.PerceptionParams) core.PerceptionParams {
	p := base
	if r == nil {
		return p
	}
	if r.Center != nil {
		p.Area.Center = *r.Center
	}
	if r.RadiusKM > 0 {
		p.Area.RadiusKM = r.RadiusKM
	}
	if r.HorizonMinutes > 0 {
		p.HorizonMinutes = r.HorizonMinutes
	}
	if r.CorrelationID != "" {
		p.CorrelationID = r.CorrelationID
	}
	return p
}

func registerCycles(api huma.API, cfg Config) {
	type listQuery struct {
		Limit int `query:"limit" default:"20" minimum:"1" maximum:"500"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-cycles",
		Method:      http.MethodGet,
		Path:        "/cycles",
		Summary:     "Recent orchestration cycles, newest first",
	}, func(_ context.Context, input *listQuery) (*struct {
		Body []*core.OrchestrationCycle `json:"body"`
	}, error) {
		return &struct {
			Body []*core.OrchestrationCycle `json:"body"`
		}{Body: cfg.Engine.Cycles(input.Limit)}, nil
	})

	type cyclePath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-cycle",
		Method:      http.MethodGet,
		Path:        "/cycles/{id}",
		Summary:     "One orchestration cycle",
		Errors:      []int{http.StatusNotFound},
	}, func(_ context.Context, input *cyclePath) (*struct {
		Body *core.OrchestrationCycle `json:"body"`
	}, error) {
		c, ok := cfg.Engine.Cycle(input.ID)
		if !ok {
			return nil, handleError(core.DataError("get cycle "+input.ID, core.ErrNotFound))
		}
		return &struct {
			Body *core.OrchestrationCycle `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "run-cycle",
		Method:        http.MethodPost,
		Path:          "/cycles",
		Summary:       "Run one orchestration cycle and return it",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body *CycleRequest `json:"body" required:"false"`
	}) (*struct {
		Body *core.OrchestrationCycle `json:"body"`
	}, error) {
		c := cfg.Engine.RunCycle(ctx, input.Body.params(cfg.Params))
		return &struct {
			Body *core.OrchestrationCycle `json:"body"`
		}{Body: c}, nil
	})
}
