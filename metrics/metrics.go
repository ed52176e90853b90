// Package metrics exposes Prometheus collectors for the orchestration mesh.
//
// Every method is safe on a nil *Metrics so components can take an optional
// metrics pointer without guarding each call.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trafficmesh"

type Metrics struct {
	registry *prometheus.Registry

	cyclesTotal       *prometheus.CounterVec
	cycleDuration     prometheus.Histogram
	interventions     *prometheus.CounterVec
	advisorCalls      *prometheus.CounterVec
	advisorDuration   prometheus.Histogram
	deliveriesTotal   *prometheus.CounterVec
	deliveryAttempts  prometheus.Histogram
	notifications     *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	registeredAgents  *prometheus.GaugeVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Orchestration cycles by terminal status.",
		}, []string{"status"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of orchestration cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		interventions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interventions_total",
			Help:      "Interventions executed by type and outcome.",
		}, []string{"type", "success"}),
		advisorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advisor_calls_total",
			Help:      "AI advisor calls by outcome.",
		}, []string{"success"}),
		advisorDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "advisor_call_duration_seconds",
			Help:      "Latency of AI advisor calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "a2a_deliveries_total",
			Help:      "A2A message deliveries by target key and outcome.",
		}, []string{"target", "success"}),
		deliveryAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "a2a_delivery_attempts",
			Help:      "Attempts needed per A2A delivery.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications by channel and outcome.",
		}, []string{"channel", "success"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Classified errors by kind.",
		}, []string{"kind"}),
		registeredAgents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_agents",
			Help:      "Registered agents by liveness.",
		}, []string{"liveness"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.cyclesTotal,
		m.cycleDuration,
		m.interventions,
		m.advisorCalls,
		m.advisorDuration,
		m.deliveriesTotal,
		m.deliveryAttempts,
		m.notifications,
		m.errorsTotal,
		m.registeredAgents,
		m.httpRequestsTotal,
		m.httpDuration,
	)

	return m
}

// Registry returns the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests and latency for route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return m.Instrument(func(*http.Request) string { return route })(next)
}

// Instrument returns middleware that counts requests and latency. route is
// evaluated after the handler ran so routers can report the matched pattern.
func (m *Metrics) Instrument(route func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(recorder, r)

			if m != nil {
				label := route(r)
				m.httpRequestsTotal.WithLabelValues(label, strconv.Itoa(recorder.status)).Inc()
				m.httpDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
			}
		})
	}
}

func (m *Metrics) CycleFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(status).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) Intervention(typ string, success bool) {
	if m == nil {
		return
	}
	m.interventions.WithLabelValues(typ, strconv.FormatBool(success)).Inc()
}

func (m *Metrics) AdvisorCall(d time.Duration, success bool) {
	if m == nil {
		return
	}
	m.advisorCalls.WithLabelValues(strconv.FormatBool(success)).Inc()
	m.advisorDuration.Observe(d.Seconds())
}

func (m *Metrics) Delivery(target string, attempts int, success bool) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(target, strconv.FormatBool(success)).Inc()
	m.deliveryAttempts.Observe(float64(attempts))
}

func (m *Metrics) Notification(channel string, success bool) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, strconv.FormatBool(success)).Inc()
}

func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

// SetAgents publishes the number of registered agents per liveness state.
func (m *Metrics) SetAgents(counts map[string]int) {
	if m == nil {
		return
	}
	m.registeredAgents.Reset()
	for liveness, n := range counts {
		m.registeredAgents.WithLabelValues(liveness).Set(float64(n))
	}
}
