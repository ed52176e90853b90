// Package trafficmesh assembles the orchestration mesh from a config: store,
// transport, registry, perception, prediction, execution, the optional AI
// advisor and the orchestration engine. Most applications:
//  1. Create a Mesh via New, optionally overriding the store, transport,
//     advisor or notification sink.
//  2. Call Start to bring up the role agents (A2A mode) and the registry
//     sweeper.
//  3. Run cycles with RunOrchestrationCycle, or StartLoop for the periodic
//     loop, and serve Handler over HTTP.
//
// In direct mode the engine calls perception, prediction and execution in
// process. In A2A mode the same engine drives the four role agents over the
// configured transport.
package trafficmesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/trafficmesh/a2a"
	"github.com/hupe1980/trafficmesh/advisor"
	"github.com/hupe1980/trafficmesh/agent"
	"github.com/hupe1980/trafficmesh/config"
	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/execution"
	"github.com/hupe1980/trafficmesh/logging"
	"github.com/hupe1980/trafficmesh/metrics"
	"github.com/hupe1980/trafficmesh/model/anthropic"
	"github.com/hupe1980/trafficmesh/model/openai"
	"github.com/hupe1980/trafficmesh/orchestrator"
	"github.com/hupe1980/trafficmesh/perception"
	"github.com/hupe1980/trafficmesh/prediction"
	"github.com/hupe1980/trafficmesh/registry"
	"github.com/hupe1980/trafficmesh/server"
	"github.com/hupe1980/trafficmesh/store"
	"github.com/hupe1980/trafficmesh/store/sqlite"
	"github.com/hupe1980/trafficmesh/transport"
)

// Agent ids used in A2A mode.
const (
	ObserverID       = "observer-1"
	SimulationID     = "simulation-1"
	CommunicationsID = "communications-1"
	OrchestratorID   = "orchestrator-1"
)

// Store is everything the mesh persists.
type Store interface {
	core.JourneyStore
	core.ChokePointStore
	core.AgentStore
}

// Options override parts of the mesh built from Config.
type Options struct {
	// Config defaults to config.Default().
	Config *config.Config
	// Logger defaults to a slog logger built from Config.Log.
	Logger  logging.Logger
	Metrics *metrics.Metrics

	// Store replaces the configured store driver. The mesh does not close it.
	Store Store
	// Transport replaces the configured transport driver. The mesh does not
	// close it.
	Transport a2a.Transport
	// Advisor replaces the configured provider.
	Advisor advisor.Advisor
	// Sources are added to the built-in telemetry source.
	Sources []perception.Source
	// Sink replaces the default notification sink.
	Sink execution.NotificationSink

	Now func() time.Time
}

// Mesh is the assembled system.
type Mesh struct {
	cfg     *config.Config
	log     logging.Logger
	metrics *metrics.Metrics

	store     Store
	transport a2a.Transport
	registry  *registry.Registry
	telemetry *perception.TelemetrySource
	provider  *perception.Provider
	predictor *prediction.Engine
	execution *execution.Service
	engine    *orchestrator.Engine

	client *a2a.Client
	agents []meshAgent

	closers []io.Closer

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	sweeper chan struct{}
}

type meshAgent interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) agent.Health
}

// New builds the mesh. Choke points from the config are seeded into the
// store, keeping counts that are already recorded.
func New(ctx context.Context, optFns ...func(o *Options)) (*Mesh, error) {
	opts := Options{Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		level, _ := logging.ParseLevel(cfg.Log.Level)
		opts.Logger = logging.NewSlogLogger(level, cfg.Log.Format, cfg.Log.AddSource)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	m := &Mesh{cfg: cfg, log: opts.Logger, metrics: opts.Metrics}
	if err := m.build(ctx, opts); err != nil {
		_ = m.closeAll()
		return nil, err
	}
	return m, nil
}

func (m *Mesh) build(ctx context.Context, opts Options) error {
	cfg := m.cfg

	m.store = opts.Store
	if m.store == nil {
		st, closer, err := openStore(cfg.Store)
		if err != nil {
			return err
		}
		m.store = st
		if closer != nil {
			m.closers = append(m.closers, closer)
		}
	}
	if _, err := store.SeedChokePoints(ctx, m.store, cfg.ChokePointCatalog()); err != nil {
		return err
	}

	m.transport = opts.Transport
	if m.transport == nil {
		t, err := openTransport(cfg.Transport, m.log, m.metrics)
		if err != nil {
			return err
		}
		m.transport = t
		m.closers = append(m.closers, t)
	}

	m.registry = registry.New(func(o *registry.Options) {
		o.HeartbeatInterval = cfg.Registry.HeartbeatInterval
		o.StaleAfter = cfg.Registry.StaleAfter
		o.ExpireAfter = cfg.Registry.ExpireAfter
		o.Store = m.store
		o.Logger = m.log
		o.Metrics = m.metrics
		o.Now = opts.Now
	})
	if n, err := m.registry.Restore(ctx); err != nil {
		m.log.Warn("Registry restore failed", "error", err)
	} else if n > 0 {
		m.log.Info("Registry restored", "agents", n)
	}

	m.telemetry = perception.NewTelemetrySource(func(o *perception.TelemetryOptions) {
		o.Window = cfg.Perception.TelemetryWindow
		o.ChokePointRadiusKM = cfg.Perception.ChokePointRadiusKM
		o.Now = opts.Now
	})
	sources := append([]perception.Source{m.telemetry}, opts.Sources...)
	m.provider = perception.NewProvider(m.store, sources, func(o *perception.Options) {
		o.SourceTimeout = cfg.Perception.SourceTimeout
		o.Logger = m.log
		o.Now = opts.Now
	})
	m.predictor = prediction.New(func(o *prediction.Options) {
		o.StaleAfter = cfg.Prediction.StaleAfter
		o.ProximityKM = cfg.Prediction.ProximityKM
		o.DefaultHorizonMinutes = cfg.Prediction.HorizonMinutes
		o.Logger = m.log
		o.Now = opts.Now
	})

	sink := opts.Sink
	if sink == nil {
		sink = execution.LogSink{Logger: m.log}
		if cfg.Transport.Driver == config.TransportKafka {
			sink = execution.MultiSink{sink, execution.TransportSink{Transport: m.transport, Sender: CommunicationsID}}
		}
	}
	m.execution = execution.New(m.store, func(o *execution.Options) {
		o.Sink = sink
		o.ServiceID = CommunicationsID
		o.Logger = m.log
		o.Metrics = m.metrics
		o.Now = opts.Now
	})

	adv := opts.Advisor
	if adv == nil {
		adv = newAdvisor(cfg.Advisor, m.log)
	}

	deps := orchestrator.Deps{
		Perception:  m.provider,
		Prediction:  m.predictor,
		Execution:   m.execution,
		Journeys:    m.store,
		ChokePoints: m.store,
	}
	if cfg.Orchestrator.Mode == config.ModeA2A {
		client, err := a2a.NewClient(OrchestratorID, m.transport, m.registry, func(o *a2a.ClientOptions) {
			o.Timeout = cfg.Transport.CallTimeout
			o.Logger = m.log
		})
		if err != nil {
			return err
		}
		m.client = client
		deps.Perception = &agent.RemotePerception{Client: client}
		deps.Prediction = &agent.RemotePrediction{Client: client}
		deps.Execution = &agent.RemoteExecution{Client: client}
	}

	oc := cfg.Orchestrator
	engine, err := orchestrator.New(deps, func(o *orchestrator.Options) {
		o.Interval = oc.Interval
		o.PerceptionTimeout = oc.PerceptionTimeout
		o.PredictionTimeout = oc.PredictionTimeout
		o.AdvisorTimeout = oc.AdvisorTimeout
		o.ExecutionTimeout = oc.ExecutionTimeout
		o.EmergencyThreshold = oc.EmergencyThreshold
		o.MaxConcurrentCycles = oc.MaxConcurrentCycles
		o.HistorySize = oc.HistorySize
		o.TargetRoutes = oc.TargetRoutes
		o.Authorities = oc.Authorities
		o.HorizonMinutes = cfg.Prediction.HorizonMinutes
		o.Advisor = adv
		o.Logger = m.log
		o.Metrics = m.metrics
		o.Now = opts.Now
	})
	if err != nil {
		return err
	}
	m.engine = engine

	if m.client != nil {
		agentOpts := func(o *agent.Options) {
			o.Logger = m.log
			o.Now = opts.Now
		}
		m.agents = []meshAgent{
			agent.NewObserverAgent(ObserverID, m.provider, m.telemetry, m.registry, m.transport, agentOpts),
			agent.NewSimulationAgent(SimulationID, m.predictor, m.registry, m.transport, agentOpts),
			agent.NewCommunicationsAgent(CommunicationsID, m.execution, m.registry, m.transport, agentOpts),
			agent.NewOrchestratorAgent(OrchestratorID, m.engine, m.client, m.registry, m.transport, agentOpts),
		}
	}
	return nil
}

func openStore(cfg config.StoreConfig) (Store, io.Closer, error) {
	if cfg.Driver == config.StoreSQLite {
		st, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	}
	return store.NewMemory(), nil, nil
}

func openTransport(cfg config.TransportConfig, log logging.Logger, m *metrics.Metrics) (a2a.Transport, error) {
	if cfg.Driver == config.TransportKafka {
		k, err := transport.NewKafka(func(o *transport.KafkaOptions) {
			o.Brokers = cfg.Brokers
			o.TopicPrefix = cfg.TopicPrefix
			o.GroupID = cfg.GroupID
			o.MaxAttempts = cfg.MaxAttempts
			o.RetryBackoff = cfg.RetryBackoff
			o.Logger = log
			o.Metrics = m
		})
		if err != nil {
			return nil, err
		}
		return k, nil
	}
	return transport.NewMemory(func(o *transport.MemoryOptions) {
		o.MaxAttempts = cfg.MaxAttempts
		o.Logger = log
		o.Metrics = m
	}), nil
}

// newAdvisor returns nil for the none provider, which leaves every decision
// to the fallback rules.
func newAdvisor(cfg config.AdvisorConfig, log logging.Logger) advisor.Advisor {
	switch cfg.Provider {
	case config.AdvisorAnthropic:
		m := anthropic.NewModel(func(o *anthropic.Options) {
			if cfg.Model != "" {
				o.Model = anthropicsdk.Model(cfg.Model)
			}
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
			o.Temperature = cfg.Temperature
			o.MaxTokens = cfg.MaxTokens
		})
		return advisor.NewModelAdvisor(m, func(o *advisor.ModelOptions) { o.Logger = log })
	case config.AdvisorOpenAI:
		m := openai.NewModel(func(o *openai.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
			o.Temperature = cfg.Temperature
			o.MaxCompletionTokens = cfg.MaxTokens
		})
		return advisor.NewModelAdvisor(m, func(o *advisor.ModelOptions) { o.Logger = log })
	default:
		return nil
	}
}

// Start brings up the role agents (A2A mode) and the registry sweeper.
func (m *Mesh) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("mesh is already running")
	}

	for i, a := range m.agents {
		if err := a.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = m.agents[j].Stop(ctx)
			}
			return fmt.Errorf("start agent %s: %w", a.ID(), err)
		}
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.sweeper = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		m.registry.Run(sctx)
	}(m.sweeper)

	m.started = true
	m.log.Info("Mesh started", "mode", m.cfg.Orchestrator.Mode, "agents", len(m.agents))
	return nil
}

// StartLoop runs a cycle now and then every configured interval.
func (m *Mesh) StartLoop(ctx context.Context) error {
	return m.engine.Start(ctx, m.DefaultParams())
}

// Stop ends the loop, stops the agents in reverse order and the sweeper.
func (m *Mesh) Stop(ctx context.Context) error {
	m.engine.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	var errs []error
	for i := len(m.agents) - 1; i >= 0; i-- {
		if err := m.agents[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop agent %s: %w", m.agents[i].ID(), err))
		}
	}
	m.cancel()
	<-m.sweeper
	m.started = false
	m.log.Info("Mesh stopped")
	return errors.Join(errs...)
}

// Close stops the mesh and releases the store and transport it opened.
func (m *Mesh) Close(ctx context.Context) error {
	return errors.Join(m.Stop(ctx), m.closeAll())
}

func (m *Mesh) closeAll() error {
	var errs []error
	if m.client != nil {
		m.client.Close()
	}
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	return errors.Join(errs...)
}

// DefaultParams are the cycle parameters from the config.
func (m *Mesh) DefaultParams() core.PerceptionParams {
	return core.PerceptionParams{
		Area:           m.cfg.Orchestrator.Area.Area(),
		HorizonMinutes: m.cfg.Prediction.HorizonMinutes,
	}
}

// RunOrchestrationCycle runs one cycle. Empty params fall back to
// DefaultParams. The returned cycle is terminal.
func (m *Mesh) RunOrchestrationCycle(ctx context.Context, params core.PerceptionParams) *core.OrchestrationCycle {
	def := m.DefaultParams()
	if params.Area == (core.Area{}) {
		params.Area = def.Area
	}
	if params.HorizonMinutes <= 0 {
		params.HorizonMinutes = def.HorizonMinutes
	}
	return m.engine.RunCycle(ctx, params)
}

// Predict scores the stored journeys and choke points without running a
// cycle.
func (m *Mesh) Predict(ctx context.Context, horizonMinutes int) (core.Prediction, error) {
	journeys, err := m.store.ListJourneys(ctx, core.ActiveJourneys)
	if err != nil {
		return core.Prediction{}, err
	}
	cps, err := m.store.ListChokePoints(ctx)
	if err != nil {
		return core.Prediction{}, err
	}
	return m.predictor.Predict(ctx, core.PredictionInput{
		Journeys:       journeys,
		ChokePoints:    cps,
		HorizonMinutes: horizonMinutes,
	})
}

// Handler returns the HTTP surface.
func (m *Mesh) Handler() (http.Handler, error) {
	reporters := make([]server.HealthReporter, 0, len(m.agents))
	for _, a := range m.agents {
		reporters = append(reporters, a)
	}
	return server.New(server.Config{
		Engine:   m.engine,
		Registry: m.registry,
		Agents:   reporters,
		Metrics:  m.metrics,
		Logger:   m.log,
		Params:   m.DefaultParams(),
	})
}

// Config returns the effective configuration.
func (m *Mesh) Config() *config.Config { return m.cfg }

func (m *Mesh) Engine() *orchestrator.Engine { return m.engine }

func (m *Mesh) Registry() *registry.Registry { return m.registry }

func (m *Mesh) Store() Store { return m.store }

// Telemetry is the in-memory source that ingest_telemetry feeds.
func (m *Mesh) Telemetry() *perception.TelemetrySource { return m.telemetry }

func (m *Mesh) Execution() *execution.Service { return m.execution }

func (m *Mesh) Metrics() *metrics.Metrics { return m.metrics }

func (m *Mesh) Logger() logging.Logger { return m.log }
