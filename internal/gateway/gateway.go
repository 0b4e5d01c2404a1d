// ABOUTME: Gateway orchestrator that wires the swarm coordinator from configuration
// ABOUTME: Owns the HTTP server, agent channel, dispatcher, health loop, events and store lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/auth"
	"github.com/2389/coven-swarm/internal/channel"
	"github.com/2389/coven-swarm/internal/config"
	"github.com/2389/coven-swarm/internal/dedupe"
	"github.com/2389/coven-swarm/internal/events"
	"github.com/2389/coven-swarm/internal/health"
	"github.com/2389/coven-swarm/internal/launcher"
	"github.com/2389/coven-swarm/internal/metrics"
	"github.com/2389/coven-swarm/internal/profile"
	"github.com/2389/coven-swarm/internal/store"
	"github.com/2389/coven-swarm/internal/task"
)

const (
	// shutdownTimeout bounds graceful shutdown once Run's context ends.
	shutdownTimeout = 15 * time.Second

	idempotencyTTL  = 24 * time.Hour
	idempotencySize = 10000
)

// Gateway is the running swarm coordinator.
type Gateway struct {
	config     *config.Config
	store      store.Store
	eventLog   *store.EventLog
	natsSink   *events.NATSSink
	bus        *events.Bus
	stream     *events.Broadcaster
	sink       events.Sink
	launcher   agent.Launcher
	registry   *agent.Registry
	dispatcher *task.Dispatcher
	channel    *channel.Server
	health     *health.Controller
	metrics    *prometheus.Registry
	submitted  *dedupe.Cache
	cost       metrics.CostModel
	httpServer *http.Server
	logger     *slog.Logger

	startedAt time.Time

	mu       sync.Mutex
	listener net.Listener

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore creates the history store, honoring COVEN_SWARM_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_SWARM_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initEvents builds the event fan-out: log, history, and NATS when configured.
func (g *Gateway) initEvents(cfg *config.Config) error {
	g.eventLog = store.NewEventLog(g.store, g.logger)
	g.stream = events.NewBroadcaster(g.logger)
	sinks := events.Multi{events.NewLogSink(g.logger), g.eventLog, g.stream}

	url := cfg.Events.NATSURL
	if url == "" && cfg.Events.Embedded {
		bus, err := events.StartBus(cfg.Events.EmbeddedPort)
		if err != nil {
			return fmt.Errorf("starting embedded nats: %w", err)
		}
		g.bus = bus
		url = bus.ClientURL()
		g.logger.Info("embedded NATS server started", "url", url)
	}
	if url != "" {
		ns, err := events.NewNATSSink(url, cfg.Events.Subject, g.logger)
		if err != nil {
			return err
		}
		g.natsSink = ns
		sinks = append(sinks, ns)
		g.logger.Info("publishing events to NATS", "url", url, "subject", cfg.Events.Subject+".>")
	}

	g.sink = sinks
	return nil
}

// publicURL is the websocket address handed to launched agents.
func publicURL(cfg *config.Config) string {
	if cfg.Server.PublicURL != "" {
		return cfg.Server.PublicURL
	}
	return "ws://" + cfg.Server.HTTPAddr + "/ws"
}

// initLauncher picks the exec launcher when an agent command is configured.
func (g *Gateway) initLauncher(cfg *config.Config) error {
	if len(cfg.Agents.Command) == 0 {
		g.launcher = launcher.Noop{}
		g.logger.Info("no agent command configured; agents are expected to connect on their own")
		return nil
	}
	l, err := launcher.NewExec(cfg.Agents.Command, []byte(cfg.Auth.AgentSecret), publicURL(cfg), g.logger)
	if err != nil {
		return fmt.Errorf("creating launcher: %w", err)
	}
	g.launcher = l
	return nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	fallback, err := profile.Parse(cfg.Autoscale.FallbackType)
	if err != nil {
		return nil, fmt.Errorf("autoscale.fallback_type: %w", err)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config:    cfg,
		store:     s,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
		submitted: dedupe.New(idempotencyTTL, idempotencySize),
		cost: metrics.CostModel{
			CPUHourRate: cfg.Costs.CPUHourRate,
			GBHourRate:  cfg.Costs.GBHourRate,
		},
	}
	if err := g.initEvents(cfg); err != nil {
		g.closeResources()
		return nil, err
	}
	if err := g.initLauncher(cfg); err != nil {
		g.closeResources()
		return nil, err
	}

	g.registry = agent.NewRegistry(cfg.Agents.MaxAgents, g.launcher, g.sink, logger)

	handler := &agentHandler{logger: logger.With("component", "agent-handler")}
	g.channel = channel.NewServer(channel.Config{
		MaxConnections:       cfg.Channel.MaxConnections,
		ConnectionsPerMinute: cfg.Channel.ConnectionsPerMinute,
		MessagesPerSecond:    cfg.Channel.MessagesPerSecond,
		MaxMessageBytes:      cfg.Channel.MaxMessageBytes,
		AuthTimeout:          cfg.Channel.AuthTimeout,
		HeartbeatInterval:    cfg.Channel.HeartbeatInterval,
		ShutdownGrace:        cfg.Channel.ShutdownGrace,
	}, auth.NewCredentialVerifier([]byte(cfg.Auth.AgentSecret)), handler, logger)

	g.dispatcher = task.NewDispatcher(task.Config{
		MaxRetries:      cfg.Tasks.MaxRetries,
		RetryBase:       cfg.Tasks.RetryBase,
		Timeout:         cfg.Tasks.Timeout,
		MaxPayloadBytes: cfg.Tasks.MaxPayloadBytes,
		HistorySize:     cfg.Tasks.HistorySize,
		OnDemand:        cfg.Autoscale.OnDemand,
		AutoRegister:    cfg.Agents.AutoRegister,
		HourlyRate:      cfg.Costs.HourlyRate,
		ManualEstimate:  cfg.Costs.ManualEstimate,
	}, g.registry, g.channel, g.sink, s, logger)
	handler.d = g.dispatcher

	g.health = health.NewController(health.Config{
		Interval:          cfg.Health.Interval,
		HeartbeatInterval: cfg.Channel.HeartbeatInterval,
		ResourceThreshold: cfg.Health.ResourceThreshold,
		SustainedSamples:  cfg.Health.SustainedSamples,
		Autoscale:         cfg.Autoscale.Enabled,
		MinAgents:         cfg.Autoscale.MinAgents,
		FallbackType:      fallback,
		LowWater:          cfg.Autoscale.LowWater,
		IdleTimeout:       cfg.Autoscale.IdleTimeout,
	}, g.dispatcher, g.sink, logger)

	g.metrics = prometheus.NewRegistry()
	g.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.MustRegister(g.metrics, g, g.cost)

	mux := http.NewServeMux()
	if err := g.registerRoutes(mux); err != nil {
		g.closeResources()
		return nil, err
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Handler returns the HTTP handler serving the API, metrics and /ws.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Addr returns the bound HTTP address once Run has started listening.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// SwarmStatus is the coordinator-wide snapshot served at /api/swarm.
type SwarmStatus struct {
	Metrics     metrics.SwarmMetrics `json:"metrics"`
	Counts      agent.Counts         `json:"counts"`
	Tasks       task.Stats           `json:"tasks"`
	Agents      []agent.Agent        `json:"agents"`
	Connections int                  `json:"connections"`
	Capacity    int                  `json:"capacity"`
	Uptime      string               `json:"uptime"`
}

// Submit enqueues a task.
func (g *Gateway) Submit(ctx context.Context, req task.SubmitRequest) (task.Task, error) {
	return g.dispatcher.Submit(ctx, req)
}

// Status returns a task from memory, falling back to stored history.
func (g *Gateway) Status(ctx context.Context, id string) (task.Task, error) {
	t, err := g.dispatcher.Status(id)
	if err == nil || !errors.Is(err, task.ErrTaskNotFound) {
		return t, err
	}
	stored, serr := g.store.GetTask(ctx, id)
	if serr != nil {
		if errors.Is(serr, store.ErrNotFound) {
			return task.Task{}, err
		}
		return task.Task{}, serr
	}
	return stored, nil
}

// SwarmStatus reports pool, queue and cost figures.
func (g *Gateway) SwarmStatus() SwarmStatus {
	agents := g.registry.List()
	stats := g.dispatcher.Stats()
	return SwarmStatus{
		Metrics:     metrics.Compute(agents, stats, g.cost),
		Counts:      g.registry.Counts(),
		Tasks:       stats,
		Agents:      agents,
		Connections: g.channel.ConnectionCount(),
		Capacity:    g.registry.Capacity(),
		Uptime:      time.Since(g.startedAt).Round(time.Second).String(),
	}
}

// Agents implements metrics.Source.
func (g *Gateway) Agents() []agent.Agent {
	return g.registry.List()
}

// Stats implements metrics.Source.
func (g *Gateway) Stats() task.Stats {
	return g.dispatcher.Stats()
}

// Run serves until ctx is canceled or a component fails, then shuts down.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	g.mu.Lock()
	g.listener = ln
	g.mu.Unlock()

	g.logger.Info("starting swarm coordinator",
		"http_addr", ln.Addr().String(),
		"max_agents", g.config.Agents.MaxAgents,
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		return g.health.Run(egCtx)
	})
	eg.Go(func() error {
		g.deployInitial(egCtx)
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// deployInitial brings up the configured starting pool.
func (g *Gateway) deployInitial(ctx context.Context) {
	for _, ia := range g.config.Agents.Initial {
		typ, err := profile.Parse(ia.Type)
		if err != nil {
			g.logger.Error("skipping initial agents", "type", ia.Type, "error", err)
			continue
		}
		for range ia.Count {
			if ctx.Err() != nil {
				return
			}
			if _, err := g.dispatcher.DeployAgent(ctx, typ, "initial"); err != nil {
				g.logger.Error("initial deploy failed", "type", typ, "error", err)
			}
		}
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops task intake, tells agents to stop, waits for them within
// the grace period, stops the HTTP server and releases every resource. Safe
// to call twice.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		// No new tasks or assignments while agents are told to leave.
		g.dispatcher.Drain()
		g.channel.Shutdown(ctx)
		// Ends open event streams so the HTTP server can drain.
		g.stream.Close()

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

		g.dispatcher.Close()
		if l, ok := g.launcher.(*launcher.Exec); ok {
			l.Close(ctx)
		}
		errs = append(errs, g.closeResources()...)

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return g.shutdownErr
}

// closeResources closes events and the store, which may be partially built.
func (g *Gateway) closeResources() []error {
	var errs []error
	g.submitted.Close()
	if g.eventLog != nil {
		g.eventLog.Close()
	}
	if g.natsSink != nil {
		errs = appendCloseError(errs, "nats flush", g.natsSink.Flush())
		g.natsSink.Close()
	}
	if g.bus != nil {
		g.bus.Close()
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errs
}
