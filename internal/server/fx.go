// Package server builds the agent's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mani1728/Mani-FAI-Client/internal/agent"
	"github.com/mani1728/Mani-FAI-Client/internal/api"
	"github.com/mani1728/Mani-FAI-Client/internal/batch"
	"github.com/mani1728/Mani-FAI-Client/internal/clock/system"
	"github.com/mani1728/Mani-FAI-Client/internal/config"
	"github.com/mani1728/Mani-FAI-Client/internal/delivery"
	"github.com/mani1728/Mani-FAI-Client/internal/events"
	"github.com/mani1728/Mani-FAI-Client/internal/id/uuid"
	"github.com/mani1728/Mani-FAI-Client/internal/logging"
	"github.com/mani1728/Mani-FAI-Client/internal/metrics"
	"github.com/mani1728/Mani-FAI-Client/internal/policy/ratelimit"
	"github.com/mani1728/Mani-FAI-Client/internal/progress"
	progresssinks "github.com/mani1728/Mani-FAI-Client/internal/progress/sinks"
	"github.com/mani1728/Mani-FAI-Client/internal/scheduler"
	memorystore "github.com/mani1728/Mani-FAI-Client/internal/storage/memory"
	pgstore "github.com/mani1728/Mani-FAI-Client/internal/storage/postgres"
	"github.com/mani1728/Mani-FAI-Client/internal/store"
	"github.com/mani1728/Mani-FAI-Client/internal/syncer"
	"github.com/mani1728/Mani-FAI-Client/internal/telemetry"
	"github.com/mani1728/Mani-FAI-Client/internal/terminal"
	"github.com/mani1728/Mani-FAI-Client/internal/terminal/bridge"
	termmemory "github.com/mani1728/Mani-FAI-Client/internal/terminal/memory"
	"github.com/mani1728/Mani-FAI-Client/internal/transport"
	kafkatransport "github.com/mani1728/Mani-FAI-Client/internal/transport/kafka"
	natstransport "github.com/mani1728/Mani-FAI-Client/internal/transport/nats"
	pubsubtransport "github.com/mani1728/Mani-FAI-Client/internal/transport/pubsub"
	"github.com/mani1728/Mani-FAI-Client/internal/transport/websocket"
)

const (
	shutdownTimeout = 10 * time.Second
	readyPoll       = 50 * time.Millisecond
)

// App contains the agent's long-lived dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	source      terminal.Source
	manager     *agent.Manager
	syncer      *syncer.Orchestrator
	queue       *events.Queue
	progressHub *progress.Hub
	runRepo     store.RunRepository
	pgRepo      *pgstore.RunStore
	scheduler   *scheduler.Scheduler
	apiServer   *api.Server

	tracerShutdown func(context.Context) error
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	version    string
	logger     *zap.Logger
	registerer prometheus.Registerer
	dial       agent.DialFunc
	source     terminal.Source
}

// WithVersion sets the service version reported on traces.
func WithVersion(v string) Option {
	return func(o *buildOptions) { o.version = v }
}

// WithLogger replaces the logger built from cfg.Logging.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithRegisterer sets where the progress collectors register.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// WithDialer replaces the transport chosen by cfg.Transport.Kind.
func WithDialer(dial agent.DialFunc) Option {
	return func(o *buildOptions) { o.dial = dial }
}

// WithSource replaces the terminal chosen by cfg.Terminal.Kind.
func WithSource(src terminal.Source) Option {
	return func(o *buildOptions) { o.source = src }
}

// Build creates the application's dependencies. Nothing connects until Run,
// StartClient or an API call.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bo := buildOptions{version: "dev", registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&bo)
	}

	logger := bo.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("transport", cfg.Transport.Kind),
		zap.String("terminal", cfg.Terminal.Kind),
		zap.Int("server_port", cfg.Server.Port),
	)

	tp, err := telemetry.InitTracerProvider(ctx, logging.ServiceName, bo.version)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	metrics.Init()

	app.source = bo.source
	if app.source == nil {
		if app.source, err = setupSource(cfg, logger); err != nil {
			return nil, err
		}
	}

	dial, managerOpts, err := setupDialer(cfg, logger)
	if err != nil {
		return nil, err
	}
	if bo.dial != nil {
		dial = bo.dial
	}

	if err := setupHistory(ctx, app); err != nil {
		return nil, err
	}
	if err := setupProgress(ctx, app, bo.registerer); err != nil {
		return nil, err
	}

	app.queue = events.NewQueue(cfg.Events.Capacity)
	app.manager = agent.New(app.source, dial, append(managerOpts,
		agent.WithEvents(app.queue),
		agent.WithLogger(logger),
	)...)
	if cfg.Proxy.Host != "" && cfg.Transport.Kind == config.TransportWebSocket {
		if err := app.manager.SetAddress(cfg.Proxy.Host, cfg.Proxy.Port); err != nil {
			return nil, fmt.Errorf("proxy address: %w", err)
		}
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Transport.SendRate,
		DefaultBurst: cfg.Transport.SendBurst,
	})
	if !limiter.Unlimited() {
		logger.Info("send pacing enabled",
			zap.Float64("rate", cfg.Transport.SendRate),
			zap.Int("burst", cfg.Transport.SendBurst),
		)
	}
	adapter := delivery.NewAdapter(app.manager,
		delivery.WithEvents(app.queue),
		delivery.WithEmitter(app.progressHub),
		delivery.WithLimiter(limiter),
		delivery.WithLogger(logger),
	)
	producer := batch.NewProducer(app.source, batch.Config{
		SymbolBatchSize: cfg.Sync.SymbolBatchSize,
		RateBatchSize:   cfg.Sync.RateBatchSize,
		RateCount:       cfg.Sync.RateCount,
		Timeframe:       terminal.Timeframe(cfg.Sync.Timeframe),
	}, logger)
	app.syncer = syncer.New(producer, adapter, app.manager,
		syncer.WithEvents(app.queue),
		syncer.WithEmitter(app.progressHub),
		syncer.WithIDGenerator(uuid.NewUUIDGenerator()),
		syncer.WithClock(system.New()),
		syncer.WithLogger(logger),
	)

	apiCfg := api.Config{
		AuthEnabled: cfg.Server.Auth.Enabled,
		APIKey:      cfg.Server.Auth.APIKey,
	}
	if cfg.Schedule.Enabled {
		app.scheduler, err = scheduler.New(scheduler.Config{
			Spec:     cfg.Schedule.Spec,
			Timezone: cfg.Schedule.Timezone,
		}, app.syncer, app.manager.Running, logger)
		if err != nil {
			return nil, fmt.Errorf("scheduler init failed: %w", err)
		}
		apiCfg.NextSync = app.scheduler.Next
	}
	app.apiServer = api.NewServer(app.manager, app.syncer, app.queue, app.runRepo, apiCfg, logger)
	return app, nil
}

func setupSource(cfg *config.Config, logger *zap.Logger) (terminal.Source, error) {
	switch cfg.Terminal.Kind {
	case config.TerminalMemory:
		if cfg.Terminal.FixturePath == "" {
			logger.Info("using empty in-memory terminal", zap.Int64("login", cfg.Terminal.Login))
			return termmemory.New(cfg.Terminal.Login), nil
		}
		src, err := termmemory.LoadFixture(cfg.Terminal.FixturePath)
		if err != nil {
			return nil, fmt.Errorf("terminal fixture: %w", err)
		}
		logger.Info("using in-memory terminal fixture", zap.String("path", cfg.Terminal.FixturePath))
		return src, nil
	default:
		src, err := bridge.New(bridge.Config{
			BaseURL: cfg.Terminal.BaseURL,
			Timeout: cfg.TerminalTimeout(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("terminal bridge init failed: %w", err)
		}
		logger.Info("using terminal bridge", zap.String("base_url", cfg.Terminal.BaseURL))
		return src, nil
	}
}

func setupDialer(cfg *config.Config, logger *zap.Logger) (agent.DialFunc, []agent.Option, error) {
	var dialer transport.Dialer
	switch cfg.Transport.Kind {
	case config.TransportWebSocket:
		wsCfg := websocket.Config{
			HandshakeTimeout: cfg.HandshakeTimeout(),
			ReadLimit:        cfg.Transport.MaxMessageBytes,
			WriteTimeout:     cfg.WriteTimeout(),
		}
		dial := func(ctx context.Context, url string) (transport.Transport, error) {
			c := wsCfg
			c.URL = url
			conn, err := websocket.Dial(ctx, c, logger)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
		return dial, nil, nil
	case config.TransportPubSub:
		dialer = pubsubtransport.Dialer(pubsubtransport.Config{
			ProjectID: cfg.PubSub.ProjectID,
			TopicName: cfg.PubSub.TopicName,
		}, logger)
	case config.TransportKafka:
		dialer = kafkatransport.Dialer(kafkatransport.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}, logger)
	case config.TransportNATS:
		dialer = natstransport.Dialer(natstransport.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxReconnect:  cfg.NATS.MaxReconnect,
		}, logger)
	default:
		return nil, nil, fmt.Errorf("%w: unknown transport kind %q", config.ErrInvalid, cfg.Transport.Kind)
	}
	logger.Info("using broker transport", zap.String("kind", cfg.Transport.Kind))
	return agent.FixedDialer(dialer), []agent.Option{agent.WithoutAddress()}, nil
}

func setupHistory(ctx context.Context, app *App) error {
	if app.cfg.History.DSN == "" {
		app.logger.Info("run history kept in memory", zap.Int("limit", app.cfg.History.Limit))
		app.runRepo = memorystore.NewRunStore(app.cfg.History.Limit)
		return nil
	}
	repo, err := pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:   app.cfg.History.DSN,
		Table: app.cfg.History.Table,
	})
	if err != nil {
		return fmt.Errorf("run history store init failed: %w", err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		repo.Close()
		return fmt.Errorf("run history schema: %w", err)
	}
	app.logger.Info("run history stored in postgres", zap.String("table", app.cfg.History.Table))
	app.pgRepo = repo
	app.runRepo = repo
	return nil
}

func setupProgress(ctx context.Context, app *App, reg prometheus.Registerer) error {
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(app.runRepo, app.logger.Named("progress_store")),
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   app.cfg.ProgressWait(),
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Manager returns the connection manager.
func (a *App) Manager() *agent.Manager { return a.manager }

// Syncer returns the sync orchestrator.
func (a *App) Syncer() *syncer.Orchestrator { return a.syncer }

// Events returns the UI event queue.
func (a *App) Events() *events.Queue { return a.queue }

// Handler returns the control API handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// StartClient starts the connection and waits until the handshake finished.
// It fails when the connection ends first or ctx expires.
func (a *App) StartClient(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	ticker := time.NewTicker(readyPoll)
	defer ticker.Stop()
	for {
		if a.manager.Running() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for client: %w", ctx.Err())
		case <-ticker.C:
			if a.manager.State() == agent.StateIdle {
				return errors.New("client stopped before it was ready")
			}
		}
	}
}

// Run serves the control API, starts the scheduler and, when an address is
// known, the client. It blocks until ctx ends or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	if a.scheduler != nil {
		a.scheduler.Start()
		a.logger.Info("scheduled sync enabled", zap.Time("next", a.scheduler.Next()))
	}
	if err := a.manager.Start(ctx); err != nil {
		if !errors.Is(err, agent.ErrNoAddress) {
			return fmt.Errorf("start client: %w", err)
		}
		a.logger.Info("proxy address not configured; waiting for PUT /v1/address")
	}
	a.logger.Info("application started")

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close stops the scheduler, background syncs and the client, then flushes
// progress and observability.
func (a *App) Close(ctx context.Context) error {
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}
	if err := a.apiServer.Close(ctx); err != nil {
		a.logger.Warn("api close failed", zap.Error(err))
	}
	a.manager.Stop()
	if err := a.manager.Wait(ctx); err != nil {
		a.logger.Warn("client stop failed", zap.Error(err))
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pgRepo != nil {
		a.pgRepo.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync on a console logger reports EINVAL for stdout; ignore it.
	_ = a.logger.Sync()
}
