// Package main provides the unified validation server that runs all
// components together:
// - Queue workers (continuous): execute enqueued optimization runs
// - Pipeline machine (event-driven): advances validation pipelines
// - Watchdog (scheduled): recovers stale runs and orphaned pipelines
// - HTTP API and Prometheus metrics
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"strategy-validation-lab/internal/config"
	"strategy-validation-lab/internal/engine"
	"strategy-validation-lab/internal/events"
	"strategy-validation-lab/internal/observability"
	"strategy-validation-lab/internal/optimizer"
	"strategy-validation-lab/internal/pipeline"
	"strategy-validation-lab/internal/queue"
	"strategy-validation-lab/internal/storage"
	chstore "strategy-validation-lab/internal/storage/clickhouse"
	"strategy-validation-lab/internal/storage/memory"
	"strategy-validation-lab/internal/storage/migrations"
	pgstore "strategy-validation-lab/internal/storage/postgres"
	"strategy-validation-lab/internal/watchdog"
)

// Server holds all components of the unified service.
type Server struct {
	cfg    config.Config
	stores *allStores

	orchestrator *optimizer.Orchestrator
	machine      *pipeline.Machine
	dog          *watchdog.Watchdog

	logger    zerolog.Logger
	startedAt time.Time
}

// allStores holds the storage, queue and bus implementations behind one
// cleanup closure.
type allStores struct {
	runs      storage.OptimizationRunStore
	results   storage.OptimizationResultStore
	pipelines storage.PipelineStore
	universe  storage.UniverseStore
	windows   storage.WindowDetailStore

	queue queue.Queue
	bus   events.Bus
}

func main() {
	// Load .env file if exists
	loadEnvFile()

	// Parse flags (env vars as defaults)
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to YAML config file")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	redisAddr := flag.String("redis-addr", os.Getenv("REDIS_ADDR"), "Redis address for the queue and event bus")
	httpAddr := flag.String("http-addr", "", "HTTP API address")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics HTTP address")
	workers := flag.Int("workers", 0, "Number of optimization queue workers")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage, queue and bus")
	verbose := flag.Bool("verbose", false, "Debug logging")
	flag.Parse()

	logLevel := zerolog.InfoLevel
	if *verbose {
		logLevel = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stdout).Level(logLevel).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	cfg = applyFlags(cfg, *postgresDSN, *clickhouseDSN, *redisAddr, *httpAddr, *metricsAddr, *workers)

	if !*useMemory && (cfg.PostgresDSN == "" || cfg.ClickhouseDSN == "" || cfg.RedisAddr == "") {
		logger.Fatal().Msg("postgres, clickhouse and redis must be configured (use --use-memory for in-process mode)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, cleanup, err := createStores(ctx, cfg, *useMemory, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("create stores")
	}
	defer cleanup()

	server, err := newServer(cfg, stores, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("create server")
	}

	// Channel to signal completion
	done := make(chan error, 1)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Warn().Str("signal", sig.String()).Msg("forcing immediate shutdown")
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Warn().Msg("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
			// Normal shutdown completed
		}
	}()

	err = server.Run(ctx)
	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("server error")
	}
	logger.Info().Msg("shutdown complete")
}

// applyFlags overlays non-empty flag values on the loaded config.
func applyFlags(cfg config.Config, postgresDSN, clickhouseDSN, redisAddr, httpAddr, metricsAddr string, workers int) config.Config {
	if postgresDSN != "" {
		cfg.PostgresDSN = postgresDSN
	}
	if clickhouseDSN != "" {
		cfg.ClickhouseDSN = clickhouseDSN
	}
	if redisAddr != "" {
		cfg.RedisAddr = redisAddr
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	return cfg
}

// createStores creates all required stores, the job queue and the event bus.
// The returned cleanup closes every connection it opened.
func createStores(ctx context.Context, cfg config.Config, useMemory bool, logger zerolog.Logger) (*allStores, func(), error) {
	if useMemory {
		results := memory.NewResultStore()
		stores := &allStores{
			runs:      memory.NewRunStore(results),
			results:   results,
			pipelines: memory.NewPipelineStore(),
			universe:  memory.NewUniverseStore(),
			windows:   memory.NewWindowDetailStore(),
			queue:     queue.NewMemoryQueue(),
			bus:       events.NewMemoryBus(),
		}
		return stores, func() {}, nil
	}

	// PostgreSQL
	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	// ClickHouse (migrations create the database and return the connection)
	chConn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	// Redis backs both the job queue and the cross-process event bus.
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		pool.Close()
		chConn.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	stores := &allStores{
		runs:      pgstore.NewRunStore(pool),
		results:   pgstore.NewResultStore(pool),
		pipelines: pgstore.NewPipelineStore(pool),
		universe:  pgstore.NewUniverseStore(pool),
		windows:   chstore.NewWindowDetailStore(chConn),
		queue:     queue.NewRedisQueue(client, "optimization"),
		bus:       events.NewRedisBus(client, logger),
	}
	cleanup := func() {
		client.Close()
		chConn.Close()
		pool.Close()
	}
	return stores, cleanup, nil
}

// newServer wires the orchestrator, pipeline machine and watchdog.
func newServer(cfg config.Config, stores *allStores, logger zerolog.Logger) (*Server, error) {
	backtester := engine.NewStubBacktester()
	lifecycle := engine.NewStubLifecycle()

	orch, err := optimizer.New(optimizer.Options{
		Runs:          stores.runs,
		Results:       stores.results,
		Universe:      stores.universe,
		WindowDetails: stores.windows,
		Queue:         stores.queue,
		Bus:           stores.bus,
		Backtester:    backtester,
		UniverseSize:  cfg.UniverseSize,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	machine, err := pipeline.New(pipeline.Options{
		Pipelines:    stores.pipelines,
		Universe:     stores.universe,
		Optimizer:    orch,
		Backtests:    lifecycle,
		PaperTrades:  lifecycle,
		Scorer:       engine.NewStubScorer(),
		Regime:       &engine.StubRegimeDetector{Regime: "neutral"},
		Bus:          stores.bus,
		UniverseSize: cfg.UniverseSize,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline machine: %w", err)
	}

	dog, err := watchdog.New(watchdog.Options{
		Runs:           stores.runs,
		Pipelines:      stores.pipelines,
		Queue:          stores.queue,
		Bus:            stores.bus,
		Interval:       cfg.Watchdog.Interval,
		StaleThreshold: cfg.Watchdog.StaleThreshold,
		BootGrace:      cfg.Watchdog.BootGrace,
		OrphanGrace:    cfg.Watchdog.OrphanGrace,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create watchdog: %w", err)
	}

	return &Server{
		cfg:          cfg,
		stores:       stores,
		orchestrator: orch,
		machine:      machine,
		dog:          dog,
		logger:       logger.With().Str("component", "server").Logger(),
		startedAt:    time.Now().UTC(),
	}, nil
}

// Run starts all background components and blocks until the context is
// cancelled or one of them fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.machine.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe pipeline machine: %w", err)
	}

	errCh := make(chan error, s.cfg.Workers+3)

	for i := 0; i < s.cfg.Workers; i++ {
		worker := i
		go func() {
			errCh <- s.runWorker(ctx, worker)
		}()
	}

	go func() {
		errCh <- s.dog.Run(ctx)
	}()

	go func() {
		errCh <- s.serveMetrics(ctx)
	}()

	go func() {
		errCh <- s.serveAPI(ctx)
	}()

	s.logger.Info().
		Int("workers", s.cfg.Workers).
		Str("http_addr", s.cfg.HTTPAddr).
		Str("metrics_addr", s.cfg.MetricsAddr).
		Msg("server started")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// runWorker consumes optimization jobs until the context is cancelled.
// Execution errors are logged, not fatal: the run itself is failed by the
// orchestrator or reaped by the watchdog.
func (s *Server) runWorker(ctx context.Context, id int) error {
	log := s.logger.With().Int("worker", id).Logger()
	log.Info().Msg("worker started")

	for {
		job, err := s.stores.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, queue.ErrClosed) {
				return err
			}
			log.Error().Err(err).Msg("dequeue failed")
			time.Sleep(time.Second)
			continue
		}

		log.Info().Str("run_id", job.RunID).Msg("executing optimization")
		if err := s.orchestrator.ExecuteOptimization(ctx, job.RunID); err != nil {
			if errors.Is(err, optimizer.ErrNotRunnable) {
				// Cancelled or already picked up elsewhere.
				log.Debug().Str("run_id", job.RunID).Msg("run no longer runnable")
				continue
			}
			log.Error().Err(err).Str("run_id", job.RunID).Msg("optimization failed")
		}
	}
}

// serveMetrics serves health and Prometheus metrics.
func (s *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/status", s.handleStatus)

	return s.serve(ctx, s.cfg.MetricsAddr, mux)
}

// serve runs an HTTP server, shutting it down when ctx is cancelled.
func (s *Server) serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server on %s: %w", addr, err)
	}
	return ctx.Err()
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // File doesn't exist, use system env vars
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
