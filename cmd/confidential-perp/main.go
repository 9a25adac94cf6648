package main

import (
	"ConfidentialPerp/internal/confidential"
	"ConfidentialPerp/internal/config"
	"ConfidentialPerp/internal/core"
	"ConfidentialPerp/internal/event"
	"ConfidentialPerp/internal/ingestion"
	"ConfidentialPerp/internal/observability"
	"ConfidentialPerp/internal/oracle"
	"ConfidentialPerp/internal/persistence"
	"ConfidentialPerp/internal/projection"
	"ConfidentialPerp/internal/query"
	"ConfidentialPerp/internal/server"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default: ./config.yaml if present)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		os.Exit(1)
	}
	level := observability.ParseLogLevel(cfg.LogLevel)
	logger := observability.NewLoggerWithLevel("confidential-perp", level)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, level); err != nil {
		logger.Fatal().Err(err).Msg("service failed")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, level zerolog.Level) error {
	logger := observability.NewLoggerWithLevel("confidential-perp", level)
	component := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(name, level)
	}

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")

	applied, err := persistence.NewMigrator(db, cfg.MigrationsDir, logger).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Chain anchor ---
	// Handles live only in the coprocessor, so a restart resumes the
	// sequence and hash chain with empty confidential state. The projection
	// starts a new epoch at the same sequence below.
	eventLog := persistence.NewEventLogReader(db)
	engineCfg := core.EngineConfig{Admin: cfg.Admin(), Params: cfg.Params()}
	tip, err := eventLog.LatestTip(ctx)
	if err != nil {
		return err
	}
	if tip != nil {
		engineCfg.StartSequence = tip.Sequence + 1
		engineCfg.PrevHash = &tip.StateHash
		logger.Warn().Int64("sequence", tip.Sequence).Msg("resuming hash chain; confidential state starts empty")
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.Register("postgres", db.PingContext)

	// --- Engine ---
	networkKey, err := cfg.NetworkKeyBytes()
	if err != nil {
		return err
	}
	backend, err := confidential.NewSimBackend(networkKey)
	if err != nil {
		return fmt.Errorf("coprocessor backend: %w", err)
	}

	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	engine, err := core.NewEngine(
		engineCfg,
		backend,
		oracle.NewVerifier(cfg.Oracle(), cfg.LedgerID),
		persistCoreChan, projectionCoreChan,
		metrics,
		component("engine"),
	)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	idempotency := core.NewIdempotencyChecker(cfg.IdempotencyLRUCapacity, dbChecker, metrics)
	recent, err := dbChecker.RecentRequestIDs(ctx, cfg.IdempotencyLRUCapacity)
	if err != nil {
		logger.Warn().Err(err).Msg("idempotency warm-up skipped")
	} else if len(recent) > 0 {
		idempotency.Warm(recent)
		logger.Info().Int("keys", len(recent)).Msg("idempotency LRU warmed")
	}
	dispatcher := core.NewDispatcher(engine, idempotency, metrics, component("dispatcher"))

	// --- Projection ---
	var store interface {
		projection.Store
		projection.Reader
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		healthChecker.Register("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		store = projection.NewRedisStore(rdb)
	} else {
		logger.Warn().Msg("redis_url empty; projection kept in memory")
		store = projection.NewMemoryStore()
	}

	projectionChan := make(chan *event.EventEnvelope, cfg.ProjectionChanSize)
	projWorker := projection.NewProjectionWorker(store, projectionChan, metrics, component("projection"))
	if err := projWorker.StartEpoch(ctx, engineCfg.StartSequence); err != nil {
		return err
	}
	replayed, err := projWorker.CatchUp(ctx, eventLog, 1000)
	if err != nil {
		return fmt.Errorf("projection catch-up: %w", err)
	}
	logger.Info().Int("events", replayed).Int64("watermark", projWorker.LastSequence()).Msg("projection caught up")

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	healthChecker.Register("nats", func(context.Context) error {
		if nc.Status() != nats.CONNECTED {
			return fmt.Errorf("nats %s", nc.Status())
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return err
	}

	commandChan := make(chan ingestion.RawCommand, 1)
	subscriber := ingestion.NewNATSSubscriber(js, commandChan, component("nats"))
	if err := subscriber.Subscribe(ctx, ingestion.DefaultConsumers()); err != nil {
		return err
	}
	defer subscriber.Stop()

	publishChan := make(chan *event.EventEnvelope, cfg.PublishChanSize)
	publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, component("publisher"))
	processor := ingestion.NewCommandProcessor(dispatcher, commandChan, metrics, component("processor"))

	// --- Transport ---
	grpcServer, err := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Dispatcher:    dispatcher,
		QueryService:  query.NewQueryService(engine, store, eventLog, metrics),
		HealthChecker: healthChecker,
		Logger:        component("server"),
	})
	if err != nil {
		return err
	}

	// --- Goroutines ---
	persistWorkerChan := make(chan persistence.Record, cfg.PersistChanSize)
	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
		metrics, component("persistence"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return persistWorker.Run(gctx) })
	g.Go(func() error { return projWorker.Run(gctx) })
	g.Go(func() error { return publisher.Run(gctx) })
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error {
		return bridgeCoreOutputs(gctx, persistCoreChan, projectionCoreChan, persistWorkerChan, projectionChan, publishChan, metrics, logger)
	})
	g.Go(func() error { return grpcServer.StartGRPC(gctx) })
	g.Go(func() error { return grpcServer.StartHTTPGateway(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, logger) })

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", engine.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("confidential-perp ready")

	err = g.Wait()
	healthChecker.SetReady(false)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// bridgeCoreOutputs fans engine outputs out to the workers. Records go to
// the persistence worker with a blocking send; the publish channel drops
// when full since the event log stays authoritative.
func bridgeCoreOutputs(
	ctx context.Context,
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.Record,
	projectionOut chan<- *event.EventEnvelope,
	publishOut chan<- *event.EventEnvelope,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output := <-persistIn:
			rec, err := persistence.NewRecord(output.Envelope, output.Batch)
			if err != nil {
				panic(fmt.Sprintf("FATAL: envelope %d cannot be persisted: %v", output.Envelope.Sequence, err))
			}
			select {
			case persistOut <- rec:
			case <-ctx.Done():
				return ctx.Err()
			}

			select {
			case publishOut <- output.Envelope:
			default:
				metrics.PublishDrops.Inc()
				logger.Warn().Int64("sequence", output.Envelope.Sequence).Msg("publish channel full, event not published")
			}

		case output := <-projectionIn:
			select {
			case projectionOut <- output.Envelope:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
