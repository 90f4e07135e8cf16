package main

import (
	"CTFLedger/internal/config"
	"CTFLedger/internal/core"
	"CTFLedger/internal/ingestion"
	"CTFLedger/internal/lock"
	"CTFLedger/internal/observability"
	"CTFLedger/internal/persistence"
	"CTFLedger/internal/server"
	"CTFLedger/internal/state"
	"CTFLedger/migrations"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("CTF_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := observability.NewLogger("main")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := observability.NewLoggerWithLevel("main", observability.ParseLogLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Str("store", cfg.Store).
		Int("chain_id", cfg.Chain.ChainID).
		Uint64("start_block", cfg.Chain.StartBlock).
		Msg("CTFLedger starting")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("CTFLedger stopped with error")
	}
	logger.Info().Msg("CTFLedger shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	level := logger.GetLevel()
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- State store ---
	store, closeStore, err := openStore(ctx, cfg, healthChecker, observability.NewLoggerWithLevel("migrate", level))
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Writer lock ---
	// Acquired before recovery so a standby never reads a log that the
	// active writer is still extending.
	var leader *lock.Leader
	if cfg.Redis.Enabled {
		rdb, err := lock.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		healthChecker.AddProbe("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})

		leader = lock.NewLeader(rdb, cfg.Redis.LockKey, cfg.Redis.LockTTL.Duration, metrics,
			observability.NewLoggerWithLevel("lock", level))
		if err := waitForLock(ctx, leader, cfg.Redis.LockTTL.Duration, sigChan, logger); err != nil {
			return err
		}
		defer leader.Release()
	}

	// --- Engine + recovery ---
	notices := make(chan core.Applied, cfg.Engine.NoticeBuffer)
	engineCfg := core.Config{
		LRUCapacity:         cfg.Engine.LRUCapacity,
		RetryInitialBackoff: cfg.Engine.RetryInitialBackoff.Duration,
		RetryMaxBackoff:     cfg.Engine.RetryMaxBackoff.Duration,
		MaxAttempts:         cfg.Engine.MaxAttempts,
		RebuildBatchSize:    cfg.Engine.RebuildBatchSize,
		CheckpointInterval:  cfg.Engine.CheckpointInterval,
		CheckpointRetain:    cfg.Engine.CheckpointRetain,
	}
	if engineCfg.CheckpointInterval == 0 {
		engineCfg.CheckpointInterval = -1
	}
	var outputs chan<- core.Applied
	if cfg.NATS.Publish {
		outputs = notices
	}
	engine := core.NewEngine(store, engineCfg, outputs, metrics, observability.NewLoggerWithLevel("engine", level))
	if err := engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, observability.NewLoggerWithLevel("ingestion", level))
	if err != nil {
		return err
	}
	defer nc.Close()
	healthChecker.AddProbe("nats", func(context.Context) error {
		if nc.Status() != nats.CONNECTED {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	})

	streamCfg := ingestion.DefaultStreamConfig()
	streamCfg.StreamName = cfg.NATS.StreamName
	streamCfg.ConsumerName = cfg.NATS.ConsumerName
	streamCfg.AckWait = cfg.NATS.AckWait.Duration
	streamCfg.MaxAge = cfg.NATS.MaxAge.Duration

	if err := ingestion.EnsureStream(ctx, js, streamCfg, logger); err != nil {
		return err
	}
	if cfg.NATS.Publish {
		if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
			return err
		}
	}

	// --- Ingestion: subscriber -> router (single writer) ---
	decoder, err := ingestion.NewChainLogDecoder(cfg.Chain.ContractAddress)
	if err != nil {
		return fmt.Errorf("chain log decoder: %w", err)
	}
	inbound := make(chan ingestion.RawMessage, cfg.Engine.InboundBuffer)
	rewinds := make(chan ingestion.RewindRequest)

	subscriber := ingestion.NewNATSSubscriber(js, streamCfg, inbound, observability.NewLoggerWithLevel("ingestion", level))
	router := ingestion.NewRouter(engine, ingestion.NewParser(decoder), inbound, rewinds, metrics,
		observability.NewLoggerWithLevel("ingestion", level))

	// --- Admin server ---
	deps := server.Deps{
		Engine:    engine,
		StoreKind: cfg.Store,
		Health:    healthChecker,
		Rewinds:   rewinds,
		StartTime: time.Now(),
	}
	if cfg.Server.EnableInject {
		deps.Injector = ingestion.NewEventInjector(js)
	}
	srv := server.New(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, deps, observability.NewLoggerWithLevel("server", level))

	// --- Start goroutines ---
	errChan := make(chan error, 8)

	// 1. Writer lock refresh: losing the lease stops the writer.
	if leader != nil {
		go func() {
			if err := leader.Hold(ctx, cancel); err != nil {
				errChan <- err
			}
		}()
	}

	// 2. Single writer
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := router.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("writer: %w", err)
		}
	}()

	// 3. Outbound publisher
	if cfg.NATS.Publish {
		publisher := ingestion.NewOutboundPublisher(js, notices, metrics, observability.NewLoggerWithLevel("publisher", level))
		go func() {
			if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("publisher: %w", err)
			}
		}()
	}

	// 4. gRPC health + HTTP admin API
	go func() {
		errChan <- srv.StartGRPC(ctx)
	}()
	go func() {
		errChan <- srv.StartHTTP(ctx)
	}()

	// 5. Prometheus metrics server
	go func() {
		errChan <- serveMetrics(ctx, cfg.Server.MetricsAddr, logger)
	}()

	// 6. NATS delivery starts last, once the writer is listening.
	if err := subscriber.Subscribe(ctx); err != nil {
		return err
	}

	healthChecker.SetReady(true)
	srv.SetServing(true)

	st := engine.Status()
	logger.Info().
		Uint64("block", st.LastPosition.Block).
		Uint32("log_index", st.LastPosition.LogIndex).
		Str("state_hash", core.HashString(st.StateHash)).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("CTFLedger ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil {
			logger.Error().Err(err).Msg("goroutine failed, shutting down")
			runErr = err
		}
	case <-ctx.Done():
		runErr = lock.ErrLockLost
	}

	// --- Graceful shutdown ---
	// Stop delivery first; a message already handed to the writer is either
	// committed and acked or left unacked for redelivery.
	healthChecker.SetReady(false)
	srv.SetServing(false)
	subscriber.Stop()
	cancel()

	select {
	case <-writerDone:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("writer did not stop within 30s")
	}
	return runErr
}

// openStore returns the configured state store and its close func.
func openStore(ctx context.Context, cfg *config.Config, health *observability.HealthChecker, logger zerolog.Logger) (state.Store, func(), error) {
	if strings.EqualFold(cfg.Store, config.StoreMemory) {
		logger.Warn().Msg("using the in-memory store; state is lost on exit")
		return state.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime.Duration)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	if cfg.Postgres.RunMigrations {
		n, err := persistence.NewMigrator(db, migrations.FS, logger).Up(ctx)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations up to date")
	}

	store := persistence.NewPostgresStore(db)
	health.AddProbe("postgres", store.Ping)
	return store, func() { db.Close() }, nil
}

// waitForLock blocks until this process holds the writer lock or a signal
// arrives.
func waitForLock(ctx context.Context, leader *lock.Leader, ttl time.Duration, sigChan <-chan os.Signal, logger zerolog.Logger) error {
	waitCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-sigChan:
			stop()
		case <-waitCtx.Done():
		}
	}()

	logger.Info().Str("token", leader.Token()).Msg("waiting for writer lock")
	if err := leader.AcquireWait(waitCtx, ttl/3); err != nil {
		return fmt.Errorf("acquire writer lock: %w", err)
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
