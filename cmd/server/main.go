// Package main is the entry point for the Agora off-chain services: the
// arena API, the culture-graph ingestor, the influence engine, and the
// telemetry submitter.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agoralabs/agora/internal/arena"
	"github.com/agoralabs/agora/internal/cas"
	"github.com/agoralabs/agora/internal/config"
	"github.com/agoralabs/agora/internal/database"
	"github.com/agoralabs/agora/internal/handler"
	"github.com/agoralabs/agora/internal/influence"
	"github.com/agoralabs/agora/internal/ingest"
	"github.com/agoralabs/agora/internal/ledger"
	"github.com/agoralabs/agora/internal/middleware"
	"github.com/agoralabs/agora/internal/moderation"
	"github.com/agoralabs/agora/internal/monitor"
	"github.com/agoralabs/agora/internal/pkg/response"
	"github.com/agoralabs/agora/internal/repository"
	"github.com/agoralabs/agora/internal/telemetry"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting Agora services",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	logger.Info("Connected to Redis")

	graphRepo := repository.NewGraphRepository(db.Pool())
	arenaRepo := repository.NewArenaRepository(db.Pool())

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Influence engine and its recompute runner.
	var refValidator influence.Validator
	if cfg.Influence.ValidatorEndpoint != "" {
		refValidator = influence.NewHTTPValidator(cfg.Influence.ValidatorEndpoint)
	}
	engine := influence.NewEngine(graphRepo, refValidator, influence.Options{
		Damping:       cfg.Influence.Damping,
		MaxIterations: cfg.Influence.MaxIterations,
		Tolerance:     cfg.Influence.Tolerance,
	}, logger)
	runner := influence.NewRunner(engine, logger)
	go runner.Run(rootCtx)

	// Ledger ingestion.
	ledgerClient, err := ledger.Dial(rootCtx, cfg.Ledger.RPCURL)
	if err != nil {
		log.Fatalf("Failed to dial ledger: %v", err)
	}
	ingestor := ingest.New(ledgerClient, graphRepo, runner, ingest.Options{
		ArtifactAddress: common.HexToAddress(cfg.Ledger.ArtifactAddress),
		ArenaAddress:    common.HexToAddress(cfg.Ledger.ArenaAddress),
		FinalityDepth:   cfg.Ledger.FinalityDepth,
		BlockBatchSize:  cfg.Ledger.BlockBatchSize,
		TailRetryDelay:  cfg.Ledger.TailPollInterval,
	}, logger)
	go func() {
		if err := ingestor.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			logger.Error("ingestor stopped", slog.Any("error", err))
		}
	}()

	// Arena orchestration.
	mon := monitor.New(logger, 3, 5*time.Minute)
	difficulty := arena.NewDifficultyController(arena.DifficultyOptions{
		TargetSeconds: cfg.Arena.TargetSeconds,
		Min:           cfg.Arena.DifficultyMin,
		Max:           cfg.Arena.DifficultyMax,
		Kp:            cfg.Arena.Kp,
		Ki:            cfg.Arena.Ki,
		Kd:            cfg.Arena.Kd,
	})
	moderator := moderation.New(cfg.Moderation.ExternalEndpoint, cfg.Moderation.RequestTimeout, logger)
	snapshots := cas.New(cfg.Snapshot.Dir)

	var finalizer arena.Finalizer
	if cfg.Ledger.FinalizerKey != "" && cfg.Ledger.ArenaAddress != "" {
		rf, err := ledger.NewRoundFinalizer(rootCtx, cfg.Ledger.RPCURL, cfg.Ledger.ArenaAddress, cfg.Ledger.FinalizerKey, cfg.Ledger.ChainID)
		if err != nil {
			log.Fatalf("Failed to set up round finalizer: %v", err)
		}
		finalizer = &ledgerFinalizer{rf: rf}
		logger.Info("Round finalizer enabled", slog.String("contract", cfg.Ledger.ArenaAddress))
	}

	orchestrator := arena.NewOrchestrator(
		arenaRepo, moderator, snapshots, difficulty,
		arena.SeededScoreSource{}, finalizer, mon, logger,
		arena.Options{
			CommitWindow: time.Duration(cfg.Arena.CommitWindowSeconds) * time.Second,
			RevealWindow: time.Duration(cfg.Arena.RevealWindowSeconds) * time.Second,
			EloK:         cfg.Arena.EloK,
			Weights:      arena.QDWeights{Quality: cfg.Arena.QualityWeight, Novelty: cfg.Arena.NoveltyWeight},
		},
	)

	// Telemetry submitter, enabled when a signer key is configured.
	if cfg.Oracle.SignerKey != "" {
		if err := cfg.ValidateTelemetry(); err != nil {
			log.Fatalf("Invalid telemetry config: %v", err)
		}
		submitter, err := buildSubmitter(rootCtx, cfg, logger)
		if err != nil {
			log.Fatalf("Failed to set up telemetry submitter: %v", err)
		}
		go submitter.Run(rootCtx)
		logger.Info("Telemetry submitter started", slog.String("mode", cfg.Telemetry.Mode))
	} else {
		logger.Info("Telemetry submitter disabled: no signer key configured")
	}

	// HTTP surface.
	arenaHandler := handler.NewArenaHandler(orchestrator, arenaRepo, difficulty)
	graphHandler := handler.NewGraphHandler(graphRepo)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(db, redis))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(redis, middleware.DefaultRateLimitConfig()))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			response.OK(w, map[string]string{
				"name":    "Agora API",
				"version": "1.0.0",
			})
		})
		r.Mount("/arena", arenaHandler.Routes())
		r.Mount("/graph", graphHandler.Routes())
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down", slog.String("signal", sig.String()))
	cancel()

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}
	logger.Info("Server stopped gracefully")
}

// ledgerFinalizer adapts the contract finalizer to the orchestrator hook.
type ledgerFinalizer struct {
	rf *ledger.RoundFinalizer
}

func (l *ledgerFinalizer) FinalizeRound(ctx context.Context, roundID string, aggregate arena.QDScore) error {
	return l.rf.Finalize(ctx, roundID, aggregate.Fitness, aggregate.Diversity)
}

func buildSubmitter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*telemetry.Submitter, error) {
	state, err := telemetry.LoadState(cfg.Telemetry.StateFile)
	if err != nil {
		return nil, err
	}

	builder, err := telemetry.NewBuilder(telemetry.BuilderOptions{
		EnergyScaling:     cfg.Telemetry.EnergyScaling,
		ValueScaling:      cfg.Telemetry.ValueScaling,
		Role:              cfg.Telemetry.Role,
		EpochDurationSec:  cfg.Telemetry.EpochDurationSec,
		DeadlineBufferSec: cfg.Telemetry.DeadlineBufferSec,
		ChainID:           cfg.Oracle.ChainID,
		VerifyingContract: common.HexToAddress(cfg.Oracle.Address),
	}, cfg.Oracle.SignerKey)
	if err != nil {
		return nil, err
	}

	var (
		nonces telemetry.NonceManager
		sender telemetry.Sender
	)
	switch cfg.Telemetry.Mode {
	case "contract":
		conn, err := ledger.NewOracleConnection(ctx, cfg.Oracle.RPCURL, cfg.Oracle.Address, cfg.Oracle.SignerKey, cfg.Oracle.ChainID)
		if err != nil {
			return nil, err
		}
		nonces = telemetry.NewContractNonceManager(conn, logger)
		sender = telemetry.NewContractSender(conn)
	case "api":
		nonces = telemetry.NewAPINonceManager(state)
		sender = telemetry.NewAPISender(cfg.Oracle.APIURL, cfg.Oracle.APIToken, 30*time.Second)
	default:
		return nil, fmt.Errorf("unknown telemetry mode %q", cfg.Telemetry.Mode)
	}

	return telemetry.NewSubmitter(telemetry.SubmitterOptions{
		EnergyLogDir: cfg.Telemetry.EnergyLogDir,
		PollInterval: cfg.Telemetry.PollInterval,
		MaxRetries:   cfg.Telemetry.MaxRetries,
		RetryDelay:   cfg.Telemetry.RetryDelay,
		MaxBatch:     cfg.Telemetry.MaxBatch,
	}, builder, nonces, sender, state, logger), nil
}

func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

func readyHandler(db *database.Postgres, redis *database.Redis) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"database"}`))
			return
		}
		if err := redis.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"redis"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","database":"connected","redis":"connected"}`))
	}
}
