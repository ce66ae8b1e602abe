package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"vouch/internal/admin"
	"vouch/internal/audit"
	"vouch/internal/events"
	"vouch/internal/fraud"
	fraudmetrics "vouch/internal/fraud/metrics"
	"vouch/internal/platform/config"
	"vouch/internal/platform/httpserver"
	"vouch/internal/platform/logger"
	"vouch/internal/platform/postgres"
	"vouch/internal/platform/redis"
	"vouch/internal/reward"
	rewardmetrics "vouch/internal/reward/metrics"
	"vouch/internal/verification/engine"
	"vouch/internal/verification/ledger"
	verifmetrics "vouch/internal/verification/metrics"
	"vouch/internal/verification/store"
	"vouch/internal/verification/tracker"
	"vouch/pkg/platform/httputil"
	adminmw "vouch/pkg/platform/middleware/admin"
)

// main wires the pipeline's stores, services, and background loops. Business
// logic lives in the internal packages; this file only builds and connects
// them.
func main() {
	_ = godotenv.Load()

	cfg := config.FromEnv()
	pipeline := config.DefaultPipeline()
	log := logger.New()
	slog.SetDefault(log)

	db, err := postgres.Open(cfg.PostgresURL)
	if err != nil {
		log.Error("postgres connection failed", "error", err)
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
	}

	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Stores fall back to in-memory when no backend is configured, which
	// keeps local development and CI dependency-free.
	var (
		verifications store.VerificationStore
		stats         store.StatsStore
		auditBacking  audit.Store
		actionLedger  ledger.Store
	)
	if db != nil {
		verifications = store.NewPostgresVerificationStore(db)
		stats = store.NewPostgresStatsStore(db)
		auditBacking = audit.NewPostgresStore(db)
		actionLedger = ledger.NewPostgresStore(db)
	} else {
		verifications = store.NewInMemoryVerificationStore()
		stats = store.NewInMemoryStatsStore()
		auditBacking = audit.NewInMemoryStore()
		actionLedger = ledger.NewInMemoryStore()
		log.Warn("no DATABASE_URL configured, running with in-memory stores")
	}
	if redisClient != nil {
		actionLedger = ledger.NewRedisStore(redisClient.Client)
	}

	auditAsync, auditInbox := audit.NewAsyncStore(auditBacking, 256)
	auditWorker := audit.NewWorker(auditBacking, auditInbox, log)
	auditor := audit.NewPublisher(auditAsync, log)

	signals := fraud.NewInMemorySignalStore()

	rewardMetrics := rewardmetrics.New()
	granter := reward.NewCircuitGranter(reward.NopGranter{}, log)
	rewards := reward.NewService(stats, granter, auditor,
		reward.WithLogger(log),
		reward.WithMetrics(rewardMetrics),
		reward.WithActionLedger(actionLedger),
	)
	reconciler := reward.NewReconciler(stats, verifications, auditor,
		cfg.ReconcileInterval, cfg.ReconcileBatch,
		reward.ReconcilerWithLogger(log),
		reward.ReconcilerWithMetrics(rewardMetrics),
	)

	fraudMetrics := fraudmetrics.New()
	detector := fraud.NewDetector(verifications, signals, log)
	scorer := fraud.NewScorer(verifications, signals, detector, log,
		fraud.WithMetrics(fraudMetrics),
	)

	verifMetrics := verifmetrics.New()
	eng := engine.New(verifications, rewards, auditor,
		engine.WithLogger(log),
		engine.WithMetrics(verifMetrics),
	)
	trk := tracker.New(verifications, actionLedger, eng, scorer, rewards,
		tracker.WithLogger(log),
		tracker.WithMetrics(verifMetrics),
	)

	adminService := admin.NewService(verifications, stats, rewards, scorer, auditor,
		admin.WithLogger(log),
	)
	adminHandler := admin.NewHandler(adminService, pipeline)

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if granter.Degraded() {
			status = "degraded"
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{
			"status": status,
		})
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Group(func(r chi.Router) {
		r.Use(adminmw.RequireAdmin([]byte(cfg.JWTSigningKey), log))
		adminHandler.Register(r)
	})

	srv := httpserver.New(cfg.Addr, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting vouch server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := auditWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		reconciler.Run(ctx)
		return nil
	})

	if len(cfg.Kafka.Brokers) > 0 {
		dispatcher := events.NewDispatcher(trk, signals, rewards, log, pipeline)
		consumer, err := events.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Group, dispatcher, log)
		if err != nil {
			log.Error("kafka consumer setup failed", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()
		g.Go(func() error {
			log.Info("consuming progress events",
				"topic", cfg.Kafka.Topic,
				"group", cfg.Kafka.Group,
			)
			consumer.Run(ctx)
			return nil
		})
	} else {
		log.Warn("no KAFKA_BROKERS configured, progress event intake disabled")
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
