package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/event"
	"github.com/stemsi/exstem-engine/internal/handler"
	"github.com/stemsi/exstem-engine/internal/logger"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/repository/memstore"
	"github.com/stemsi/exstem-engine/internal/router"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/validator"
	"github.com/stemsi/exstem-engine/internal/worker"
)

// engineStore is what the services and workers need from the session store.
type engineStore interface {
	service.SessionStore
	worker.DeadlineLister
	worker.SessionSource
}

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("store", cfg.StoreDriver).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Test Session Engine")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to Redis ──────────────────────────────────────────────
	// Required with Postgres; optional for the in-memory store.
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		if cfg.StoreDriver != config.StoreDriverMemory {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		log.Warn().Err(err).Msg("Redis unavailable, running without caches and pub/sub")
		rdb = nil
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// ─── Initialize Stores ─────────────────────────────────────────────
	var (
		store       engineStore
		catalog     service.TestCatalog
		directory   service.StudentDirectory
		invalidator handler.CatalogInvalidator
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		mem := memstore.New()
		store, catalog, directory = mem, mem, mem
		log.Warn().Msg("Using the in-memory store; sessions are lost on restart")

	default:
		pool, err := database.NewPostgresPool(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer pool.Close()

		cached := repository.NewCachedCatalog(repository.NewTestRepository(pool), rdb, cfg.CatalogTTL, log)
		store = repository.NewSessionRepository(pool)
		catalog = cached
		directory = repository.NewStudentRepository(pool)
		invalidator = cached
	}

	drafts, leaderboards := redisBacked(rdb)

	// ─── Initialize Event Publishers ───────────────────────────────────
	publishers := event.Multi{}
	if rdb != nil {
		publishers = append(publishers, event.NewRedisPublisher(rdb))
	}
	if cfg.AMQPURL != "" {
		amqpPub, err := event.NewAMQPPublisher(cfg.AMQPURL, cfg.EventsExchange, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
		}
		defer amqpPub.Close()
		publishers = append(publishers, amqpPub)
	}

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	sessionService := service.NewSessionService(store, catalog, publishers, leaderboards, cfg.Autosave.Grace, nil, log)
	autosaveService := service.NewAutosaveService(sessionService, cfg.Autosave.MaxAttempts, cfg.Autosave.Backoff, log)
	timerService := service.NewTimerService(sessionService, log)
	resultService := service.NewResultService(sessionService, log)
	rankingService := service.NewRankingService(store, directory, leaderboards, cfg.Leaderboard.CacheTTL, nil, log)
	monitorService := service.NewMonitorService(store, catalog, directory)

	// ─── Initialize Workers ───────────────────────────────────────────
	scheduler := worker.NewAutosaveScheduler(autosaveService, drafts, store, cfg.Autosave.Interval, log)
	sweeper := worker.NewDeadlineSweeper(store, timerService, sessionService,
		cfg.Sweep.Schedule, cfg.Sweep.BatchSize, cfg.Sweep.Concurrency, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService, autosaveService, timerService, resultService, rankingService, log),
		Admin:   handler.NewAdminHandler(sessionService, timerService, resultService, rankingService, invalidator, log),
		Monitor: handler.NewMonitorHandler(rdb, monitorService, log),
		WS:      handler.NewWSHandler(sessionService, timerService, drafts, scheduler, log, cfg.AllowedOrigins),
		System:  handler.NewSystemHandler(rdb, scheduler, sweeper, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	workers.Add(2)
	go func() {
		defer workers.Done()
		scheduler.Start(workerCtx)
	}()
	go func() {
		defer workers.Done()
		if err := sweeper.Start(workerCtx); err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.Sweep.Schedule).Msg("Invalid sweep schedule")
		}
	}()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop workers; every auto-save task flushes its draft once more.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// redisBacked picks the Redis implementations when a client is available
// and the in-process ones otherwise.
func redisBacked(rdb *redis.Client) (drafts draftStore, leaderboards service.LeaderboardCache) {
	if rdb == nil {
		return memstore.NewDrafts(), nil
	}
	return repository.NewDraftBuffer(rdb), repository.NewLeaderboardCache(rdb)
}

type draftStore interface {
	handler.DraftBuffer
	worker.DraftSource
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
