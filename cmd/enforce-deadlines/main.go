package main

import (
	"context"
	"time"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/event"
	"github.com/stemsi/exstem-engine/internal/logger"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/worker"
)

// enforce-deadlines runs a single deadline sweep and exits. Useful when the
// server is down and sessions still have to be closed on time.
func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	var publisher event.Publisher = event.Nop{}
	var leaderboards service.LeaderboardCache
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, events and cache bumps are skipped")
	} else {
		defer rdb.Close()
		publisher = event.NewRedisPublisher(rdb)
		leaderboards = repository.NewLeaderboardCache(rdb)
	}

	store := repository.NewSessionRepository(pool)
	catalog := repository.NewTestRepository(pool)
	sessions := service.NewSessionService(store, catalog, publisher, leaderboards, cfg.Autosave.Grace, nil, log)
	timer := service.NewTimerService(sessions, log)

	sweeper := worker.NewDeadlineSweeper(store, timer, sessions,
		cfg.Sweep.Schedule, cfg.Sweep.BatchSize, cfg.Sweep.Concurrency, log)
	stats := sweeper.SweepOnce(ctx)

	log.Info().
		Int("expired", stats.Expired).
		Int("enforced", stats.Enforced).
		Int("past_close", stats.PastClose).
		Int("finalized", stats.Finalized).
		Int("failed", stats.Failed).
		Msg("Sweep complete")
}
