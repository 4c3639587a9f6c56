package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/service"
	"golang.org/x/sync/errgroup"
)

const sweepTimeout = 4 * time.Minute

// DeadlineLister finds sessions the sweeper must act on. Both lists are
// derived from persisted timestamps only.
type DeadlineLister interface {
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListSessionsPastClose(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// Enforcer forces submission of an expired section.
type Enforcer interface {
	CheckAndEnforce(ctx context.Context, id uuid.UUID) (*service.EnforceResult, error)
}

// Finalizer closes a whole session.
type Finalizer interface {
	Finalize(ctx context.Context, id uuid.UUID, reason model.FinalizeReason) (*model.Session, error)
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Expired   int
	Enforced  int
	PastClose int
	Finalized int
	Failed    int
	At        time.Time
}

// DeadlineSweeper periodically enforces section deadlines for every
// in-progress session, whether or not a client is connected.
type DeadlineSweeper struct {
	lister      DeadlineLister
	timer       Enforcer
	sessions    Finalizer
	schedule    string
	batchSize   int
	concurrency int
	clock       func() time.Time
	log         zerolog.Logger

	last atomic.Pointer[SweepStats]
}

// NewDeadlineSweeper creates a new DeadlineSweeper.
func NewDeadlineSweeper(
	lister DeadlineLister,
	timer Enforcer,
	sessions Finalizer,
	schedule string,
	batchSize, concurrency int,
	log zerolog.Logger,
) *DeadlineSweeper {
	return &DeadlineSweeper{
		lister:      lister,
		timer:       timer,
		sessions:    sessions,
		schedule:    schedule,
		batchSize:   max(batchSize, 1),
		concurrency: max(concurrency, 1),
		clock:       time.Now,
		log:         log.With().Str("component", "deadline_sweeper").Logger(),
	}
}

// Start runs the sweep on its cron schedule until ctx is cancelled.
// Overlapping runs are skipped.
func (w *DeadlineSweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&w.log))))

	_, err := c.AddFunc(w.schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
		defer cancel()
		w.SweepOnce(sweepCtx)
	})
	if err != nil {
		return err
	}

	w.log.Info().Str("schedule", w.schedule).Msg("Sweeper started")
	c.Start()

	<-ctx.Done()
	w.log.Info().Msg("Sweeper stopping...")
	<-c.Stop().Done()
	w.log.Info().Msg("Sweeper stopped")
	return nil
}

// SweepOnce enforces every expired section, then finalizes sessions of
// tests that closed. Failures are logged and left for the next sweep.
func (w *DeadlineSweeper) SweepOnce(ctx context.Context) SweepStats {
	now := w.clock()
	stats := SweepStats{At: now}

	expired, err := w.lister.ListExpiredSessions(ctx, now, w.batchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to list expired sessions")
	}
	stats.Expired = len(expired)

	var enforced, finalized, failed atomic.Int64
	w.each(ctx, expired, func(ctx context.Context, id uuid.UUID) error {
		res, err := w.timer.CheckAndEnforce(ctx, id)
		if err != nil {
			return err
		}
		if res.Enforced {
			enforced.Add(1)
		}
		return nil
	}, &failed)

	pastClose, err := w.lister.ListSessionsPastClose(ctx, now, w.batchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to list sessions of closed tests")
	}
	stats.PastClose = len(pastClose)

	w.each(ctx, pastClose, func(ctx context.Context, id uuid.UUID) error {
		if _, err := w.sessions.Finalize(ctx, id, model.FinalizeTimeout); err != nil {
			return err
		}
		finalized.Add(1)
		return nil
	}, &failed)

	stats.Enforced = int(enforced.Load())
	stats.Finalized = int(finalized.Load())
	stats.Failed = int(failed.Load())

	if stats.Enforced+stats.Finalized+stats.Failed > 0 {
		w.log.Info().
			Int("expired", stats.Expired).
			Int("enforced", stats.Enforced).
			Int("finalized", stats.Finalized).
			Int("failed", stats.Failed).
			Msg("Sweep completed")
	} else {
		w.log.Debug().Msg("Sweep idle")
	}
	w.last.Store(&stats)
	return stats
}

// LastSweep returns the stats of the most recent sweep, or nil before the first one.
func (w *DeadlineSweeper) LastSweep() *SweepStats {
	return w.last.Load()
}

// each runs fn over ids with bounded concurrency. One session's failure
// never stops the others.
func (w *DeadlineSweeper) each(ctx context.Context, ids []uuid.UUID, fn func(context.Context, uuid.UUID) error, failed *atomic.Int64) {
	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := fn(ctx, id); err != nil {
				failed.Add(1)
				w.log.Warn().Err(err).Str("session_id", id.String()).Msg("Deadline enforcement failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}
