package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/service"
)

// DraftSource is the buffer of answers not yet flushed to the ledger.
type DraftSource interface {
	Snapshot(ctx context.Context, sessionID uuid.UUID) (model.AnswerPayload, error)
	Clear(ctx context.Context, sessionID uuid.UUID) error
}

// AnswerSaver persists a payload into the ledger.
type AnswerSaver interface {
	SaveAnswers(ctx context.Context, id uuid.UUID, payload model.AnswerPayload) (*service.SaveResult, error)
}

// SessionSource reads session state for the scheduler.
type SessionSource interface {
	GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error)
	ListActiveSessions(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// AutosaveScheduler keeps one auto-save task per active session, keyed by
// session id. Each task flushes the session's draft once when tracked and
// then on every tick; tasks are independent of each other. A task is
// shared by every holder that tracked its session and stops when the last
// holder releases it.
type AutosaveScheduler struct {
	saver    AnswerSaver
	drafts   DraftSource
	sessions SessionSource
	interval time.Duration
	log      zerolog.Logger

	mu    sync.Mutex
	base  context.Context
	tasks map[uuid.UUID]*autosaveTask
	wg    sync.WaitGroup
}

type autosaveTask struct {
	cancel context.CancelFunc
	done   chan struct{}
	refs   int
}

// NewAutosaveScheduler creates a new AutosaveScheduler.
func NewAutosaveScheduler(saver AnswerSaver, drafts DraftSource, sessions SessionSource, interval time.Duration, log zerolog.Logger) *AutosaveScheduler {
	return &AutosaveScheduler{
		saver:    saver,
		drafts:   drafts,
		sessions: sessions,
		interval: interval,
		log:      log.With().Str("component", "autosave_scheduler").Logger(),
		base:     context.Background(),
		tasks:    make(map[uuid.UUID]*autosaveTask),
	}
}

// Start re-creates tasks for every in-progress session and blocks until
// ctx is cancelled, then stops all tasks after their final flush.
func (s *AutosaveScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	ids, err := s.sessions.ListActiveSessions(ctx, 0)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list active sessions")
	}
	for _, id := range ids {
		s.Track(id) // held until the session closes
	}
	s.log.Info().Int("sessions", len(ids)).Msg("Scheduler started")

	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopping...")
	s.StopAll()
	s.log.Info().Msg("Scheduler stopped")
}

// Track starts the task for a session, or joins the running one, and
// returns the func that releases this hold. The task is cancelled, after a
// final flush, once every hold is released. Release is safe to call twice.
func (s *AutosaveScheduler) Track(id uuid.UUID) (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		ctx, cancel := context.WithCancel(s.base)
		task = &autosaveTask{cancel: cancel, done: make(chan struct{})}
		s.tasks[id] = task

		s.wg.Add(1)
		go s.run(ctx, id, task)
	}
	task.refs++

	var once sync.Once
	return func() {
		once.Do(func() { s.release(id, task) })
	}
}

func (s *AutosaveScheduler) release(id uuid.UUID, task *autosaveTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[id] != task {
		return
	}
	task.refs--
	if task.refs > 0 {
		return
	}
	delete(s.tasks, id)
	task.cancel()
}

// Tracked reports whether a session has a running task.
func (s *AutosaveScheduler) Tracked(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

// Active returns the number of running tasks.
func (s *AutosaveScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// StopAll cancels every task and waits for them to finish.
func (s *AutosaveScheduler) StopAll() {
	s.mu.Lock()
	for id, task := range s.tasks {
		task.cancel()
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *AutosaveScheduler) run(ctx context.Context, id uuid.UUID, task *autosaveTask) {
	defer s.wg.Done()
	defer close(task.done)
	defer s.forget(id, task)

	var last string
	if s.flush(ctx, id, &last) {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.flush(context.WithoutCancel(ctx), id, &last)
			return
		case <-ticker.C:
			if s.flush(ctx, id, &last) {
				return
			}
		}
	}
}

// flush saves the draft if it changed since the last successful save. It
// reports true when the session no longer accepts answers.
func (s *AutosaveScheduler) flush(ctx context.Context, id uuid.UUID, last *string) bool {
	payload, err := s.drafts.Snapshot(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", id.String()).Msg("Draft read failed")
		return false
	}
	if payload.IsEmpty() {
		return false
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	fingerprint := string(raw)
	if fingerprint == *last {
		return false
	}

	res, err := s.saver.SaveAnswers(ctx, id, payload)
	switch {
	case errors.Is(err, service.ErrSessionNotActive):
		*last = fingerprint
		return s.finished(ctx, id)
	case err != nil:
		s.log.Warn().Err(err).Str("session_id", id.String()).Msg("Auto-save rejected")
		*last = fingerprint
		return false
	case res.Success:
		*last = fingerprint
	}
	return false
}

// finished clears the draft of a session that reached a terminal state.
// A session that is merely past its window waits for the sweeper.
func (s *AutosaveScheduler) finished(ctx context.Context, id uuid.UUID) bool {
	sess, err := s.sessions.GetSession(ctx, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return false
	case !sess.Status.IsTerminal():
		return false
	}
	if err := s.drafts.Clear(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("session_id", id.String()).Msg("Draft clear failed")
	}
	s.log.Debug().Str("session_id", id.String()).Msg("Session closed, auto-save task stopped")
	return true
}

func (s *AutosaveScheduler) forget(id uuid.UUID, task *autosaveTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[id] == task {
		delete(s.tasks, id)
	}
}
