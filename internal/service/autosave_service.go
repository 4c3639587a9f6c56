package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/event"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
)

// SaveResult is returned by every auto-save, including failed ones.
type SaveResult struct {
	Success         bool       `json:"success"`
	Attempts        int        `json:"attempts"`
	SavedSections   []int      `json:"saved_sections,omitempty"`
	SkippedSections []int      `json:"skipped_sections,omitempty"`
	SavedAt         *time.Time `json:"saved_at,omitempty"`
	Error           ErrorKind  `json:"error,omitempty"`
}

// AutosaveService persists in-flight answers into the Section Ledger.
// Each attempt is one atomic unit under the session lock; transient
// storage failures are retried with a fixed back-off and then reported
// as an unsuccessful result instead of an error.
type AutosaveService struct {
	sessions    *SessionService
	maxAttempts int
	backoff     time.Duration
	sleep       func(time.Duration)
	log         zerolog.Logger
}

// NewAutosaveService creates a new AutosaveService.
func NewAutosaveService(sessions *SessionService, maxAttempts int, backoff time.Duration, log zerolog.Logger) *AutosaveService {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &AutosaveService{
		sessions:    sessions,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		sleep:       time.Sleep,
		log:         log.With().Str("component", "autosave").Logger(),
	}
}

// SaveAnswers merges payload into the session's ledger (last write wins
// per question id). Payloads carrying coding verdicts are rejected. Invalid input and inactive sessions are returned as
// errors; exhausted retries are not.
func (s *AutosaveService) SaveAnswers(ctx context.Context, id uuid.UUID, payload model.AnswerPayload) (*SaveResult, error) {
	if id == uuid.Nil {
		return nil, invalidInput("session id is required")
	}
	if payload.IsEmpty() {
		return nil, invalidInput("answer payload is empty")
	}
	if payload.HasVerdicts() {
		return nil, invalidInput("coding verdicts are recorded by the judge")
	}
	for idx := range payload {
		if idx < 0 {
			return nil, invalidInput("section index %d is negative", idx)
		}
	}

	// An in-flight save is never cancelled; it completes or exhausts its retries.
	ctx = context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		res, err := s.attempt(ctx, id, payload)
		if err == nil {
			res.Success = true
			res.Attempts = attempt
			return res, nil
		}
		if KindOf(err) != KindTransientStorage {
			return &SaveResult{Attempts: attempt, Error: KindOf(err)}, err
		}

		lastErr = err
		s.log.Warn().Err(err).
			Str("session_id", id.String()).
			Int("attempt", attempt).
			Msg("Auto-save attempt failed")
		if attempt < s.maxAttempts {
			s.sleep(s.backoff)
		}
	}

	s.log.Error().Err(lastErr).
		Str("session_id", id.String()).
		Int("attempts", s.maxAttempts).
		Msg("Auto-save gave up after retries")
	s.reportFailure(ctx, id, lastErr)
	return &SaveResult{Attempts: s.maxAttempts, Error: KindTransientStorage}, nil
}

func (s *AutosaveService) attempt(ctx context.Context, id uuid.UUID, payload model.AnswerPayload) (*SaveResult, error) {
	ss := s.sessions

	sess, err := ss.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrSessionNotActive, err)
		}
		return nil, storageErr(err)
	}
	if sess.Status != model.SessionStatusInProgress {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotActive, id, sess.Status)
	}
	def, err := ss.catalog.GetTest(ctx, sess.TestID)
	if err != nil {
		return nil, fmt.Errorf("get test: %w", storageErr(err))
	}

	res := &SaveResult{}
	err = ss.store.WithSessionLock(ctx, id, func(tx repository.SessionTx) error {
		locked := tx.Session()
		if locked.Status != model.SessionStatusInProgress {
			return fmt.Errorf("%w: session %s is %s", ErrSessionNotActive, id, locked.Status)
		}

		now := ss.clock.now()
		saved, skipped, err := ss.applyAnswers(ctx, tx, def, payload, now)
		if err != nil {
			return err
		}
		res.SavedSections, res.SkippedSections = saved, skipped
		if len(saved) == 0 {
			return nil
		}
		locked.LastSavedAt = model.TimePtr(now)
		res.SavedAt = locked.LastSavedAt
		return tx.SaveSession(ctx, locked)
	})
	if err != nil {
		return nil, storageErr(err)
	}
	return res, nil
}

func (s *AutosaveService) reportFailure(ctx context.Context, id uuid.UUID, cause error) {
	sess, err := s.sessions.store.GetSession(ctx, id)
	if err != nil {
		return
	}
	e := s.sessions.newEvent(event.AutosaveFailed, sess, nil, s.sessions.clock.now())
	e.Data = map[string]any{"attempts": s.maxAttempts, "error": cause.Error()}
	s.sessions.publish(ctx, e)
}
