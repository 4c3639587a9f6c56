package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/event"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
)

// EnforceResult describes what one deadline check did.
type EnforceResult struct {
	SessionID    uuid.UUID `json:"session_id"`
	Enforced     bool      `json:"enforced"`
	SectionIndex int       `json:"section_index"`
	Advanced     bool      `json:"advanced"`
	Finalized    bool      `json:"finalized"`
}

// TimerService computes remaining section time and forces submission of
// expired sections. It reads only persisted section_end_time, so any
// process can enforce any session.
type TimerService struct {
	sessions *SessionService
	log      zerolog.Logger
}

// NewTimerService creates a new TimerService.
func NewTimerService(sessions *SessionService, log zerolog.Logger) *TimerService {
	return &TimerService{
		sessions: sessions,
		log:      log.With().Str("component", "section_timer").Logger(),
	}
}

// GetRemaining returns the time left in the active section without
// touching any state.
func (s *TimerService) GetRemaining(ctx context.Context, id uuid.UUID) (*model.RemainingTime, error) {
	if id == uuid.Nil {
		return nil, invalidInput("session id is required")
	}
	sess, err := s.sessions.store.GetSession(ctx, id)
	if err != nil {
		return nil, storageErr(err)
	}

	rt := &model.RemainingTime{
		SessionID:    id.String(),
		SectionIndex: sess.CurrentSectionIndex,
	}
	if sess.Status.IsTerminal() {
		rt.Formatted = FormatRemaining(0)
		rt.IsCompleted = true
		return rt, nil
	}
	if sess.Status != model.SessionStatusInProgress || sess.SectionEndTime == nil {
		return nil, fmt.Errorf("%w: session %s has no active section", ErrNotFound, id)
	}

	remaining := max(sess.SectionEndTime.Sub(s.sessions.clock.now()), 0)
	rt.SecondsRemaining = int64(remaining / time.Second)
	rt.Formatted = FormatRemaining(rt.SecondsRemaining)
	rt.SectionEndTime = sess.SectionEndTime
	return rt, nil
}

// CheckAndEnforce auto-submits the active section if its window has
// closed and advances the session. Sessions that are not due, not
// started, or already submitted are left alone, so repeated and racing
// calls are harmless.
func (s *TimerService) CheckAndEnforce(ctx context.Context, id uuid.UUID) (*EnforceResult, error) {
	if id == uuid.Nil {
		return nil, invalidInput("session id is required")
	}
	ss := s.sessions
	res := &EnforceResult{SessionID: id}

	sess, err := ss.store.GetSession(ctx, id)
	if err != nil {
		return nil, storageErr(err)
	}
	res.SectionIndex = sess.CurrentSectionIndex
	if !isDue(sess, ss.clock.now()) {
		return res, nil
	}
	def, err := ss.catalog.GetTest(ctx, sess.TestID)
	if err != nil {
		return nil, fmt.Errorf("get test: %w", storageErr(err))
	}

	var events []event.Event
	err = ss.store.WithSessionLock(ctx, id, func(tx repository.SessionTx) error {
		events = nil
		*res = EnforceResult{SessionID: id}
		locked := tx.Session()
		res.SectionIndex = locked.CurrentSectionIndex

		now := ss.clock.now()
		if !isDue(locked, now) {
			return nil
		}
		entry, err := tx.Section(ctx, locked.CurrentSectionIndex)
		if err == nil && entry.IsCompleted() {
			return nil
		}

		entry, err = ss.submitActiveLocked(ctx, tx, def, now, true)
		if err != nil {
			return err
		}
		res.Enforced = true
		events = append(events, ss.newEvent(event.SectionSubmitted, locked, &entry.SectionIndex, now))

		finalized, err := ss.advanceLocked(ctx, tx, def, now, model.FinalizeTimeout)
		if err != nil {
			return err
		}
		res.Advanced = !finalized
		res.Finalized = finalized
		if finalized {
			events = append(events, ss.newEvent(event.SessionFinalized, locked, nil, now))
			return nil
		}

		// The test closed for good: nothing left to wait for.
		if def.IsClosed(now) {
			rest, err := ss.cascadeLocked(ctx, tx, def, now, model.FinalizeTimeout)
			if err != nil {
				return err
			}
			events = append(events, rest...)
			res.Finalized = true
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}

	if res.Enforced {
		s.log.Info().
			Str("session_id", id.String()).
			Int("section_index", res.SectionIndex).
			Bool("finalized", res.Finalized).
			Msg("Section auto-submitted")
	}
	ss.afterCommit(ctx, events)
	return res, nil
}

func isDue(sess *model.Session, now time.Time) bool {
	return sess.Status == model.SessionStatusInProgress &&
		sess.SectionEndTime != nil &&
		!now.Before(*sess.SectionEndTime)
}

// FormatRemaining renders seconds as MM:SS, or HH:MM:SS from one hour up.
func FormatRemaining(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, sec := seconds/3600, (seconds%3600)/60, seconds%60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%02d:%02d", m, sec)
}
