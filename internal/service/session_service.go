package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/event"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
)

// SessionService is the session state machine. It owns every transition
// of a Session and its Section Ledger; the auto-save coordinator and the
// section timer reuse its locked helpers so that manual and forced paths
// share one implementation.
type SessionService struct {
	store        SessionStore
	catalog      TestCatalog
	scorer       *ScoringAggregator
	publisher    event.Publisher
	leaderboards LeaderboardCache
	grace        time.Duration
	clock        Clock
	log          zerolog.Logger
}

// NewSessionService creates a new SessionService. leaderboards may be nil.
func NewSessionService(
	store SessionStore,
	catalog TestCatalog,
	publisher event.Publisher,
	leaderboards LeaderboardCache,
	grace time.Duration,
	clock Clock,
	log zerolog.Logger,
) *SessionService {
	if publisher == nil {
		publisher = event.Nop{}
	}
	return &SessionService{
		store:        store,
		catalog:      catalog,
		scorer:       NewScoringAggregator(),
		publisher:    publisher,
		leaderboards: leaderboards,
		grace:        grace,
		clock:        clock,
		log:          log.With().Str("component", "session_service").Logger(),
	}
}

// SubmitResult describes the outcome of a manual section submission.
type SubmitResult struct {
	SessionID           uuid.UUID           `json:"session_id"`
	SubmittedSection    int                 `json:"submitted_section"`
	Submitted           bool                `json:"submitted"`
	AutoSubmitted       bool                `json:"auto_submitted"`
	Finalized           bool                `json:"finalized"`
	Status              model.SessionStatus `json:"status"`
	CurrentSectionIndex int                 `json:"current_section_index"`
	SectionEndTime      *time.Time          `json:"section_end_time,omitempty"`
}

// StartSession creates the student's session for a test and opens the
// first section's window.
func (s *SessionService) StartSession(ctx context.Context, studentID int, testID uuid.UUID, accessCode string) (*model.Session, error) {
	if studentID <= 0 || testID == uuid.Nil {
		return nil, invalidInput("student id and test id are required")
	}

	def, err := s.catalog.GetTest(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("get test: %w", storageErr(err))
	}
	if len(def.Sections) == 0 {
		return nil, invalidInput("test %s has no sections", testID)
	}

	now := s.clock.now()
	if def.IsClosed(now) {
		return nil, fmt.Errorf("%w: test %s is closed", ErrSessionNotActive, testID)
	}
	if def.AccessCodeHash != "" {
		if err := checkAccessCode(def.AccessCodeHash, accessCode); err != nil {
			return nil, err
		}
	}

	first := def.Sections[0]
	start, end := s.window(def, first, now)
	sess := &model.Session{
		ID:                  uuid.New(),
		TestID:              testID,
		StudentID:           studentID,
		Status:              model.SessionStatusInProgress,
		CurrentSectionIndex: 0,
		CompletedSections:   []int{},
		StartedAt:           model.TimePtr(now),
		SectionStartTime:    start,
		SectionEndTime:      end,
	}
	entry := model.NewSectionLedger(sess.ID, 0, first.MaxScore())
	entry.Status = model.SectionStatusInProgress
	entry.StartedAt = model.TimePtr(now)

	if err := s.store.CreateSession(ctx, sess, entry); err != nil {
		return nil, fmt.Errorf("create session: %w", storageErr(err))
	}

	s.log.Info().
		Str("session_id", sess.ID.String()).
		Str("test_id", testID.String()).
		Int("student_id", studentID).
		Msg("Session started")
	s.publish(ctx, s.newEvent(event.SessionStarted, sess, nil, now))
	return sess, nil
}

// GetSession returns the session and its ledger.
func (s *SessionService) GetSession(ctx context.Context, id uuid.UUID) (*model.SessionView, error) {
	if id == uuid.Nil {
		return nil, invalidInput("session id is required")
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, storageErr(err)
	}
	sections, err := s.store.ListSections(ctx, id)
	if err != nil {
		return nil, storageErr(err)
	}
	if sections == nil {
		sections = []model.SectionLedger{}
	}
	return &model.SessionView{Session: sess, Sections: sections}, nil
}

// Lookup returns the session row without its ledger.
func (s *SessionService) Lookup(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	if id == uuid.Nil {
		return nil, invalidInput("session id is required")
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, storageErr(err)
	}
	return sess, nil
}

// AdvanceSection moves an in-progress session past its active section.
// The active section must already be completed. Submission and
// enforcement advance in their own transaction, so this only finds work
// on a session left behind by an out-of-band change to its ledger.
func (s *SessionService) AdvanceSection(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	def, err := s.testFor(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		result *model.Session
		events []event.Event
	)
	err = s.store.WithSessionLock(ctx, id, func(tx repository.SessionTx) error {
		events = nil
		sess := tx.Session()
		if sess.Status != model.SessionStatusInProgress {
			return fmt.Errorf("%w: session %s is %s", ErrSessionNotActive, id, sess.Status)
		}
		now := s.clock.now()
		finalized, err := s.advanceLocked(ctx, tx, def, now, model.FinalizeManual)
		if err != nil {
			return err
		}
		if finalized {
			events = append(events, s.newEvent(event.SessionFinalized, sess, nil, now))
		}
		result = sess.Clone()
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}
	s.afterCommit(ctx, events)
	return result, nil
}

// SubmitSection is the manual submission path. When expected is set and no
// longer matches the active section, the call is a no-op: a racing sweep
// already submitted that section. Answers in final are merged before
// grading. A submission arriving after the window and its grace period is
// treated as a timeout and final is dropped.
func (s *SessionService) SubmitSection(ctx context.Context, id uuid.UUID, expected *int, final model.AnswerPayload) (*SubmitResult, error) {
	if expected != nil && *expected < 0 {
		return nil, invalidInput("section index must be >= 0")
	}
	if final.HasVerdicts() {
		return nil, invalidInput("coding verdicts are recorded by the judge")
	}
	def, err := s.testFor(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		result *SubmitResult
		events []event.Event
	)
	err = s.store.WithSessionLock(ctx, id, func(tx repository.SessionTx) error {
		events = nil
		sess := tx.Session()
		result = &SubmitResult{SessionID: id, SubmittedSection: sess.CurrentSectionIndex}

		if sess.Status.IsTerminal() || (expected != nil && *expected != sess.CurrentSectionIndex) {
			result.fill(sess)
			return nil
		}
		if sess.Status != model.SessionStatusInProgress {
			return fmt.Errorf("%w: session %s is %s", ErrSessionNotActive, id, sess.Status)
		}

		now := s.clock.now()
		reason := model.FinalizeManual
		if s.pastGrace(sess, now) {
			reason = model.FinalizeTimeout
		} else if !final.IsEmpty() {
			if _, _, err := s.applyAnswers(ctx, tx, def, final, now); err != nil {
				return err
			}
		}

		entry, err := s.submitActiveLocked(ctx, tx, def, now, reason == model.FinalizeTimeout)
		if err != nil {
			return err
		}
		events = append(events, s.newEvent(event.SectionSubmitted, sess, &entry.SectionIndex, now))

		finalized, err := s.advanceLocked(ctx, tx, def, now, reason)
		if err != nil {
			return err
		}
		if finalized {
			events = append(events, s.newEvent(event.SessionFinalized, sess, nil, now))
		}
		result.Submitted = true
		result.AutoSubmitted = entry.AutoSubmitted
		result.Finalized = finalized
		result.fill(sess)
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}
	s.afterCommit(ctx, events)
	return result, nil
}

// RecordVerdicts stores coding-judge verdicts for one section through the
// same locked upsert as an auto-save. Every verdict must address a coding
// question of that section and stay within its points. A completed section
// no longer takes verdicts.
func (s *SessionService) RecordVerdicts(ctx context.Context, id uuid.UUID, section int, verdicts map[string]model.CodingVerdict) error {
	if len(verdicts) == 0 {
		return invalidInput("verdicts are empty")
	}
	def, err := s.testFor(ctx, id)
	if err != nil {
		return err
	}
	secDef, ok := def.Section(section)
	if !ok {
		return invalidInput("section %d is out of range", section)
	}
	for qid, v := range verdicts {
		q, ok := secDef.Question(qid)
		if !ok || q.Kind != model.QuestionKindCoding {
			return invalidInput("question %s is not a coding question of section %d", qid, section)
		}
		if !v.Consistent() || v.Score > q.Points {
			return invalidInput("verdict for question %s is inconsistent", qid)
		}
	}

	payload := model.AnswerPayload{section: {Verdicts: verdicts}}
	return storageErr(s.store.WithSessionLock(ctx, id, func(tx repository.SessionTx) error {
		sess := tx.Session()
		if sess.Status != model.SessionStatusInProgress {
			return fmt.Errorf("%w: session %s is %s", ErrSessionNotActive, id, sess.Status)
		}
		_, skipped, err := s.applyAnswers(ctx, tx, def, payload, s.clock.now())
		if err != nil {
			return err
		}
		if len(skipped) > 0 {
			return fmt.Errorf("%w: section %d is already completed", ErrConflict, section)
		}
		return nil
	}))
}

// Finalize submits every remaining section and closes the session with
// the terminal status for reason. Finalizing a finalized session is a no-op.
func (s *SessionService) Finalize(ctx context.Context, id uuid.UUID, reason model.FinalizeReason) (*model.Session, error) {
	if reason != model.FinalizeManual && reason != model.FinalizeTimeout {
		return nil, invalidInput("unknown finalize reason %q", reason)
	}
	def, err := s.testFor(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		result *model.Session
		events []event.Event
	)
	err = s.store.WithSessionLock(ctx, id, func(tx repository.SessionTx) error {
		events = nil
		sess := tx.Session()
		if sess.Status.IsTerminal() {
			result = sess.Clone()
			return nil
		}
		now := s.clock.now()
		evs, err := s.cascadeLocked(ctx, tx, def, now, reason)
		if err != nil {
			return err
		}
		events = evs
		result = sess.Clone()
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}
	s.afterCommit(ctx, events)
	return result, nil
}

// ─── Locked helpers ────────────────────────────────────────────────────
// Everything below runs inside WithSessionLock.

// applyAnswers upserts payload into the ledger, merging per question id.
// Sections out of range or already completed are skipped. Saves to the
// active section are rejected once its window and grace period are over.
func (s *SessionService) applyAnswers(
	ctx context.Context,
	tx repository.SessionTx,
	def *model.TestDefinition,
	payload model.AnswerPayload,
	now time.Time,
) (saved, skipped []int, err error) {
	sess := tx.Session()

	indexes := make([]int, 0, len(payload))
	for idx := range payload {
		indexes = append(indexes, idx)
	}
	slices.Sort(indexes)

	for _, idx := range indexes {
		answers := payload[idx]
		if answers.IsEmpty() {
			continue
		}
		secDef, ok := def.Section(idx)
		if !ok || sess.IsSectionCompleted(idx) {
			skipped = append(skipped, idx)
			continue
		}

		entry, err := tx.Section(ctx, idx)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			entry = model.NewSectionLedger(sess.ID, idx, secDef.MaxScore())
		case err != nil:
			return nil, nil, err
		}
		if entry.IsCompleted() {
			skipped = append(skipped, idx)
			continue
		}

		if idx == sess.CurrentSectionIndex {
			if s.pastGrace(sess, now) {
				return nil, nil, fmt.Errorf("%w: section %d window closed at %s",
					ErrSessionNotActive, idx, sess.SectionEndTime.Format(time.RFC3339))
			}
			if entry.Status == model.SectionStatusNotStarted {
				entry.Status = model.SectionStatusInProgress
				entry.StartedAt = sess.SectionStartTime
			}
		}

		entry.Merge(answers)
		entry.LastActivityAt = model.TimePtr(now)
		if err := tx.PutSection(ctx, entry); err != nil {
			if errors.Is(err, repository.ErrImmutable) {
				skipped = append(skipped, idx)
				continue
			}
			return nil, nil, err
		}
		saved = append(saved, idx)
	}
	return saved, skipped, nil
}

// submitActiveLocked grades the active section with whatever answers are
// recorded and freezes its ledger entry. An entry that is already
// completed is returned unchanged.
func (s *SessionService) submitActiveLocked(
	ctx context.Context,
	tx repository.SessionTx,
	def *model.TestDefinition,
	now time.Time,
	auto bool,
) (*model.SectionLedger, error) {
	sess := tx.Session()
	idx := sess.CurrentSectionIndex
	secDef, ok := def.Section(idx)
	if !ok {
		return nil, fmt.Errorf("%w: test %s has no section %d", ErrNotFound, def.ID, idx)
	}

	entry, err := tx.Section(ctx, idx)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		entry = model.NewSectionLedger(sess.ID, idx, secDef.MaxScore())
	case err != nil:
		return nil, err
	}
	if entry.IsCompleted() {
		return entry, nil
	}

	if entry.StartedAt == nil {
		entry.StartedAt = sess.SectionStartTime
	}
	entry.MaxScore = secDef.MaxScore()
	entry.Score = s.scorer.GradeSection(secDef, entry)
	entry.Status = model.SectionStatusCompleted
	entry.AutoSubmitted = auto
	entry.SubmittedAt = model.TimePtr(now)
	entry.TimeSpentSeconds = timeSpent(sess.SectionStartTime, sess.SectionEndTime, now)

	if err := tx.PutSection(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// advanceLocked records the completed active section and opens the next
// one, or finalizes when it was the last. It reports whether the session
// was finalized.
func (s *SessionService) advanceLocked(
	ctx context.Context,
	tx repository.SessionTx,
	def *model.TestDefinition,
	now time.Time,
	reason model.FinalizeReason,
) (bool, error) {
	sess := tx.Session()
	cur := sess.CurrentSectionIndex

	entry, err := tx.Section(ctx, cur)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return false, err
	}
	if entry == nil || !entry.IsCompleted() {
		return false, fmt.Errorf("%w: section %d is not completed", ErrConflict, cur)
	}
	if !sess.IsSectionCompleted(cur) {
		sess.CompletedSections = append(sess.CompletedSections, cur)
	}

	next := cur + 1
	if next >= len(def.Sections) {
		return s.finalizeLocked(ctx, tx, now, reason)
	}
	if sess.IsSectionCompleted(next) {
		return false, fmt.Errorf("%w: section %d was already completed", ErrConflict, next)
	}

	nextDef := def.Sections[next]
	sess.CurrentSectionIndex = next
	sess.SectionStartTime, sess.SectionEndTime = s.window(def, nextDef, now)

	nextEntry, err := tx.Section(ctx, next)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		nextEntry = model.NewSectionLedger(sess.ID, next, nextDef.MaxScore())
	case err != nil:
		return false, err
	}
	nextEntry.Status = model.SectionStatusInProgress
	nextEntry.StartedAt = model.TimePtr(now)
	nextEntry.MaxScore = nextDef.MaxScore()
	if err := tx.PutSection(ctx, nextEntry); err != nil {
		return false, err
	}
	return false, tx.SaveSession(ctx, sess)
}

// finalizeLocked writes the session total exactly once: a session already
// in a terminal status is never recomputed.
func (s *SessionService) finalizeLocked(ctx context.Context, tx repository.SessionTx, now time.Time, reason model.FinalizeReason) (bool, error) {
	sess := tx.Session()
	if sess.Status.IsTerminal() {
		return false, nil
	}

	entries, err := tx.Sections(ctx)
	if err != nil {
		return false, err
	}
	sess.TotalScore, sess.MaxScore = s.scorer.Aggregate(entries)
	sess.Status = reason.TerminalStatus()
	sess.CompletedAt = model.TimePtr(now)
	if err := tx.SaveSession(ctx, sess); err != nil {
		return false, err
	}
	return true, nil
}

// cascadeLocked submits and advances until the session is terminal.
func (s *SessionService) cascadeLocked(
	ctx context.Context,
	tx repository.SessionTx,
	def *model.TestDefinition,
	now time.Time,
	reason model.FinalizeReason,
) ([]event.Event, error) {
	sess := tx.Session()
	var events []event.Event
	for !sess.Status.IsTerminal() {
		before := sess.CurrentSectionIndex
		entry, err := s.submitActiveLocked(ctx, tx, def, now, reason == model.FinalizeTimeout)
		if err != nil {
			return nil, err
		}
		events = append(events, s.newEvent(event.SectionSubmitted, sess, &entry.SectionIndex, now))

		finalized, err := s.advanceLocked(ctx, tx, def, now, reason)
		if err != nil {
			return nil, err
		}
		if finalized {
			events = append(events, s.newEvent(event.SessionFinalized, sess, nil, now))
			break
		}
		if sess.CurrentSectionIndex == before {
			return nil, fmt.Errorf("%w: session %s did not advance past section %d", ErrConflict, sess.ID, before)
		}
	}
	return events, nil
}

// ─── Shared plumbing ───────────────────────────────────────────────────

// window opens a section at now, capped by the test's hard close.
func (s *SessionService) window(def *model.TestDefinition, sec model.SectionDefinition, now time.Time) (*time.Time, *time.Time) {
	end := now.Add(sec.Duration())
	if def.ClosesAt != nil && def.ClosesAt.Before(end) {
		end = *def.ClosesAt
	}
	return model.TimePtr(now), model.TimePtr(end)
}

func (s *SessionService) pastGrace(sess *model.Session, now time.Time) bool {
	return sess.SectionEndTime != nil && now.After(sess.SectionEndTime.Add(s.grace))
}

// testFor loads the definition of a session's test outside the lock.
func (s *SessionService) testFor(ctx context.Context, id uuid.UUID) (*model.TestDefinition, error) {
	if id == uuid.Nil {
		return nil, invalidInput("session id is required")
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, storageErr(err)
	}
	def, err := s.catalog.GetTest(ctx, sess.TestID)
	if err != nil {
		return nil, fmt.Errorf("get test: %w", storageErr(err))
	}
	return def, nil
}

func (s *SessionService) newEvent(t event.Type, sess *model.Session, section *int, now time.Time) event.Event {
	id := sess.ID
	e := event.Event{
		Type:       t,
		TestID:     sess.TestID,
		SessionID:  &id,
		StudentID:  sess.StudentID,
		OccurredAt: now,
	}
	if section != nil {
		idx := *section
		e.SectionIndex = &idx
	}
	if t == event.SessionFinalized {
		e.Data = map[string]any{
			"status":      sess.Status,
			"total_score": sess.TotalScore,
			"max_score":   sess.MaxScore,
		}
	}
	return e
}

// afterCommit publishes events and invalidates leaderboards once a
// transition is durable.
func (s *SessionService) afterCommit(ctx context.Context, events []event.Event) {
	finalized := false
	for _, e := range events {
		if e.Type == event.SessionFinalized {
			finalized = true
		}
	}
	if finalized && s.leaderboards != nil {
		if err := s.leaderboards.Bump(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Failed to invalidate leaderboard cache")
		}
	}
	s.publish(ctx, events...)
}

func (s *SessionService) publish(ctx context.Context, events ...event.Event) {
	for _, e := range events {
		if err := s.publisher.Publish(ctx, e); err != nil {
			s.log.Warn().Err(err).Str("event", string(e.Type)).Msg("Failed to publish event")
		}
	}
}

func (r *SubmitResult) fill(sess *model.Session) {
	r.Status = sess.Status
	r.CurrentSectionIndex = sess.CurrentSectionIndex
	r.SectionEndTime = sess.SectionEndTime
	if sess.Status.IsTerminal() {
		r.SectionEndTime = nil
	}
}

// timeSpent is the whole seconds between start and min(now, end).
func timeSpent(start, end *time.Time, now time.Time) int64 {
	if start == nil {
		return 0
	}
	stop := now
	if end != nil && end.Before(stop) {
		stop = *end
	}
	if stop.Before(*start) {
		return 0
	}
	return int64(stop.Sub(*start) / time.Second)
}
