package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/event"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
)

// ReleaseResult reports a release call. Changed is false when the result
// was already released.
type ReleaseResult struct {
	TestID    uuid.UUID `json:"test_id"`
	StudentID int       `json:"student_id"`
	Released  bool      `json:"released"`
	Changed   bool      `json:"changed"`
}

// ResultService is the result release gate. Completion and visibility are
// independent: only ReleaseResults makes scores visible to a student.
type ResultService struct {
	sessions *SessionService
	log      zerolog.Logger
}

// NewResultService creates a new ResultService.
func NewResultService(sessions *SessionService, log zerolog.Logger) *ResultService {
	return &ResultService{
		sessions: sessions,
		log:      log.With().Str("component", "result_gate").Logger(),
	}
}

// ReleaseResults flips the release flag on the session and on the legacy
// result row. Releasing twice is a no-op.
func (s *ResultService) ReleaseResults(ctx context.Context, testID uuid.UUID, studentID int) (*ReleaseResult, error) {
	if testID == uuid.Nil || studentID <= 0 {
		return nil, invalidInput("test id and student id are required")
	}

	changed, err := s.sessions.store.ReleaseResults(ctx, testID, studentID)
	if err != nil {
		return nil, storageErr(err)
	}

	if changed {
		s.log.Info().
			Str("test_id", testID.String()).
			Int("student_id", studentID).
			Msg("Results released")
		if lb := s.sessions.leaderboards; lb != nil {
			if err := lb.Bump(ctx); err != nil {
				s.log.Warn().Err(err).Msg("Failed to invalidate leaderboard cache")
			}
		}
		e := event.Event{
			Type:       event.ResultsReleased,
			TestID:     testID,
			StudentID:  studentID,
			OccurredAt: s.sessions.clock.now(),
		}
		if sess, err := s.sessions.store.FindSession(ctx, testID, studentID); err == nil {
			e.SessionID = &sess.ID
		}
		s.sessions.publish(ctx, e)
	}

	return &ReleaseResult{TestID: testID, StudentID: studentID, Released: true, Changed: changed}, nil
}

// GetResult is the student read path. Scores are only included once the
// result is released and the session is finalized.
func (s *ResultService) GetResult(ctx context.Context, testID uuid.UUID, studentID int) (*model.ResultView, error) {
	return s.result(ctx, testID, studentID, true)
}

// GetResultForAdmin bypasses the release gate.
func (s *ResultService) GetResultForAdmin(ctx context.Context, testID uuid.UUID, studentID int) (*model.ResultView, error) {
	return s.result(ctx, testID, studentID, false)
}

func (s *ResultService) result(ctx context.Context, testID uuid.UUID, studentID int, gated bool) (*model.ResultView, error) {
	if testID == uuid.Nil || studentID <= 0 {
		return nil, invalidInput("test id and student id are required")
	}

	sess, err := s.sessions.store.FindSession(ctx, testID, studentID)
	if errors.Is(err, repository.ErrNotFound) {
		return s.legacyResult(ctx, testID, studentID, gated)
	}
	if err != nil {
		return nil, storageErr(err)
	}

	view := &model.ResultView{
		TestID:      testID,
		StudentID:   studentID,
		State:       model.ResultStatePending,
		Status:      sess.Status,
		CompletedAt: sess.CompletedAt,
	}
	if sess.ResultsReleased {
		view.State = model.ResultStateReleased
	}
	if !sess.Status.IsTerminal() || (gated && !sess.ResultsReleased) {
		if gated {
			view.State = model.ResultStatePending
		}
		return view, nil
	}

	entries, err := s.sessions.store.ListSections(ctx, sess.ID)
	if err != nil {
		return nil, storageErr(err)
	}
	total, maxScore, pct := sess.TotalScore, sess.MaxScore, sess.Percentage()
	view.TotalScore, view.MaxScore, view.Percentage = &total, &maxScore, &pct
	view.Sections = make([]model.SectionResult, 0, len(entries))
	for _, e := range entries {
		if !e.IsCompleted() {
			continue
		}
		view.Sections = append(view.Sections, model.SectionResult{
			SectionIndex:     e.SectionIndex,
			Score:            e.Score,
			MaxScore:         e.MaxScore,
			TimeSpentSeconds: e.TimeSpentSeconds,
			AutoSubmitted:    e.AutoSubmitted,
		})
	}
	return view, nil
}

// legacyResult serves flat result rows that predate sessions.
func (s *ResultService) legacyResult(ctx context.Context, testID uuid.UUID, studentID int, gated bool) (*model.ResultView, error) {
	lr, err := s.sessions.store.GetLegacyResult(ctx, testID, studentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: no result for test %s student %d", ErrNotFound, testID, studentID)
		}
		return nil, storageErr(err)
	}

	view := &model.ResultView{
		TestID:      testID,
		StudentID:   studentID,
		State:       model.ResultStatePending,
		Status:      model.SessionStatusCompleted,
		CompletedAt: lr.SubmittedAt,
	}
	if lr.ResultsReleased {
		view.State = model.ResultStateReleased
	}
	if gated && !lr.ResultsReleased {
		return view, nil
	}
	score, maxScore, pct := lr.Score, lr.MaxScore, model.Percentage(lr.Score, lr.MaxScore)
	view.TotalScore, view.MaxScore, view.Percentage = &score, &maxScore, &pct
	return view, nil
}
