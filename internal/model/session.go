package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates test session states.
type SessionStatus string

const (
	SessionStatusNotStarted    SessionStatus = "not_started"
	SessionStatusInProgress    SessionStatus = "in_progress"
	SessionStatusCompleted     SessionStatus = "completed"
	SessionStatusAutoSubmitted SessionStatus = "auto_submitted"
)

// IsTerminal reports whether the status is one of the finalized states.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusAutoSubmitted
}

// FinalizeReason tells the state machine why a session is being closed.
type FinalizeReason string

const (
	FinalizeManual  FinalizeReason = "manual"
	FinalizeTimeout FinalizeReason = "timeout"
)

// TerminalStatus returns the session status a finalization with this reason ends in.
func (r FinalizeReason) TerminalStatus() SessionStatus {
	if r == FinalizeTimeout {
		return SessionStatusAutoSubmitted
	}
	return SessionStatusCompleted
}

// Session is one student's attempt at one test. (TestID, StudentID) is unique.
type Session struct {
	ID                  uuid.UUID     `json:"id"`
	TestID              uuid.UUID     `json:"test_id"`
	StudentID           int           `json:"student_id"`
	Status              SessionStatus `json:"status"`
	CurrentSectionIndex int           `json:"current_section_index"`
	CompletedSections   []int         `json:"completed_sections"`
	StartedAt           *time.Time    `json:"started_at,omitempty"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty"`
	LastSavedAt         *time.Time    `json:"last_saved_at,omitempty"`
	SectionStartTime    *time.Time    `json:"section_start_time,omitempty"`
	SectionEndTime      *time.Time    `json:"section_end_time,omitempty"`
	TotalScore          float64       `json:"total_score"`
	MaxScore            float64       `json:"max_score"`
	ResultsReleased     bool          `json:"results_released"`
}

// Percentage derives total/max as a percentage. It is never stored.
func (s *Session) Percentage() float64 {
	return Percentage(s.TotalScore, s.MaxScore)
}

// IsSectionCompleted reports whether idx has already been finalized.
func (s *Session) IsSectionCompleted(idx int) bool {
	return slices.Contains(s.CompletedSections, idx)
}

// Clone returns a deep copy so staged mutations never alias stored state.
func (s *Session) Clone() *Session {
	c := *s
	c.CompletedSections = slices.Clone(s.CompletedSections)
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	c.LastSavedAt = cloneTime(s.LastSavedAt)
	c.SectionStartTime = cloneTime(s.SectionStartTime)
	c.SectionEndTime = cloneTime(s.SectionEndTime)
	return &c
}

// Percentage returns score/max*100, or 0 when max is 0.
func Percentage(score, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return score / max * 100
}

// StartSessionRequest is the payload for a student starting a test.
type StartSessionRequest struct {
	AccessCode string `json:"access_code" binding:"omitempty,max=64"`
}

// FinalizeRequest is the admin payload for force-closing a session.
type FinalizeRequest struct {
	Reason FinalizeReason `json:"reason" binding:"omitempty,oneof=manual timeout"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
