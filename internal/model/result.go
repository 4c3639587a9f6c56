package model

import (
	"time"

	"github.com/google/uuid"
)

// ResultState tells the client which result view it received.
type ResultState string

const (
	ResultStatePending  ResultState = "pending"
	ResultStateReleased ResultState = "released"
)

// LegacyResult is a flat result row written before sessions existed.
type LegacyResult struct {
	TestID          uuid.UUID  `json:"test_id"`
	StudentID       int        `json:"student_id"`
	Score           float64    `json:"score"`
	MaxScore        float64    `json:"max_score"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	ResultsReleased bool       `json:"results_released"`
}

// SectionResult is one section line of a released result.
type SectionResult struct {
	SectionIndex     int     `json:"section_index"`
	Score            float64 `json:"score"`
	MaxScore         float64 `json:"max_score"`
	TimeSpentSeconds int64   `json:"time_spent_seconds"`
	AutoSubmitted    bool    `json:"auto_submitted"`
}

// ResultView is returned by result reads. Score fields are nil unless the
// result has been released and the session is finalized.
type ResultView struct {
	TestID      uuid.UUID       `json:"test_id"`
	StudentID   int             `json:"student_id"`
	State       ResultState     `json:"state"`
	Status      SessionStatus   `json:"status,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	TotalScore  *float64        `json:"total_score,omitempty"`
	MaxScore    *float64        `json:"max_score,omitempty"`
	Percentage  *float64        `json:"percentage,omitempty"`
	Sections    []SectionResult `json:"sections,omitempty"`
}

// HasScores reports whether any score field is populated.
func (v *ResultView) HasScores() bool {
	return v.TotalScore != nil || v.MaxScore != nil || v.Percentage != nil || len(v.Sections) > 0
}
