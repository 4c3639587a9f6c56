package model

import (
	"time"

	"github.com/google/uuid"
)

// MonitorStudent is one row of the live monitor.
type MonitorStudent struct {
	SessionID           uuid.UUID     `json:"session_id"`
	StudentID           int           `json:"student_id"`
	Name                string        `json:"name"`
	Department          string        `json:"department"`
	Status              SessionStatus `json:"status"`
	CurrentSectionIndex int           `json:"current_section_index"`
	CompletedSections   int           `json:"completed_sections"`
	SectionEndTime      *time.Time    `json:"section_end_time,omitempty"`
	LastSavedAt         *time.Time    `json:"last_saved_at,omitempty"`
	TotalScore          float64       `json:"total_score"`
	MaxScore            float64       `json:"max_score"`
}

// MonitorStats counts sessions of one test by status.
type MonitorStats struct {
	TotalJoined     int `json:"total_joined"`
	TotalInProgress int `json:"total_in_progress"`
	TotalCompleted  int `json:"total_completed"`
	TotalAutoSubmit int `json:"total_auto_submitted"`
}

// MonitorSnapshot is the first frame sent to an admin watching a test.
type MonitorSnapshot struct {
	TestID        uuid.UUID        `json:"test_id"`
	Title         string           `json:"title"`
	TotalSections int              `json:"total_sections"`
	Stats         MonitorStats     `json:"stats"`
	Students      []MonitorStudent `json:"students"`
}
