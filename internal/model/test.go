package model

import (
	"time"

	"github.com/google/uuid"
)

// QuestionKind controls how a recorded answer is graded.
type QuestionKind string

const (
	QuestionKindChoice QuestionKind = "choice"
	QuestionKindText   QuestionKind = "text"
	QuestionKindCoding QuestionKind = "coding"
)

// Question is the engine's view of a question bank item: only what
// scoring needs.
type Question struct {
	ID        uuid.UUID    `json:"id"`
	Kind      QuestionKind `json:"kind"`
	Points    float64      `json:"points"`
	AnswerKey string       `json:"answer_key,omitempty"`
}

// SectionDefinition is one timed section of a test.
type SectionDefinition struct {
	Index           int        `json:"index"`
	Title           string     `json:"title"`
	DurationSeconds int        `json:"duration_seconds"`
	Questions       []Question `json:"questions"`
}

// Duration returns the section window length.
func (d SectionDefinition) Duration() time.Duration {
	return time.Duration(d.DurationSeconds) * time.Second
}

// MaxScore is the sum of question points.
func (d SectionDefinition) MaxScore() float64 {
	var total float64
	for _, q := range d.Questions {
		total += q.Points
	}
	return total
}

// Question returns the question with the given id.
func (d SectionDefinition) Question(id string) (Question, bool) {
	for _, q := range d.Questions {
		if q.ID.String() == id {
			return q, true
		}
	}
	return Question{}, false
}

// TestDefinition is the ordered list of sections a session walks through.
type TestDefinition struct {
	ID             uuid.UUID           `json:"id"`
	Title          string              `json:"title"`
	AccessCodeHash string              `json:"access_code_hash,omitempty"`
	ClosesAt       *time.Time          `json:"closes_at,omitempty"`
	Sections       []SectionDefinition `json:"sections"`
}

// Section returns the section at idx.
func (t *TestDefinition) Section(idx int) (SectionDefinition, bool) {
	if idx < 0 || idx >= len(t.Sections) {
		return SectionDefinition{}, false
	}
	return t.Sections[idx], true
}

// IsClosed reports whether the test's hard close has passed.
func (t *TestDefinition) IsClosed(now time.Time) bool {
	return t.ClosesAt != nil && !now.Before(*t.ClosesAt)
}
