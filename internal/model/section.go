package model

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"
)

// SectionStatus enumerates Section Ledger states.
type SectionStatus string

const (
	SectionStatusNotStarted SectionStatus = "not_started"
	SectionStatusInProgress SectionStatus = "in_progress"
	SectionStatusCompleted  SectionStatus = "completed"
)

// CodingVerdict is the opaque judge output for one coding answer.
type CodingVerdict struct {
	Score  float64 `json:"score"`
	Passed int     `json:"passed"`
	Total  int     `json:"total"`
}

// Consistent reports whether the counts are in range and a verdict with no
// passing case carries no score.
func (v CodingVerdict) Consistent() bool {
	if v.Total < 0 || v.Passed < 0 || v.Passed > v.Total || v.Score < 0 {
		return false
	}
	return v.Passed > 0 || v.Score == 0
}

// SectionLedger is the per-(session, section) progress record.
// Once Status is completed the entry is immutable.
type SectionLedger struct {
	SessionID        uuid.UUID                  `json:"session_id"`
	SectionIndex     int                        `json:"section_index"`
	Answers          map[string]json.RawMessage `json:"answers"`
	Verdicts         map[string]CodingVerdict   `json:"verdicts"`
	Status           SectionStatus              `json:"status"`
	Score            float64                    `json:"score"`
	MaxScore         float64                    `json:"max_score"`
	TimeSpentSeconds int64                      `json:"time_spent_seconds"`
	AutoSubmitted    bool                       `json:"auto_submitted"`
	StartedAt        *time.Time                 `json:"started_at,omitempty"`
	SubmittedAt      *time.Time                 `json:"submitted_at,omitempty"`
	LastActivityAt   *time.Time                 `json:"last_activity_at,omitempty"`
}

// NewSectionLedger returns an empty not_started entry.
func NewSectionLedger(sessionID uuid.UUID, idx int, maxScore float64) *SectionLedger {
	return &SectionLedger{
		SessionID:    sessionID,
		SectionIndex: idx,
		Answers:      map[string]json.RawMessage{},
		Verdicts:     map[string]CodingVerdict{},
		Status:       SectionStatusNotStarted,
		MaxScore:     maxScore,
	}
}

// IsCompleted reports whether the entry is frozen.
func (l *SectionLedger) IsCompleted() bool {
	return l.Status == SectionStatusCompleted
}

// Merge overwrites answers and verdicts per question id (last write wins).
func (l *SectionLedger) Merge(in SectionAnswers) {
	if l.Answers == nil {
		l.Answers = map[string]json.RawMessage{}
	}
	if l.Verdicts == nil {
		l.Verdicts = map[string]CodingVerdict{}
	}
	for qid, ans := range in.Answers {
		l.Answers[qid] = append(json.RawMessage(nil), ans...)
	}
	maps.Copy(l.Verdicts, in.Verdicts)
}

// Clone returns a deep copy of the entry.
func (l *SectionLedger) Clone() *SectionLedger {
	c := *l
	c.Answers = make(map[string]json.RawMessage, len(l.Answers))
	for k, v := range l.Answers {
		c.Answers[k] = append(json.RawMessage(nil), v...)
	}
	c.Verdicts = maps.Clone(l.Verdicts)
	if c.Verdicts == nil {
		c.Verdicts = map[string]CodingVerdict{}
	}
	c.StartedAt = cloneTime(l.StartedAt)
	c.SubmittedAt = cloneTime(l.SubmittedAt)
	c.LastActivityAt = cloneTime(l.LastActivityAt)
	return &c
}

// SectionAnswers is the part of an auto-save payload addressed to one section.
type SectionAnswers struct {
	Answers  map[string]json.RawMessage `json:"answers,omitempty"`
	Verdicts map[string]CodingVerdict   `json:"verdicts,omitempty"`
}

// IsEmpty reports whether there is nothing to persist.
func (a SectionAnswers) IsEmpty() bool {
	return len(a.Answers) == 0 && len(a.Verdicts) == 0
}

// AnswerPayload maps section index to the answers saved for it.
type AnswerPayload map[int]SectionAnswers

// IsEmpty reports whether no section carries any answer or verdict.
func (p AnswerPayload) IsEmpty() bool {
	for _, s := range p {
		if !s.IsEmpty() {
			return false
		}
	}
	return true
}

// HasVerdicts reports whether any section carries a coding verdict.
func (p AnswerPayload) HasVerdicts() bool {
	for _, s := range p {
		if len(s.Verdicts) > 0 {
			return true
		}
	}
	return false
}

// SaveAnswersRequest is the HTTP payload for an auto-save.
type SaveAnswersRequest struct {
	Sections AnswerPayload `json:"sections" binding:"required,answer_payload"`
}

// SubmitSectionRequest names the section the client believes is active and
// optionally carries the answers it held at submit time.
type SubmitSectionRequest struct {
	SectionIndex *int          `json:"section_index" binding:"required,min=0"`
	Sections     AnswerPayload `json:"sections" binding:"omitempty,answer_payload"`
}

// RecordVerdictsRequest carries coding-judge verdicts for one section.
type RecordVerdictsRequest struct {
	SectionIndex *int                     `json:"section_index" binding:"required,min=0"`
	Verdicts     map[string]CodingVerdict `json:"verdicts" binding:"required,min=1,dive,keys,uuid,endkeys"`
}
