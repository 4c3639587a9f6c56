package service

import (
	"encoding/json"
	"strings"

	"github.com/stemsi/exstem-engine/internal/model"
)

// ScoringAggregator grades sections at submission and rolls completed
// sections up into the session total.
type ScoringAggregator struct{}

// NewScoringAggregator creates a new ScoringAggregator.
func NewScoringAggregator() *ScoringAggregator {
	return &ScoringAggregator{}
}

// GradeSection scores the answers recorded on entry against the section's
// questions. Unanswered questions score 0, so the result never exceeds the
// section's max score.
func (a *ScoringAggregator) GradeSection(def model.SectionDefinition, entry *model.SectionLedger) float64 {
	var score float64
	for _, q := range def.Questions {
		qid := q.ID.String()
		switch q.Kind {
		case model.QuestionKindCoding:
			if v, ok := entry.Verdicts[qid]; ok {
				score += clamp(v.Score, 0, q.Points)
			}
		case model.QuestionKindChoice:
			if ans, ok := answerText(entry.Answers[qid]); ok && ans == q.AnswerKey {
				score += q.Points
			}
		case model.QuestionKindText:
			if ans, ok := answerText(entry.Answers[qid]); ok &&
				strings.EqualFold(strings.TrimSpace(ans), strings.TrimSpace(q.AnswerKey)) {
				score += q.Points
			}
		}
	}
	return score
}

// Aggregate sums score and max score over completed entries. Each entry's
// score is clamped to its own max so total <= max holds for any input.
func (a *ScoringAggregator) Aggregate(entries []model.SectionLedger) (total, max float64) {
	for _, e := range entries {
		if !e.IsCompleted() {
			continue
		}
		total += clamp(e.Score, 0, e.MaxScore)
		max += e.MaxScore
	}
	return total, max
}

// answerText accepts a JSON string or a bare scalar (numbers, booleans).
func answerText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return "", false
	}
	switch v.(type) {
	case map[string]any, []any:
		return "", false
	}
	return string(raw), true
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		hi = lo
	}
	return min(max(v, lo), hi)
}
