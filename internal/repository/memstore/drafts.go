package memstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/model"
)

// Drafts is an in-memory stand-in for the Redis draft buffer.
type Drafts struct {
	mu      sync.Mutex
	byDraft map[uuid.UUID]model.AnswerPayload
}

// NewDrafts creates an empty draft buffer.
func NewDrafts() *Drafts {
	return &Drafts{byDraft: map[uuid.UUID]model.AnswerPayload{}}
}

func (d *Drafts) section(sessionID uuid.UUID, idx int) model.SectionAnswers {
	p, ok := d.byDraft[sessionID]
	if !ok {
		p = model.AnswerPayload{}
		d.byDraft[sessionID] = p
	}
	sec := p[idx]
	if sec.Answers == nil {
		sec.Answers = map[string]json.RawMessage{}
	}
	p[idx] = sec
	return sec
}

// PutAnswer records the latest response to a question.
func (d *Drafts) PutAnswer(_ context.Context, sessionID uuid.UUID, section int, questionID string, answer json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.section(sessionID, section).Answers[questionID] = append(json.RawMessage(nil), answer...)
	return nil
}

// Snapshot returns a copy of everything buffered for a session, or nil.
func (d *Drafts) Snapshot(_ context.Context, sessionID uuid.UUID) (model.AnswerPayload, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.byDraft[sessionID]
	if !ok {
		return nil, nil
	}
	out := make(model.AnswerPayload, len(p))
	for idx, sec := range p {
		cp := model.SectionAnswers{Answers: make(map[string]json.RawMessage, len(sec.Answers))}
		for k, v := range sec.Answers {
			cp.Answers[k] = append(json.RawMessage(nil), v...)
		}
		out[idx] = cp
	}
	return out, nil
}

// Clear drops a session's buffer.
func (d *Drafts) Clear(_ context.Context, sessionID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byDraft, sessionID)
	return nil
}
