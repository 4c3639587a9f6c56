package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/event"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository/memstore"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memstore.Store
	events   *event.Recorder
	sessions *SessionService
	autosave *AutosaveService
	timer    *TimerService
	results  *ResultService
	ranking  *RankingService
	sleeps   []time.Duration

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  memstore.New(),
		events: &event.Recorder{},
		now:    t0,
	}
	log := zerolog.Nop()
	f.sessions = NewSessionService(f.store, f.store, f.events, nil, 10*time.Second, f.clock, log)
	f.autosave = NewAutosaveService(f.sessions, 3, 5*time.Second, log)
	f.autosave.sleep = func(d time.Duration) { f.sleeps = append(f.sleeps, d) }
	f.timer = NewTimerService(f.sessions, log)
	f.results = NewResultService(f.sessions, log)
	f.ranking = NewRankingService(f.store, f.store, nil, time.Minute, f.clock, log)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// codingTest registers a test whose sections each hold one 10-point coding
// question and last ten minutes.
func (f *fixture) codingTest(sections int) *model.TestDefinition {
	def := &model.TestDefinition{ID: uuid.New(), Title: "Algoritma Dasar"}
	for i := range sections {
		def.Sections = append(def.Sections, model.SectionDefinition{
			Index:           i,
			Title:           "Bagian",
			DurationSeconds: 600,
			Questions: []model.Question{
				{ID: uuid.New(), Kind: model.QuestionKindCoding, Points: 10},
			},
		})
	}
	f.store.PutTest(def)
	return def
}

func (f *fixture) start(t *testing.T, def *model.TestDefinition, studentID int) *model.Session {
	t.Helper()
	sess, err := f.sessions.StartSession(context.Background(), studentID, def.ID, "")
	require.NoError(t, err)
	return sess
}

func (f *fixture) section(t *testing.T, id uuid.UUID, idx int) model.SectionLedger {
	t.Helper()
	entries, err := f.store.ListSections(context.Background(), id)
	require.NoError(t, err)
	for _, e := range entries {
		if e.SectionIndex == idx {
			return e
		}
	}
	t.Fatalf("no ledger entry for section %d", idx)
	return model.SectionLedger{}
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *model.Session {
	t.Helper()
	sess, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return sess
}

// judge records a verdict for a section's coding question the way the
// coding judge does.
func (f *fixture) judge(t *testing.T, id uuid.UUID, def *model.TestDefinition, section int, score float64) {
	t.Helper()
	qid := def.Sections[section].Questions[0].ID.String()
	err := f.sessions.RecordVerdicts(context.Background(), id, section, map[string]model.CodingVerdict{
		qid: {Score: score, Passed: int(score), Total: 10},
	})
	require.NoError(t, err)
}

// verdict is a student-shaped payload that carries a verdict.
func verdict(def *model.TestDefinition, section int, score float64) model.AnswerPayload {
	qid := def.Sections[section].Questions[0].ID.String()
	return model.AnswerPayload{section: {
		Verdicts: map[string]model.CodingVerdict{qid: {Score: score, Passed: int(score), Total: 10}},
	}}
}

func answers(section int, kv ...string) model.AnswerPayload {
	m := map[string]json.RawMessage{}
	for i := 0; i+1 < len(kv); i += 2 {
		raw, _ := json.Marshal(kv[i+1])
		m[kv[i]] = raw
	}
	return model.AnswerPayload{section: {Answers: m}}
}

func intPtr(v int) *int { return &v }
