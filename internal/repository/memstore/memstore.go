// Package memstore keeps sessions, ledgers and collaborator data in process
// memory behind the same contracts as the Postgres repositories. It backs
// the test suites and STORE_DRIVER=memory for local runs; nothing survives
// a restart.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
)

type pairKey struct {
	testID    uuid.UUID
	studentID int
}

// Store is an in-memory session store, test catalog and student directory.
type Store struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*model.Session
	byPair   map[pairKey]uuid.UUID
	ledgers  map[uuid.UUID]map[int]*model.SectionLedger
	tests    map[uuid.UUID]*model.TestDefinition
	students []model.Student
	legacy   map[pairKey]*model.LegacyResult

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex

	faultMu      sync.Mutex
	failCommits  int
	failErr      error
	lockAttempts map[uuid.UUID]int
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		sessions:     map[uuid.UUID]*model.Session{},
		byPair:       map[pairKey]uuid.UUID{},
		ledgers:      map[uuid.UUID]map[int]*model.SectionLedger{},
		tests:        map[uuid.UUID]*model.TestDefinition{},
		legacy:       map[pairKey]*model.LegacyResult{},
		locks:        map[uuid.UUID]*sync.Mutex{},
		lockAttempts: map[uuid.UUID]int{},
	}
}

// ─── Fault injection ───────────────────────────────────────────────────

// FailCommits makes the next n lock-scoped transactions fail at commit
// time with err, after their callback has staged its writes. A nil err
// defaults to a transient storage error.
func (s *Store) FailCommits(n int, err error) {
	if err == nil {
		err = fmt.Errorf("%w: injected connection reset", repository.ErrTransient)
	}
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.failCommits = n
	s.failErr = err
}

// LockAttempts returns how many lock-scoped transactions were started for a session.
func (s *Store) LockAttempts(id uuid.UUID) int {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	return s.lockAttempts[id]
}

func (s *Store) takeFault(id uuid.UUID) error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if s.failCommits == 0 {
		return nil
	}
	s.failCommits--
	return s.failErr
}

// ─── Collaborator data ─────────────────────────────────────────────────

// PutTest stores a test definition.
func (s *Store) PutTest(t *model.TestDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tests[t.ID] = t
}

// GetTest returns a test definition or repository.ErrNotFound.
func (s *Store) GetTest(_ context.Context, id uuid.UUID) (*model.TestDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tests[id]
	if !ok {
		return nil, fmt.Errorf("%w: test %s", repository.ErrNotFound, id)
	}
	return t, nil
}

// PutStudent adds or replaces a student in the directory.
func (s *Store) PutStudent(st model.Student) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.students {
		if s.students[i].ID == st.ID {
			s.students[i] = st
			return
		}
	}
	s.students = append(s.students, st)
	slices.SortFunc(s.students, func(a, b model.Student) int { return cmp.Compare(a.ID, b.ID) })
}

// ListStudents returns a department's members ordered by ID; "" lists everyone.
func (s *Store) ListStudents(_ context.Context, department string) ([]model.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Student
	for _, st := range s.students {
		if department == "" || st.Department == department {
			out = append(out, st)
		}
	}
	return out, nil
}

// PutLegacyResult stores a flat pre-session result row.
func (s *Store) PutLegacyResult(lr model.LegacyResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacy[pairKey{lr.TestID, lr.StudentID}] = &lr
}

// GetLegacyResult returns a legacy row or repository.ErrNotFound.
func (s *Store) GetLegacyResult(_ context.Context, testID uuid.UUID, studentID int) (*model.LegacyResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lr, ok := s.legacy[pairKey{testID, studentID}]
	if !ok {
		return nil, fmt.Errorf("%w: legacy result", repository.ErrNotFound)
	}
	c := *lr
	return &c, nil
}

// ─── Sessions ──────────────────────────────────────────────────────────

// CreateSession inserts a session and its first ledger entry.
func (s *Store) CreateSession(_ context.Context, sess *model.Session, first *model.SectionLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{sess.TestID, sess.StudentID}
	if _, exists := s.byPair[key]; exists {
		return fmt.Errorf("%w: session for test %s student %d", repository.ErrDuplicate, sess.TestID, sess.StudentID)
	}
	s.sessions[sess.ID] = sess.Clone()
	s.byPair[key] = sess.ID
	s.ledgers[sess.ID] = map[int]*model.SectionLedger{}
	if first != nil {
		s.ledgers[sess.ID][first.SectionIndex] = first.Clone()
	}
	return nil
}

// GetSession returns a copy of a session.
func (s *Store) GetSession(_ context.Context, id uuid.UUID) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", repository.ErrNotFound, id)
	}
	return sess.Clone(), nil
}

// FindSession returns the session of a test-student pair.
func (s *Store) FindSession(ctx context.Context, testID uuid.UUID, studentID int) (*model.Session, error) {
	s.mu.RLock()
	id, ok := s.byPair[pairKey{testID, studentID}]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: session for test %s student %d", repository.ErrNotFound, testID, studentID)
	}
	return s.GetSession(ctx, id)
}

// ListSections returns copies of a session's ledger ordered by index.
func (s *Store) ListSections(_ context.Context, sessionID uuid.UUID) ([]model.SectionLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedLedger(s.ledgers[sessionID], nil), nil
}

// ListExpiredSessions returns in-progress sessions whose window closed at or before now.
func (s *Store) ListExpiredSessions(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return s.filterIDs(limit, func(sess *model.Session) bool {
		return sess.Status == model.SessionStatusInProgress &&
			sess.SectionEndTime != nil && !sess.SectionEndTime.After(now)
	}), nil
}

// ListActiveSessions returns in-progress session IDs.
func (s *Store) ListActiveSessions(_ context.Context, limit int) ([]uuid.UUID, error) {
	return s.filterIDs(limit, func(sess *model.Session) bool {
		return sess.Status == model.SessionStatusInProgress
	}), nil
}

// ListSessionsPastClose returns in-progress sessions of closed tests.
func (s *Store) ListSessionsPastClose(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return s.filterIDs(limit, func(sess *model.Session) bool {
		t, ok := s.tests[sess.TestID]
		return ok && sess.Status == model.SessionStatusInProgress && t.IsClosed(now)
	}), nil
}

func (s *Store) filterIDs(limit int, keep func(*model.Session) bool) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*model.Session
	for _, sess := range s.sessions {
		if keep(sess) {
			matched = append(matched, sess)
		}
	}
	slices.SortFunc(matched, func(a, b *model.Session) int { return compareTimes(a.SectionEndTime, b.SectionEndTime) })
	var ids []uuid.UUID
	for _, sess := range matched {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, sess.ID)
	}
	return ids
}

// ListSessionsByTest returns copies of every session of a test.
func (s *Store) ListSessionsByTest(_ context.Context, testID uuid.UUID) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Session
	for _, sess := range s.sessions {
		if sess.TestID == testID {
			out = append(out, *sess.Clone())
		}
	}
	slices.SortFunc(out, func(a, b model.Session) int { return compareTimes(b.StartedAt, a.StartedAt) })
	return out, nil
}

// ListFinalizedByStudents returns terminal sessions of the given students.
func (s *Store) ListFinalizedByStudents(_ context.Context, studentIDs []int, releasedOnly bool) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Session
	for _, sess := range s.sessions {
		if !sess.Status.IsTerminal() || !slices.Contains(studentIDs, sess.StudentID) {
			continue
		}
		if releasedOnly && !sess.ResultsReleased {
			continue
		}
		out = append(out, *sess.Clone())
	}
	slices.SortFunc(out, func(a, b model.Session) int {
		if c := cmp.Compare(a.StudentID, b.StudentID); c != 0 {
			return c
		}
		return compareTimes(a.CompletedAt, b.CompletedAt)
	})
	return out, nil
}

// ReleaseResults flips the flag on the session and the legacy row.
func (s *Store) ReleaseResults(_ context.Context, testID uuid.UUID, studentID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{testID, studentID}
	var found, changed bool
	if id, ok := s.byPair[key]; ok {
		found = true
		if sess := s.sessions[id]; !sess.ResultsReleased {
			sess.ResultsReleased = true
			changed = true
		}
	}
	if lr, ok := s.legacy[key]; ok {
		found = true
		if !lr.ResultsReleased {
			lr.ResultsReleased = true
			changed = true
		}
	}
	if !found {
		return false, fmt.Errorf("%w: no session or result for test %s student %d", repository.ErrNotFound, testID, studentID)
	}
	return changed, nil
}

// ─── Lock scope ────────────────────────────────────────────────────────

func (s *Store) sessionLock(id uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// WithSessionLock serializes callers per session. Writes staged by fn are
// applied atomically when it returns nil and discarded otherwise.
func (s *Store) WithSessionLock(ctx context.Context, id uuid.UUID, fn func(tx repository.SessionTx) error) error {
	s.faultMu.Lock()
	s.lockAttempts[id]++
	s.faultMu.Unlock()

	l := s.sessionLock(id)
	l.Lock()
	defer l.Unlock()

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}

	tx := &memTx{store: s, sess: sess, staged: map[int]*model.SectionLedger{}}
	if err := fn(tx); err != nil {
		return err
	}
	if err := s.takeFault(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.saved != nil {
		stored := s.sessions[id]
		released := stored.ResultsReleased
		*stored = *tx.saved.Clone()
		stored.ResultsReleased = released
	}
	for idx, entry := range tx.staged {
		s.ledgers[id][idx] = entry.Clone()
	}
	return nil
}

type memTx struct {
	store  *Store
	sess   *model.Session
	staged map[int]*model.SectionLedger
	saved  *model.Session
}

func (t *memTx) Session() *model.Session {
	return t.sess
}

func (t *memTx) current(idx int) *model.SectionLedger {
	if e, ok := t.staged[idx]; ok {
		return e
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.ledgers[t.sess.ID][idx]
}

func (t *memTx) Section(_ context.Context, idx int) (*model.SectionLedger, error) {
	e := t.current(idx)
	if e == nil {
		return nil, fmt.Errorf("%w: section %d", repository.ErrNotFound, idx)
	}
	return e.Clone(), nil
}

func (t *memTx) Sections(_ context.Context) ([]model.SectionLedger, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return sortedLedger(t.store.ledgers[t.sess.ID], t.staged), nil
}

func (t *memTx) PutSection(_ context.Context, entry *model.SectionLedger) error {
	if existing := t.current(entry.SectionIndex); existing != nil && existing.IsCompleted() {
		return fmt.Errorf("%w: session %s section %d", repository.ErrImmutable, t.sess.ID, entry.SectionIndex)
	}
	t.staged[entry.SectionIndex] = entry.Clone()
	return nil
}

func (t *memTx) SaveSession(_ context.Context, sess *model.Session) error {
	t.saved = sess.Clone()
	return nil
}

func sortedLedger(stored, staged map[int]*model.SectionLedger) []model.SectionLedger {
	merged := make(map[int]*model.SectionLedger, len(stored)+len(staged))
	for idx, e := range stored {
		merged[idx] = e
	}
	for idx, e := range staged {
		merged[idx] = e
	}
	out := make([]model.SectionLedger, 0, len(merged))
	for _, e := range merged {
		out = append(out, *e.Clone())
	}
	slices.SortFunc(out, func(a, b model.SectionLedger) int { return cmp.Compare(a.SectionIndex, b.SectionIndex) })
	return out
}

func compareTimes(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.Compare(*b)
}
