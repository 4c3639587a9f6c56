package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/model"
)

const sessionColumns = `id, test_id, student_id, status, current_section_index, completed_sections,
	started_at, completed_at, last_saved_at, section_start_time, section_end_time,
	total_score, max_score, results_released`

const ledgerColumns = `session_id, section_index, answers, verdicts, status, score, max_score,
	time_spent_seconds, auto_submitted, started_at, submitted_at, last_activity_at`

// SessionRepository persists test sessions and their Section Ledger.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func scanSession(row pgx.Row) (*model.Session, error) {
	s := &model.Session{}
	err := row.Scan(&s.ID, &s.TestID, &s.StudentID, &s.Status, &s.CurrentSectionIndex, &s.CompletedSections,
		&s.StartedAt, &s.CompletedAt, &s.LastSavedAt, &s.SectionStartTime, &s.SectionEndTime,
		&s.TotalScore, &s.MaxScore, &s.ResultsReleased)
	if err != nil {
		return nil, classify(err)
	}
	if s.CompletedSections == nil {
		s.CompletedSections = []int{}
	}
	return s, nil
}

func scanLedger(row pgx.Row) (*model.SectionLedger, error) {
	l := &model.SectionLedger{}
	err := row.Scan(&l.SessionID, &l.SectionIndex, &l.Answers, &l.Verdicts, &l.Status, &l.Score, &l.MaxScore,
		&l.TimeSpentSeconds, &l.AutoSubmitted, &l.StartedAt, &l.SubmittedAt, &l.LastActivityAt)
	if err != nil {
		return nil, classify(err)
	}
	return l, nil
}

// CreateSession inserts a session together with its first ledger entry.
// Returns ErrDuplicate when the (test, student) pair already has a session.
func (r *SessionRepository) CreateSession(ctx context.Context, s *model.Session, first *model.SectionLedger) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO test_sessions (id, test_id, student_id, status, current_section_index, completed_sections,
		                            started_at, section_start_time, section_end_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.TestID, s.StudentID, s.Status, s.CurrentSectionIndex, s.CompletedSections,
		s.StartedAt, s.SectionStartTime, s.SectionEndTime,
	)
	if err != nil {
		return classify(err)
	}

	if first != nil {
		if err := upsertLedger(ctx, tx, first); err != nil {
			return err
		}
	}

	return classify(tx.Commit(ctx))
}

// GetSession retrieves a session by ID.
func (r *SessionRepository) GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM test_sessions WHERE id = $1`, id))
}

// FindSession retrieves the session for a test-student combination.
func (r *SessionRepository) FindSession(ctx context.Context, testID uuid.UUID, studentID int) (*model.Session, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM test_sessions WHERE test_id = $1 AND student_id = $2`,
		testID, studentID))
}

// ListSections retrieves the ledger of a session ordered by section index.
func (r *SessionRepository) ListSections(ctx context.Context, sessionID uuid.UUID) ([]model.SectionLedger, error) {
	return listLedger(ctx, r.pool, sessionID)
}

// WithSessionLock runs fn inside a transaction holding the session row
// with SELECT ... FOR UPDATE. fn's error rolls everything back.
func (r *SessionRepository) WithSessionLock(ctx context.Context, id uuid.UUID, fn func(tx SessionTx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	sess, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM test_sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}

	if err := fn(&pgSessionTx{tx: tx, sess: sess}); err != nil {
		return err
	}
	return classify(tx.Commit(ctx))
}

// ListExpiredSessions returns in-progress sessions whose section window has closed.
func (r *SessionRepository) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.listIDs(ctx,
		`SELECT id FROM test_sessions
		 WHERE status = 'in_progress' AND section_end_time IS NOT NULL AND section_end_time <= $1
		 ORDER BY section_end_time ASC
		 LIMIT $2`, now, limit)
}

// ListActiveSessions returns in-progress session IDs.
func (r *SessionRepository) ListActiveSessions(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return r.listIDs(ctx,
		`SELECT id FROM test_sessions WHERE status = 'in_progress' ORDER BY started_at ASC LIMIT $1`, limit)
}

// ListSessionsPastClose returns in-progress sessions of tests whose hard close has passed.
func (r *SessionRepository) ListSessionsPastClose(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.listIDs(ctx,
		`SELECT s.id FROM test_sessions s
		 JOIN tests t ON t.id = s.test_id
		 WHERE s.status = 'in_progress' AND t.closes_at IS NOT NULL AND t.closes_at <= $1
		 ORDER BY t.closes_at ASC
		 LIMIT $2`, now, limit)
}

func (r *SessionRepository) listIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	return ids, classify(rows.Err())
}

// ListSessionsByTest retrieves every session of a test, newest first.
func (r *SessionRepository) ListSessionsByTest(ctx context.Context, testID uuid.UUID) ([]model.Session, error) {
	return r.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM test_sessions WHERE test_id = $1 ORDER BY started_at DESC`, testID)
}

// ListFinalizedByStudents retrieves completed or auto-submitted sessions of the given students.
func (r *SessionRepository) ListFinalizedByStudents(ctx context.Context, studentIDs []int, releasedOnly bool) ([]model.Session, error) {
	if len(studentIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + sessionColumns + ` FROM test_sessions
		 WHERE student_id = ANY($1) AND status IN ('completed', 'auto_submitted')`
	if releasedOnly {
		query += ` AND results_released`
	}
	query += ` ORDER BY student_id, completed_at`
	return r.listSessions(ctx, query, studentIDs)
}

func (r *SessionRepository) listSessions(ctx context.Context, query string, args ...any) ([]model.Session, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, classify(rows.Err())
}

// ReleaseResults flips results_released on the session and on the mirrored
// legacy result row. changed is false when both were already released.
// Returns ErrNotFound when neither record exists.
func (r *SessionRepository) ReleaseResults(ctx context.Context, testID uuid.UUID, studentID int) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, classify(err)
	}
	defer tx.Rollback(ctx)

	var found, changed bool
	for _, table := range []string{"test_sessions", "legacy_results"} {
		var wasReleased bool
		err := tx.QueryRow(ctx,
			`SELECT results_released FROM `+table+` WHERE test_id = $1 AND student_id = $2 FOR UPDATE`,
			testID, studentID,
		).Scan(&wasReleased)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return false, classify(err)
		}
		found = true
		if wasReleased {
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE `+table+` SET results_released = TRUE WHERE test_id = $1 AND student_id = $2`,
			testID, studentID,
		); err != nil {
			return false, classify(err)
		}
		changed = true
	}

	if !found {
		return false, fmt.Errorf("%w: no session or result for test %s student %d", ErrNotFound, testID, studentID)
	}
	return changed, classify(tx.Commit(ctx))
}

// GetLegacyResult retrieves a pre-session flat result row.
func (r *SessionRepository) GetLegacyResult(ctx context.Context, testID uuid.UUID, studentID int) (*model.LegacyResult, error) {
	lr := &model.LegacyResult{}
	err := r.pool.QueryRow(ctx,
		`SELECT test_id, student_id, score, max_score, submitted_at, results_released
		 FROM legacy_results WHERE test_id = $1 AND student_id = $2`, testID, studentID,
	).Scan(&lr.TestID, &lr.StudentID, &lr.Score, &lr.MaxScore, &lr.SubmittedAt, &lr.ResultsReleased)
	if err != nil {
		return nil, classify(err)
	}
	return lr, nil
}

// ─── Lock scope ────────────────────────────────────────────────────────

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgSessionTx struct {
	tx   pgx.Tx
	sess *model.Session
}

func (t *pgSessionTx) Session() *model.Session {
	return t.sess
}

func (t *pgSessionTx) Section(ctx context.Context, idx int) (*model.SectionLedger, error) {
	return scanLedger(t.tx.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM section_ledgers WHERE session_id = $1 AND section_index = $2`,
		t.sess.ID, idx))
}

func (t *pgSessionTx) Sections(ctx context.Context) ([]model.SectionLedger, error) {
	return listLedger(ctx, t.tx, t.sess.ID)
}

func (t *pgSessionTx) PutSection(ctx context.Context, entry *model.SectionLedger) error {
	return upsertLedger(ctx, t.tx, entry)
}

func (t *pgSessionTx) SaveSession(ctx context.Context, s *model.Session) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE test_sessions
		 SET status = $2, current_section_index = $3, completed_sections = $4,
		     completed_at = $5, last_saved_at = $6, section_start_time = $7, section_end_time = $8,
		     total_score = $9, max_score = $10, updated_at = NOW()
		 WHERE id = $1`,
		s.ID, s.Status, s.CurrentSectionIndex, s.CompletedSections,
		s.CompletedAt, s.LastSavedAt, s.SectionStartTime, s.SectionEndTime,
		s.TotalScore, s.MaxScore,
	)
	return classify(err)
}

func listLedger(ctx context.Context, q querier, sessionID uuid.UUID) ([]model.SectionLedger, error) {
	rows, err := q.Query(ctx,
		`SELECT `+ledgerColumns+` FROM section_ledgers WHERE session_id = $1 ORDER BY section_index`, sessionID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var entries []model.SectionLedger
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *l)
	}
	return entries, classify(rows.Err())
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// upsertLedger refuses to touch a row that is already completed.
func upsertLedger(ctx context.Context, q execer, l *model.SectionLedger) error {
	tag, err := q.Exec(ctx,
		`INSERT INTO section_ledgers (`+ledgerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (session_id, section_index) DO UPDATE
		 SET answers = EXCLUDED.answers,
		     verdicts = EXCLUDED.verdicts,
		     status = EXCLUDED.status,
		     score = EXCLUDED.score,
		     max_score = EXCLUDED.max_score,
		     time_spent_seconds = EXCLUDED.time_spent_seconds,
		     auto_submitted = EXCLUDED.auto_submitted,
		     started_at = EXCLUDED.started_at,
		     submitted_at = EXCLUDED.submitted_at,
		     last_activity_at = EXCLUDED.last_activity_at
		 WHERE section_ledgers.status <> 'completed'`,
		l.SessionID, l.SectionIndex, l.Answers, l.Verdicts, l.Status, l.Score, l.MaxScore,
		l.TimeSpentSeconds, l.AutoSubmitted, l.StartedAt, l.SubmittedAt, l.LastActivityAt,
	)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: session %s section %d", ErrImmutable, l.SessionID, l.SectionIndex)
	}
	return nil
}
