package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/model"
)

// TestRepository reads test definitions owned by the question bank.
type TestRepository struct {
	pool *pgxpool.Pool
}

// NewTestRepository creates a new TestRepository.
func NewTestRepository(pool *pgxpool.Pool) *TestRepository {
	return &TestRepository{pool: pool}
}

// GetTest loads a test with its sections and question scoring data.
func (r *TestRepository) GetTest(ctx context.Context, id uuid.UUID) (*model.TestDefinition, error) {
	t := &model.TestDefinition{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, access_code_hash, closes_at FROM tests WHERE id = $1`, id,
	).Scan(&t.ID, &t.Title, &t.AccessCodeHash, &t.ClosesAt)
	if err != nil {
		return nil, classify(err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT section_index, title, duration_seconds
		 FROM test_sections WHERE test_id = $1 ORDER BY section_index`, id)
	if err != nil {
		return nil, classify(err)
	}
	for rows.Next() {
		var s model.SectionDefinition
		if err := rows.Scan(&s.Index, &s.Title, &s.DurationSeconds); err != nil {
			rows.Close()
			return nil, classify(err)
		}
		t.Sections = append(t.Sections, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	qrows, err := r.pool.Query(ctx,
		`SELECT section_index, id, kind, points, answer_key
		 FROM questions WHERE test_id = $1 ORDER BY section_index, order_num`, id)
	if err != nil {
		return nil, classify(err)
	}
	defer qrows.Close()

	for qrows.Next() {
		var idx int
		var q model.Question
		if err := qrows.Scan(&idx, &q.ID, &q.Kind, &q.Points, &q.AnswerKey); err != nil {
			return nil, classify(err)
		}
		if idx >= 0 && idx < len(t.Sections) {
			t.Sections[idx].Questions = append(t.Sections[idx].Questions, q)
		}
	}
	return t, classify(qrows.Err())
}

// CreateTest inserts a full definition in one transaction. Used by the seeding tool.
func (r *TestRepository) CreateTest(ctx context.Context, t *model.TestDefinition) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO tests (id, title, access_code_hash, closes_at) VALUES ($1, $2, $3, $4)`,
		t.ID, t.Title, t.AccessCodeHash, t.ClosesAt,
	); err != nil {
		return classify(err)
	}

	for _, s := range t.Sections {
		if _, err := tx.Exec(ctx,
			`INSERT INTO test_sections (test_id, section_index, title, duration_seconds) VALUES ($1, $2, $3, $4)`,
			t.ID, s.Index, s.Title, s.DurationSeconds,
		); err != nil {
			return classify(err)
		}
		for order, q := range s.Questions {
			if _, err := tx.Exec(ctx,
				`INSERT INTO questions (id, test_id, section_index, kind, points, answer_key, order_num)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				q.ID, t.ID, s.Index, q.Kind, q.Points, q.AnswerKey, order,
			); err != nil {
				return classify(err)
			}
		}
	}

	return classify(tx.Commit(ctx))
}
