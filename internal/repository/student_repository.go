package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/model"
)

// StudentRepository is the identity lookup used for leaderboard display fields.
type StudentRepository struct {
	pool *pgxpool.Pool
}

// NewStudentRepository creates a new StudentRepository.
func NewStudentRepository(pool *pgxpool.Pool) *StudentRepository {
	return &StudentRepository{pool: pool}
}

// ListStudents returns the members of a department ordered by ID.
// An empty department returns every student.
func (r *StudentRepository) ListStudents(ctx context.Context, department string) ([]model.Student, error) {
	query := `SELECT id, name, department FROM students`
	var args []any
	if department != "" {
		query += ` WHERE department = $1`
		args = append(args, department)
	}
	query += ` ORDER BY id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var students []model.Student
	for rows.Next() {
		var s model.Student
		if err := rows.Scan(&s.ID, &s.Name, &s.Department); err != nil {
			return nil, classify(err)
		}
		students = append(students, s)
	}
	return students, classify(rows.Err())
}

// Upsert creates or renames a student. Used by the seeding tool.
func (r *StudentRepository) Upsert(ctx context.Context, s *model.Student) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO students (id, name, department) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, department = EXCLUDED.department`,
		s.ID, s.Name, s.Department)
	return classify(err)
}
