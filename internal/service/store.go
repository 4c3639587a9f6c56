package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
)

// SessionStore is the durable Session and Section Ledger store.
// Implemented by repository.SessionRepository and memstore.Store.
type SessionStore interface {
	CreateSession(ctx context.Context, sess *model.Session, first *model.SectionLedger) error
	GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error)
	FindSession(ctx context.Context, testID uuid.UUID, studentID int) (*model.Session, error)
	ListSections(ctx context.Context, sessionID uuid.UUID) ([]model.SectionLedger, error)
	WithSessionLock(ctx context.Context, id uuid.UUID, fn func(tx repository.SessionTx) error) error

	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListActiveSessions(ctx context.Context, limit int) ([]uuid.UUID, error)
	ListSessionsPastClose(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListSessionsByTest(ctx context.Context, testID uuid.UUID) ([]model.Session, error)
	ListFinalizedByStudents(ctx context.Context, studentIDs []int, releasedOnly bool) ([]model.Session, error)

	ReleaseResults(ctx context.Context, testID uuid.UUID, studentID int) (bool, error)
	GetLegacyResult(ctx context.Context, testID uuid.UUID, studentID int) (*model.LegacyResult, error)
}

// TestCatalog is the question-bank collaborator.
type TestCatalog interface {
	GetTest(ctx context.Context, id uuid.UUID) (*model.TestDefinition, error)
}

// StudentDirectory is the identity collaborator used for leaderboard display fields.
type StudentDirectory interface {
	ListStudents(ctx context.Context, department string) ([]model.Student, error)
}

// LeaderboardCache stores rendered leaderboards under a version counter.
type LeaderboardCache interface {
	Version(ctx context.Context) (int64, error)
	Bump(ctx context.Context) error
	Get(ctx context.Context, key string) (*model.Leaderboard, bool, error)
	Set(ctx context.Context, key string, lb *model.Leaderboard, ttl time.Duration) error
}

// Clock returns the current time. Services take one so tests can pin time.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}
