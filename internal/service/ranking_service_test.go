package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scored(studentID int, pct float64, completedAt time.Time) model.Session {
	return model.Session{
		ID:              uuid.New(),
		TestID:          uuid.New(),
		StudentID:       studentID,
		Status:          model.SessionStatusCompleted,
		TotalScore:      pct,
		MaxScore:        100,
		CompletedAt:     model.TimePtr(completedAt),
		ResultsReleased: true,
	}
}

func repeat(studentID int, pct float64, n int) []model.Session {
	out := make([]model.Session, n)
	for i := range out {
		out[i] = scored(studentID, pct, t0.Add(time.Duration(i)*time.Hour))
	}
	return out
}

func TestRankStudents_TieBreakOrder(t *testing.T) {
	students := []model.Student{
		{ID: 1, Name: "A", Department: "IPA"},
		{ID: 2, Name: "B", Department: "IPA"},
		{ID: 3, Name: "C", Department: "IPA"},
		{ID: 4, Name: "D", Department: "IPA"},
	}
	var sessions []model.Session
	sessions = append(sessions, repeat(1, 90, 3)...)
	sessions = append(sessions, repeat(2, 90, 5)...)
	sessions = append(sessions, repeat(3, 95, 1)...)

	entries, stats := RankStudents(students, sessions)

	require.Len(t, entries, 4)
	names := []string{entries[0].Name, entries[1].Name, entries[2].Name, entries[3].Name}
	assert.Equal(t, []string{"C", "B", "A", "D"}, names)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Rank)
	}

	assert.Equal(t, 5, entries[1].TestCount)
	assert.Equal(t, 450.0, entries[1].TotalPoints)
	assert.Equal(t, 90.0, entries[1].BestScore)
	require.NotNil(t, entries[1].LastTestDate)
	assert.True(t, entries[1].LastTestDate.Equal(t0.Add(4*time.Hour)))

	assert.Zero(t, entries[3].TestCount)
	assert.Zero(t, entries[3].AverageScore)

	assert.Equal(t, 4, stats.TotalMembers)
	assert.Equal(t, 3, stats.ActiveMembers)
	assert.InDelta(t, 91.67, stats.AverageScore, 0.001)
}

func TestRankStudents_FullTiesKeepInputOrder(t *testing.T) {
	students := []model.Student{{ID: 5, Name: "E"}, {ID: 6, Name: "F"}, {ID: 7, Name: "G"}}
	sessions := append(append(repeat(5, 80, 2), repeat(6, 80, 2)...), repeat(7, 80, 2)...)

	entries, _ := RankStudents(students, sessions)

	assert.Equal(t, []int{5, 6, 7}, []int{entries[0].StudentID, entries[1].StudentID, entries[2].StudentID})
	assert.Equal(t, []int{1, 2, 3}, []int{entries[0].Rank, entries[1].Rank, entries[2].Rank})
}

func TestRankStudents_AutoSubmittedCountsInProgressDoesNot(t *testing.T) {
	students := []model.Student{{ID: 1}}
	auto := scored(1, 60, t0)
	auto.Status = model.SessionStatusAutoSubmitted
	running := scored(1, 100, t0)
	running.Status = model.SessionStatusInProgress

	entries, _ := RankStudents(students, []model.Session{auto, running})

	assert.Equal(t, 1, entries[0].TestCount)
	assert.Equal(t, 60.0, entries[0].AverageScore)
}

func TestBuildLeaderboard_FromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutStudent(model.Student{ID: 1, Name: "Ayu", Department: "IPA"})
	f.store.PutStudent(model.Student{ID: 2, Name: "Bima", Department: "IPA"})
	f.store.PutStudent(model.Student{ID: 3, Name: "Citra", Department: "IPS"})

	for _, s := range []model.Session{scored(1, 70, t0), scored(2, 90, t0), scored(3, 99, t0)} {
		require.NoError(t, f.store.CreateSession(ctx, &s, nil))
	}
	hidden := scored(1, 100, t0)
	hidden.ResultsReleased = false
	require.NoError(t, f.store.CreateSession(ctx, &hidden, nil))

	lb, err := f.ranking.BuildLeaderboard(ctx, LeaderboardQuery{Cohort: "IPA", ReleasedOnly: true})
	require.NoError(t, err)
	require.Len(t, lb.Entries, 2)
	assert.Equal(t, "Bima", lb.Entries[0].Name)
	assert.Equal(t, 70.0, lb.Entries[1].AverageScore, "unreleased session excluded")

	all, err := f.ranking.BuildLeaderboard(ctx, LeaderboardQuery{Cohort: "IPA"})
	require.NoError(t, err)
	require.Len(t, all.Entries, 2)
	assert.Equal(t, "Ayu", all.Entries[1].Name)
	assert.Equal(t, 2, all.Entries[1].TestCount)
	assert.Equal(t, 85.0, all.Entries[1].AverageScore)

	top, err := f.ranking.BuildLeaderboard(ctx, LeaderboardQuery{Limit: 1, ReleasedOnly: true})
	require.NoError(t, err)
	require.Len(t, top.Entries, 1)
	assert.Equal(t, "Citra", top.Entries[0].Name)
	assert.Equal(t, 3, top.Stats.TotalMembers, "stats cover the whole cohort")

	_, err = f.ranking.BuildLeaderboard(ctx, LeaderboardQuery{Limit: -1})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

type fakeBoardCache struct {
	mu      sync.Mutex
	version int64
	boards  map[string]*model.Leaderboard
	gets    int
}

func (c *fakeBoardCache) Version(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version, nil
}

func (c *fakeBoardCache) Bump(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	return nil
}

func (c *fakeBoardCache) Get(_ context.Context, key string) (*model.Leaderboard, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	lb, ok := c.boards[key]
	return lb, ok, nil
}

func (c *fakeBoardCache) Set(_ context.Context, key string, lb *model.Leaderboard, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boards[key] = lb
	return nil
}

func TestBuildLeaderboard_CacheInvalidatedByRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cache := &fakeBoardCache{boards: map[string]*model.Leaderboard{}}
	f.sessions.leaderboards = cache
	f.ranking = NewRankingService(f.store, f.store, cache, time.Minute, f.clock, zerolog.Nop())

	f.store.PutStudent(model.Student{ID: 7, Name: "Dewi", Department: "IPA"})
	def, _ := finishedSession(t, f, 7)
	versionAfterFinish := cache.version
	assert.Equal(t, int64(1), versionAfterFinish, "finalization bumps the version")

	q := LeaderboardQuery{Cohort: "IPA", ReleasedOnly: true}
	before, err := f.ranking.BuildLeaderboard(ctx, q)
	require.NoError(t, err)
	assert.Zero(t, before.Entries[0].TestCount)

	cached, err := f.ranking.BuildLeaderboard(ctx, q)
	require.NoError(t, err)
	assert.Same(t, before, cached)

	_, err = f.results.ReleaseResults(ctx, def.ID, 7)
	require.NoError(t, err)

	after, err := f.ranking.BuildLeaderboard(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Entries[0].TestCount)
	assert.Equal(t, 75.0, after.Entries[0].AverageScore)
}
