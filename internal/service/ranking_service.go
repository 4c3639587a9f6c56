package service

import (
	"cmp"
	"context"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
	"golang.org/x/sync/singleflight"
)

const (
	defaultLeaderboardLimit = 50
	maxLeaderboardLimit     = 500
)

// LeaderboardQuery selects a leaderboard view.
type LeaderboardQuery struct {
	// Cohort is a department; empty means every student.
	Cohort string
	Limit  int
	// ReleasedOnly restricts the input to sessions whose results were released.
	ReleasedOnly bool
}

// RankingService builds leaderboards from finalized sessions.
type RankingService struct {
	store     SessionStore
	directory StudentDirectory
	cache     LeaderboardCache
	ttl       time.Duration
	group     singleflight.Group
	clock     Clock
	log       zerolog.Logger
}

// NewRankingService creates a new RankingService. cache may be nil.
func NewRankingService(store SessionStore, directory StudentDirectory, cache LeaderboardCache, ttl time.Duration, clock Clock, log zerolog.Logger) *RankingService {
	return &RankingService{
		store:     store,
		directory: directory,
		cache:     cache,
		ttl:       ttl,
		clock:     clock,
		log:       log.With().Str("component", "ranking").Logger(),
	}
}

// BuildLeaderboard returns the ranked view of a cohort. Views are cached
// per version of the leaderboard counter, and concurrent builds of the
// same view share one computation.
func (s *RankingService) BuildLeaderboard(ctx context.Context, q LeaderboardQuery) (*model.Leaderboard, error) {
	switch {
	case q.Limit < 0:
		return nil, invalidInput("limit must be >= 0")
	case q.Limit == 0:
		q.Limit = defaultLeaderboardLimit
	case q.Limit > maxLeaderboardLimit:
		q.Limit = maxLeaderboardLimit
	}

	key := ""
	if s.cache != nil {
		version, err := s.cache.Version(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("Leaderboard cache unavailable")
		} else {
			key = config.CacheKey.LeaderboardKey(version, q.Cohort, q.Limit, q.ReleasedOnly)
			if lb, ok, err := s.cache.Get(ctx, key); err == nil && ok {
				return lb, nil
			}
		}
	}

	flightKey := key
	if flightKey == "" {
		flightKey = q.Cohort + "|" + strconv.Itoa(q.Limit) + "|" + strconv.FormatBool(q.ReleasedOnly)
	}
	v, err, _ := s.group.Do(flightKey, func() (any, error) {
		lb, err := s.build(ctx, q)
		if err != nil {
			return nil, err
		}
		if key != "" {
			if err := s.cache.Set(ctx, key, lb, s.ttl); err != nil {
				s.log.Warn().Err(err).Msg("Failed to cache leaderboard")
			}
		}
		return lb, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Leaderboard), nil
}

func (s *RankingService) build(ctx context.Context, q LeaderboardQuery) (*model.Leaderboard, error) {
	students, err := s.directory.ListStudents(ctx, q.Cohort)
	if err != nil {
		return nil, storageErr(err)
	}

	var sessions []model.Session
	if len(students) > 0 {
		ids := make([]int, len(students))
		for i, st := range students {
			ids[i] = st.ID
		}
		sessions, err = s.store.ListFinalizedByStudents(ctx, ids, q.ReleasedOnly)
		if err != nil {
			return nil, storageErr(err)
		}
	}

	entries, stats := RankStudents(students, sessions)
	if len(entries) > q.Limit {
		entries = entries[:q.Limit]
	}
	return &model.Leaderboard{
		Cohort:      q.Cohort,
		Entries:     entries,
		Stats:       stats,
		GeneratedAt: s.clock.now(),
	}, nil
}

// RankStudents aggregates each student's finalized sessions and sorts by
// average percentage, then test count, then total points, all descending.
// Students keep their input order on a full tie, and ranks are distinct
// 1-based positions. Students without sessions sort last with average 0
// but are counted in the cohort statistics.
func RankStudents(students []model.Student, sessions []model.Session) ([]model.LeaderboardEntry, model.CohortStats) {
	byStudent := make(map[int][]model.Session, len(students))
	for _, sess := range sessions {
		if sess.Status.IsTerminal() {
			byStudent[sess.StudentID] = append(byStudent[sess.StudentID], sess)
		}
	}

	entries := make([]model.LeaderboardEntry, 0, len(students))
	stats := model.CohortStats{TotalMembers: len(students)}
	var averageSum float64

	for _, st := range students {
		e := model.LeaderboardEntry{StudentID: st.ID, Name: st.Name, Department: st.Department}
		var pctSum float64
		for _, sess := range byStudent[st.ID] {
			pct := sess.Percentage()
			pctSum += pct
			e.BestScore = max(e.BestScore, pct)
			e.TotalPoints += sess.TotalScore
			e.TestCount++
			if sess.CompletedAt != nil && (e.LastTestDate == nil || sess.CompletedAt.After(*e.LastTestDate)) {
				t := *sess.CompletedAt
				e.LastTestDate = &t
			}
		}
		if e.TestCount > 0 {
			e.AverageScore = pctSum / float64(e.TestCount)
			stats.ActiveMembers++
			averageSum += e.AverageScore
		}
		entries = append(entries, e)
	}

	slices.SortStableFunc(entries, func(a, b model.LeaderboardEntry) int {
		if c := cmp.Compare(b.AverageScore, a.AverageScore); c != 0 {
			return c
		}
		if c := cmp.Compare(b.TestCount, a.TestCount); c != 0 {
			return c
		}
		return cmp.Compare(b.TotalPoints, a.TotalPoints)
	})

	for i := range entries {
		entries[i].Rank = i + 1
		entries[i].AverageScore = round2(entries[i].AverageScore)
		entries[i].BestScore = round2(entries[i].BestScore)
		entries[i].TotalPoints = round2(entries[i].TotalPoints)
	}
	if stats.ActiveMembers > 0 {
		stats.AverageScore = round2(averageSum / float64(stats.ActiveMembers))
	}
	return entries, stats
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
