package model

import "time"

// LeaderboardEntry is derived on demand from finalized sessions.
type LeaderboardEntry struct {
	Rank         int        `json:"rank"`
	StudentID    int        `json:"student_id"`
	Name         string     `json:"name"`
	Department   string     `json:"department"`
	TestCount    int        `json:"test_count"`
	AverageScore float64    `json:"average_score"`
	BestScore    float64    `json:"best_score"`
	TotalPoints  float64    `json:"total_points"`
	LastTestDate *time.Time `json:"last_test_date,omitempty"`
}

// CohortStats summarizes the whole cohort, not just the returned page.
type CohortStats struct {
	TotalMembers  int     `json:"total_members"`
	ActiveMembers int     `json:"active_members"`
	AverageScore  float64 `json:"average_score"`
}

// Leaderboard is the ranked view of a cohort.
type Leaderboard struct {
	Cohort      string             `json:"cohort"`
	Entries     []LeaderboardEntry `json:"entries"`
	Stats       CohortStats        `json:"stats"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// LeaderboardParams are the query parameters of leaderboard reads.
type LeaderboardParams struct {
	Cohort string `form:"cohort" binding:"omitempty,max=64"`
	Limit  int    `form:"limit" binding:"omitempty,min=0"`
}
