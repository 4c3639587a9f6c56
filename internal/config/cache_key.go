package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionDraftKey returns the Redis hash holding answers not yet flushed to the ledger
func (r *CacheKeyStruct) SessionDraftKey(sessionID string) string {
	return fmt.Sprintf("session:%s:draft", sessionID)
}

// TestDefinitionKey returns the cache key for a test's section/question definition
func (r *CacheKeyStruct) TestDefinitionKey(testID string) string {
	return fmt.Sprintf("test:%s:definition", testID)
}

// LeaderboardKey returns the cache key for one leaderboard view
func (r *CacheKeyStruct) LeaderboardKey(version int64, cohort string, limit int, releasedOnly bool) string {
	if cohort == "" {
		cohort = "*"
	}
	return fmt.Sprintf("leaderboard:v%d:%s:%d:%t", version, cohort, limit, releasedOnly)
}

// LeaderboardVersionKey returns the counter bumped whenever scores or releases change
func (r *CacheKeyStruct) LeaderboardVersionKey() string {
	return "leaderboard:version"
}

// TestMonitorChannel returns the Redis PubSub channel name for a test's live monitor
func (r *CacheKeyStruct) TestMonitorChannel(testID string) string {
	return fmt.Sprintf("test:%s:monitor", testID)
}

var CacheKey = NewCacheKeyStruct()
