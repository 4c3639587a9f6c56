package model

import "time"

// SessionView is a session together with its ledger, used for client reloads.
type SessionView struct {
	Session  *Session        `json:"session"`
	Sections []SectionLedger `json:"sections"`
}

// RemainingTime is the pure-read result of the section timer.
type RemainingTime struct {
	SessionID        string     `json:"session_id"`
	SectionIndex     int        `json:"section_index"`
	SecondsRemaining int64      `json:"seconds_remaining"`
	Formatted        string     `json:"formatted"`
	IsCompleted      bool       `json:"is_completed"`
	SectionEndTime   *time.Time `json:"section_end_time,omitempty"`
}
