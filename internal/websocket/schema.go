package websocket

import (
	"encoding/json"
	"time"

	"github.com/stemsi/exstem-engine/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave  Action = "autosave"
	ActionSubmit    Action = "submit"
	ActionRemaining Action = "remaining"
	ActionPing      Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AutosaveRequest buffers a single answer.
type AutosaveRequest struct {
	Action  Action          `json:"action"`
	Section int             `json:"section"`
	QID     string          `json:"q_id"`
	Answer  json.RawMessage `json:"ans,omitempty"`
}

// SubmitRequest submits the section the client believes is active.
type SubmitRequest struct {
	Action  Action `json:"action"`
	Section *int   `json:"section,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError     Event = "error"
	EventSuccess   Event = "success"
	EventRemaining Event = "remaining"
	EventSubmitted Event = "submitted"
	EventExpired   Event = "expired"
	EventPong      Event = "pong"
)

type AutosaveResponse struct {
	Event   Event  `json:"event"`
	Status  string `json:"status"`
	Section int    `json:"section"`
	QID     string `json:"q_id"`
}

type RemainingResponse struct {
	Event            Event      `json:"event"`
	SectionIndex     int        `json:"section_index"`
	SecondsRemaining int64      `json:"seconds_remaining"`
	Formatted        string     `json:"formatted"`
	IsCompleted      bool       `json:"is_completed"`
	SectionEndTime   *time.Time `json:"section_end_time,omitempty"`
}

type SubmittedResponse struct {
	Event               Event               `json:"event"`
	SubmittedSection    int                 `json:"submitted_section"`
	Submitted           bool                `json:"submitted"`
	AutoSubmitted       bool                `json:"auto_submitted"`
	Finalized           bool                `json:"finalized"`
	Status              model.SessionStatus `json:"status"`
	CurrentSectionIndex int                 `json:"current_section_index"`
	SectionEndTime      *time.Time          `json:"section_end_time,omitempty"`
}

type ExpiredResponse struct {
	Event        Event `json:"event"`
	SectionIndex int   `json:"section_index"`
	Advanced     bool  `json:"advanced"`
	Finalized    bool  `json:"finalized"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}

// NewRemainingResponse wraps a timer reading.
func NewRemainingResponse(rt *model.RemainingTime) RemainingResponse {
	return RemainingResponse{
		Event:            EventRemaining,
		SectionIndex:     rt.SectionIndex,
		SecondsRemaining: rt.SecondsRemaining,
		Formatted:        rt.Formatted,
		IsCompleted:      rt.IsCompleted,
		SectionEndTime:   rt.SectionEndTime,
	}
}
