package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
	ws "github.com/stemsi/exstem-engine/internal/websocket"
)

// DraftBuffer holds answers received over the stream until the auto-save
// task flushes them into the ledger.
type DraftBuffer interface {
	PutAnswer(ctx context.Context, sessionID uuid.UUID, section int, questionID string, answer json.RawMessage) error
	Snapshot(ctx context.Context, sessionID uuid.UUID) (model.AnswerPayload, error)
	Clear(ctx context.Context, sessionID uuid.UUID) error
}

// SessionTracker holds a session's auto-save task open. Holds are
// counted, so several streams on one session share a single task.
type SessionTracker interface {
	Track(id uuid.UUID) (release func())
}

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler handles the per-session WebSocket stream.
type WSHandler struct {
	sessions *service.SessionService
	timer    *service.TimerService
	drafts   DraftBuffer
	tracker  SessionTracker
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(
	sessions *service.SessionService,
	timer *service.TimerService,
	drafts DraftBuffer,
	tracker SessionTracker,
	log zerolog.Logger,
	allowedOrigins []string,
) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		timer:    timer,
		drafts:   drafts,
		tracker:  tracker,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/student/sessions/:session_id/stream
// Buffers answers for the auto-save task, submits sections and reports
// the remaining time. The auto-save task lives as long as the stream.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	// SECURITY: only the owner may stream, and only while the session runs.
	sess, err := h.sessions.Lookup(c.Request.Context(), sessionID)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	if sess.StudentID != claims.UserID {
		response.Fail(c, http.StatusForbidden, response.ErrNotSessionOwner)
		return
	}
	if sess.Status != model.SessionStatusInProgress {
		response.Fail(c, http.StatusConflict, response.ErrSessionNotActive)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	release := h.tracker.Track(sessionID)
	defer release()

	wsLog := h.log.With().
		Int("student_id", claims.UserID).
		Str("session_id", sessionID.String()).
		Logger()

	wsLog.Info().Msg("Student connected")

	for {
		action, raw, err := ws.ReadMessage(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		switch action {
		case ws.ActionAutosave:
			h.handleAutosave(conn, wsLog, sessionID, raw)
		case ws.ActionSubmit:
			h.handleSubmit(conn, wsLog, sessionID, raw)
		case ws.ActionRemaining:
			h.handleRemaining(conn, wsLog, sessionID)
		case ws.ActionPing:
			ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(action)).Msg("Unknown action")
			ws.WriteError(conn, "unknown action: "+string(action))
		}
	}
}

// handleAutosave writes one answer to the draft buffer.
func (h *WSHandler) handleAutosave(conn *websocket.Conn, wsLog zerolog.Logger, sessionID uuid.UUID, raw []byte) {
	ctx := context.Background()

	var req ws.AutosaveRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		ws.WriteError(conn, "invalid autosave payload")
		return
	}
	if req.QID == "" || len(req.Answer) == 0 {
		ws.WriteError(conn, "q_id and ans are required")
		return
	}
	if req.Section < 0 {
		ws.WriteError(conn, "section must be >= 0")
		return
	}

	// SECURITY: Validate QID is a well-formed UUID to prevent Redis key injection.
	if _, err := uuid.Parse(req.QID); err != nil {
		ws.WriteError(conn, "invalid q_id format")
		return
	}

	if !json.Valid(req.Answer) {
		ws.WriteError(conn, "ans must be valid JSON")
		return
	}
	if err := h.drafts.PutAnswer(ctx, sessionID, req.Section, req.QID, req.Answer); err != nil {
		wsLog.Error().Err(err).Msg("Draft buffer write failed")
		ws.WriteError(conn, "save failed")
		return
	}

	ws.WriteTyped(conn, ws.AutosaveResponse{
		Event:   ws.EventSuccess,
		Status:  "buffered",
		Section: req.Section,
		QID:     req.QID,
	})
}

// handleSubmit submits the active section with whatever the draft buffer
// holds for it.
func (h *WSHandler) handleSubmit(conn *websocket.Conn, wsLog zerolog.Logger, sessionID uuid.UUID, raw []byte) {
	ctx := context.Background()

	var req ws.SubmitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		ws.WriteError(conn, "invalid submit payload")
		return
	}

	draft, err := h.drafts.Snapshot(ctx, sessionID)
	if err != nil {
		// The ledger already holds everything flushed so far.
		wsLog.Warn().Err(err).Msg("Draft snapshot failed, submitting ledger answers only")
		draft = nil
	}

	res, err := h.sessions.SubmitSection(ctx, sessionID, req.Section, draft)
	if err != nil {
		wsLog.Warn().Err(err).Msg("Submit failed")
		ws.WriteError(conn, string(service.KindOf(err)))
		return
	}
	if res.Finalized {
		if err := h.drafts.Clear(ctx, sessionID); err != nil {
			wsLog.Warn().Err(err).Msg("Failed to clear draft buffer")
		}
	}

	wsLog.Info().
		Int("section", res.SubmittedSection).
		Bool("submitted", res.Submitted).
		Bool("finalized", res.Finalized).
		Msg("Section submitted")

	ws.WriteTyped(conn, ws.SubmittedResponse{
		Event:               ws.EventSubmitted,
		SubmittedSection:    res.SubmittedSection,
		Submitted:           res.Submitted,
		AutoSubmitted:       res.AutoSubmitted,
		Finalized:           res.Finalized,
		Status:              res.Status,
		CurrentSectionIndex: res.CurrentSectionIndex,
		SectionEndTime:      res.SectionEndTime,
	})
}

// handleRemaining reports the section timer. When the window is already
// over it enforces the deadline first and pushes an expired event.
func (h *WSHandler) handleRemaining(conn *websocket.Conn, wsLog zerolog.Logger, sessionID uuid.UUID) {
	ctx := context.Background()

	rt, err := h.timer.GetRemaining(ctx, sessionID)
	if err != nil {
		ws.WriteError(conn, string(service.KindOf(err)))
		return
	}

	if rt.SecondsRemaining == 0 && !rt.IsCompleted {
		res, err := h.timer.CheckAndEnforce(ctx, sessionID)
		if err != nil {
			wsLog.Warn().Err(err).Msg("Deadline enforcement failed")
		} else if res.Enforced {
			ws.WriteTyped(conn, ws.ExpiredResponse{
				Event:        ws.EventExpired,
				SectionIndex: res.SectionIndex,
				Advanced:     res.Advanced,
				Finalized:    res.Finalized,
			})
			if rt, err = h.timer.GetRemaining(ctx, sessionID); err != nil {
				ws.WriteError(conn, string(service.KindOf(err)))
				return
			}
		}
	}

	ws.WriteTyped(conn, ws.NewRemainingResponse(rt))
}
