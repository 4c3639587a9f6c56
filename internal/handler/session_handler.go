package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/validator"
)

// SessionHandler handles the student-facing test session endpoints.
type SessionHandler struct {
	sessions *service.SessionService
	autosave *service.AutosaveService
	timer    *service.TimerService
	results  *service.ResultService
	ranking  *service.RankingService
	log      zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(
	sessions *service.SessionService,
	autosave *service.AutosaveService,
	timer *service.TimerService,
	results *service.ResultService,
	ranking *service.RankingService,
	log zerolog.Logger,
) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		autosave: autosave,
		timer:    timer,
		results:  results,
		ranking:  ranking,
		log:      log.With().Str("component", "session_handler").Logger(),
	}
}

// StartSession godoc
// POST /api/v1/student/tests/:test_id/sessions
// Creates the student's session for a test and opens the first section window.
func (h *SessionHandler) StartSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	testID, err := uuid.Parse(c.Param("test_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	// The body is optional for tests without an access code.
	var req model.StartSessionRequest
	if c.Request.ContentLength != 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	sess, err := h.sessions.StartSession(c.Request.Context(), claims.UserID, testID, req.AccessCode)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"session": sess})
}

// GetSession godoc
// GET /api/v1/student/sessions/:session_id
// Returns the session and its ledger. Used by the client on page reload.
func (h *SessionHandler) GetSession(c *gin.Context) {
	id, ok := h.ownSession(c)
	if !ok {
		return
	}

	view, err := h.sessions.GetSession(c.Request.Context(), id)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, view)
}

// SaveAnswers godoc
// PUT /api/v1/student/sessions/:session_id/answers
// Upserts answers into the ledger. Transient storage errors are retried
// server-side before the request fails with 503.
func (h *SessionHandler) SaveAnswers(c *gin.Context) {
	id, ok := h.ownSession(c)
	if !ok {
		return
	}

	var req model.SaveAnswersRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.autosave.SaveAnswers(c.Request.Context(), id, req.Sections)
	if err != nil {
		failService(c, h.log, err)
		return
	}
	if !res.Success {
		response.Fail(c, http.StatusServiceUnavailable, response.ErrStorageUnavailable)
		return
	}

	response.Success(c, http.StatusOK, res)
}

// GetRemaining godoc
// GET /api/v1/student/sessions/:session_id/remaining
func (h *SessionHandler) GetRemaining(c *gin.Context) {
	id, ok := h.ownSession(c)
	if !ok {
		return
	}

	remaining, err := h.timer.GetRemaining(c.Request.Context(), id)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, remaining)
}

// SubmitSection godoc
// POST /api/v1/student/sessions/:session_id/submit-section
// Grades the active section and advances. A stale section_index is a no-op.
func (h *SessionHandler) SubmitSection(c *gin.Context) {
	id, ok := h.ownSession(c)
	if !ok {
		return
	}

	var req model.SubmitSectionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.sessions.SubmitSection(c.Request.Context(), id, req.SectionIndex, req.Sections)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}

// FinishSession godoc
// POST /api/v1/student/sessions/:session_id/finish
// Submits every remaining section and closes the session.
func (h *SessionHandler) FinishSession(c *gin.Context) {
	id, ok := h.ownSession(c)
	if !ok {
		return
	}

	sess, err := h.sessions.Finalize(c.Request.Context(), id, model.FinalizeManual)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": sess})
}

// GetResult godoc
// GET /api/v1/student/tests/:test_id/result
// Scores are hidden until an admin releases them.
func (h *SessionHandler) GetResult(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	testID, err := uuid.Parse(c.Param("test_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	view, err := h.results.GetResult(c.Request.Context(), testID, claims.UserID)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, view)
}

// GetLeaderboard godoc
// GET /api/v1/student/leaderboard?cohort=&limit=
// Defaults to the student's own department. Only released results count.
func (h *SessionHandler) GetLeaderboard(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	q, ok := leaderboardQuery(c)
	if !ok {
		return
	}
	if _, set := c.GetQuery("cohort"); !set {
		q.Cohort = claims.Department
	}
	q.ReleasedOnly = true

	lb, err := h.ranking.BuildLeaderboard(c.Request.Context(), q)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, lb)
}

// ownSession resolves :session_id and checks it belongs to the caller.
// It writes the failure response itself.
func (h *SessionHandler) ownSession(c *gin.Context) (uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return uuid.Nil, false
	}

	id, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}

	sess, err := h.sessions.Lookup(c.Request.Context(), id)
	if err != nil {
		failService(c, h.log, err)
		return uuid.Nil, false
	}
	if sess.StudentID != claims.UserID {
		response.Fail(c, http.StatusForbidden, response.ErrNotSessionOwner)
		return uuid.Nil, false
	}
	return id, true
}

func leaderboardQuery(c *gin.Context) (service.LeaderboardQuery, bool) {
	var params model.LeaderboardParams
	if fields := validator.BindQuery(c, &params); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return service.LeaderboardQuery{}, false
	}
	return service.LeaderboardQuery{Cohort: params.Cohort, Limit: params.Limit}, true
}
