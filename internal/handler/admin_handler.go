package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/validator"
)

// CatalogInvalidator drops a cached test definition.
type CatalogInvalidator interface {
	Invalidate(ctx context.Context, testID uuid.UUID) error
}

// AdminHandler handles admin endpoints: result release, ungated results,
// leaderboards and manual deadline enforcement.
type AdminHandler struct {
	sessions *service.SessionService
	timer    *service.TimerService
	results  *service.ResultService
	ranking  *service.RankingService
	catalog  CatalogInvalidator
	log      zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler. catalog may be nil when test
// definitions are not cached.
func NewAdminHandler(
	sessions *service.SessionService,
	timer *service.TimerService,
	results *service.ResultService,
	ranking *service.RankingService,
	catalog CatalogInvalidator,
	log zerolog.Logger,
) *AdminHandler {
	return &AdminHandler{
		sessions: sessions,
		timer:    timer,
		results:  results,
		ranking:  ranking,
		catalog:  catalog,
		log:      log.With().Str("component", "admin_handler").Logger(),
	}
}

// ReleaseResults godoc
// POST /api/v1/admin/tests/:test_id/students/:student_id/release
// Idempotent; "changed" is false when the result was already released.
func (h *AdminHandler) ReleaseResults(c *gin.Context) {
	testID, studentID, ok := testAndStudent(c)
	if !ok {
		return
	}

	res, err := h.results.ReleaseResults(c.Request.Context(), testID, studentID)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}

// GetResult godoc
// GET /api/v1/admin/tests/:test_id/students/:student_id/result
// Admins see scores before release.
func (h *AdminHandler) GetResult(c *gin.Context) {
	testID, studentID, ok := testAndStudent(c)
	if !ok {
		return
	}

	view, err := h.results.GetResultForAdmin(c.Request.Context(), testID, studentID)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, view)
}

// GetLeaderboard godoc
// GET /api/v1/admin/leaderboard?cohort=&limit=
// Ranks over every finalized session, released or not.
func (h *AdminHandler) GetLeaderboard(c *gin.Context) {
	q, ok := leaderboardQuery(c)
	if !ok {
		return
	}

	lb, err := h.ranking.BuildLeaderboard(c.Request.Context(), q)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, lb)
}

// EnforceDeadline godoc
// POST /api/v1/admin/sessions/:session_id/enforce
// Runs the section timer for one session now instead of waiting for the sweep.
func (h *AdminHandler) EnforceDeadline(c *gin.Context) {
	id, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	res, err := h.timer.CheckAndEnforce(c.Request.Context(), id)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}

// FinalizeSession godoc
// POST /api/v1/admin/sessions/:session_id/finalize
// Force-closes a session. Reason defaults to timeout.
func (h *AdminHandler) FinalizeSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.FinalizeRequest
	if c.Request.ContentLength != 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = model.FinalizeTimeout
	}

	sess, err := h.sessions.Finalize(c.Request.Context(), id, req.Reason)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	h.log.Info().Str("session_id", id.String()).Str("reason", string(req.Reason)).Msg("Session finalized by admin")
	response.Success(c, http.StatusOK, gin.H{"session": sess})
}

// AdvanceSection godoc
// POST /api/v1/admin/sessions/:session_id/advance
// Recovery for a session whose active section was completed without the
// move to the next one, e.g. after a manual repair of ledger rows.
func (h *AdminHandler) AdvanceSection(c *gin.Context) {
	id, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	sess, err := h.sessions.AdvanceSection(c.Request.Context(), id)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	h.log.Info().Str("session_id", id.String()).Int("section", sess.CurrentSectionIndex).Msg("Session advanced by admin")
	response.Success(c, http.StatusOK, gin.H{"session": sess})
}

// RecordVerdicts godoc
// PUT /api/v1/admin/sessions/:session_id/verdicts
// Coding-judge entry point. Verdicts land in the ledger of an open section.
func (h *AdminHandler) RecordVerdicts(c *gin.Context) {
	id, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.RecordVerdictsRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.sessions.RecordVerdicts(c.Request.Context(), id, *req.SectionIndex, req.Verdicts); err != nil {
		failService(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"session_id":    id,
		"section_index": *req.SectionIndex,
		"recorded":      len(req.Verdicts),
	})
}

// RefreshTestCache godoc
// POST /api/v1/admin/tests/:test_id/refresh-cache
// Drops the cached definition so the next read goes to the database.
func (h *AdminHandler) RefreshTestCache(c *gin.Context) {
	testID, err := uuid.Parse(c.Param("test_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if h.catalog != nil {
		if err := h.catalog.Invalidate(c.Request.Context(), testID); err != nil {
			h.log.Error().Err(err).Str("test_id", testID.String()).Msg("Failed to invalidate test cache")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
			return
		}
	}

	response.Success(c, http.StatusOK, gin.H{"test_id": testID, "refreshed": true})
}

func testAndStudent(c *gin.Context) (uuid.UUID, int, bool) {
	testID, err := uuid.Parse(c.Param("test_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, 0, false
	}
	studentID, err := strconv.Atoi(c.Param("student_id"))
	if err != nil || studentID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, 0, false
	}
	return testID, studentID, true
}
