package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
)

// statusFor maps an engine error kind to its HTTP status and error code.
func statusFor(kind service.ErrorKind) (int, response.ErrCode) {
	switch kind {
	case service.KindInvalidInput:
		return http.StatusBadRequest, response.ErrValidation
	case service.KindSessionNotActive:
		return http.StatusConflict, response.ErrSessionNotActive
	case service.KindAlreadyExists:
		return http.StatusConflict, response.ErrSessionExists
	case service.KindTransientStorage:
		return http.StatusServiceUnavailable, response.ErrStorageUnavailable
	case service.KindNotFound:
		return http.StatusNotFound, response.ErrNotFound
	case service.KindConflict:
		return http.StatusConflict, response.ErrConflict
	case service.KindInvalidAccess:
		return http.StatusForbidden, response.ErrInvalidAccessCode
	}
	return http.StatusInternalServerError, response.ErrInternal
}

// failService writes the response for an engine error. Internal errors are
// logged; the rest are expected outcomes.
func failService(c *gin.Context, log zerolog.Logger, err error) {
	kind := service.KindOf(err)
	status, code := statusFor(kind)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	if kind == service.KindInvalidInput {
		response.FailWithFields(c, status, code, map[string]string{"detail": err.Error()})
		return
	}
	response.Fail(c, status, code)
}
