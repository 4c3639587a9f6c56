package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

type MonitorHandler struct {
	rdb     *redis.Client
	monitor *service.MonitorService
	log     zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler. Without a Redis client the
// stream falls back to periodic snapshots only.
func NewMonitorHandler(rdb *redis.Client, monitor *service.MonitorService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb:     rdb,
		monitor: monitor,
		log:     log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorTestSSE godoc
// GET /api/v1/admin/tests/:test_id/monitor
// Streams a snapshot of every session of the test, then forwards session
// events as they are published and re-sends the snapshot after activity.
func (h *MonitorHandler) MonitorTestSSE(c *gin.Context) {
	testID, err := uuid.Parse(c.Param("test_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()

	snap, err := h.monitor.Snapshot(reqCtx, testID)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	// 1. SSE headers, then the initial snapshot
	response.StartStream(c)
	if err := response.WriteJSONEvent(c, gin.H{"type": "snapshot", "data": snap}); err != nil {
		return
	}

	// 3. Subscribe to Redis Pub/Sub
	var ch <-chan *redis.Message
	if h.rdb != nil {
		pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.TestMonitorChannel(testID.String()))
		defer pubsub.Close()
		ch = pubsub.Channel()
	}

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Without pub/sub there is no signal for activity, so always refresh.
	dirty := h.rdb == nil

	h.log.Info().Str("test_id", testID.String()).Msg("Admin attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("test_id", testID.String()).Msg("Admin disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Events are already JSON; forward them untouched.
			if err := response.WriteEvent(c, []byte(msg.Payload)); err != nil {
				return
			}
			dirty = true

		case <-refreshTicker.C:
			if !dirty {
				continue
			}
			h.sendRefresh(c, reqCtx, testID)
			dirty = h.rdb == nil

		case <-keepAliveTicker.C:
			if err := response.WriteEvent(c, pingPayload); err != nil {
				return
			}
		}
	}
}

// sendRefresh re-reads the snapshot and sends it as a refresh event.
func (h *MonitorHandler) sendRefresh(c *gin.Context, parentCtx context.Context, testID uuid.UUID) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	snap, err := h.monitor.Snapshot(ctx, testID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to refresh monitor snapshot")
		return
	}

	_ = response.WriteJSONEvent(c, gin.H{"type": "refresh", "data": snap})
}
