package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// MonitorHandler streams one session to a proctor over SSE.
type MonitorHandler struct {
	rdb            *redis.Client
	monitorService *service.MonitorService
	log            zerolog.Logger
}

func NewMonitorHandler(rdb *redis.Client, monitorService *service.MonitorService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb:            rdb,
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorSessionSSE godoc
// GET /api/v1/proctor/sessions/:id/monitor
func (h *MonitorHandler) MonitorSessionSSE(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	reqCtx := c.Request.Context()

	overview, err := h.overview(reqCtx, sessionID)
	if err != nil {
		status, code := serviceError(err)
		response.Fail(c, status, code)
		return
	}

	// 1. SSE headers
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// 2. Subscribe before the snapshot so no update falls in between
	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.SessionMonitorChannel(sessionID))
	defer pubsub.Close()
	ch := pubsub.Channel()

	// 3. Initial snapshot
	c.SSEvent("message", gin.H{"type": "snapshot", "data": overview})
	c.Writer.Flush()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	h.log.Info().Str("session_id", sessionID).Msg("Proctor attached to live monitor SSE")

	// Pre-allocate a reusable ping payload (never changes)
	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("session_id", sessionID).Msg("Proctor disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Forward raw JSON directly, no deserialization needed
			h.writeData(c, []byte(msg.Payload))

		case <-refreshTicker.C:
			overview, err := h.overview(reqCtx, sessionID)
			if err != nil {
				// The session was evicted; its last update is already out.
				h.log.Debug().Err(err).Str("session_id", sessionID).Msg("Monitor refresh skipped")
				continue
			}
			c.SSEvent("message", gin.H{"type": "refresh", "data": overview})
			c.Writer.Flush()

		case <-keepAliveTicker.C:
			h.writeData(c, pingPayload)
		}
	}
}

func (h *MonitorHandler) overview(parent context.Context, sessionID string) (*service.SessionOverview, error) {
	// Scoped timeout prevents a slow query from stalling the SSE loop
	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()
	return h.monitorService.Overview(ctx, sessionID)
}

func (h *MonitorHandler) writeData(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
