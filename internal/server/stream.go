package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	StreamEventSnapshot  = "snapshot"
	StreamEventHeartbeat = "heartbeat"
)

type heartbeatPayload struct {
	Timestamp int64 `json:"ts"`
}

// handleStream pushes version-stamped snapshots as server-sent events until the client leaves.
func (h *httpHandler) handleStream(c *gin.Context) {
	canvasID, ok := h.canvasIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	// Unknown canvases fail fast with a regular error body instead of an empty stream.
	if _, err := h.canvases.Snapshot(ctx, canvasID); err != nil {
		h.writeCanvasError(c, "stream", err)
		return
	}

	snapshots, detach := h.snapshots.Subscribe(ctx, canvasID)
	defer detach()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	logger := h.logger.With(zap.String("canvas_id", canvasID.String()))
	logger.Debug("snapshot stream opened")
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case snapshot, open := <-snapshots:
			if !open {
				return false
			}
			c.Render(-1, sse.Event{
				Id:    strconv.FormatInt(snapshot.Version, 10),
				Event: StreamEventSnapshot,
				Data:  snapshot,
			})
			return true
		case tick := <-heartbeat.C:
			c.Render(-1, sse.Event{
				Event: StreamEventHeartbeat,
				Data:  heartbeatPayload{Timestamp: tick.UTC().Unix()},
			})
			return true
		}
	})
	logger.Debug("snapshot stream closed")
}
