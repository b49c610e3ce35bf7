package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/errors"
	"github.com/agendo/agendo/internal/events/bus"
	"github.com/agendo/agendo/internal/session"
	"github.com/agendo/agendo/internal/session/logfile"
)

const (
	ssePingInterval = 15 * time.Second
	sseLogPoll      = time.Second
	sseBufferSize   = 256
)

// StreamEvents serves the canonical event stream over SSE: replay from the
// session log past the client's last seen id, then live events from the bus.
// Last-Event-ID (or ?after=) carries the event sequence number.
// GET /api/v1/sessions/:sessionId/events
func (h *Handler) StreamEvents(c *gin.Context) {
	row, ok := h.loadSession(c)
	if !ok {
		return
	}

	after := parseAfter(c)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		appErr := errors.InternalError("streaming unsupported", nil)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	sseHeaders(c)

	// Subscribe before replay so no event falls between file and bus;
	// duplicates are dropped by the id watermark.
	live := make(chan *session.Event, sseBufferSize)
	sub, err := h.bus.Subscribe(bus.SessionEventsSubject(row.ID), func(ctx context.Context, subject string, data []byte) error {
		ev, err := session.UnmarshalEvent(data)
		if err != nil {
			return err
		}
		select {
		case live <- ev:
		default:
			h.logger.Warn("event stream consumer too slow, dropping", zap.String("session_id", row.ID))
		}
		return nil
	})
	if err != nil {
		appErr := errors.InternalError("failed to subscribe", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	lastSent := after
	if row.LogFilePath != "" {
		replay, err := logfile.ReplayEvents(row.LogFilePath, after)
		if err != nil {
			h.logger.Debug("event replay unavailable", zap.String("session_id", row.ID), zap.Error(err))
		}
		for _, ev := range replay {
			if !writeSSEEvent(c, flusher, ev) {
				return
			}
			lastSent = ev.ID
		}
	}

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-live:
			if ev.ID <= lastSent {
				continue
			}
			if !writeSSEEvent(c, flusher, ev) {
				return
			}
			lastSent = ev.ID
		case <-ping.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// StreamLogs serves the raw session log over SSE. Named events:
// status (session status), catchup (log content from the client's offset),
// log (appended content), done (session ended), error. Last-Event-ID carries
// the byte offset for resume.
// GET /api/v1/sessions/:sessionId/logs
func (h *Handler) StreamLogs(c *gin.Context) {
	row, ok := h.loadSession(c)
	if !ok {
		return
	}
	if row.LogFilePath == "" {
		appErr := errors.NotFound("session log", row.ID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		appErr := errors.InternalError("streaming unsupported", nil)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	sseHeaders(c)

	offset := logfile.ParseOffset(c.GetHeader("Last-Event-ID"))
	if q := c.Query("offset"); q != "" {
		offset = logfile.ParseOffset(q)
	}

	if !writeSSENamed(c, flusher, "status", 0, statusJSON(row.Status)) {
		return
	}

	content, newOffset, err := logfile.ReadFrom(row.LogFilePath, offset)
	if err != nil {
		writeSSENamed(c, flusher, "error", offset, jsonMessage("failed to read session log"))
		return
	}
	offset = newOffset
	if !writeSSENamed(c, flusher, "catchup", offset, jsonMessage(content)) {
		return
	}

	poll := time.NewTicker(sseLogPoll)
	defer poll.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
		}

		content, newOffset, err := logfile.ReadFrom(row.LogFilePath, offset)
		if err != nil {
			writeSSENamed(c, flusher, "error", offset, jsonMessage("failed to read session log"))
			return
		}
		if newOffset > offset {
			offset = newOffset
			if !writeSSENamed(c, flusher, "log", offset, jsonMessage(content)) {
				return
			}
		}

		cur, err := h.store.GetSession(ctx, row.ID)
		if err != nil {
			writeSSENamed(c, flusher, "error", offset, jsonMessage("session disappeared"))
			return
		}
		if cur.Status == session.StatusEnded {
			// Drain whatever landed between the read and the status check.
			if content, newOffset, err := logfile.ReadFrom(row.LogFilePath, offset); err == nil && newOffset > offset {
				offset = newOffset
				writeSSENamed(c, flusher, "log", offset, jsonMessage(content))
			}
			writeSSENamed(c, flusher, "done", offset, statusJSON(cur.Status))
			return
		}
	}
}

func parseAfter(c *gin.Context) int64 {
	raw := c.GetHeader("Last-Event-ID")
	if q := c.Query("after"); q != "" {
		raw = q
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
}

func writeSSEEvent(c *gin.Context, flusher http.Flusher, ev *session.Event) bool {
	data, err := ev.Marshal()
	if err != nil {
		return true
	}
	if _, err := fmt.Fprintf(c.Writer, "id: %d\ndata: %s\n\n", ev.ID, data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func writeSSENamed(c *gin.Context, flusher http.Flusher, event string, id int64, data string) bool {
	if _, err := fmt.Fprintf(c.Writer, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func statusJSON(status session.Status) string {
	data, _ := json.Marshal(gin.H{"status": string(status)})
	return string(data)
}

func jsonMessage(content string) string {
	data, _ := json.Marshal(gin.H{"content": content})
	return string(data)
}
