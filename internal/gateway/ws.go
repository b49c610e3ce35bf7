package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/session"
	"github.com/agendo/agendo/internal/session/logfile"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 1024 * 1024
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsFrame is one message on the log websocket; the same named shapes as the
// SSE log stream.
type wsFrame struct {
	Type    string `json:"type"`
	Offset  int64  `json:"offset"`
	Status  string `json:"status,omitempty"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

// StreamLogsWS is the WebSocket variant of the log stream: catchup from the
// requested offset, then appended content as it lands, closed with a done
// frame when the session ends.
// GET /api/v1/sessions/:sessionId/logs/ws
func (h *Handler) StreamLogsWS(c *gin.Context) {
	row, ok := h.loadSession(c)
	if !ok {
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	offset := logfile.ParseOffset(c.Query("offset"))
	log := h.logger.WithFields(zap.String("session_id", row.ID))

	// Reader only services pings and close frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(wsMaxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("websocket read error", zap.Error(err))
				}
				return
			}
		}
	}()

	write := func(frame wsFrame) bool {
		data, err := json.Marshal(frame)
		if err != nil {
			return false
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, data) == nil
	}

	if !write(wsFrame{Type: "status", Offset: offset, Status: string(row.Status)}) {
		return
	}
	if row.LogFilePath != "" {
		content, newOffset, err := logfile.ReadFrom(row.LogFilePath, offset)
		if err != nil {
			write(wsFrame{Type: "error", Offset: offset, Message: "failed to read session log"})
			return
		}
		offset = newOffset
		if !write(wsFrame{Type: "catchup", Offset: offset, Content: content}) {
			return
		}
	}

	poll := time.NewTicker(sseLogPoll)
	defer poll.Stop()
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-poll.C:
			if row.LogFilePath == "" {
				continue
			}
			content, newOffset, err := logfile.ReadFrom(row.LogFilePath, offset)
			if err != nil {
				write(wsFrame{Type: "error", Offset: offset, Message: "failed to read session log"})
				return
			}
			if newOffset > offset {
				offset = newOffset
				if !write(wsFrame{Type: "log", Offset: offset, Content: content}) {
					return
				}
			}

			cur, err := h.store.GetSession(c.Request.Context(), row.ID)
			if err != nil {
				write(wsFrame{Type: "error", Offset: offset, Message: "session disappeared"})
				return
			}
			if cur.Status == session.StatusEnded {
				write(wsFrame{Type: "done", Offset: offset, Status: string(cur.Status)})
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
		}
	}
}
