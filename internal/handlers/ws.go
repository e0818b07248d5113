package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"classroom-kanban-go/internal/metrics"
	"classroom-kanban-go/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The socket is authenticated by token, not by cookie, so any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type frame struct {
	Type string               `json:"type"`
	Data *models.Notification `json:"data,omitempty"`
}

type inboundFrame struct {
	Type           string `json:"type"`
	NotificationID int64  `json:"notification_id"`
}

// NotificationSocketHandler streams the caller's notifications as
// {"type":"notification","data":{...}} frames and accepts mark_read frames.
func (h *Handler) NotificationSocketHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	events, closeSub, err := h.Bus.Subscribe(ctx, userID)
	if err != nil {
		h.Log.Error("failed to subscribe to notifications", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "realtime notifications unavailable")
		return
	}
	defer closeSub()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()
	h.Log.Debug("notification socket connected", zap.Int64("user_id", userID))

	go h.writePump(ctx, cancel, conn, events)
	h.readPump(ctx, conn, userID)
	cancel()
}

func (h *Handler) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, events <-chan models.Notification) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer cancel()

	for {
		select {
		case n, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame{Type: "notification", Data: &n}); err != nil {
				h.Log.Debug("notification socket write failed", zap.Error(err))
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, userID int64) {
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.Log.Debug("notification socket closed", zap.Int64("user_id", userID), zap.Error(err))
			}
			return
		}

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			h.Log.Debug("ignoring malformed socket frame", zap.Error(err))
			continue
		}
		if in.Type != "mark_read" || in.NotificationID <= 0 {
			continue
		}
		if err := h.Store.MarkRead(ctx, userID, in.NotificationID); err != nil {
			h.Log.Warn("failed to mark notification read",
				zap.Int64("user_id", userID),
				zap.Int64("id", in.NotificationID),
				zap.Error(err))
		}
	}
}
