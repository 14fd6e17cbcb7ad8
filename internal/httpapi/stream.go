package httpapi

import (
	"net/http"
	"time"

	"call-signaling/internal/signaling"
	"call-signaling/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const streamWriteTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	Error:           upgradeError,
}

func upgradeError(w http.ResponseWriter, r *http.Request, status int, reason error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"websocket upgrade required"}`))
}

// Stream upgrades to a WebSocket and pushes the current Snapshot, then one
// more after every change. Slow readers only see the latest snapshot.
func (h Handlers) Stream(c *gin.Context) {
	log := logger.FromGin(c)
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	updates := make(chan signaling.Snapshot, 1)
	cancel := h.Calls.OnStateChange(func(s signaling.Snapshot) {
		// single producer: after the drain the send cannot block
		select {
		case <-updates:
		default:
		}
		updates <- s
	})
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(s signaling.Snapshot) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(s); err != nil {
			log.Debug("stream write failed", "err", err)
			return false
		}
		return true
	}

	if !write(h.Calls.Snapshot()) {
		return
	}
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-closed:
			return
		case s := <-updates:
			if !write(s) {
				return
			}
		}
	}
}
