package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"riptide/internal/core"
	"riptide/internal/utils"
)

const (
	wsPushInterval  = 2 * time.Second
	wsWriteDeadline = 10 * time.Second
)

// WSHandler pushes torrent summaries to websocket clients so the UI
// does not have to poll the list endpoint.
type WSHandler struct {
	manager  *core.Manager
	logger   *utils.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(manager *core.Manager, logger *utils.Logger) *WSHandler {
	return &WSHandler{
		manager: manager,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed:", err)
		return
	}
	defer conn.Close()

	// Client frames are discarded; the read loop only detects the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPushInterval)
	defer ticker.Stop()

	for {
		conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
		if err := conn.WriteJSON(h.manager.List()); err != nil {
			return
		}
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}
