package controller

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: In production, restrict to specific origins
		return true
	},
}

// HandleWebSocket upgrades the connection and streams chain health events
// (health_changed, endpoint_recovered, all_unhealthy, state_changed) until
// the client disconnects. Clients do not send application messages; the read
// loop exists to notice the close.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	c.App.Logger.Info("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr))
	c.App.Hub.Add(conn)
	defer c.App.Hub.Remove(conn)

	conn.SetPongHandler(func(string) error { return nil })
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
