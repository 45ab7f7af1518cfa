// ABOUTME: Websocket transport: upgrades HTTP requests and pumps JSON envelopes
// ABOUTME: Each connection gets a reader that feeds the router and a writer that drains its outbox

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients are served from other origins; identity is checked on identify.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades the request and serves the connection until it closes.
func (r *Router) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		r.logger.Warn("websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}

	connID := uuid.New().String()
	outbox := r.Connect(connID)
	r.logger.Info("client connected", "conn_id", connID, "remote", req.RemoteAddr)

	go r.writePump(conn, connID, outbox)
	r.readPump(conn, connID)
}

// readPump applies frames in arrival order. Returning disconnects the client.
func (r *Router) readPump(conn *websocket.Conn, connID string) {
	defer func() {
		r.Disconnect(connID)
		_ = conn.Close()
		r.logger.Info("client disconnected", "conn_id", connID)
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn("websocket read failed", "conn_id", connID, "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			r.sendError(connID, "", newEventError(CodeInvalidPayload, "frames must be JSON envelopes with a type"))
			continue
		}
		r.Handle(connID, env)
	}
}

// writePump is the only writer on conn. It exits when the outbox closes.
func (r *Router) writePump(conn *websocket.Conn, connID string, outbox <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-outbox:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				r.logger.Debug("websocket write failed", "conn_id", connID, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
