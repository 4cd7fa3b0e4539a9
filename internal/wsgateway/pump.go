package wsgateway

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

// ControlMessage is the client->server envelope on the session channel
// (spec.md §4.F: send_message, interrupt, permission_response,
// set_permission_mode, ping).
type ControlMessage struct {
	Action             string `json:"action"`
	Text               string `json:"text,omitempty"`
	RequestID          string `json:"request_id,omitempty"`
	Allow              bool   `json:"allow,omitempty"`
	AppliedSuggestions []string `json:"applied_suggestions,omitempty"`
	Guidance           string `json:"guidance,omitempty"`
	Mode               string `json:"mode,omitempty"`
}

// ControlHandler reacts to inbound control messages on a session channel.
type ControlHandler interface {
	HandleControl(sessionID string, msg ControlMessage)
}

// ReadPump reads inbound frames until the connection closes. Only
// session-channel clients carry meaningful inbound traffic; global
// clients still need a read loop to detect disconnects and respond to
// pongs.
func (c *Client) ReadPump(sessionID string, handler ControlHandler) {
	defer c.hub.Unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		if handler == nil {
			continue
		}

		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("invalid control message", zap.Error(err))
			continue
		}
		if msg.Action == "ping" {
			continue
		}
		handler.HandleControl(sessionID, msg)
	}
}

// WritePump drains the client's send buffer to the connection, coalescing
// queued messages and sending keep-alive pings on idle.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
