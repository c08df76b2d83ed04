package rendezvoustest

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// websocketUpgrader wraps gorilla/websocket so server.go can stay agnostic
// of the underlying library's Conn type.
type websocketUpgrader struct {
	upgrader websocket.Upgrader
}

func (u *websocketUpgrader) upgrade(w http.ResponseWriter, r *http.Request) (*wsConn, error) {
	if u.upgrader.CheckOrigin == nil {
		u.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

// wsConn serializes writes, since gorilla's Conn forbids concurrent writers.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) readMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) writeMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) close() { _ = c.conn.Close() }
