package signal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport is the registry's handle on one socket. gorilla allows one
// concurrent writer, so every write goes through mu.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

// Send writes v as one text frame. Raw JSON is written as is.
func (t *wsTransport) Send(v interface{}) error {
	var data []byte
	switch m := v.(type) {
	case []byte:
		data = m
	case json.RawMessage:
		data = m
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		data = encoded
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close sends a normal close frame and tears the socket down. Safe to call
// more than once and from any goroutine.
func (t *wsTransport) Close() error {
	return t.closeWith(websocket.CloseNormalClosure, "")
}

func (t *wsTransport) closeWith(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		msg := websocket.FormatCloseMessage(code, reason)
		t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeTimeout))
		t.mu.Unlock()
		err = t.conn.Close()
	})
	return err
}
