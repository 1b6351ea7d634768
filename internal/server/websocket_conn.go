package server

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/liveview/lvsave/internal/codec"
)

// WebSocketConn carries one block per binary WebSocket message.
type WebSocketConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // gorilla allows one concurrent writer
}

// NewWebSocketConn wraps a WebSocket connection. Messages larger than maxMessageSize
// bytes close the connection; zero means no limit.
func NewWebSocketConn(conn *websocket.Conn, maxMessageSize int64) *WebSocketConn {
	if maxMessageSize > 0 {
		conn.SetReadLimit(maxMessageSize)
	}
	return &WebSocketConn{conn: conn}
}

// ReadBlock reads the next message and decompresses it. Text messages are treated
// like binary ones.
func (c *WebSocketConn) ReadBlock() ([]byte, error) {
	_, message, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return codec.Decompress(message)
}

// WriteBlock sends payload as one binary message.
func (c *WebSocketConn) WriteBlock(payload []byte) error {
	block, err := codec.Compress(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, block)
}

// Close closes the WebSocket connection.
func (c *WebSocketConn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the remote address as a string.
func (c *WebSocketConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
