package server

import (
	"bufio"
	"net"

	"github.com/liveview/lvsave/internal/codec"
)

// TCPConn carries blocks back to back on a raw TCP stream.
type TCPConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

// NewTCPConn wraps a TCP connection.
func NewTCPConn(conn net.Conn) *TCPConn {
	return &TCPConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// ReadBlock reads the next block from the stream.
func (c *TCPConn) ReadBlock() ([]byte, error) {
	return codec.ReadBlock(c.reader)
}

// WriteBlock writes payload as one block.
func (c *TCPConn) WriteBlock(payload []byte) error {
	return codec.WriteBlock(c.conn, payload)
}

// Close closes the underlying connection.
func (c *TCPConn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the remote address as a string.
func (c *TCPConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
