package server

// Conn abstracts the transport of one client so the request loop is shared by TCP
// and WebSocket connections.
type Conn interface {
	// ReadBlock blocks until a complete block arrives and returns its payload.
	// Errors wrapping codec.ErrCorrupt mean the block could not be decompressed.
	ReadBlock() ([]byte, error)

	// WriteBlock compresses payload and sends it as one block.
	WriteBlock(payload []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the client's address for logging.
	RemoteAddr() string
}
