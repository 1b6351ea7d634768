// Package client sends "save frames" requests to a LiveView acquisition server.
//
// A Client owns a single TCP connection opened by Dial. Each request is one JSON
// document framed by the codec package, answered by one framed JSON status
// document. The connection is never re-established; after a TransportError the
// Client must be closed.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/liveview/lvsave/internal/codec"
	"github.com/liveview/lvsave/internal/config"
	"github.com/liveview/lvsave/internal/logger"
	"github.com/liveview/lvsave/internal/protocol"
)

const (
	// DefaultConnectTimeout matches the blocking connect used by the acquisition
	// software's own clients.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultReplyTimeout bounds the wait for a reply after a request is written.
	DefaultReplyTimeout = 2 * time.Second

	// DefaultWriteTimeout bounds the write of one request. It is separate from the
	// reply timeout so a briefly full send buffer does not end a poll loop.
	DefaultWriteTimeout = 30 * time.Second

	// DefaultPollInterval is the delay between requests in Poll.
	DefaultPollInterval = 20 * time.Second

	// drainTimeout is how long the rest of an unreadable reply is waited for.
	drainTimeout = 50 * time.Millisecond
)

// Target is the address of a save server.
type Target struct {
	Host string
	Port int
}

// Validate reports ErrInvalidTarget for an empty host or a port outside 1-65535.
func (t Target) Validate() error {
	if t.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidTarget)
	}
	if t.Port < 1 || t.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalidTarget, t.Port)
	}
	return nil
}

// Addr returns host:port, bracketing IPv6 literals.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	return t.Addr()
}

// Config holds the connection settings of a Client. Zero timeouts use the defaults.
type Config struct {
	Target         Target
	ConnectTimeout time.Duration
	ReplyTimeout   time.Duration
	WriteTimeout   time.Duration
}

// DefaultConfig returns a Config for host:port with default timeouts.
func DefaultConfig(host string, port int) Config {
	return Config{
		Target:         Target{Host: host, Port: port},
		ConnectTimeout: DefaultConnectTimeout,
		ReplyTimeout:   DefaultReplyTimeout,
		WriteTimeout:   DefaultWriteTimeout,
	}
}

// NewConfig builds a Config from the client section of the configuration file.
func NewConfig(cc config.ClientConfig) Config {
	return Config{
		Target:         Target{Host: cc.Host, Port: cc.Port},
		ConnectTimeout: cc.ConnectTimeout(),
		ReplyTimeout:   cc.ReplyTimeout(),
	}
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = DefaultReplyTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Client is a connection to one save server. Requests are serialised, so at most
// one is outstanding at a time.
type Client struct {
	cfg    Config
	conn   net.Conn
	reader *bufio.Reader

	mu     sync.Mutex
	closed bool
}

// Dial connects to cfg.Target. The attempt is bounded by cfg.ConnectTimeout and ctx.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Target.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	addr := cfg.Target.Addr()
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(addr, err)
	}

	logger.Info("Connected to save server", "addr", addr)
	return &Client{
		cfg:    cfg,
		conn:   conn,
		reader: bufio.NewReader(conn),
	}, nil
}

// Target returns the server this client is connected to.
func (c *Client) Target() Target {
	return c.cfg.Target
}

// RequestSave asks the server to save numFrames frames averaged over numAvgs to
// fileName. The counts may be any numeric value accepted by protocol.ToCount; a nil
// numAvgs means one.
func (c *Client) RequestSave(ctx context.Context, fileName string, numFrames, numAvgs any) (Result, error) {
	req, err := protocol.NewSaveRequest(fileName, numFrames, numAvgs)
	if err != nil {
		return Result{}, err
	}
	return c.Do(ctx, req)
}

// Do sends req and waits up to the reply timeout for the answer.
//
// A silent server yields OutcomeNoReply with a nil error. Errors are returned for
// invalid requests, a broken connection (*TransportError), an unreadable reply
// (*DecodeError) and a cancelled ctx. A reply arriving after the timeout stays
// buffered and is read as the answer to the next request.
func (c *Client) Do(ctx context.Context, req protocol.SaveRequest) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		return Result{}, err
	}
	block, err := codec.Compress(payload)
	if err != nil {
		return Result{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Result{}, &TransportError{Op: "write", Err: net.ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// Deadlines are set before the cancellation hook so a cancelled ctx always wins.
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	c.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := c.conn.Write(block); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &TransportError{Op: "write", Err: err}
	}
	logger.Debug("Sent save request", "file", req.FileName, "frames", req.NumFrames, "avgs", req.NumAvgs)

	c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReplyTimeout))
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	if _, err := c.reader.Peek(1); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if isTimeout(err) {
			logger.Warning("No reply from save server", "addr", c.cfg.Target.Addr(), "timeout", c.cfg.ReplyTimeout)
			return Result{Outcome: OutcomeNoReply}, nil
		}
		return Result{}, &TransportError{Op: "read", Err: err}
	}

	reply, err := codec.ReadBlock(c.reader)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if !errors.Is(err, codec.ErrCorrupt) {
			err = fmt.Errorf("%w: truncated block: %w", codec.ErrCorrupt, err)
		}
		c.discardPending()
		return Result{}, &DecodeError{Err: err}
	}

	resp, err := protocol.DecodeResponse(reply)
	if err != nil {
		return Result{Raw: reply}, &DecodeError{Err: err}
	}

	result := Result{Status: resp.Status, Message: resp.Message, Raw: reply}
	switch {
	case !resp.HasStatus:
		result.Outcome = OutcomeUnexpected
		logger.Warning("Unexpected reply from save server", "reply", string(reply))
	case resp.Status == protocol.StatusOK:
		result.Outcome = OutcomeSaved
		logger.Info("Save request confirmed", "file", req.FileName, "frames", req.NumFrames, "avgs", req.NumAvgs)
	default:
		result.Outcome = OutcomeRejected
		logger.Warning("Save request rejected", "status", resp.Status, "message", resp.Message)
	}
	return result, nil
}

// Close releases the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	logger.Debug("Disconnecting from save server", "addr", c.cfg.Target.Addr())
	return c.conn.Close()
}

// discardPending drops whatever is left of an unreadable reply so the next request
// starts reading on a block boundary. Bytes still arriving are read for drainTimeout.
func (c *Client) discardPending() {
	c.conn.SetReadDeadline(time.Now().Add(drainTimeout))
	discarded := 0
	for {
		if n := c.reader.Buffered(); n > 0 {
			c.reader.Discard(n)
			discarded += n
			continue
		}
		if _, err := c.reader.Peek(1); err != nil {
			break
		}
	}
	if discarded > 0 {
		logger.Debug("Discarded unreadable reply data", "bytes", discarded)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
