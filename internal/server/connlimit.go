package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/liveview/lvsave/internal/config"
)

// Reasons Acquire refuses a connection.
var (
	ErrServerFull    = errors.New("server connection limit reached")
	ErrTooManyFromIP = errors.New("too many connections from this address")
	ErrLockedOut     = errors.New("address is locked out after rejected requests")
)

// lockoutChecker reports whether an IP is serving a lockout.
type lockoutChecker interface {
	IsLocked(ip string) (bool, time.Duration)
}

// ConnStats is a snapshot of the limiter.
type ConnStats struct {
	Open    int // open connections
	Clients int // distinct client IPs
	Peak    int // most connections open at once since start
}

// ConnLimiter hands out connection slots, capped per IP and in total. IPs locked
// out by the reject limiter get no slot at all.
type ConnLimiter struct {
	mu       sync.Mutex
	perIP    map[string]int
	open     int
	peak     int
	maxPerIP int // 0 means unlimited
	maxTotal int // 0 means unlimited
	lockout  lockoutChecker
}

// NewConnLimiter creates a limiter. lockout may be nil.
func NewConnLimiter(cfg config.ConnectionsConfig, lockout lockoutChecker) *ConnLimiter {
	return &ConnLimiter{
		perIP:    make(map[string]int),
		maxPerIP: cfg.MaxPerIP,
		maxTotal: cfg.MaxTotal,
		lockout:  lockout,
	}
}

// Acquire takes a slot for ip, or returns the reason it cannot.
func (c *ConnLimiter) Acquire(ip string) error {
	if c.lockout != nil {
		if locked, _ := c.lockout.IsLocked(ip); locked {
			return ErrLockedOut
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.maxTotal > 0 && c.open >= c.maxTotal:
		return ErrServerFull
	case c.maxPerIP > 0 && c.perIP[ip] >= c.maxPerIP:
		return ErrTooManyFromIP
	}

	c.perIP[ip]++
	c.open++
	c.peak = max(c.peak, c.open)
	return nil
}

// Release returns a slot taken by Acquire. Extra releases are ignored.
func (c *ConnLimiter) Release(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.perIP[ip]
	if !ok {
		return
	}
	if n <= 1 {
		delete(c.perIP, ip)
	} else {
		c.perIP[ip] = n - 1
	}
	c.open--
}

func (c *ConnLimiter) Stats() ConnStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnStats{Open: c.open, Clients: len(c.perIP), Peak: c.peak}
}

// IPCount returns the number of open connections from ip.
func (c *ConnLimiter) IPCount(ip string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perIP[ip]
}

// extractIP strips the port from an ip:port address.
func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
