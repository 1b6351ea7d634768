package server

import (
	"sync"
	"time"

	"github.com/liveview/lvsave/internal/config"
)

// RejectLimiter locks out client IPs that keep sending requests the server has to
// reject. Each lockout doubles the previous one, up to a maximum.
type RejectLimiter struct {
	mu                sync.Mutex
	clients           map[string]*rejectInfo
	maxRejects        int
	lockoutSeconds    int
	maxLockoutSeconds int
	cleanupInterval   time.Duration
	stopCleanup       chan struct{}
	stopOnce          sync.Once
}

type rejectInfo struct {
	rejects      int
	lockedUntil  time.Time
	lockoutCount int
}

// NewRejectLimiter creates a limiter. Zero settings fall back to 5 rejects, a 30s
// lockout and a 300s cap.
func NewRejectLimiter(cfg config.RateLimitConfig) *RejectLimiter {
	rl := &RejectLimiter{
		clients:           make(map[string]*rejectInfo),
		maxRejects:        cfg.MaxRejects,
		lockoutSeconds:    cfg.LockoutSeconds,
		maxLockoutSeconds: cfg.MaxLockoutSeconds,
		cleanupInterval:   5 * time.Minute,
		stopCleanup:       make(chan struct{}),
	}

	if rl.maxRejects <= 0 {
		rl.maxRejects = 5
	}
	if rl.lockoutSeconds <= 0 {
		rl.lockoutSeconds = 30
	}
	if rl.maxLockoutSeconds <= 0 {
		rl.maxLockoutSeconds = 300
	}

	go rl.cleanupLoop()

	return rl
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RejectLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// IsLocked reports whether ip is locked out and for how much longer.
func (rl *RejectLimiter) IsLocked(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	info, exists := rl.clients[ip]
	if !exists {
		return false, 0
	}
	if time.Now().Before(info.lockedUntil) {
		return true, time.Until(info.lockedUntil)
	}
	return false, 0
}

// RecordReject counts a rejected request from ip. It returns true with the lockout
// duration when ip becomes (or already is) locked out.
func (rl *RejectLimiter) RecordReject(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	info, exists := rl.clients[ip]
	if !exists {
		info = &rejectInfo{}
		rl.clients[ip] = info
	}

	if time.Now().Before(info.lockedUntil) {
		return true, time.Until(info.lockedUntil)
	}

	info.rejects++
	if info.rejects < rl.maxRejects {
		return false, 0
	}

	info.lockoutCount++
	lockout := time.Duration(rl.lockoutSeconds) * time.Second
	maxLockout := time.Duration(rl.maxLockoutSeconds) * time.Second
	for i := 1; i < info.lockoutCount; i++ {
		// Checked before doubling so the duration cannot overflow.
		if lockout >= maxLockout/2 {
			lockout = maxLockout
			break
		}
		lockout *= 2
	}
	if lockout > maxLockout {
		lockout = maxLockout
	}
	info.lockedUntil = time.Now().Add(lockout)
	info.rejects = 0
	return true, lockout
}

// RecordAccept clears the reject count of ip.
func (rl *RejectLimiter) RecordAccept(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, ip)
}

// Rejects returns the current reject count of ip.
func (rl *RejectLimiter) Rejects(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if info, exists := rl.clients[ip]; exists {
		return info.rejects
	}
	return 0
}

func (rl *RejectLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCleanup:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup forgets clients whose lockout ended over ten minutes ago.
func (rl *RejectLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, info := range rl.clients {
		if info.lockedUntil.Before(cutoff) && info.rejects == 0 {
			delete(rl.clients, ip)
		}
	}
}
