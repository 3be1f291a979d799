// Package middleware provides HTTP middleware for the correlator API.
package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"siem-correlator/internal/config"
)

// maxClients bounds the per-IP table. The least recently seen client is
// forgotten first, which resets its bucket.
const maxClients = 100_000

// Decision is the outcome of one Allow call. Wait is the time until the
// next token when denied, or until the bucket next gains a whole token
// when allowed.
type Decision struct {
	Allowed   bool
	Remaining int
	Wait      time.Duration
}

// RateLimiter keeps a token bucket per client IP. A bucket refills at
// RequestsPerIP per WindowSize and holds RequestsPerIP+BurstSize tokens.
type RateLimiter struct {
	cfg     config.RateLimitConfig
	every   rate.Limit
	burst   int
	exempt  map[string]bool
	now     func() time.Time
	logger  *slog.Logger
	mu      sync.Mutex
	clients *lru.Cache[string, *bucket]
	stop    chan struct{}
	stopped sync.Once

	allowed, limited atomic.Uint64
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter also starts a sweeper when CleanupPeriod is set; Stop ends it.
func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	rl := newRateLimiter(cfg, logger, time.Now)
	if cfg.CleanupPeriod > 0 {
		go rl.sweepEvery(cfg.CleanupPeriod)
	}
	return rl
}

func newRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger, now func() time.Time) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = time.Minute
	}
	clients, _ := lru.New[string, *bucket](maxClients)

	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}
	return &RateLimiter{
		cfg:     cfg,
		every:   rate.Limit(float64(cfg.RequestsPerIP) / cfg.WindowSize.Seconds()),
		burst:   cfg.RequestsPerIP + cfg.BurstSize,
		exempt:  exempt,
		now:     now,
		logger:  logger,
		clients: clients,
		stop:    make(chan struct{}),
	}
}

func (rl *RateLimiter) limiterFor(ip string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.clients.Get(ip)
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.every, rl.burst)}
		rl.clients.Add(ip, b)
	}
	b.lastSeen = now
	return b.lim
}

// Allow takes one token from ip's bucket if one is available.
func (rl *RateLimiter) Allow(ip string) Decision {
	now := rl.now()
	lim := rl.limiterFor(ip, now)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		rl.limited.Add(1)
		return Decision{Wait: rl.cfg.WindowSize}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		rl.limited.Add(1)
		return Decision{Wait: delay}
	}

	rl.allowed.Add(1)
	tokens := lim.TokensAt(now)
	whole := math.Floor(tokens)
	return Decision{
		Allowed:   true,
		Remaining: max(int(whole), 0),
		Wait:      rl.timeFor(1 - (tokens - whole)),
	}
}

// timeFor is how long the bucket takes to earn n tokens.
func (rl *RateLimiter) timeFor(n float64) time.Duration {
	if rl.every <= 0 {
		return rl.cfg.WindowSize
	}
	return time.Duration(n / float64(rl.every) * float64(time.Second))
}

func (rl *RateLimiter) sweepEvery(period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			rl.sweep()
		case <-rl.stop:
			return
		}
	}
}

// sweep forgets clients idle for more than two windows.
func (rl *RateLimiter) sweep() {
	cutoff := rl.now().Add(-2 * rl.cfg.WindowSize)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for _, ip := range rl.clients.Keys() {
		if b, ok := rl.clients.Peek(ip); ok && b.lastSeen.Before(cutoff) {
			rl.clients.Remove(ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter swept idle clients", "removed", removed, "remaining", rl.clients.Len())
	}
}

func (rl *RateLimiter) Stop() {
	rl.stopped.Do(func() { close(rl.stop) })
}

// IsExempt reports whether path bypasses limiting.
func (rl *RateLimiter) IsExempt(path string) bool {
	return rl.exempt[path]
}

type RateLimiterStats struct {
	TrackedIPs int    `json:"tracked_ips"`
	Allowed    uint64 `json:"allowed"`
	Limited    uint64 `json:"limited"`
}

func (rl *RateLimiter) Stats() RateLimiterStats {
	return RateLimiterStats{
		TrackedIPs: rl.clients.Len(),
		Allowed:    rl.allowed.Load(),
		Limited:    rl.limited.Load(),
	}
}

// Wrap limits next per client IP. Every limited response carries
// X-RateLimit-* headers; a denial is a 429 with Retry-After in whole
// seconds.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled || rl.IsExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r, rl.cfg.TrustProxy)
		d := rl.Allow(ip)

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(rl.burst))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(rl.now().Add(d.Wait).Unix(), 10))
		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retry := max(int(math.Ceil(d.Wait.Seconds())), 1)
		rl.logger.Warn("rate limit exceeded", "ip", ip, "method", r.Method, "path", r.URL.Path)
		h.Set("Retry-After", strconv.Itoa(retry))
		h.Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error":       "too many requests",
			"code":        "RATE_LIMITED",
			"retry_after": retry,
		})
	})
}

// clientIP returns the peer address, or with trustProxy the rightmost
// X-Forwarded-For entry (the one our proxy appended), then X-Real-IP.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		for _, hop := range slices.Backward(strings.Split(r.Header.Get("X-Forwarded-For"), ",")) {
			if hop = strings.TrimSpace(hop); hop != "" {
				return hop
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
