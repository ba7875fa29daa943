package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"popfork/logx"
	"popfork/monitoring"
)

// Config holds the sliding-window rate limit settings.
type Config struct {
	MaxRequests     int           // requests allowed per window, <=0 disables limiting
	Window          time.Duration // sliding window length
	CleanupInterval time.Duration // how often idle clients are evicted
}

// DefaultConfig allows 100 requests per second per client.
func DefaultConfig() *Config {
	return &Config{
		MaxRequests:     100,
		Window:          time.Second,
		CleanupInterval: 5 * time.Minute,
	}
}

// Limiter tracks request timestamps per client key and enforces a
// sliding window limit.
type Limiter struct {
	cfg     *Config
	mu      sync.Mutex
	clients map[string][]time.Time
	stop    chan struct{}
	once    sync.Once
}

func NewLimiter(cfg *Config) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string][]time.Time),
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a request from key fits in the current window
// and records it if so.
func (l *Limiter) Allow(key string) bool {
	if l.cfg.MaxRequests <= 0 {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := pruneBefore(l.clients[key], cutoff)
	if len(recent) >= l.cfg.MaxRequests {
		l.clients[key] = recent
		return false
	}
	l.clients[key] = append(recent, now)
	return true
}

// Remaining returns how many requests key can still make in the
// current window.
func (l *Limiter) Remaining(key string) int {
	if l.cfg.MaxRequests <= 0 {
		return -1
	}
	cutoff := time.Now().Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	used := len(pruneBefore(l.clients[key], cutoff))
	if used > l.cfg.MaxRequests {
		used = l.cfg.MaxRequests
	}
	return l.cfg.MaxRequests - used
}

// Reset forgets all requests recorded for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, key)
}

// Stop ends the background cleanup goroutine. Safe to call twice.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	cutoff := time.Now().Add(-l.cfg.Window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, stamps := range l.clients {
		recent := pruneBefore(stamps, cutoff)
		if len(recent) == 0 {
			delete(l.clients, key)
		} else {
			l.clients[key] = recent
		}
	}
}

func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	// Timestamps are appended in order, so find the first recent one.
	for i, ts := range stamps {
		if ts.After(cutoff) {
			return stamps[i:]
		}
	}
	return nil
}

// Middleware rejects requests over the limit with 429, keyed by
// client IP.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ClientKey(r)
		if !l.Allow(key) {
			monitoring.IncreaseRateLimited()
			logx.Warn("RATELIMIT", "rejected", key)
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientKey derives the limiter key for a request, preferring the
// first X-Forwarded-For hop over the socket address.
func ClientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
