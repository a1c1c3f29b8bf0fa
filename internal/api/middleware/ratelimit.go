package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxKeyPeek bounds how much of a webhook body is read to find its leg.
const maxKeyPeek = 64 << 10

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(r *http.Request) string

// RateLimitConfig configures a token bucket per key.
type RateLimitConfig struct {
	Rate  rate.Limit
	Burst int
	// Key defaults to ClientIP.
	Key KeyFunc
	// Buckets idle for MaxAge are dropped every CleanupInterval.
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

// WebhookRateLimitConfig charges provider callbacks to the call leg they
// belong to. Every call reaches us from the same few provider addresses, so
// a per-address budget would let one looping call starve all the others.
// A leg sends a few requests per menu step, and legs end within minutes, so
// the buckets are small and short-lived.
func WebhookRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(5),
		Burst:           20,
		Key:             CallLeg,
		CleanupInterval: time.Minute,
		MaxAge:          2 * time.Minute,
	}
}

// AdminRateLimitConfig limits the admin API per client address: 5
// requests/second with a burst of 10.
func AdminRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(5),
		Burst:           10,
		Key:             ClientIP,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one token bucket per key and evicts idle ones in the
// background.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     RateLimitConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	stopped sync.Once
}

// NewLimiter starts the eviction loop; call Stop to end it.
func NewLimiter(cfg RateLimitConfig, logger *slog.Logger) *Limiter {
	if cfg.Key == nil {
		cfg.Key = ClientIP
	}
	l := &Limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		logger:  logger.With("subsystem", "ratelimit"),
		stopCh:  make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// Allow takes a token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.limiter.Allow()
}

// Stop ends the eviction loop. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopped.Do(func() { close(l.stopCh) })
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evict(time.Now().Add(-l.cfg.MaxAge))
		case <-l.stopCh:
			return
		}
	}
}

// evict drops buckets last used before cutoff.
func (l *Limiter) evict(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	if n > 0 {
		l.logger.Debug("idle buckets evicted", "evicted", n, "remaining", len(l.buckets))
	}
}

// RateLimit rejects requests whose bucket is empty with 429 and a
// Retry-After header.
func RateLimit(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := l.cfg.Key(r)
			if !l.Allow(key) {
				l.logger.Warn("rate limit exceeded", "key", key, "method", r.Method, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP keys by the remote address without its port. chi's RealIP
// middleware must run first when the server sits behind a proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// CallLeg keys a provider callback by its leg uuid, taken from the query
// of the answer URL or from the JSON body of events and input. The body is
// restored for the handler. Requests without a leg fall back to ClientIP.
func CallLeg(r *http.Request) string {
	if leg := r.URL.Query().Get("uuid"); leg != "" {
		return "leg:" + leg
	}
	if r.Body == nil || r.Body == http.NoBody {
		return ClientIP(r)
	}

	head, err := io.ReadAll(io.LimitReader(r.Body, maxKeyPeek))
	r.Body = readCloser{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	if err != nil {
		return ClientIP(r)
	}

	var body struct {
		UUID string `json:"uuid"`
	}
	if json.Unmarshal(head, &body) != nil || body.UUID == "" {
		return ClientIP(r)
	}
	return "leg:" + body.UUID
}

// readCloser replays a peeked body and still closes the original.
type readCloser struct {
	io.Reader
	io.Closer
}
