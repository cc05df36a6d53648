package auth

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit bounds mutating requests per caller. Zero PerMinute disables it.
type RateLimit struct {
	PerMinute float64
	Burst     int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles POST/PUT/PATCH/DELETE requests keyed by the JWT
// subject, falling back to the remote address for anonymous callers.
type RateLimiter struct {
	limit  RateLimit
	logger *log.Logger
	idle   time.Duration
	now    func() time.Time

	mu      sync.Mutex
	callers map[string]*limiterEntry
}

// NewRateLimiter constructs a limiter. Entries idle for longer than ten
// minutes are dropped on the next request.
func NewRateLimiter(limit RateLimit, logger *log.Logger) *RateLimiter {
	if logger == nil {
		logger = log.Default()
	}
	return &RateLimiter{
		limit:   limit,
		logger:  logger,
		idle:    10 * time.Minute,
		now:     time.Now,
		callers: make(map[string]*limiterEntry),
	}
}

// Wrap must run inside the auth middleware so the subject is on the context.
func (l *RateLimiter) Wrap(next http.Handler) http.Handler {
	if l == nil || l.limit.PerMinute <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		key := SubjectFromContext(r.Context())
		if key == "" {
			key = remoteHost(r)
		}
		if !l.allow(key) {
			l.logger.Printf("rate limit exceeded: caller=%s path=%s", key, r.URL.Path)
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, entry := range l.callers {
		if now.Sub(entry.lastSeen) > l.idle {
			delete(l.callers, id)
		}
	}
	entry, ok := l.callers[key]
	if !ok {
		burst := l.limit.Burst
		if burst <= 0 {
			burst = 1
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(l.limit.PerMinute/60.0), burst)}
		l.callers[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
