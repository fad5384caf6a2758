package sandbox

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter hands out one token bucket per client address.
type clientLimiter struct {
	perMinute int
	limit     rate.Limit
	burst     int
	idle      time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	done    chan struct{}
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// newClientLimiter allows perMinute requests per client, with a burst of the same size.
// Buckets idle for longer than idle are dropped by a background sweep until Stop.
func newClientLimiter(perMinute int, idle time.Duration) *clientLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	l := &clientLimiter{
		perMinute: perMinute,
		limit:     rate.Limit(float64(perMinute) / 60),
		burst:     perMinute,
		idle:      idle,
		buckets:   make(map[string]*bucket),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

func (l *clientLimiter) allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastAccess = time.Now()
	l.mu.Unlock()
	return b.limiter.Allow()
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Stop ends the sweep goroutine and waits for it.
func (l *clientLimiter) Stop() {
	close(l.stop)
	<-l.done
}

func (l *clientLimiter) sweepLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep(time.Now())
		case <-l.stop:
			return
		}
	}
}

func (l *clientLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.lastAccess) > l.idle {
			delete(l.buckets, key)
		}
	}
}

// middleware refuses over-budget clients with 429 and a Retry-After of one token's refill time.
func (l *clientLimiter) middleware(onLimited func(r *http.Request)) func(http.Handler) http.Handler {
	retryAfter := (60 + l.perMinute - 1) / l.perMinute
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(clientKey(r)) {
				if onLimited != nil {
					onLimited(r)
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSON(w, http.StatusTooManyRequests, apiError{
					Success: false,
					Error:   "RATE_LIMITED",
					Message: "Trop de requêtes. Réessayez plus tard.",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey is the request's remote host. RealIP runs first, so proxies are honoured.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
