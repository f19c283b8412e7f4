package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// requestClass separates a client's budget. Submissions and admin calls
// do not compete with progress polling.
type requestClass uint8

const (
	classRead requestClass = iota
	classWrite
)

func classify(r *http.Request) requestClass {
	if r.Method == http.MethodPost {
		return classWrite
	}
	return classRead
}

type bucketKey struct {
	client string
	class  requestClass
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps a token bucket per client IP and request class.
// Buckets idle for longer than ttl are swept at most once a minute.
type clientLimiter struct {
	mu        sync.Mutex
	buckets   map[bucketKey]*bucket
	nextSweep time.Time

	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{
		buckets: make(map[bucketKey]*bucket),
		limit:   rate.Limit(rps),
		burst:   burst,
		ttl:     15 * time.Minute,
		now:     time.Now,
	}
}

func unlimitedPath(path string) bool {
	return path == "/health" || path == "/metrics"
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	if l == nil || l.limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || unlimitedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if wait := l.take(clientIP(r), classify(r)); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(float64(l.limit), 'f', -1, 64))
			writeAPIError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// take spends one token. It returns zero on success, otherwise how long
// the client has to wait for the next token.
func (l *clientLimiter) take(client string, class requestClass) time.Duration {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if !now.Before(l.nextSweep) {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.ttl {
				delete(l.buckets, k)
			}
		}
		l.nextSweep = now.Add(time.Minute)
	}

	key := bucketKey{client: client, class: class}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return l.ttl
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return d
	}
	return 0
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// clientIP prefers the first proxy hop that parses as an IP, then the
// connection address.
func clientIP(r *http.Request) string {
	candidates := []string{r.Header.Get("X-Real-IP")}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		candidates = append([]string{first}, candidates...)
	}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if net.ParseIP(c) != nil {
			return c
		}
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil && host != "" {
		return host
	}
	if remote == "" {
		return "unknown"
	}
	return remote
}
