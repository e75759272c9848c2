package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/layneker8/soft-turnos/internal/apierr"
)

// RemoteLimiter shares the budget across replicas. broker.SlidingWindowLimiter
// implements it.
type RemoteLimiter interface {
	Allow(ctx context.Context, id string) (bool, time.Duration, error)
}

type RateLimitConfig struct {
	IPPerMinute int
	IPBurst     int
	// Remote is consulted first when set; the local bucket is used if it fails.
	Remote RemoteLimiter
}

type RateLimiter struct {
	local  *localBuckets
	remote RemoteLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		local:  newLocalBuckets(cfg.IPPerMinute, cfg.IPBurst),
		remote: cfg.Remote,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip == "" {
			next.ServeHTTP(w, r)
			return
		}
		allowed, retry := l.allow(r.Context(), ip)
		if !allowed {
			if secs := int(retry.Round(time.Second) / time.Second); secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, apierr.CodeRateLimited, "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(ctx context.Context, ip string) (bool, time.Duration) {
	if l.remote != nil {
		if allowed, retry, err := l.remote.Allow(ctx, ip); err == nil {
			return allowed, retry
		}
	}
	return l.local.take(ip, time.Now())
}

// localBuckets is a per-key token bucket for a single replica. Buckets idle
// long enough to be full again are dropped on the next sweep.
type localBuckets struct {
	mu        sync.Mutex
	perSecond float64
	capacity  float64
	byKey     map[string]*allowance
	lastSweep time.Time
}

type allowance struct {
	left float64
	seen time.Time
}

func newLocalBuckets(perMinute, burst int) *localBuckets {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &localBuckets{
		perSecond: float64(perMinute) / 60,
		capacity:  float64(burst),
		byKey:     make(map[string]*allowance),
	}
}

// take spends one token for key. When none is left it reports how long until
// the next one.
func (b *localBuckets) take(key string, now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked(now)

	a := b.byKey[key]
	if a == nil {
		a = &allowance{left: b.capacity, seen: now}
		b.byKey[key] = a
	}
	a.left = min(b.capacity, a.left+now.Sub(a.seen).Seconds()*b.perSecond)
	a.seen = now
	if a.left < 1 {
		wait := time.Duration((1 - a.left) / b.perSecond * float64(time.Second))
		return false, wait
	}
	a.left--
	return true, 0
}

func (b *localBuckets) sweepLocked(now time.Time) {
	refill := time.Duration(b.capacity / b.perSecond * float64(time.Second))
	if now.Sub(b.lastSweep) < refill {
		return
	}
	b.lastSweep = now
	for key, a := range b.byKey {
		if now.Sub(a.seen) >= refill {
			delete(b.byKey, key)
		}
	}
}

// clientIP prefers the first X-Forwarded-For hop set by the proxy in front.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
