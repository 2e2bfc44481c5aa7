package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/metrics"
)

// limiterPool is a per-client-IP token bucket pool. Entries idle for ttl are evicted
// by sweep, which runs lazily on get.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	rps       rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

func newLimiterPool(rps float64, burst int, ttl time.Duration) *limiterPool {
	return &limiterPool{
		m:     make(map[string]*limiterEntry),
		rps:   rate.Limit(rps),
		burst: burst,
		ttl:   ttl,
		now:   time.Now,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.lastSweep) >= p.ttl {
		p.sweepLocked(now)
	}
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.l
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = &limiterEntry{l: l, lastSeen: now}
	return l
}

func (p *limiterPool) sweepLocked(now time.Time) {
	cutoff := now.Add(-p.ttl)
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
	p.lastSweep = now
}

// Allow reports whether the request from key may proceed.
func (p *limiterPool) Allow(key string) bool {
	return p.get(key).AllowN(p.now(), 1)
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "unknown"
		if ip := clientIP(r, h.cfg.TrustProxy); ip != nil {
			key = ip.String()
		}
		if !h.limiters.Allow(key) {
			metrics.RateLimitHits.WithLabelValues("http").Inc()
			writeRateLimited(w, time.Second)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
