// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ledger

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"decred.org/sealwallet/seal/msgjson"
	"golang.org/x/time/rate"
)

// ipRateLimiter is used to track an IP's request rate.
type ipRateLimiter struct {
	*rate.Limiter
	lastHit time.Time
}

// ipLimiters is a per-client rate limiter.
type ipLimiters struct {
	perSec rate.Limit
	burst  int

	mtx      sync.Mutex
	limiters map[string]*ipRateLimiter
}

func newIPLimiters(perSec float64, burst int) *ipLimiters {
	return &ipLimiters{
		perSec:   rate.Limit(perSec),
		burst:    burst,
		limiters: make(map[string]*ipRateLimiter),
	}
}

// get an ipRateLimiter for the IP. Creates a new one if it doesn't exist.
func (l *ipLimiters) get(ip string) *ipRateLimiter {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	limiter := l.limiters[ip]
	if limiter != nil {
		limiter.lastHit = time.Now()
		return limiter
	}
	limiter = &ipRateLimiter{
		Limiter: rate.NewLimiter(l.perSec, l.burst),
		lastHit: time.Now(),
	}
	l.limiters[ip] = limiter
	return limiter
}

// prune drops limiters not hit within idle.
func (l *ipLimiters) prune(idle time.Duration) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for ip, limiter := range l.limiters {
		if time.Since(limiter.lastHit) > idle {
			delete(l.limiters, ip)
		}
	}
}

// run keeps the limiter map clean until the context is canceled.
func (l *ipLimiters) run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute * 5)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.prune(time.Minute)
		case <-ctx.Done():
			return
		}
	}
}

// SetRateLimit limits API requests per client IP. A non-positive rate
// disables limiting. Must be called before Router.
func (s *Server) SetRateLimit(perSec float64, burst int) {
	if perSec <= 0 {
		s.limiters = nil
		return
	}
	if burst < 1 {
		burst = 1
	}
	s.limiters = newIPLimiters(perSec, burst)
}

// limitRate is rate-limiting middleware for the API routes.
func (s *Server) limitRate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !s.limiters.get(ip).Allow() {
			s.requests.WithLabelValues("limited", "error").Inc()
			writeJSON(w, http.StatusTooManyRequests, &msgjson.ResponsePayload{
				Error: msgjson.NewError(msgjson.RateLimitError, "too many requests"),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
