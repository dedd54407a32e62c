package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorIdle    = 3 * time.Minute
	visitorSweepAt = 1024
)

type RateLimitConfig struct {
	RPS   float64
	Burst int
	// TrustProxy takes the client address from the first X-Forwarded-For hop.
	TrustProxy bool
	// ExemptPrefixes skips limiting for these paths. Carrier webhooks arrive
	// from a few shared egress addresses and are authenticated by signature.
	ExemptPrefixes []string
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit applies a token bucket per client address.
func RateLimit(config RateLimitConfig) func(http.Handler) http.Handler {
	if config.RPS <= 0 {
		config.RPS = 20
	}
	if config.Burst <= 0 {
		config.Burst = 40
	}

	visitors := make(map[string]*visitor)
	var mu sync.Mutex

	getLimiter := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		if len(visitors) >= visitorSweepAt {
			for existing, item := range visitors {
				if now.Sub(item.lastSeen) > visitorIdle {
					delete(visitors, existing)
				}
			}
		}
		v, ok := visitors[key]
		if !ok {
			v = &visitor{limiter: rate.NewLimiter(rate.Limit(config.RPS), config.Burst)}
			visitors[key] = v
		}
		v.lastSeen = now
		return v.limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hasAnyPrefix(r.URL.Path, config.ExemptPrefixes) {
				next.ServeHTTP(w, r)
				return
			}
			if !getLimiter(clientKey(r, config.TrustProxy)).Allow() {
				w.Header().Set("Retry-After", "1")
				writeErrorJSON(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
				return first
			}
		}
	}
	return extractIP(r.RemoteAddr)
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}
