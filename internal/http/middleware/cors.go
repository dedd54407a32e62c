package middleware

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	corsAllowMethods  = "GET, POST, OPTIONS"
	corsAllowHeaders  = "Authorization, Content-Type, Idempotency-Key, X-Request-Id"
	corsExposeHeaders = "Retry-After, X-Request-Id"
	corsDefaultMaxAge = 10 * time.Minute
)

// CORSConfig opens the API to the admin app in the browser.
type CORSConfig struct {
	// AllowedOrigins are scheme://host[:port] values; "*" allows any origin.
	AllowedOrigins []string
	// PathPrefixes limits CORS to these routes, /v1/ when empty. Carrier
	// webhooks and health checks are not browser traffic.
	PathPrefixes []string
	MaxAge       time.Duration
}

type originSet struct {
	any     bool
	origins map[string]struct{}
}

func newOriginSet(values []string) originSet {
	set := originSet{origins: make(map[string]struct{}, len(values))}
	for _, value := range values {
		switch origin := canonicalOrigin(value); origin {
		case "":
		case "*":
			set.any = true
		default:
			set.origins[origin] = struct{}{}
		}
	}
	return set
}

func (s originSet) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if s.any {
		return true
	}
	_, ok := s.origins[origin]
	return ok
}

// canonicalOrigin lowercases scheme and host and drops any path, so a
// configured "https://App.leadline.dk/" matches what the browser sends.
func canonicalOrigin(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || value == "*" {
		return value
	}
	parsed, err := url.Parse(value)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
}

func CORS(config CORSConfig) func(http.Handler) http.Handler {
	allowed := newOriginSet(config.AllowedOrigins)
	prefixes := config.PathPrefixes
	if len(prefixes) == 0 {
		prefixes = []string{"/v1/"}
	}
	maxAge := config.MaxAge
	if maxAge <= 0 {
		maxAge = corsDefaultMaxAge
	}
	maxAgeValue := strconv.Itoa(int(maxAge / time.Second))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || !hasAnyPrefix(r.URL.Path, prefixes) {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Origin")
			permitted := allowed.allows(canonicalOrigin(origin))

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if !permitted {
					writeErrorJSON(w, r, http.StatusForbidden, "origin_not_allowed", "origin not allowed")
					return
				}
				header := w.Header()
				header.Set("Access-Control-Allow-Origin", origin)
				header.Set("Access-Control-Allow-Methods", corsAllowMethods)
				header.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				header.Set("Access-Control-Max-Age", maxAgeValue)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if permitted {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Expose-Headers", corsExposeHeaders)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
