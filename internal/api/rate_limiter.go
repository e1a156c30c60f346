package api

import (
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"sqlpilot/internal/core"
	"sqlpilot/internal/metrics"
	"sqlpilot/internal/ratelimit"
)

// RateLimit returns a middleware that admits at most gate.Limit requests per caller inside
// the gate's window. The caller is the session user, or the client IP before login.
// Proxy headers only name the client when trustProxy is set.
func RateLimit(gate ratelimit.Gate, trustProxy bool, m *metrics.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := identity(r, trustProxy)

			err := gate.Check(r.Context(), key)
			var rl *core.RateLimitError
			if errors.As(err, &rl) {
				logger.Info("Rate limit exceeded", zap.String("scope", gate.Scope), zap.String("identity", key), zap.String("path", r.URL.Path))
				if m != nil {
					m.RateLimited.WithLabelValues(gate.Scope).Inc()
				}
				writeError(w, logger, err)
				return
			}
			if err != nil {
				writeError(w, logger, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// identity keys rate limits by session user, falling back to the client IP.
func identity(r *http.Request, trustProxy bool) string {
	if id, ok := userIDFrom(r.Context()); ok {
		return "user:" + strconv.FormatInt(id, 10)
	}
	return "ip:" + extractIP(r, trustProxy)
}

// extractIP gets the client IP from the request. CF-Connecting-IP and X-Forwarded-For are
// client controlled unless a proxy in front rewrites them, so they are read only when
// trustProxy is set.
func extractIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if cf := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); cf != "" {
			return cf
		}
		// the first X-Forwarded-For entry is the client
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
				return first
			}
		}
	}
	// Fallback to RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(rl *core.RateLimitError) string {
	secs := int(math.Ceil(rl.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
