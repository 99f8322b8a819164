package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/strangerchat/relay-server-go/internal/audit"
	apperrors "github.com/strangerchat/relay-server-go/internal/errors"
	"github.com/strangerchat/relay-server-go/internal/ratelimit"
)

// KeyFunc derives the limiter key of a request. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

// KeyByIP limits per remote address.
func KeyByIP(prefix string) KeyFunc {
	return func(r *http.Request) string {
		return "ip:" + prefix + ":" + audit.ClientIP(r)
	}
}

// KeyByClient limits per authenticated client. Requests without a client are
// not limited.
func KeyByClient(prefix string) KeyFunc {
	return func(r *http.Request) string {
		client := GetClient(r.Context())
		if client == nil {
			return ""
		}
		return ClientKey(prefix, client.ID())
	}
}

// ClientKey is the limiter key of one client for a limit prefix.
func ClientKey(prefix, clientID string) string {
	return prefix + ":" + clientID
}

type RateLimitMiddleware struct {
	limiter ratelimit.Limiter
	limit   int
	window  time.Duration
	key     KeyFunc
}

func NewRateLimitMiddleware(limiter ratelimit.Limiter, limit int, window time.Duration, key KeyFunc) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		limit:   limit,
		window:  window,
		key:     key,
	}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.key(r)
		if key == "" || m.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		allowed, resetAt := m.limiter.Allow(r.Context(), key, m.limit, m.window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			log.Warn().Str("key", key).Msg("rate limit exceeded")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				Details: map[string]interface{}{"key": key, "limit": m.limit},
			})
			w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfter(resetAt)))
			writeError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}
