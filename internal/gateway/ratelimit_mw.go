package gateway

import (
	"math"
	"net/http"
	"strconv"

	"github.com/admitkit/admitkit/internal/auth"
	"github.com/admitkit/admitkit/internal/engine"
	"github.com/admitkit/admitkit/internal/strategy"
)

// RateLimit guards every request with the engine. The identifier is
// the authenticated key when present, otherwise the client IP; the
// engine itself never sees the raw request.
func RateLimit(eng *engine.Engine, apiKeyHeader string, skipPaths map[string]struct{}) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			var identifier, tier, userID string
			switch id, ok := auth.IdentityFrom(r.Context()); {
			case ok:
				identifier = "key:" + id.KeyID
				tier = id.Tier
				userID = id.UserID
			case r.Header.Get(apiKeyHeader) != "":
				identifier = HashAPIKey(r.Header.Get(apiKeyHeader))
			default:
				identifier = ClientIdentifier(r)
			}

			release, ok := eng.Acquire(r.Context(), identifier, r.URL.Path, tier)
			if !ok {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, "too_many_concurrent", "Too many concurrent requests")
				return
			}
			defer release()

			res := eng.Check(r.Context(), engine.CheckRequest{
				Identifier: identifier,
				Endpoint:   r.URL.Path,
				Tier:       tier,
				UserID:     userID,
			})

			SetResultHeaders(w.Header(), res)

			if !res.Allowed {
				writeJSON(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SetResultHeaders writes the standard rate-limit response headers from
// a check result. Retry-After appears only on denials.
func SetResultHeaders(h http.Header, res strategy.Result) {
	if res.Limit > 0 {
		h.Set("X-RateLimit-Limit", itoa64(res.Limit))
	}
	if res.Remaining >= 0 {
		h.Set("X-RateLimit-Remaining", itoa64(res.Remaining))
	}
	if !res.ResetTime.IsZero() {
		h.Set("X-RateLimit-Reset", itoa64(res.ResetTime.Unix()))
	}
	if res.Strategy != "" {
		h.Set("X-RateLimit-Strategy", res.Strategy)
	}
	if !res.Allowed {
		secs := int64(math.Ceil(res.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", itoa64(secs))
	}
}

func itoa64(i int64) string {
	var buf [32]byte
	return string(strconv.AppendInt(buf[:0], i, 10))
}
