package auth

import (
	"context"
	"net/http"
	"strings"
)

type ctxKey int

const keyIdentity ctxKey = 0

// Identity is what authentication contributes to rate limiting: a
// stable key id, the account's subscription tier, and optionally the
// user the key acts for.
type Identity struct {
	KeyID  string
	Tier   string
	UserID string
}

// Store is a static in-memory key store: secret -> Identity.
type Store struct {
	header   string
	bySecret map[string]Identity
}

// NewStatic creates a new static key store.
// header: HTTP header to read the key from (e.g., "X-API-Key")
func NewStatic(header string, pairs map[string]Identity) *Store {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	return &Store{header: h, bySecret: pairs}
}

// Lookup resolves a secret to its identity.
func (s *Store) Lookup(secret string) (Identity, bool) {
	id, ok := s.bySecret[secret]
	return id, ok
}

// Header returns the configured API key header name.
func (s *Store) Header() string { return s.header }

// WithIdentity injects the resolved identity into context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, keyIdentity, id)
}

// IdentityFrom extracts the identity from context (if present).
func IdentityFrom(ctx context.Context) (Identity, bool) {
	v := ctx.Value(keyIdentity)
	if v == nil {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// Middleware resolves the API key when one is supplied and attaches the
// identity to the request context. Anonymous requests pass through so
// the rate limiter can still track them by client IP; unknown keys are
// rejected. Paths in skipPaths bypass authentication entirely.
func (s *Store) Middleware(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hname := s.header

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			secret := strings.TrimSpace(r.Header.Get(hname))
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, ok := s.Lookup(secret)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
				return
			}
			ctx := WithIdentity(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
