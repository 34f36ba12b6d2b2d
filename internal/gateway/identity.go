package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// ClientIdentifier derives the rate-limit identifier for a request that
// carries no API key: the client IP with reverse-proxy header
// precedence (X-Forwarded-For, then X-Real-IP, then the direct peer).
func ClientIdentifier(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// first hop is the original client
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		if ip := strings.TrimSpace(fwd); ip != "" {
			return "ip:" + ip
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return "ip:" + real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// HashAPIKey produces a short stable identifier for an API key so the
// raw secret never appears in backend keys or logs.
func HashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return "key:" + hex.EncodeToString(sum[:8])
}
