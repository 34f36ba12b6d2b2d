package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/admitkit/admitkit/internal/config"
	"github.com/admitkit/admitkit/internal/engine"
	"github.com/admitkit/admitkit/internal/strategy"
)

const maxCheckBody = 64 << 10

// checkRequest is the body of the sidecar check API, for callers that
// enforce verdicts themselves instead of proxying through the gateway.
type checkRequest struct {
	Identifier   string             `json:"identifier"`
	Endpoint     string             `json:"endpoint"`
	Tier         string             `json:"tier,omitempty"`
	UserID       string             `json:"user_id,omitempty"`
	CustomLimits *config.TierLimits `json:"custom_limits,omitempty"`
	Strategy     string             `json:"strategy,omitempty"`
}

type checkResponse struct {
	Allowed       bool    `json:"allowed"`
	Remaining     int64   `json:"remaining"`
	Limit         int64   `json:"limit"`
	CurrentUsage  int64   `json:"current_usage"`
	ResetTime     string  `json:"reset_time"`
	RetryAfter    float64 `json:"retry_after_seconds,omitempty"`
	WindowSeconds float64 `json:"window_seconds,omitempty"`
	Strategy      string  `json:"strategy"`
}

func toCheckResponse(res strategy.Result) checkResponse {
	return checkResponse{
		Allowed:       res.Allowed,
		Remaining:     res.Remaining,
		Limit:         res.Limit,
		CurrentUsage:  res.CurrentUsage,
		ResetTime:     res.ResetTime.UTC().Format(time.RFC3339),
		RetryAfter:    res.RetryAfter.Seconds(),
		WindowSeconds: res.WindowSize.Seconds(),
		Strategy:      res.Strategy,
	}
}

// CheckHandler serves POST check requests. The response carries the
// verdict in both the JSON body and the usual X-RateLimit headers; the
// status is 200 either way, since the caller is asking, not proxying.
func CheckHandler(eng *engine.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
			return
		}

		var body checkRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, "bad_request", "malformed check body")
			return
		}
		if body.Identifier == "" || body.Endpoint == "" {
			writeJSON(w, http.StatusBadRequest, "bad_request", "identifier and endpoint are required")
			return
		}

		req := engine.CheckRequest{
			Identifier:   body.Identifier,
			Endpoint:     body.Endpoint,
			Tier:         body.Tier,
			UserID:       body.UserID,
			CustomLimits: body.CustomLimits,
		}
		if body.Strategy != "" {
			st, err := strategy.Parse(body.Strategy)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, "bad_request", "unknown strategy")
				return
			}
			req.Strategy = &st
		}

		res := eng.Check(r.Context(), req)
		SetResultHeaders(w.Header(), res)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(toCheckResponse(res))
	})
}
