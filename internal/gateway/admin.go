package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/admitkit/admitkit/internal/config"
	"github.com/admitkit/admitkit/internal/engine"
)

const maxConfigBody = 1 << 20

type resetRequest struct {
	Identifier string `json:"identifier"`
	Scope      string `json:"scope,omitempty"`
}

type statsResponse struct {
	InstanceID     string  `json:"instance_id"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	TotalChecks    int64   `json:"total_checks"`
	BlockedChecks  int64   `json:"blocked_checks"`
	AllowedChecks  int64   `json:"allowed_checks"`
	BackendState   string  `json:"backend_state"`
	BackendHealthy bool    `json:"backend_healthy"`
}

// AdminHandler exposes the operational surface: counters, per-client
// status, limit resets, backend health, and live config swaps.
func AdminHandler(eng *engine.Engine) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/admin/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
			return
		}
		s := eng.GlobalStats()
		encodeJSON(w, http.StatusOK, statsResponse{
			InstanceID:     s.InstanceID,
			UptimeSeconds:  s.Uptime.Seconds(),
			TotalChecks:    s.TotalChecks,
			BlockedChecks:  s.BlockedChecks,
			AllowedChecks:  s.AllowedChecks,
			BackendState:   s.BackendState,
			BackendHealthy: s.BackendHealthy,
		})
	})

	mux.HandleFunc("/admin/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
			return
		}
		q := r.URL.Query()
		identifier := q.Get("identifier")
		if identifier == "" {
			writeJSON(w, http.StatusBadRequest, "bad_request", "identifier query parameter is required")
			return
		}
		report := eng.Status(r.Context(), identifier, q.Get("endpoint"), q.Get("tier"))
		encodeJSON(w, http.StatusOK, report)
	})

	mux.HandleFunc("/admin/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
			return
		}
		var body resetRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckBody)).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, "bad_request", "malformed reset body")
			return
		}
		if body.Identifier == "" {
			writeJSON(w, http.StatusBadRequest, "bad_request", "identifier is required")
			return
		}
		removed, err := eng.Reset(r.Context(), body.Identifier, body.Scope)
		if err != nil {
			if errors.Is(err, engine.ErrBadScope) {
				writeJSON(w, http.StatusBadRequest, "bad_request", err.Error())
				return
			}
			writeJSON(w, http.StatusBadGateway, "backend_error", "reset failed")
			return
		}
		encodeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
	})

	mux.HandleFunc("/admin/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
			return
		}
		state, healthy := eng.BackendHealth()
		encodeJSON(w, http.StatusOK, map[string]any{
			"backend_state":   state.String(),
			"backend_healthy": healthy,
		})
	})

	mux.HandleFunc("/admin/config", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			out, err := yaml.Marshal(eng.Config())
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, "internal", "config marshal failed")
				return
			}
			w.Header().Set("Content-Type", "application/x-yaml")
			_, _ = w.Write(out)
		case http.MethodPut:
			raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConfigBody))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, "bad_request", "unreadable config body")
				return
			}
			next, err := config.Parse(raw)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, "invalid_config", err.Error())
				return
			}
			if err := eng.UpdateConfig(next); err != nil {
				writeJSON(w, http.StatusBadRequest, "invalid_config", err.Error())
				return
			}
			encodeJSON(w, http.StatusOK, map[string]any{
				"status":   "applied",
				"warnings": next.Warnings(),
			})
		default:
			writeJSON(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or PUT only")
		}
	})

	return mux
}

func encodeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
