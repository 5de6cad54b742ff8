package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// envelope is the admin API response wrapper.
// Admin responses use this format: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes an enveloped JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("json_response_encode_failed", "error", err)
	}
}

// writeError writes an enveloped JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("json_error_encode_failed", "error", err)
	}
}

// writeRaw writes v as JSON without the envelope. The webhook contract is
// owned by the telephony platform, so its bodies are never wrapped.
func writeRaw(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json_response_encode_failed", "error", err)
	}
}

const (
	defaultLimit = 50
	maxLimit     = 200
)

// parseLimit reads the optional "limit" query parameter, clamped to maxLimit.
func parseLimit(r *http.Request) (int, string) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, ""
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, "limit must be a positive integer"
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, ""
}
