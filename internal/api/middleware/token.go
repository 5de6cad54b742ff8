package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// WebhookTokenHeader carries the shared webhook secret.
const WebhookTokenHeader = "X-Webhook-Token"

// RequireWebhookToken returns middleware that checks the shared webhook
// secret in the X-Webhook-Token header or the "token" query parameter.
// Rejected requests are answered by onRejected, or a 401 when it is nil.
// An empty token disables the check.
func RequireWebhookToken(token string, onRejected http.Handler) func(http.Handler) http.Handler {
	if onRejected == nil {
		onRejected = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusUnauthorized, "invalid webhook token")
		})
	}
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(WebhookTokenHeader)
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				slog.Warn("webhook_token_rejected",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
					"present", got != "",
				)
				onRejected.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
