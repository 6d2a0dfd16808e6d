package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// readyTimeout bounds the dependency check behind /health/ready.
const readyTimeout = 2 * time.Second

// Pinger is satisfied by *sql.DB and allows tests to inject a mock.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthResponse is the JSON body returned by the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// NewLivenessHandler returns an http.HandlerFunc for GET /health. It touches
// no dependencies.
func NewLivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
	}
}

// NewReadinessHandler returns an http.HandlerFunc for GET /health/ready.
// It pings the usage store and reports the result as JSON.
//
// When token is non-empty callers must send it in the X-Health-Token header.
// Store error details are logged server-side only; the body always says
// "unavailable".
func NewReadinessHandler(db Pinger, token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Health-Token")), []byte(token)) != 1 {
			writeError(w, http.StatusForbidden, "Forbidden")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("health check: store ping failed")
			writeJSON(w, http.StatusInternalServerError, HealthResponse{Status: "error", DB: "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", DB: "connected"})
	}
}
