// Package server assembles the HTTP router: shared middleware, the conversion
// endpoint and the operational endpoints.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/sambrabizz-star/istheaudio/internal/auth"
	"github.com/sambrabizz-star/istheaudio/internal/handler"
	"github.com/sambrabizz-star/istheaudio/internal/metrics"
	"github.com/sambrabizz-star/istheaudio/internal/middleware"
)

// slowRequest marks access log lines at warn level. Conversions routinely take
// several seconds, so only outliers cross it.
const slowRequest = 2 * time.Minute

// Deps wires the router.
type Deps struct {
	Logger   zerolog.Logger
	Verifier auth.TokenVerifier
	Convert  handler.ConvertDeps
	// Ready backs /health/ready.
	Ready       handler.Pinger
	HealthToken string
	Metrics     *metrics.Metrics
	// AllowedOrigins configures CORS; empty means any origin.
	AllowedOrigins []string
	// RateLimiter is optional; nil disables per-client limiting.
	RateLimiter *middleware.RateLimiter
}

// NewRouter returns the service's http.Handler.
func NewRouter(d Deps) http.Handler {
	if d.Convert.Metrics == nil {
		d.Convert.Metrics = d.Metrics
	}
	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(d.Logger))
	r.Use(requestIDLogger)
	r.Use(hlog.AccessHandler(accessLog))
	r.Use(chimw.Recoverer)
	if d.Metrics != nil {
		r.Use(d.Metrics.Instrument)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Content-Disposition", "Content-Length"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Get("/health", handler.NewLivenessHandler())
	if d.Ready != nil {
		r.Get("/health/ready", handler.NewReadinessHandler(d.Ready, d.HealthToken))
	}
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	convert := handler.NewConvertHandler(d.Convert)
	for _, path := range []string{"/convert", "/tiktok/mp3"} {
		r.Options(path, convert)
		r.Group(func(r chi.Router) {
			if d.RateLimiter != nil {
				r.Use(middleware.RateLimit(d.RateLimiter))
			}
			r.Use(middleware.RequireAuth(d.Verifier))
			r.Post(path, convert)
		})
	}

	return r
}

// requestIDLogger adds chi's request ID to the request-scoped logger.
func requestIDLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("request_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}

func accessLog(r *http.Request, status, size int, elapsed time.Duration) {
	log := hlog.FromRequest(r)
	evt := log.Info()
	if elapsed >= slowRequest {
		evt = log.Warn()
	}
	evt.Int("status", status).
		Dur("elapsed", elapsed).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("bytes", size).
		Msg("request done")
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}` + "\n"))
}
