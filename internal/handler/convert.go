package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/sambrabizz-star/istheaudio/internal/metrics"
	"github.com/sambrabizz-star/istheaudio/internal/middleware"
	"github.com/sambrabizz-star/istheaudio/internal/pipeline"
	"github.com/sambrabizz-star/istheaudio/internal/quota"
	"github.com/sambrabizz-star/istheaudio/internal/source"
)

// maxBodyBytes caps the JSON request body.
const maxBodyBytes = 64 << 10

// Client-facing error messages.
const (
	msgUnauthorized  = "Unauthorized"
	msgInvalidURL    = "Invalid or missing URL"
	msgQuotaExceeded = "Quota exceeded"
	msgConvertFailed = "Video download or MP3 encoding failed"
	msgInternal      = "Internal server error"
)

// ConvertRequest is the JSON body of POST /convert.
type ConvertRequest struct {
	URL string `json:"url" validate:"required,max=2048"`
}

// Converter runs one conversion. Satisfied by *pipeline.Pipeline.
type Converter interface {
	Run(ctx context.Context, url string) (*pipeline.Artifact, error)
}

// ConvertDeps are the collaborators of the convert handler.
type ConvertDeps struct {
	Ledger    quota.Ledger
	Policy    quota.Policy
	Converter Converter
	// Metrics is optional.
	Metrics *metrics.Metrics
	// ArtifactName is the download filename without extension.
	ArtifactName string
}

// NewConvertHandler returns an http.HandlerFunc for POST /convert.
//
// It expects RequireAuth to have run. Every accepted request is charged to the
// caller's hourly quota before the payload is looked at, and the charge is
// kept whatever the outcome. The audio headers are written only once the
// artifact is ready, so a failure is always a complete JSON response.
func NewConvertHandler(d ConvertDeps) http.HandlerFunc {
	if d.ArtifactName == "" {
		d.ArtifactName = "tiktok_audio"
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	disposition := fmt.Sprintf("attachment; filename=%s.mp3", d.ArtifactName)

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		ctx := r.Context()
		log := zerolog.Ctx(ctx)

		claims := middleware.ClaimsFromContext(ctx)
		if claims == nil {
			writeError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}

		usage, err := d.Ledger.IncrementAndGet(ctx, claims.Subject)
		if err != nil {
			log.Error().Err(err).Msg("quota: increment failed")
			if d.Metrics != nil {
				d.Metrics.StoreErrorsTotal.Inc()
			}
			writeError(w, http.StatusInternalServerError, msgInternal)
			return
		}
		if d.Policy.Exceeded(usage) {
			log.Info().Int64("count", usage.Count).Int64("limit", d.Policy.Limit).Msg("quota exceeded")
			d.outcome(metrics.OutcomeQuotaBlocked)
			if d.Metrics != nil {
				d.Metrics.QuotaRejectionsTotal.Inc()
			}
			writeJSON(w, http.StatusTooManyRequests, QuotaResponse{
				Error:   msgQuotaExceeded,
				Limit:   d.Policy.Limit,
				ResetAt: d.Policy.ResetAt(usage).Format(time.RFC3339),
			})
			return
		}

		url, ok := decodeURL(r, w, validate)
		if !ok || !source.IsValid(url) {
			d.outcome(metrics.OutcomeInvalidInput)
			writeError(w, http.StatusBadRequest, msgInvalidURL)
			return
		}

		art, err := d.Converter.Run(ctx, url)
		if err != nil {
			d.conversionFailed(w, r, err)
			return
		}
		defer art.Close()

		h := w.Header()
		h.Set("Content-Type", "audio/mpeg")
		h.Set("Content-Disposition", disposition)
		h.Set("Content-Length", strconv.FormatInt(art.Size(), 10))
		h.Set("Cache-Control", "no-store")
		h.Set("Accept-Ranges", "none")
		w.WriteHeader(http.StatusOK)

		start := time.Now()
		n, err := art.WriteTo(w)
		if d.Metrics != nil {
			d.Metrics.ObserveStage(string(pipeline.StageStreaming), time.Since(start))
		}
		if err != nil {
			log.Warn().Err(err).Int64("sent", n).Int64("size", art.Size()).Str("conversion_id", art.ID()).Msg("stream interrupted")
			d.outcome(metrics.OutcomeAborted)
			return
		}

		log.Info().Int64("bytes", n).Str("conversion_id", art.ID()).Msg("conversion delivered")
		d.outcome(metrics.OutcomeSuccess)
		if d.Metrics != nil {
			d.Metrics.ArtifactBytes.Observe(float64(n))
		}
	}
}

func (d ConvertDeps) outcome(o string) {
	if d.Metrics != nil {
		d.Metrics.Conversion(o)
	}
}

func (d ConvertDeps) conversionFailed(w http.ResponseWriter, r *http.Request, err error) {
	log := zerolog.Ctx(r.Context())

	var pe *pipeline.Error
	if !errors.As(err, &pe) {
		log.Error().Err(err).Msg("conversion: internal error")
		d.outcome(metrics.OutcomeFailed)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	if r.Context().Err() != nil {
		log.Info().Err(err).Str("stage", string(pe.Stage)).Msg("conversion abandoned by client")
		d.outcome(metrics.OutcomeAborted)
	} else {
		log.Warn().Err(err).Str("stage", string(pe.Stage)).Str("detail", pe.Detail).Msg("conversion failed")
		d.outcome(metrics.OutcomeFailed)
	}
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: msgConvertFailed, Details: pe.Detail})
}

// decodeURL reads and validates the request body, returning the trimmed URL.
func decodeURL(r *http.Request, w http.ResponseWriter, validate *validator.Validate) (string, bool) {
	var req ConvertRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return "", false
	}
	req.URL = strings.TrimSpace(req.URL)
	if err := validate.Struct(req); err != nil {
		return "", false
	}
	return req.URL, true
}
