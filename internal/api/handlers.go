// Package api exposes pipeline runs, cache reads and queue draining over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"oddsfeed/ingestion/internal/cache"
	"oddsfeed/ingestion/internal/models"
	"oddsfeed/ingestion/internal/queue"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Runner executes pipeline runs
type Runner interface {
	Run(ctx context.Context, kind models.Kind, eventID, marketID string) (*models.Summary, error)
	SyncFromCache(ctx context.Context, kind models.Kind, eventID, marketID string) (*models.Summary, error)
}

// CacheReader reads cached payloads
type CacheReader interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Ping(ctx context.Context) error
}

// Drainer drains the retry queue
type Drainer interface {
	DrainOnce(ctx context.Context, maxItems int) (queue.DrainResult, error)
	Len(ctx context.Context) (int64, error)
}

// Tracker registers keys for background polling
type Tracker interface {
	Track(kind models.Kind, eventID, marketID string)
}

// Pinger checks a dependency
type Pinger interface {
	Health(ctx context.Context) error
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

const maxDrainBatch = 500

// Handler contains dependencies for HTTP handlers
type Handler struct {
	runner  Runner
	cache   CacheReader
	queue   Drainer
	tracker Tracker
	db      Pinger
}

// NewHandler creates a new handler. tracker and db may be nil.
func NewHandler(runner Runner, c CacheReader, q Drainer, tracker Tracker, db Pinger) *Handler {
	return &Handler{runner: runner, cache: c, queue: q, tracker: tracker, db: db}
}

// HealthCheck reports database and cache connectivity
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.Health(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "database unhealthy", err)
			return
		}
	}

	cacheStatus := "healthy"
	if err := h.cache.Ping(ctx); err != nil {
		// The cache is optional for correctness.
		cacheStatus = "degraded"
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"cache":     cacheStatus,
		"timestamp": time.Now().UTC(),
		"service":   "odds-ingestion",
	})
}

// FetchOdds returns a handler that runs the pipeline for one feed
func (h *Handler) FetchOdds(kind models.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID, marketID, ok := keyParams(w, r)
		if !ok {
			return
		}

		summary, err := h.runner.Run(r.Context(), kind, eventID, marketID)
		if err != nil {
			respondPipelineError(w, err)
			return
		}

		if h.tracker != nil {
			h.tracker.Track(kind, eventID, marketID)
		}
		respondSummary(w, summary)
	}
}

// SyncFromCache reconciles the cached payload for a key
func (h *Handler) SyncFromCache(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	eventID, marketID, ok := keyParams(w, r)
	if !ok {
		return
	}

	summary, err := h.runner.SyncFromCache(r.Context(), kind, eventID, marketID)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondSummary(w, summary)
}

// GetCached returns the cached raw payload for a key
func (h *Handler) GetCached(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	eventID, marketID, ok := keyParams(w, r)
	if !ok {
		return
	}

	raw, hit := h.cache.Get(r.Context(), cache.RawOddsKey(kind, eventID, marketID))
	if !hit {
		respondError(w, http.StatusNotFound, "nothing cached for key", nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"data":`))
	w.Write(raw)
	w.Write([]byte("}\n"))
}

// DrainQueue runs one retry queue drain pass
// Query params: max
func (h *Handler) DrainQueue(w http.ResponseWriter, r *http.Request) {
	batch := parseIntParam(r, "max", 5)
	if batch <= 0 {
		respondError(w, http.StatusBadRequest, "max must be positive", nil)
		return
	}
	if batch > maxDrainBatch {
		batch = maxDrainBatch
	}

	res, err := h.queue.DrainOnce(r.Context(), batch)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to drain queue", err)
		return
	}

	pending, err := h.queue.Len(r.Context())
	if err != nil {
		pending = -1
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"result":  res,
		"pending": pending,
	})
}

func keyParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	eventID := chi.URLParam(r, "eventID")
	marketID := chi.URLParam(r, "marketID")
	if eventID == "" || marketID == "" {
		respondError(w, http.StatusBadRequest, "event_id and market_id are required", nil)
		return "", "", false
	}
	return eventID, marketID, true
}

func kindParam(w http.ResponseWriter, r *http.Request) (models.Kind, bool) {
	kind, ok := models.ParseKind(chi.URLParam(r, "kind"))
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown odds kind", nil)
		return "", false
	}
	return kind, true
}

// respondSummary answers 200 unless every item in the run failed or was
// queued, in which case the same summary goes out as a 500.
func respondSummary(w http.ResponseWriter, summary *models.Summary) {
	if len(summary.Details) > 0 && summary.Processed() == 0 {
		log.Warn().
			Str("kind", string(summary.Kind)).
			Str("event_id", summary.EventID).
			Str("market_id", summary.MarketID).
			Int("failed", summary.Failed).
			Int("queued", summary.Queued).
			Msg("No items persisted")
		respondJSON(w, http.StatusInternalServerError, summary)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func respondPipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrMatchNotFound):
		respondError(w, http.StatusNotFound, "match not found", err)
	case errors.Is(err, models.ErrSourceEmpty):
		respondError(w, http.StatusNotFound, "no odds data", err)
	case errors.Is(err, models.ErrSourceUnavailable):
		respondError(w, http.StatusBadGateway, "odds source unavailable", err)
	default:
		respondError(w, http.StatusInternalServerError, "pipeline run failed", err)
	}
}

func parseIntParam(r *http.Request, param string, defaultValue int) int {
	valueStr := r.URL.Query().Get(param)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err != nil {
		log.Warn().Err(err).Int("status", status).Msg(message)
	}

	resp := ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
