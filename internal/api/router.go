package api

import (
	"net/http"
	"time"

	"oddsfeed/ingestion/internal/models"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the HTTP routes
func NewRouter(h *Handler, corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	for _, kind := range models.Kinds {
		r.Get("/"+kind.Path()+"/{eventID}/{marketID}", h.FetchOdds(kind))
	}

	r.Post("/sync/{kind}/{eventID}/{marketID}", h.SyncFromCache)
	r.Get("/cache/{kind}/{eventID}/{marketID}", h.GetCached)
	r.Post("/queue/drain", h.DrainQueue)

	return r
}

// requestLogger logs one line per request with zerolog
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
