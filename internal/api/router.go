package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds the full chi router for the API server binary.
func NewRouter(deps *Deps, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	h := &handler{deps: deps}

	r.Get("/health/live", h.healthLive)
	r.Get("/health/ready", h.healthReady)

	r.Get("/anomalies", h.listAnomalies)
	r.Get("/anomalies/stats", h.anomalyStats)
	r.Post("/anomalies/detect", h.triggerDetect)
	r.Post("/anomalies/{id}/resolve", h.resolveAnomaly)
	r.Get("/anomalies/models/status", h.modelsStatus)

	r.Get("/feeds/positions/{line}", h.feedPositions)
	r.Get("/feeds/status", h.feedStatus)

	r.Get("/stations", h.stations)

	r.Get("/ws", h.serveWS)

	return r
}

type handler struct {
	deps *Deps
}

func deadlineExceeded(w http.ResponseWriter) {
	writeError(w, http.StatusGatewayTimeout, "deadline_exceeded", "request exceeded its deadline", false)
}
