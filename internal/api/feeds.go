package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stelioszach03/nyc-subway-monitor/internal/model"
)

// feedPositions returns the most recent vehicle position for every
// currently-tracked (stop) pair on the named route, derived from the
// store's short position history rather than a separate live cache.
func (h *handler) feedPositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	line := chi.URLParam(r, "line")
	if line == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "line is required", false)
		return
	}

	if h.deps.Catalog == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}

	stations := h.deps.Catalog.StationsForRoute(line)
	window := 15 * time.Minute

	positions := make([]any, 0, len(stations))
	for _, station := range stations {
		recent, err := h.deps.Store.RecentPositions(ctx, line, station.StopID, time.Now().Add(-window))
		if err != nil || len(recent) == 0 {
			continue
		}
		positions = append(positions, recent[len(recent)-1])
	}

	writeJSON(w, http.StatusOK, positions)
}

func (h *handler) feedStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids := h.deps.FeedIDs
	if len(ids) == 0 {
		ids = []string{""}
	}
	runs := make([]model.FeedRun, 0)
	for _, id := range ids {
		feedRuns, err := h.deps.Store.RecentFeedRuns(ctx, id, 20)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store_error", err.Error(), true)
			return
		}
		runs = append(runs, feedRuns...)
	}

	status := "ok"
	for _, run := range runs {
		if run.Status != "ok" {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"last_runs": runs,
	})
}
