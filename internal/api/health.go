package api

import (
	"net/http"
	"time"
)

func (h *handler) healthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// defaultReadinessWindow is used when Deps carries no configured feed
// interval (e.g. a test harness), matching the default FEED_UPDATE_INTERVAL
// of 30s.
const defaultReadinessWindow = 60 * time.Second

func (h *handler) healthReady(w http.ResponseWriter, r *http.Request) {
	readinessWindow := defaultReadinessWindow
	if h.deps.FeedUpdateInterval > 0 {
		readinessWindow = 2 * h.deps.FeedUpdateInterval
	}

	status := "ok"
	catalogStatus := "ok"
	storeStatus := "ok"
	ingestFresh := true

	if h.deps.Catalog == nil {
		catalogStatus = "missing"
		status = "degraded"
	}

	if h.deps.Store == nil {
		storeStatus = "missing"
		status = "degraded"
	}

	if at, ok := h.deps.lastIngestTick(); !ok {
		ingestFresh = false
	} else if time.Since(at) > readinessWindow {
		ingestFresh = false
	}
	if !ingestFresh {
		status = "degraded"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":       status,
		"catalog":      catalogStatus,
		"store":        storeStatus,
		"ingest_fresh": ingestFresh,
	})
}
