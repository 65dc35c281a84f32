package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stelioszach03/nyc-subway-monitor/internal/model"
	"github.com/stelioszach03/nyc-subway-monitor/internal/store"
)

func (h *handler) listAnomalies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := store.AnomalyFilter{
		RouteID:     q.Get("line"),
		StationID:   q.Get("station"),
		SeverityMin: parseFloatQuery(q.Get("severity_min"), 0),
		Page:        int(parseFloatQuery(q.Get("page"), 1)),
		PageSize:    int(parseFloatQuery(q.Get("page_size"), 50)),
	}
	if start := parseTimeQuery(q.Get("start")); !start.IsZero() {
		filter.StartTime = start
	}
	if end := parseTimeQuery(q.Get("end")); !end.IsZero() {
		filter.EndTime = end
	}

	anomalies, total, err := h.deps.Store.ListAnomalies(ctx, filter)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			deadlineExceeded(w)
			return
		}
		writeError(w, http.StatusInternalServerError, "store_error", err.Error(), true)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": anomalies,
		"total":     total,
		"page":      filter.Page,
		"page_size": filter.PageSize,
	})
}

func (h *handler) anomalyStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hours := int(parseFloatQuery(r.URL.Query().Get("hours"), 24))
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	stats, err := h.deps.Store.AnomalyStatsSince(ctx, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error(), true)
		return
	}

	bySeverity := map[string]int{"low": 0, "medium": 0, "high": 0}
	byLine := map[string]int{}
	recent, _, err := h.deps.Store.ListAnomalies(ctx, store.AnomalyFilter{StartTime: since, Page: 1, PageSize: 500})
	if err == nil {
		for _, a := range recent {
			bySeverity[severityBucket(a.Severity)]++
			byLine[a.RouteID]++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_today":           stats.TotalToday,
		"total_active":          stats.ActiveCount,
		"by_type":               stats.ByKind,
		"by_line":               byLine,
		"severity_distribution": bySeverity,
		"trend_24h":             hourlyTrend(recent),
	})
}

// hourlyTrend buckets anomalies into UTC hour-aligned windows and reports
// count and mean severity per bucket, oldest first.
func hourlyTrend(anomalies []model.Anomaly) []map[string]any {
	type bucket struct {
		count       int
		severitySum float64
	}
	buckets := make(map[time.Time]*bucket)
	for _, a := range anomalies {
		hour := a.DetectedAt.UTC().Truncate(time.Hour)
		b, ok := buckets[hour]
		if !ok {
			b = &bucket{}
			buckets[hour] = b
		}
		b.count++
		b.severitySum += a.Severity
	}

	hours := make([]time.Time, 0, len(buckets))
	for hour := range buckets {
		hours = append(hours, hour)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })

	trend := make([]map[string]any, 0, len(hours))
	for _, hour := range hours {
		b := buckets[hour]
		trend = append(trend, map[string]any{
			"hour":         hour.Format(time.RFC3339),
			"count":        b.count,
			"avg_severity": b.severitySum / float64(b.count),
		})
	}
	return trend
}

func severityBucket(severity float64) string {
	switch {
	case severity >= 0.7:
		return "high"
	case severity >= 0.4:
		return "medium"
	default:
		return "low"
	}
}

// triggerDetect asks the scheduler to run an out-of-band detection pass.
// OnDetectRequested is expected to dispatch the pass asynchronously and
// call Deps.MarkDetectComplete when it finishes; this handler only
// prevents two passes from overlapping.
func (h *handler) triggerDetect(w http.ResponseWriter, r *http.Request) {
	h.deps.detectMu.Lock()
	if h.deps.detectRunning {
		h.deps.detectMu.Unlock()
		writeJSON(w, http.StatusAccepted, map[string]any{"triggered": false, "reason": "already running"})
		return
	}
	h.deps.detectRunning = true
	h.deps.detectMu.Unlock()

	runID := uuid.NewString()
	if h.deps.OnDetectRequested != nil {
		runID = h.deps.OnDetectRequested()
	} else {
		h.deps.MarkDetectComplete()
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"triggered": true, "run_id": runID})
}

func (h *handler) resolveAnomaly(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := h.deps.Store.ResolveAnomaly(ctx, id); err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "not_found", "anomaly not found", false)
			return
		}
		writeError(w, http.StatusInternalServerError, "store_error", err.Error(), true)
		return
	}

	anomaly, err := h.deps.Store.GetAnomaly(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error(), true)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"anomaly_id":  anomaly.AnomalyID,
		"resolved":    anomaly.Resolved,
		"resolved_at": anomaly.ResolvedAt,
	})
}

func (h *handler) modelsStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Detector == nil {
		writeJSON(w, http.StatusOK, map[string]any{"models": []any{}})
		return
	}
	status := h.deps.Detector.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"models": []map[string]any{
			{"name": "isolation_forest", "state": status.M1State, "version": status.M1Version},
			{"name": "autoencoder", "state": status.M2State, "version": status.M2Version},
		},
	})
}

func parseFloatQuery(raw string, fallback float64) float64 {
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseTimeQuery(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC()
	}
	return time.Time{}
}
