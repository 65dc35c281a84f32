// Package store defines the persistence contract shared by every storage
// backend (SQLite, Postgres): time-partitioned positions, feed-run outcomes,
// anomalies, and versioned model artifacts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/stelioszach03/nyc-subway-monitor/internal/model"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("not found")

// AnomalyFilter narrows ListAnomalies. Zero values mean "no filter" for that
// field; StartTime/EndTime zero means unbounded.
type AnomalyFilter struct {
	RouteID      string
	StationID    string
	Kind         model.AnomalyKind
	ResolvedOnly *bool
	SeverityMin  float64
	StartTime    time.Time
	EndTime      time.Time
	Page         int
	PageSize     int
}

// AnomalyStats summarizes anomaly volume over a horizon, used by the
// dashboard summary endpoint.
type AnomalyStats struct {
	TotalToday   int
	ActiveCount  int
	BySeverity   map[string]int
	ByKind       map[model.AnomalyKind]int
}

// Store is the persistence contract every component talks to. Ingestion
// writes through it; the API and feature engine read through it. A backend
// is free to choose its own concurrency discipline as long as every method
// is safe to call from multiple goroutines.
type Store interface {
	// Schedule / catalog cache is not stored here; the catalog lives
	// in-memory only and is reloaded from the static bundle on restart.

	InsertVehiclePositions(ctx context.Context, feedID string, positions []model.VehiclePosition) error
	InsertTripUpdates(ctx context.Context, feedID string, updates []model.TripUpdate) error
	RecordFeedRun(ctx context.Context, run model.FeedRun) error

	// RecordIngestBatch persists a feed tick's decoded trip updates, vehicle
	// positions, and its FeedRun outcome as one transaction.
	RecordIngestBatch(ctx context.Context, feedID string, updates []model.TripUpdate, positions []model.VehiclePosition, run model.FeedRun) error

	// RecentFeedRuns returns up to limit of the most recent feed runs,
	// newest first, optionally narrowed to a single feed.
	RecentFeedRuns(ctx context.Context, feedID string, limit int) ([]model.FeedRun, error)

	// RecentPositions returns vehicle positions observed at or after since,
	// for a given route and stop, ordered oldest first. Used by the API's
	// per-line positions endpoint; the feature engine's Rebuild replays
	// RecentTripUpdates instead.
	RecentPositions(ctx context.Context, routeID, stopID string, since time.Time) ([]model.VehiclePosition, error)
	RecentTripUpdates(ctx context.Context, routeID, stopID string, since time.Time) ([]model.TripUpdate, error)

	InsertAnomaly(ctx context.Context, a model.Anomaly) error
	GetAnomaly(ctx context.Context, anomalyID string) (model.Anomaly, error)
	ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]model.Anomaly, int, error)
	ResolveAnomaly(ctx context.Context, anomalyID string) error
	AnomalyStatsSince(ctx context.Context, since time.Time) (AnomalyStats, error)

	GetModelArtifact(ctx context.Context, name string) (model.ModelArtifact, error)
	PutModelArtifact(ctx context.Context, artifact model.ModelArtifact) error

	// Purge deletes positions, trip updates and feed runs older than
	// olderThan and returns the number of rows removed. Anomalies and model
	// artifacts are retained indefinitely.
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)

	Close() error
}
