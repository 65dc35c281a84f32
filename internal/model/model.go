// Package model defines the canonical in-memory records shared by every
// component: catalog entities, transient realtime observations, derived
// features, and persisted anomalies and model artifacts.
package model

import "time"

// Route is a static catalog entity, immutable once the bundle is loaded.
type Route struct {
	RouteID     string `json:"route_id"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
}

// Station is a static catalog entity. Child stops are rolled up into their
// parent station, so ParentID is empty on most Stations; it is set only on a
// child stop whose parent row is absent from the bundle, which the catalog
// keeps as a station of its own.
type Station struct {
	StopID       string   `json:"stop_id"`
	Name         string   `json:"name"`
	Lat          float64  `json:"lat"`
	Lon          float64  `json:"lon"`
	ParentID     string   `json:"parent_id,omitempty"`
	RoutesServed []string `json:"routes_served"`
}

// FeedRunStatus enumerates the outcome of one fetch-and-decode attempt.
type FeedRunStatus string

const (
	FeedRunOK             FeedRunStatus = "ok"
	FeedRunTransportError FeedRunStatus = "transport_error"
	FeedRunDecodeError    FeedRunStatus = "decode_error"
	FeedRunPartial        FeedRunStatus = "partial"
)

// FeedRun is one immutable record per fetch attempt per feed.
type FeedRun struct {
	RunID        string        `json:"run_id"`
	FeedID       string        `json:"feed_id"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	EntitiesSeen int           `json:"entities_seen"`
	AlertsSeen   int           `json:"alerts_seen"`
	Status       FeedRunStatus `json:"status"`
	SkippedCount int           `json:"skipped_count"`
	DurationMS   int64         `json:"duration_ms"`
}

// CurrentStatus mirrors GTFS-RT VehicleStopStatus, narrowed to the three
// values the feature engine cares about.
type CurrentStatus string

const (
	StatusAtStop    CurrentStatus = "at_stop"
	StatusInTransit CurrentStatus = "in_transit"
	StatusIncoming  CurrentStatus = "incoming"
)

// TripUpdate is a transient canonical record decoded from a GTFS-RT trip
// update entity. It never persists beyond the feature engine's sliding
// windows and the state store's short position history.
type TripUpdate struct {
	TripID        string        `json:"trip_id"`
	RouteID       string        `json:"route_id"`
	Direction     int32         `json:"direction"`
	ObservedAt    time.Time     `json:"observed_at"`
	CurrentStopID string        `json:"current_stop_id,omitempty"`
	NextStopID    string        `json:"next_stop_id,omitempty"`
	ArrivalTime   *time.Time    `json:"arrival_time,omitempty"`
	DepartureTime *time.Time    `json:"departure_time,omitempty"`
	CurrentStatus CurrentStatus `json:"current_status,omitempty"`
	DelaySeconds  *int          `json:"delay_seconds,omitempty"`
}

// VehiclePosition is a transient canonical record decoded from a GTFS-RT
// vehicle position entity.
type VehiclePosition struct {
	TripID        string        `json:"trip_id"`
	RouteID       string        `json:"route_id"`
	ObservedAt    time.Time     `json:"observed_at"`
	CurrentStopID string        `json:"current_stop_id,omitempty"`
	CurrentStatus CurrentStatus `json:"current_status,omitempty"`
	Lat           *float64      `json:"lat,omitempty"`
	Lon           *float64      `json:"lon,omitempty"`
}

// FeatureFrame is the feature vector computed for one trip/stop observation.
type FeatureFrame struct {
	TripID              string    `json:"trip_id"`
	RouteID             string    `json:"route_id"`
	StopID              string    `json:"stop_id"`
	ObservedAt          time.Time `json:"observed_at"`
	HeadwaySeconds      *float64  `json:"headway_s,omitempty"`
	DwellSeconds        *float64  `json:"dwell_s,omitempty"`
	DelaySeconds        *float64  `json:"delay_s,omitempty"`
	ScheduleAdherence   float64   `json:"schedule_adherence"`
	RollingHeadwayMean  float64   `json:"rolling_headway_mean"`
	RollingHeadwayStdev float64   `json:"rolling_headway_stdev"`
}

// AnomalyKind enumerates the detector outputs.
type AnomalyKind string

const (
	KindHeadwayOutlier         AnomalyKind = "headway_outlier"
	KindDwellOutlier           AnomalyKind = "dwell_outlier"
	KindDelaySpike             AnomalyKind = "delay_spike"
	KindSequenceReconstruction AnomalyKind = "sequence_reconstruction"
	KindEnsemble               AnomalyKind = "ensemble"
)

// Anomaly is a persisted detection event.
type Anomaly struct {
	AnomalyID    string             `json:"anomaly_id"`
	DetectedAt   time.Time          `json:"detected_at"`
	StationID    string             `json:"station_id,omitempty"`
	RouteID      string             `json:"route_id,omitempty"`
	Kind         AnomalyKind        `json:"kind"`
	Severity     float64            `json:"severity"`
	ModelName    string             `json:"model_name"`
	ModelVersion int                `json:"model_version"`
	Features     map[string]float64 `json:"features,omitempty"`
	Resolved     bool               `json:"resolved"`
	ResolvedAt   *time.Time         `json:"resolved_at,omitempty"`
}

// ModelArtifact is a versioned, serialized model snapshot.
type ModelArtifact struct {
	Name                string             `json:"name"`
	Version             int                `json:"version"`
	TrainedAt           time.Time          `json:"trained_at"`
	Payload             []byte             `json:"payload,omitempty"`
	Hyperparams         map[string]float64 `json:"hyperparams,omitempty"`
	TrainingWindowHours int                `json:"training_window_hours"`
}
