// Package postgres is the multi-writer Store backend, for deployments that
// need more than one ingestor process sharing a database. Unlike the SQLite
// backend it needs no application-level write mutex: pgxpool hands out
// connections from a real connection pool and Postgres serializes at the
// row/transaction level.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stelioszach03/nyc-subway-monitor/internal/model"
	"github.com/stelioszach03/nyc-subway-monitor/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// DB is the Postgres-backed store.Store implementation.
type DB struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*DB)(nil)

// Connect opens a pool against databaseURL and ensures the schema exists.
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Println("connected to postgres database")
	return &DB{pool: pool}, nil
}

func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

func (db *DB) InsertVehiclePositions(ctx context.Context, feedID string, positions []model.VehiclePosition) error {
	if len(positions) == 0 {
		return nil
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertVehiclePositions(ctx, tx, feedID, positions); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertVehiclePositions(ctx context.Context, tx pgx.Tx, feedID string, positions []model.VehiclePosition) error {
	batch := &pgx.Batch{}
	for _, p := range positions {
		batch.Queue(`
			INSERT INTO vehicle_positions (feed_id, trip_id, route_id, current_stop_id, current_status, latitude, longitude, observed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (trip_id, current_stop_id, observed_at) DO NOTHING
		`, feedID, p.TripID, p.RouteID, p.CurrentStopID, string(p.CurrentStatus), p.Lat, p.Lon, p.ObservedAt.UTC())
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range positions {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert vehicle position: %w", err)
		}
	}
	return nil
}

func (db *DB) InsertTripUpdates(ctx context.Context, feedID string, updates []model.TripUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertTripUpdates(ctx, tx, feedID, updates); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertTripUpdates(ctx context.Context, tx pgx.Tx, feedID string, updates []model.TripUpdate) error {
	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(`
			INSERT INTO trip_updates
				(feed_id, trip_id, route_id, direction, current_stop_id, next_stop_id, current_status, arrival_time, departure_time, delay_seconds, observed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (trip_id, current_stop_id, observed_at) DO NOTHING
		`, feedID, u.TripID, u.RouteID, u.Direction, u.CurrentStopID, nullableString(u.NextStopID), string(u.CurrentStatus),
			u.ArrivalTime, u.DepartureTime, u.DelaySeconds, u.ObservedAt.UTC())
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range updates {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert trip update: %w", err)
		}
	}
	return nil
}

// RecordIngestBatch persists one feed tick's trip updates, vehicle
// positions, and outcome record in a single transaction, so a crash between
// writes never leaves a FeedRun without its corresponding rows or vice versa.
func (db *DB) RecordIngestBatch(ctx context.Context, feedID string, updates []model.TripUpdate, positions []model.VehiclePosition, run model.FeedRun) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertTripUpdates(ctx, tx, feedID, updates); err != nil {
		return err
	}
	if err := insertVehiclePositions(ctx, tx, feedID, positions); err != nil {
		return err
	}
	if err := recordFeedRun(ctx, tx, run); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (db *DB) RecordFeedRun(ctx context.Context, run model.FeedRun) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := recordFeedRun(ctx, tx, run); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func recordFeedRun(ctx context.Context, tx pgx.Tx, run model.FeedRun) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO feed_runs (run_id, feed_id, started_at, finished_at, entities_seen, alerts_seen, status, skipped_count, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			entities_seen = EXCLUDED.entities_seen,
			alerts_seen = EXCLUDED.alerts_seen,
			status = EXCLUDED.status,
			skipped_count = EXCLUDED.skipped_count,
			duration_ms = EXCLUDED.duration_ms
	`, run.RunID, run.FeedID, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.EntitiesSeen, run.AlertsSeen, string(run.Status), run.SkippedCount, run.DurationMS)
	if err != nil {
		return fmt.Errorf("record feed run: %w", err)
	}
	return nil
}

func (db *DB) RecentFeedRuns(ctx context.Context, feedID string, limit int) ([]model.FeedRun, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT run_id, feed_id, started_at, finished_at, entities_seen, alerts_seen, status, skipped_count, duration_ms FROM feed_runs`
	args := []any{}
	argN := 1
	if feedID != "" {
		query += fmt.Sprintf(" WHERE feed_id = $%d", argN)
		args = append(args, feedID)
		argN++
	}
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d", argN)
	args = append(args, limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent feed runs: %w", err)
	}
	defer rows.Close()

	var out []model.FeedRun
	for rows.Next() {
		var run model.FeedRun
		var status string
		if err := rows.Scan(&run.RunID, &run.FeedID, &run.StartedAt, &run.FinishedAt, &run.EntitiesSeen,
			&run.AlertsSeen, &status, &run.SkippedCount, &run.DurationMS); err != nil {
			return nil, fmt.Errorf("scan feed run row: %w", err)
		}
		run.Status = model.FeedRunStatus(status)
		out = append(out, run)
	}
	return out, rows.Err()
}

func (db *DB) RecentPositions(ctx context.Context, routeID, stopID string, since time.Time) ([]model.VehiclePosition, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT trip_id, route_id, current_stop_id, current_status, latitude, longitude, observed_at
		FROM vehicle_positions
		WHERE route_id = $1 AND current_stop_id = $2 AND observed_at >= $3
		ORDER BY observed_at ASC
	`, routeID, stopID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query recent positions: %w", err)
	}
	defer rows.Close()

	var out []model.VehiclePosition
	for rows.Next() {
		var p model.VehiclePosition
		var status string
		if err := rows.Scan(&p.TripID, &p.RouteID, &p.CurrentStopID, &status, &p.Lat, &p.Lon, &p.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		p.CurrentStatus = model.CurrentStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (db *DB) RecentTripUpdates(ctx context.Context, routeID, stopID string, since time.Time) ([]model.TripUpdate, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT trip_id, route_id, direction, current_stop_id, next_stop_id, current_status, arrival_time, departure_time, delay_seconds, observed_at
		FROM trip_updates
		WHERE route_id = $1 AND current_stop_id = $2 AND observed_at >= $3
		ORDER BY observed_at ASC
	`, routeID, stopID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query recent trip updates: %w", err)
	}
	defer rows.Close()

	var out []model.TripUpdate
	for rows.Next() {
		var u model.TripUpdate
		var status string
		var nextStopID *string
		if err := rows.Scan(&u.TripID, &u.RouteID, &u.Direction, &u.CurrentStopID, &nextStopID, &status,
			&u.ArrivalTime, &u.DepartureTime, &u.DelaySeconds, &u.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan trip update row: %w", err)
		}
		u.CurrentStatus = model.CurrentStatus(status)
		if nextStopID != nil {
			u.NextStopID = *nextStopID
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (db *DB) InsertAnomaly(ctx context.Context, a model.Anomaly) error {
	featuresJSON, err := json.Marshal(a.Features)
	if err != nil {
		return fmt.Errorf("marshal anomaly features: %w", err)
	}
	_, err = db.pool.Exec(ctx, `
		INSERT INTO anomalies (anomaly_id, detected_at, station_id, route_id, kind, severity, model_name, model_version, features, resolved, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.AnomalyID, a.DetectedAt.UTC(), a.StationID, a.RouteID, string(a.Kind), a.Severity, a.ModelName, a.ModelVersion, featuresJSON, a.Resolved, a.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert anomaly: %w", err)
	}
	return nil
}

func (db *DB) GetAnomaly(ctx context.Context, anomalyID string) (model.Anomaly, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT anomaly_id, detected_at, station_id, route_id, kind, severity, model_name, model_version, features, resolved, resolved_at
		FROM anomalies WHERE anomaly_id = $1
	`, anomalyID)
	a, err := scanAnomaly(row)
	if err == pgx.ErrNoRows {
		return model.Anomaly{}, store.ErrNotFound
	}
	return a, err
}

func (db *DB) ListAnomalies(ctx context.Context, filter store.AnomalyFilter) ([]model.Anomaly, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	argN := 1
	next := func() int { argN++; return argN - 1 }

	if filter.RouteID != "" {
		where += fmt.Sprintf(" AND route_id = $%d", next())
		args = append(args, filter.RouteID)
	}
	if filter.StationID != "" {
		where += fmt.Sprintf(" AND station_id = $%d", next())
		args = append(args, filter.StationID)
	}
	if filter.Kind != "" {
		where += fmt.Sprintf(" AND kind = $%d", next())
		args = append(args, string(filter.Kind))
	}
	if filter.ResolvedOnly != nil {
		where += fmt.Sprintf(" AND resolved = $%d", next())
		args = append(args, *filter.ResolvedOnly)
	}
	if filter.SeverityMin > 0 {
		where += fmt.Sprintf(" AND severity >= $%d", next())
		args = append(args, filter.SeverityMin)
	}
	if !filter.StartTime.IsZero() {
		where += fmt.Sprintf(" AND detected_at >= $%d", next())
		args = append(args, filter.StartTime.UTC())
	}
	if !filter.EndTime.IsZero() {
		where += fmt.Sprintf(" AND detected_at <= $%d", next())
		args = append(args, filter.EndTime.UTC())
	}

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM anomalies "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count anomalies: %w", err)
	}

	page, pageSize := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	query := fmt.Sprintf(`
		SELECT anomaly_id, detected_at, station_id, route_id, kind, severity, model_name, model_version, features, resolved, resolved_at
		FROM anomalies %s
		ORDER BY detected_at DESC
		LIMIT $%d OFFSET $%d
	`, where, next(), next())
	args = append(args, pageSize, offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list anomalies: %w", err)
	}
	defer rows.Close()

	var out []model.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan anomaly row: %w", err)
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func (db *DB) ResolveAnomaly(ctx context.Context, anomalyID string) error {
	tag, err := db.pool.Exec(ctx, `UPDATE anomalies SET resolved = TRUE, resolved_at = $1 WHERE anomaly_id = $2`, time.Now().UTC(), anomalyID)
	if err != nil {
		return fmt.Errorf("resolve anomaly: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (db *DB) AnomalyStatsSince(ctx context.Context, since time.Time) (store.AnomalyStats, error) {
	stats := store.AnomalyStats{BySeverity: map[string]int{}, ByKind: map[model.AnomalyKind]int{}}

	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM anomalies WHERE detected_at >= $1`, since.UTC()).Scan(&stats.TotalToday); err != nil {
		return stats, fmt.Errorf("count anomalies since: %w", err)
	}
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM anomalies WHERE NOT resolved`).Scan(&stats.ActiveCount); err != nil {
		return stats, fmt.Errorf("count active anomalies: %w", err)
	}

	rows, err := db.pool.Query(ctx, `SELECT kind, COUNT(*) FROM anomalies WHERE detected_at >= $1 GROUP BY kind`, since.UTC())
	if err != nil {
		return stats, fmt.Errorf("group anomalies by kind: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return stats, fmt.Errorf("scan kind group: %w", err)
		}
		stats.ByKind[model.AnomalyKind(kind)] = count
	}
	return stats, rows.Err()
}

func (db *DB) GetModelArtifact(ctx context.Context, name string) (model.ModelArtifact, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT name, version, trained_at, payload, hyperparams, training_window_hours
		FROM model_artifacts WHERE name = $1
	`, name)

	var a model.ModelArtifact
	var hyperparamsJSON []byte
	if err := row.Scan(&a.Name, &a.Version, &a.TrainedAt, &a.Payload, &hyperparamsJSON, &a.TrainingWindowHours); err != nil {
		if err == pgx.ErrNoRows {
			return model.ModelArtifact{}, store.ErrNotFound
		}
		return model.ModelArtifact{}, fmt.Errorf("get model artifact: %w", err)
	}
	_ = json.Unmarshal(hyperparamsJSON, &a.Hyperparams)
	return a, nil
}

func (db *DB) PutModelArtifact(ctx context.Context, artifact model.ModelArtifact) error {
	hyperparamsJSON, err := json.Marshal(artifact.Hyperparams)
	if err != nil {
		return fmt.Errorf("marshal hyperparams: %w", err)
	}
	_, err = db.pool.Exec(ctx, `
		INSERT INTO model_artifacts (name, version, trained_at, payload, hyperparams, training_window_hours)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			version = EXCLUDED.version,
			trained_at = EXCLUDED.trained_at,
			payload = EXCLUDED.payload,
			hyperparams = EXCLUDED.hyperparams,
			training_window_hours = EXCLUDED.training_window_hours
	`, artifact.Name, artifact.Version, artifact.TrainedAt.UTC(), artifact.Payload, hyperparamsJSON, artifact.TrainingWindowHours)
	if err != nil {
		return fmt.Errorf("put model artifact: %w", err)
	}
	return nil
}

func (db *DB) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()
	var total int64

	for _, table := range []string{"vehicle_positions", "trip_updates"} {
		tag, err := db.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE observed_at < $1", table), cutoff)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}

	tag, err := db.pool.Exec(ctx, "DELETE FROM feed_runs WHERE started_at < $1", cutoff)
	if err != nil {
		return total, fmt.Errorf("purge feed_runs: %w", err)
	}
	total += tag.RowsAffected()

	return total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnomaly(row rowScanner) (model.Anomaly, error) {
	var a model.Anomaly
	var kind string
	var featuresJSON []byte
	if err := row.Scan(&a.AnomalyID, &a.DetectedAt, &a.StationID, &a.RouteID, &kind, &a.Severity,
		&a.ModelName, &a.ModelVersion, &featuresJSON, &a.Resolved, &a.ResolvedAt); err != nil {
		return model.Anomaly{}, err
	}
	a.Kind = model.AnomalyKind(kind)
	_ = json.Unmarshal(featuresJSON, &a.Features)
	return a, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
