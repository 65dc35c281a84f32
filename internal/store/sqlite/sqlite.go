// Package sqlite is the default Store backend: a single-file, single-writer
// SQLite database in WAL mode. It is grounded on the same embedded-schema,
// write-mutex discipline used throughout this codebase's SQLite layer, which
// serializes every write behind one mutex since SQLite itself only ever
// allows one writer connection at a time.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stelioszach03/nyc-subway-monitor/internal/model"
	"github.com/stelioszach03/nyc-subway-monitor/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// DB is the SQLite-backed store.Store implementation.
type DB struct {
	conn    *sql.DB
	writeMu sync.Mutex
}

var _ store.Store = (*DB)(nil)

// Connect opens dbPath in WAL mode with a single-connection pool, matching
// SQLite's single-writer model: concurrent writers would otherwise collide
// with "database is locked" errors, so every write additionally takes
// writeMu before starting its own transaction.
func Connect(dbPath string) (*DB, error) {
	dsn := dbPath + "?_journal=WAL&_fk=1&_busy_timeout=5000"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = 10000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA mmap_size = 268435456",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			log.Printf("warning: failed to set %q: %v", pragma, err)
		}
	}

	db := &DB{conn: conn}
	if err := db.ensureSchema(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}

	log.Printf("connected to sqlite database: %s", dbPath)
	return db, nil
}

func (db *DB) ensureSchema(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) InsertVehiclePositions(ctx context.Context, feedID string, positions []model.VehiclePosition) error {
	if len(positions) == 0 {
		return nil
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertVehiclePositions(ctx, tx, feedID, positions); err != nil {
		return err
	}
	return tx.Commit()
}

func insertVehiclePositions(ctx context.Context, tx *sql.Tx, feedID string, positions []model.VehiclePosition) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vehicle_positions
			(feed_id, trip_id, route_id, current_stop_id, current_status, latitude, longitude, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trip_id, current_stop_id, observed_at) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range positions {
		if _, err := stmt.ExecContext(ctx, feedID, p.TripID, p.RouteID, p.CurrentStopID, string(p.CurrentStatus), p.Lat, p.Lon, p.ObservedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert vehicle position: %w", err)
		}
	}
	return nil
}

func (db *DB) InsertTripUpdates(ctx context.Context, feedID string, updates []model.TripUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertTripUpdates(ctx, tx, feedID, updates); err != nil {
		return err
	}
	return tx.Commit()
}

func insertTripUpdates(ctx context.Context, tx *sql.Tx, feedID string, updates []model.TripUpdate) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trip_updates
			(feed_id, trip_id, route_id, direction, current_stop_id, next_stop_id, current_status,
			 arrival_time, departure_time, delay_seconds, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trip_id, current_stop_id, observed_at) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		var arrival, departure *string
		if u.ArrivalTime != nil {
			s := u.ArrivalTime.UTC().Format(time.RFC3339Nano)
			arrival = &s
		}
		if u.DepartureTime != nil {
			s := u.DepartureTime.UTC().Format(time.RFC3339Nano)
			departure = &s
		}
		if _, err := stmt.ExecContext(ctx, feedID, u.TripID, u.RouteID, u.Direction, u.CurrentStopID, u.NextStopID,
			string(u.CurrentStatus), arrival, departure, u.DelaySeconds, u.ObservedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert trip update: %w", err)
		}
	}
	return nil
}

// RecordIngestBatch persists one feed tick's trip updates, vehicle
// positions, and outcome record in a single transaction, so a crash between
// writes never leaves a FeedRun without its corresponding rows or vice versa.
func (db *DB) RecordIngestBatch(ctx context.Context, feedID string, updates []model.TripUpdate, positions []model.VehiclePosition, run model.FeedRun) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertTripUpdates(ctx, tx, feedID, updates); err != nil {
		return err
	}
	if err := insertVehiclePositions(ctx, tx, feedID, positions); err != nil {
		return err
	}
	if err := recordFeedRun(ctx, tx, run); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *DB) RecordFeedRun(ctx context.Context, run model.FeedRun) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := recordFeedRun(ctx, tx, run); err != nil {
		return err
	}
	return tx.Commit()
}

func recordFeedRun(ctx context.Context, tx *sql.Tx, run model.FeedRun) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO feed_runs (run_id, feed_id, started_at, finished_at, entities_seen, alerts_seen, status, skipped_count, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			finished_at = excluded.finished_at,
			entities_seen = excluded.entities_seen,
			alerts_seen = excluded.alerts_seen,
			status = excluded.status,
			skipped_count = excluded.skipped_count,
			duration_ms = excluded.duration_ms
	`, run.RunID, run.FeedID, run.StartedAt.UTC().Format(time.RFC3339Nano), run.FinishedAt.UTC().Format(time.RFC3339Nano),
		run.EntitiesSeen, run.AlertsSeen, string(run.Status), run.SkippedCount, run.DurationMS)
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
	if feedID != "" {
		query += ` WHERE feed_id = ?`
		args = append(args, feedID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent feed runs: %w", err)
	}
	defer rows.Close()

	var out []model.FeedRun
	for rows.Next() {
		var run model.FeedRun
		var status, startedAt, finishedAt string
		if err := rows.Scan(&run.RunID, &run.FeedID, &startedAt, &finishedAt, &run.EntitiesSeen,
			&run.AlertsSeen, &status, &run.SkippedCount, &run.DurationMS); err != nil {
			return nil, fmt.Errorf("scan feed run row: %w", err)
		}
		run.Status = model.FeedRunStatus(status)
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		run.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt)
		out = append(out, run)
	}
	return out, rows.Err()
}

func (db *DB) RecentPositions(ctx context.Context, routeID, stopID string, since time.Time) ([]model.VehiclePosition, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT trip_id, route_id, current_stop_id, current_status, latitude, longitude, observed_at
		FROM vehicle_positions
		WHERE route_id = ? AND current_stop_id = ? AND observed_at >= ?
		ORDER BY observed_at ASC
	`, routeID, stopID, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query recent positions: %w", err)
	}
	defer rows.Close()

	var out []model.VehiclePosition
	for rows.Next() {
		var p model.VehiclePosition
		var status, observedAt string
		if err := rows.Scan(&p.TripID, &p.RouteID, &p.CurrentStopID, &status, &p.Lat, &p.Lon, &observedAt); err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		p.CurrentStatus = model.CurrentStatus(status)
		p.ObservedAt, _ = time.Parse(time.RFC3339Nano, observedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (db *DB) RecentTripUpdates(ctx context.Context, routeID, stopID string, since time.Time) ([]model.TripUpdate, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT trip_id, route_id, direction, current_stop_id, next_stop_id, current_status,
		       arrival_time, departure_time, delay_seconds, observed_at
		FROM trip_updates
		WHERE route_id = ? AND current_stop_id = ? AND observed_at >= ?
		ORDER BY observed_at ASC
	`, routeID, stopID, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query recent trip updates: %w", err)
	}
	defer rows.Close()

	var out []model.TripUpdate
	for rows.Next() {
		var u model.TripUpdate
		var status, observedAt string
		var nextStopID sql.NullString
		var arrival, departure sql.NullString
		var delay sql.NullInt64
		if err := rows.Scan(&u.TripID, &u.RouteID, &u.Direction, &u.CurrentStopID, &nextStopID, &status,
			&arrival, &departure, &delay, &observedAt); err != nil {
			return nil, fmt.Errorf("scan trip update row: %w", err)
		}
		u.CurrentStatus = model.CurrentStatus(status)
		u.NextStopID = nextStopID.String
		u.ObservedAt, _ = time.Parse(time.RFC3339Nano, observedAt)
		if arrival.Valid {
			if t, err := time.Parse(time.RFC3339Nano, arrival.String); err == nil {
				u.ArrivalTime = &t
			}
		}
		if departure.Valid {
			if t, err := time.Parse(time.RFC3339Nano, departure.String); err == nil {
				u.DepartureTime = &t
			}
		}
		if delay.Valid {
			d := int(delay.Int64)
			u.DelaySeconds = &d
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (db *DB) InsertAnomaly(ctx context.Context, a model.Anomaly) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	featuresJSON, err := json.Marshal(a.Features)
	if err != nil {
		return fmt.Errorf("marshal anomaly features: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO anomalies
			(anomaly_id, detected_at, station_id, route_id, kind, severity, model_name, model_version, features_json, resolved, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.AnomalyID, a.DetectedAt.UTC().Format(time.RFC3339Nano), a.StationID, a.RouteID, string(a.Kind),
		a.Severity, a.ModelName, a.ModelVersion, string(featuresJSON), boolToInt(a.Resolved), formatOptionalTime(a.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert anomaly: %w", err)
	}
	return nil
}

func (db *DB) GetAnomaly(ctx context.Context, anomalyID string) (model.Anomaly, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT anomaly_id, detected_at, station_id, route_id, kind, severity, model_name, model_version, features_json, resolved, resolved_at
		FROM anomalies WHERE anomaly_id = ?
	`, anomalyID)
	a, err := scanAnomaly(row)
	if err == sql.ErrNoRows {
		return model.Anomaly{}, store.ErrNotFound
	}
	return a, err
}

func (db *DB) ListAnomalies(ctx context.Context, filter store.AnomalyFilter) ([]model.Anomaly, int, error) {
	where := "WHERE 1=1"
	args := []any{}

	if filter.RouteID != "" {
		where += " AND route_id = ?"
		args = append(args, filter.RouteID)
	}
	if filter.StationID != "" {
		where += " AND station_id = ?"
		args = append(args, filter.StationID)
	}
	if filter.Kind != "" {
		where += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.ResolvedOnly != nil {
		where += " AND resolved = ?"
		args = append(args, boolToInt(*filter.ResolvedOnly))
	}
	if filter.SeverityMin > 0 {
		where += " AND severity >= ?"
		args = append(args, filter.SeverityMin)
	}
	if !filter.StartTime.IsZero() {
		where += " AND detected_at >= ?"
		args = append(args, filter.StartTime.UTC().Format(time.RFC3339Nano))
	}
	if !filter.EndTime.IsZero() {
		where += " AND detected_at <= ?"
		args = append(args, filter.EndTime.UTC().Format(time.RFC3339Nano))
	}

	var total int
	countArgs := append([]any{}, args...)
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM anomalies "+where, countArgs...).Scan(&total); err != nil {
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

	query := `
		SELECT anomaly_id, detected_at, station_id, route_id, kind, severity, model_name, model_version, features_json, resolved, resolved_at
		FROM anomalies ` + where + `
		ORDER BY detected_at DESC
		LIMIT ? OFFSET ?
	`
	args = append(args, pageSize, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
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
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	res, err := db.conn.ExecContext(ctx, `
		UPDATE anomalies SET resolved = 1, resolved_at = ? WHERE anomaly_id = ?
	`, time.Now().UTC().Format(time.RFC3339Nano), anomalyID)
	if err != nil {
		return fmt.Errorf("resolve anomaly: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (db *DB) AnomalyStatsSince(ctx context.Context, since time.Time) (store.AnomalyStats, error) {
	stats := store.AnomalyStats{BySeverity: map[string]int{}, ByKind: map[model.AnomalyKind]int{}}

	if err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM anomalies WHERE detected_at >= ?
	`, since.UTC().Format(time.RFC3339Nano)).Scan(&stats.TotalToday); err != nil {
		return stats, fmt.Errorf("count anomalies since: %w", err)
	}

	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM anomalies WHERE resolved = 0`).Scan(&stats.ActiveCount); err != nil {
		return stats, fmt.Errorf("count active anomalies: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM anomalies WHERE detected_at >= ? GROUP BY kind
	`, since.UTC().Format(time.RFC3339Nano))
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
	row := db.conn.QueryRowContext(ctx, `
		SELECT name, version, trained_at, payload, hyperparams_json, training_window_hours
		FROM model_artifacts WHERE name = ?
	`, name)

	var a model.ModelArtifact
	var trainedAt, hyperparamsJSON string
	if err := row.Scan(&a.Name, &a.Version, &trainedAt, &a.Payload, &hyperparamsJSON, &a.TrainingWindowHours); err != nil {
		if err == sql.ErrNoRows {
			return model.ModelArtifact{}, store.ErrNotFound
		}
		return model.ModelArtifact{}, fmt.Errorf("get model artifact: %w", err)
	}
	a.TrainedAt, _ = time.Parse(time.RFC3339Nano, trainedAt)
	_ = json.Unmarshal([]byte(hyperparamsJSON), &a.Hyperparams)
	return a, nil
}

func (db *DB) PutModelArtifact(ctx context.Context, artifact model.ModelArtifact) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	hyperparamsJSON, err := json.Marshal(artifact.Hyperparams)
	if err != nil {
		return fmt.Errorf("marshal hyperparams: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO model_artifacts (name, version, trained_at, payload, hyperparams_json, training_window_hours)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			version = excluded.version,
			trained_at = excluded.trained_at,
			payload = excluded.payload,
			hyperparams_json = excluded.hyperparams_json,
			training_window_hours = excluded.training_window_hours
	`, artifact.Name, artifact.Version, artifact.TrainedAt.UTC().Format(time.RFC3339Nano), artifact.Payload, string(hyperparamsJSON), artifact.TrainingWindowHours)
	if err != nil {
		return fmt.Errorf("put model artifact: %w", err)
	}
	return nil
}

// Purge deletes positions, trip updates, and feed runs older than olderThan.
// Anomalies and model artifacts are never purged.
func (db *DB) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)
	var total int64

	for _, table := range []string{"vehicle_positions", "trip_updates"} {
		res, err := db.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE observed_at < ?", table), cutoff)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	res, err := db.conn.ExecContext(ctx, "DELETE FROM feed_runs WHERE started_at < ?", cutoff)
	if err != nil {
		return total, fmt.Errorf("purge feed_runs: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	return total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnomaly(row rowScanner) (model.Anomaly, error) {
	var a model.Anomaly
	var detectedAt, kind, featuresJSON string
	var resolvedInt int
	var resolvedAt sql.NullString

	if err := row.Scan(&a.AnomalyID, &detectedAt, &a.StationID, &a.RouteID, &kind, &a.Severity,
		&a.ModelName, &a.ModelVersion, &featuresJSON, &resolvedInt, &resolvedAt); err != nil {
		return model.Anomaly{}, err
	}

	a.Kind = model.AnomalyKind(kind)
	a.DetectedAt, _ = time.Parse(time.RFC3339Nano, detectedAt)
	a.Resolved = resolvedInt != 0
	_ = json.Unmarshal([]byte(featuresJSON), &a.Features)
	if resolvedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, resolvedAt.String); err == nil {
			a.ResolvedAt = &t
		}
	}
	return a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
