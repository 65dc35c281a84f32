package detect

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stelioszach03/nyc-subway-monitor/internal/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Connect(filepath.Join(t.TempDir(), "detect.db"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDetector_StartsAbsent(t *testing.T) {
	d := New(Config{Contamination: 0.05, SequenceLength: 4, NumFeatures: 5, M2Enabled: true, ThresholdPct: 95})
	status := d.Status()
	if status.M1State != StateAbsent || status.M2State != StateAbsent {
		t.Fatalf("expected both models absent before training, got %+v", status)
	}
}

func TestDetector_ScoreBeforeTrainReturnsNoDetections(t *testing.T) {
	d := New(Config{Contamination: 0.05, SequenceLength: 4, NumFeatures: 5, M2Enabled: true, ThresholdPct: 95})
	v := normalVector(time.Now())
	if got := d.Score(v); len(got) != 0 {
		t.Fatalf("expected no detections before training, got %d", len(got))
	}
}

func TestDetector_TrainTransitionsToReady(t *testing.T) {
	rand.Seed(10)
	db := newTestStore(t)
	d := New(Config{Contamination: 0.05, SequenceLength: 4, NumFeatures: 5, M2Enabled: true, ThresholdPct: 95})

	now := time.Now()
	var vectors []Vector
	for i := 0; i < 200; i++ {
		vectors = append(vectors, normalVector(now))
	}

	if err := d.Train(context.Background(), db, vectors); err != nil {
		t.Fatalf("train failed: %v", err)
	}

	status := d.Status()
	if status.M1State != StateReady {
		t.Fatalf("expected isolation forest ready after training, got %s", status.M1State)
	}
	if status.M2State != StateReady {
		t.Fatalf("expected autoencoder ready after training, got %s", status.M2State)
	}
	if status.M1Version != 1 || status.M2Version != 1 {
		t.Fatalf("expected both models at version 1, got m1=%d m2=%d", status.M1Version, status.M2Version)
	}
}

func TestDetector_TrainWithoutM2SkipsAutoencoder(t *testing.T) {
	rand.Seed(11)
	db := newTestStore(t)
	d := New(Config{Contamination: 0.05, SequenceLength: 4, NumFeatures: 5, M2Enabled: false})

	now := time.Now()
	var vectors []Vector
	for i := 0; i < 50; i++ {
		vectors = append(vectors, normalVector(now))
	}

	if err := d.Train(context.Background(), db, vectors); err != nil {
		t.Fatalf("train failed: %v", err)
	}

	status := d.Status()
	if status.M1State != StateReady {
		t.Fatalf("expected isolation forest ready, got %s", status.M1State)
	}
	if status.M2State != StateAbsent {
		t.Fatalf("expected autoencoder to stay absent when disabled, got %s", status.M2State)
	}
}

func TestDetector_ScoreAfterTrainFlagsOutlier(t *testing.T) {
	rand.Seed(12)
	db := newTestStore(t)
	d := New(Config{Contamination: 0.05, SequenceLength: 4, NumFeatures: 5, M2Enabled: false})

	now := time.Now()
	var vectors []Vector
	for i := 0; i < 200; i++ {
		vectors = append(vectors, normalVector(now))
	}
	if err := d.Train(context.Background(), db, vectors); err != nil {
		t.Fatalf("train failed: %v", err)
	}

	outlier := FeatureVector("L", "101N", "trip-x", now, 9000, 30, 0, 0, 0, 0, 0)
	detections := d.Score(outlier)
	if len(detections) == 0 {
		t.Fatal("expected at least one detection for an extreme outlier")
	}
	if detections[0].ModelName != "isolation_forest" {
		t.Fatalf("expected isolation_forest detection, got %s", detections[0].ModelName)
	}
}
