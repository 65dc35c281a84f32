package detect

import (
	"math/rand"
	"testing"
	"time"
)

func buildWindows(t *testing.T, count, seqLen int) [][]Vector {
	t.Helper()
	now := time.Now()
	var flat []Vector
	for i := 0; i < count+seqLen; i++ {
		flat = append(flat, normalVector(now))
	}
	var windows [][]Vector
	for i := 0; i+seqLen <= len(flat); i++ {
		windows = append(windows, flat[i:i+seqLen])
	}
	return windows
}

func TestAutoencoder_FitAndScore(t *testing.T) {
	rand.Seed(3)
	windows := buildWindows(t, 100, 4)

	ae := NewAutoencoder(4, 5, 95)
	if err := ae.Fit(windows, 20, 0.05); err != nil {
		t.Fatalf("fit failed: %v", err)
	}

	_, _, err := ae.Score(windows[0])
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
}

func TestAutoencoder_ScoreBeforeFit(t *testing.T) {
	ae := NewAutoencoder(4, 5, 95)
	_, _, err := ae.Score(make([]Vector, 4))
	if err != ErrNotFitted {
		t.Fatalf("expected ErrNotFitted, got %v", err)
	}
}

func TestAutoencoder_ScoreWrongWindowLength(t *testing.T) {
	rand.Seed(4)
	windows := buildWindows(t, 50, 4)
	ae := NewAutoencoder(4, 5, 95)
	if err := ae.Fit(windows, 10, 0.05); err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	_, _, err := ae.Score(make([]Vector, 2))
	if err == nil {
		t.Fatal("expected error for mismatched window length")
	}
}

func TestAutoencoder_SeverityMonotonic(t *testing.T) {
	rand.Seed(5)
	windows := buildWindows(t, 50, 4)
	ae := NewAutoencoder(4, 5, 95)
	if err := ae.Fit(windows, 10, 0.05); err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	ae.errorThreshold = 1.0

	low := ae.Severity(0.5)
	atThreshold := ae.Severity(1.0)
	high := ae.Severity(3.0)

	if !(low < atThreshold && atThreshold < high) {
		t.Fatalf("expected monotonic severity, got low=%f at=%f high=%f", low, atThreshold, high)
	}
	if atThreshold < 0.33 || atThreshold > 0.34 {
		t.Fatalf("expected severity ~1/3 at threshold, got %f", atThreshold)
	}
	if high != 1 {
		t.Fatalf("expected severity to saturate at 1, got %f", high)
	}
}

func TestAutoencoder_MarshalUnmarshalRoundTrip(t *testing.T) {
	rand.Seed(6)
	windows := buildWindows(t, 50, 4)
	ae := NewAutoencoder(4, 5, 95)
	if err := ae.Fit(windows, 10, 0.05); err != nil {
		t.Fatalf("fit failed: %v", err)
	}

	payload, err := ae.MarshalArtifact()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	restored := NewAutoencoder(4, 5, 95)
	if err := restored.UnmarshalArtifact(payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	want, _, err := ae.Score(windows[0])
	if err != nil {
		t.Fatalf("score on original failed: %v", err)
	}
	got, _, err := restored.Score(windows[0])
	if err != nil {
		t.Fatalf("score on restored failed: %v", err)
	}
	if want != got {
		t.Fatalf("expected restored network to reproduce original score, want %f got %f", want, got)
	}
}

func TestFlattenWindow(t *testing.T) {
	now := time.Now()
	window := []Vector{
		FeatureVector("L", "101N", "t1", now, 100, 30, 5, 0, 0, 0, 0),
		FeatureVector("L", "101N", "t2", now, 110, 32, 6, 0, 0, 0, 0),
	}
	flat := flattenWindow(window)
	if len(flat) != 10 {
		t.Fatalf("expected 10 flattened values, got %d", len(flat))
	}
}
