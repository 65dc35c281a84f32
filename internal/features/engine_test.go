package features

import (
	"math"
	"testing"
	"time"

	"github.com/stelioszach03/nyc-subway-monitor/internal/model"
)

func TestWelfordState_MeanAndStdev(t *testing.T) {
	w := &WelfordState{}
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		w.Update(v)
	}
	if math.Abs(w.GetMean()-5.0) > 1e-9 {
		t.Errorf("mean = %v, want 5.0", w.GetMean())
	}
	if math.Abs(w.GetStdDev()-2.0) > 1e-9 {
		t.Errorf("stdev = %v, want 2.0", w.GetStdDev())
	}
}

func TestWelfordState_ResumeFromSaved(t *testing.T) {
	w := NewWelfordState(5.0, 2.0, 8)
	if w.GetCount() != 8 {
		t.Fatalf("Count = %d, want 8", w.GetCount())
	}
	w.Update(5.0)
	if w.GetCount() != 9 {
		t.Errorf("Count after update = %d, want 9", w.GetCount())
	}
}

func TestWelfordState_FewerThanTwoObservations(t *testing.T) {
	w := &WelfordState{}
	w.Update(10)
	if w.GetStdDev() != 0 {
		t.Errorf("GetStdDev() = %v, want 0 with a single observation", w.GetStdDev())
	}
}

func TestObserveTripUpdate_HeadwayComputedFromSecondObservation(t *testing.T) {
	e := New(30)
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

	first := e.ObserveTripUpdate(model.TripUpdate{RouteID: "L", CurrentStopID: "101N", ObservedAt: base})
	if first.HeadwaySeconds != nil {
		t.Errorf("expected no headway on first observation, got %v", *first.HeadwaySeconds)
	}

	second := e.ObserveTripUpdate(model.TripUpdate{RouteID: "L", CurrentStopID: "101N", ObservedAt: base.Add(4 * time.Minute)})
	if second.HeadwaySeconds == nil {
		t.Fatal("expected headway on second observation")
	}
	if *second.HeadwaySeconds != 240 {
		t.Errorf("HeadwaySeconds = %v, want 240", *second.HeadwaySeconds)
	}
}

func TestObserveTripUpdate_DelayDrivesScheduleAdherence(t *testing.T) {
	e := New(30)
	delay := 0
	frame := e.ObserveTripUpdate(model.TripUpdate{RouteID: "L", CurrentStopID: "101N", ObservedAt: time.Now(), DelaySeconds: &delay})
	if frame.ScheduleAdherence != 0 {
		t.Errorf("ScheduleAdherence = %v, want 0 for zero delay", frame.ScheduleAdherence)
	}

	lateDelay := 600
	frame = e.ObserveTripUpdate(model.TripUpdate{RouteID: "L", CurrentStopID: "101N", ObservedAt: time.Now(), DelaySeconds: &lateDelay})
	if frame.ScheduleAdherence != 1.0 {
		t.Errorf("ScheduleAdherence = %v, want 1.0 at the ten-minute clamp", frame.ScheduleAdherence)
	}

	earlyDelay := -900
	frame = e.ObserveTripUpdate(model.TripUpdate{RouteID: "L", CurrentStopID: "101N", ObservedAt: time.Now(), DelaySeconds: &earlyDelay})
	if frame.ScheduleAdherence != -1.0 {
		t.Errorf("ScheduleAdherence = %v, want -1.0 beyond the early clamp", frame.ScheduleAdherence)
	}
}

func TestObserveDwell(t *testing.T) {
	e := New(30)
	arrived := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	departed := arrived.Add(45 * time.Second)

	dwell := e.ObserveDwell("L", "101N", arrived, departed)
	if dwell == nil || *dwell != 45 {
		t.Fatalf("dwell = %v, want 45", dwell)
	}

	if got := e.ObserveDwell("L", "101N", departed, arrived); got != nil {
		t.Errorf("expected nil for a departure before arrival, got %v", *got)
	}
}

func TestWindowPruning(t *testing.T) {
	e := New(1) // 1-minute window
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

	e.ObserveTripUpdate(model.TripUpdate{RouteID: "L", CurrentStopID: "101N", ObservedAt: base})
	e.ObserveTripUpdate(model.TripUpdate{RouteID: "L", CurrentStopID: "101N", ObservedAt: base.Add(30 * time.Second)})
	// This observation is outside the 1-minute window relative to the first sample.
	frame := e.ObserveTripUpdate(model.TripUpdate{RouteID: "L", CurrentStopID: "101N", ObservedAt: base.Add(5 * time.Minute)})

	if frame.RollingHeadwayMean <= 0 {
		t.Fatal("expected a positive rolling headway mean from retained samples")
	}
	headwayMean, _, _, _, _, _ := e.RollingStats("L", "101N")
	if headwayMean != frame.RollingHeadwayMean {
		t.Errorf("RollingStats() headway mean = %v, want %v", headwayMean, frame.RollingHeadwayMean)
	}
}
