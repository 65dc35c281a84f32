// Package features turns the trip updates and vehicle positions decoded
// from a feed tick into per-(route, stop) feature vectors: headway, dwell
// time, delay, and schedule adherence, each with a rolling mean/stdev
// computed over a configurable time window. Every key owns its own shard so
// concurrent ticks for different routes never contend.
package features

import (
	"context"
	"sync"
	"time"

	"github.com/stelioszach03/nyc-subway-monitor/internal/model"
	"github.com/stelioszach03/nyc-subway-monitor/internal/store"
)

// Engine holds one shard per (route_id, stop_id) key.
type Engine struct {
	mu            sync.RWMutex
	shards        map[shardKey]*shard
	windowMinutes int
}

// Key identifies one (route, stop) shard.
type Key struct {
	RouteID string
	StopID  string
}

type shardKey = Key

// New builds an Engine with the given rolling-window size.
func New(windowMinutes int) *Engine {
	return &Engine{
		shards:        make(map[shardKey]*shard),
		windowMinutes: windowMinutes,
	}
}

// sample is one timestamped scalar observation retained for the sliding
// window; expired samples are pruned lazily on the next Observe call.
type sample struct {
	at    time.Time
	value float64
}

// shard is a single-writer structure serialized by its own mutex: only the
// key it belongs to ever contends on it, so a global engine lock is only
// needed to find or create the shard, never to update it.
type shard struct {
	mu sync.Mutex

	lastDeparture time.Time
	lastArrival   time.Time

	headway []sample
	dwell   []sample
	delay   []sample
}

func (e *Engine) shardFor(routeID, stopID string) *shard {
	key := shardKey{RouteID: routeID, StopID: stopID}

	e.mu.RLock()
	s, ok := e.shards[key]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.shards[key]; ok {
		return s
	}
	s = &shard{}
	e.shards[key] = s
	return s
}

// ObserveTripUpdate folds a decoded trip update into the shard for its
// (route, stop) and returns the resulting feature frame. A trip update
// carries a delay observation and, when the same (route, stop) has seen an
// earlier update, a headway observation: the time since that previous
// update, whichever trip it belonged to.
func (e *Engine) ObserveTripUpdate(tu model.TripUpdate) model.FeatureFrame {
	s := e.shardFor(tu.RouteID, tu.CurrentStopID)

	s.mu.Lock()
	defer s.mu.Unlock()

	frame := model.FeatureFrame{
		TripID:     tu.TripID,
		RouteID:    tu.RouteID,
		StopID:     tu.CurrentStopID,
		ObservedAt: tu.ObservedAt,
	}

	if tu.DelaySeconds != nil {
		delaySeconds := float64(*tu.DelaySeconds)
		frame.DelaySeconds = &delaySeconds
		s.delay = appendWindowed(s.delay, sample{tu.ObservedAt, delaySeconds}, e.windowMinutes)
		frame.ScheduleAdherence = scheduleAdherence(delaySeconds)
	}

	if !s.lastArrival.IsZero() {
		headwaySeconds := tu.ObservedAt.Sub(s.lastArrival).Seconds()
		if headwaySeconds > 0 {
			frame.HeadwaySeconds = &headwaySeconds
			s.headway = appendWindowed(s.headway, sample{tu.ObservedAt, headwaySeconds}, e.windowMinutes)
		}
	}
	s.lastArrival = tu.ObservedAt

	frame.RollingHeadwayMean, frame.RollingHeadwayStdev = meanStdev(s.headway)
	return frame
}

// ObserveDwell records a vehicle's stop-to-stop transition as a dwell-time
// sample: the gap between arriving at a stop (CurrentStatus at_stop) and
// departing it (next observation no longer at_stop) on the same trip.
func (e *Engine) ObserveDwell(routeID, stopID string, arrivedAt, departedAt time.Time) *float64 {
	if departedAt.Before(arrivedAt) {
		return nil
	}
	s := e.shardFor(routeID, stopID)

	s.mu.Lock()
	defer s.mu.Unlock()

	dwellSeconds := departedAt.Sub(arrivedAt).Seconds()
	s.dwell = appendWindowed(s.dwell, sample{departedAt, dwellSeconds}, e.windowMinutes)
	return &dwellSeconds
}

// RollingStats returns the current rolling mean/stdev for headway, dwell,
// and delay at a (route, stop) key, for the detector's feature vector.
func (e *Engine) RollingStats(routeID, stopID string) (headwayMean, headwayStdev, dwellMean, dwellStdev, delayMean, delayStdev float64) {
	s := e.shardFor(routeID, stopID)
	s.mu.Lock()
	defer s.mu.Unlock()

	headwayMean, headwayStdev = meanStdev(s.headway)
	dwellMean, dwellStdev = meanStdev(s.dwell)
	delayMean, delayStdev = meanStdev(s.delay)
	return
}

// Rebuild replays recent history from the store into a fresh Engine after a
// restart, so rolling windows do not start empty. It is best-effort: a
// backend error for one key does not abort the remaining keys; the first
// such error is returned for the caller to log.
func (e *Engine) Rebuild(ctx context.Context, st store.Store, keys []Key, since time.Time) error {
	var firstErr error
	for _, k := range keys {
		updates, err := st.RecentTripUpdates(ctx, k.RouteID, k.StopID, since)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, u := range updates {
			e.ObserveTripUpdate(u)
		}
	}
	return firstErr
}

// appendWindowed appends s to samples and prunes anything older than
// windowMinutes relative to s.at, keeping the slice sorted by time since
// callers only ever append the latest observation.
func appendWindowed(samples []sample, s sample, windowMinutes int) []sample {
	samples = append(samples, s)
	cutoff := s.at.Add(-time.Duration(windowMinutes) * time.Minute)
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	return samples[i:]
}

func meanStdev(samples []sample) (float64, float64) {
	w := &WelfordState{}
	for _, s := range samples {
		w.Update(s.value)
	}
	return w.GetMean(), w.GetStdDev()
}

// scheduleAdherence maps a delay in seconds to a signed normalized deviation
// in [-1,1]: 0 at zero delay, +1 at a ten-minute-or-later delay, -1 at a
// ten-minute-or-earlier arrival, clamped at the edges.
func scheduleAdherence(delaySeconds float64) float64 {
	const toleranceSeconds = 600.0
	adherence := delaySeconds / toleranceSeconds
	if adherence < -1 {
		return -1
	}
	if adherence > 1 {
		return 1
	}
	return adherence
}
