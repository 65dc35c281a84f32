// Package scheduler drives the ingestor process: it owns the recurring
// ingest, detection, nightly-retrain and purge timers and coordinates
// graceful shutdown across them. Nothing outside this package decides when
// a fetch, a scoring pass, or a retrain happens.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/stelioszach03/nyc-subway-monitor/internal/api"
	"github.com/stelioszach03/nyc-subway-monitor/internal/catalog"
	"github.com/stelioszach03/nyc-subway-monitor/internal/config"
	"github.com/stelioszach03/nyc-subway-monitor/internal/decode"
	"github.com/stelioszach03/nyc-subway-monitor/internal/detect"
	"github.com/stelioszach03/nyc-subway-monitor/internal/eventbus"
	"github.com/stelioszach03/nyc-subway-monitor/internal/feed"
	"github.com/stelioszach03/nyc-subway-monitor/internal/features"
	"github.com/stelioszach03/nyc-subway-monitor/internal/model"
	"github.com/stelioszach03/nyc-subway-monitor/internal/store"
)

// ShutdownGrace bounds how long Run waits for in-flight ingest ticks to
// finish once its context is canceled, mirroring the drain-then-exit
// pattern the API server's HTTP shutdown uses.
const ShutdownGrace = 10 * time.Second

// detectionCoalesceWindow batches ingest completions that land within this
// window into a single detection pass, so N feeds finishing within
// milliseconds of each other trigger one scoring run, not N.
const detectionCoalesceWindow = 1 * time.Second

const purgeInterval = 60 * time.Second

// Scheduler owns the write-side pipeline: fetch -> decode -> feature engine
// -> detector -> state store + event bus. Deps is optional; when set, ingest
// ticks and detect-trigger requests are reflected into the read side.
type Scheduler struct {
	cfg      *config.Config
	st       store.Store
	catalog  *catalog.Catalog
	fetcher  *feed.Fetcher
	engine   *features.Engine
	detector *detect.Detector
	bus      *eventbus.Bus
	deps     *api.Deps

	pendingMu sync.Mutex
	pending   []detect.Vector

	vehicleMu    sync.Mutex
	vehicleState map[string]vehicleTrack

	backpressure *backpressure

	detectSignal chan struct{}

	lastRetrainDay string

	wg sync.WaitGroup
}

// New wires a Scheduler from its collaborators. deps may be nil for a
// detector-and-store-only test harness; production wiring always supplies
// it so /health/ready and /anomalies/detect reflect scheduler activity.
func New(cfg *config.Config, st store.Store, cat *catalog.Catalog, fetcher *feed.Fetcher, engine *features.Engine, detector *detect.Detector, bus *eventbus.Bus, deps *api.Deps) *Scheduler {
	s := &Scheduler{
		cfg:          cfg,
		st:           st,
		catalog:      cat,
		fetcher:      fetcher,
		engine:       engine,
		detector:     detector,
		bus:          bus,
		deps:         deps,
		vehicleState: make(map[string]vehicleTrack),
		backpressure: newBackpressure(cfg.WriteHighWatermark, cfg.WriteDropWatermark),
		detectSignal: make(chan struct{}, 1),
	}
	if deps != nil {
		deps.OnDetectRequested = s.RequestDetection
	}
	return s
}

// Run blocks until ctx is canceled, running the ingest, detection-coalesce,
// nightly-retrain, and purge loops concurrently. On cancellation it drains
// in-flight ingest ticks for up to ShutdownGrace before closing the event
// bus and returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.wg.Add(4)
	go s.runIngestLoop(ctx)
	go s.runDetectionLoop(ctx)
	go s.runRetrainLoop(ctx)
	go s.runPurgeLoop(ctx)

	<-ctx.Done()
	log.Println("scheduler: shutdown signal received, draining in-flight work")

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		log.Println("scheduler: drained cleanly")
	case <-time.After(ShutdownGrace):
		log.Println("scheduler: drain grace period elapsed, forcing shutdown")
	}

	if s.bus != nil {
		s.bus.Close()
	}
	return nil
}

func (s *Scheduler) runIngestLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FeedUpdateInterval)
	defer ticker.Stop()

	s.ingestOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ingestOnce(ctx)
		}
	}
}

// ingestOnce fetches and decodes every configured feed in parallel, folds
// each observation into the feature engine, and queues the resulting
// vectors for the detection loop before signaling it.
func (s *Scheduler) ingestOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, feedCfg := range s.cfg.Feeds {
		src := feed.Source{FeedID: feedCfg.FeedID, TripUpdatesURL: feedCfg.TripUpdatesURL, VehiclePositionsURL: feedCfg.VehiclePositionsURL}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ingestFeed(ctx, src)
		}()
	}
	wg.Wait()

	if s.deps != nil {
		s.deps.RecordIngestTick(time.Now())
	}
	s.RequestDetection()
}

func (s *Scheduler) ingestFeed(ctx context.Context, src feed.Source) {
	run := model.FeedRun{RunID: newRunID(), FeedID: src.FeedID, StartedAt: time.Now()}

	if s.backpressure.shouldShed(src.FeedID) {
		log.Printf("ingest_shedding: skipping decode for %s, write latency over drop watermark", src.FeedID)
		run.Status = model.FeedRunPartial
		run.FinishedAt = time.Now()
		run.DurationMS = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
		if err := s.st.RecordFeedRun(ctx, run); err != nil {
			log.Printf("scheduler: record shed feed run for %s: %v", src.FeedID, err)
		}
		return
	}

	tuResult, vpResult, err := s.fetcher.FetchFeed(ctx, src)
	if err != nil {
		// ErrOverlap: a previous tick for this feed is still running. This is
		// expected backpressure, not a failure worth recording.
		return
	}

	var vectors []detect.Vector
	var tripUpdates []model.TripUpdate
	var positions []model.VehiclePosition

	if tuResult.Err == nil && len(tuResult.Body) > 0 {
		decoded, err := decode.DecodeTripUpdates(tuResult.Body, tuResult.FinishedAt)
		if err != nil {
			run.Status = model.FeedRunDecodeError
		} else {
			tripUpdates = decode.MergeLastWriteWins(decoded.TripUpdates)
			run.EntitiesSeen += decoded.EntitiesSeen
			run.SkippedCount += decoded.SkippedCount
			for _, u := range tripUpdates {
				vectors = append(vectors, s.vectorFromTripUpdate(u))
			}
		}
	} else if tuResult.Err != nil {
		run.Status = model.FeedRunTransportError
	}

	if vpResult.Err == nil && len(vpResult.Body) > 0 {
		decoded, err := decode.DecodeVehiclePositions(vpResult.Body, vpResult.FinishedAt)
		if err != nil {
			if run.Status == "" {
				run.Status = model.FeedRunDecodeError
			}
		} else {
			positions = decoded.VehiclePositions
			run.EntitiesSeen += decoded.EntitiesSeen
			run.SkippedCount += decoded.SkippedCount
			s.trackDwell(positions)
		}
	} else if vpResult.Err != nil && run.Status == "" {
		run.Status = model.FeedRunTransportError
	}

	if run.Status == "" {
		run.Status = model.FeedRunOK
	}
	run.FinishedAt = time.Now()
	run.DurationMS = run.FinishedAt.Sub(run.StartedAt).Milliseconds()

	if rowCap := s.backpressure.cap(); rowCap > 0 {
		var droppedTU, droppedVP int
		tripUpdates, droppedTU = truncate(tripUpdates, rowCap)
		positions, droppedVP = truncate(positions, rowCap)
		if droppedTU+droppedVP > 0 {
			log.Printf("ingest_shedding: %s batch capped to %d rows, dropped %d trip updates and %d positions this tick", src.FeedID, rowCap, droppedTU, droppedVP)
		}
	}

	writeStart := time.Now()
	writeErr := s.st.RecordIngestBatch(ctx, src.FeedID, tripUpdates, positions, run)
	s.backpressure.observe(src.FeedID, time.Since(writeStart), time.Now())
	if writeErr != nil {
		log.Printf("scheduler: record ingest batch for %s: %v", src.FeedID, writeErr)
	}

	if len(vectors) > 0 {
		s.pendingMu.Lock()
		s.pending = append(s.pending, vectors...)
		s.pendingMu.Unlock()
	}
}

// vehicleTrack remembers the last known position of one trip so trackDwell
// can recognize an at_stop -> in_transit/incoming transition across ticks.
type vehicleTrack struct {
	RouteID   string
	StopID    string
	ArrivedAt time.Time
	Status    model.CurrentStatus
}

// trackDwell folds a tick's vehicle positions into the feature engine's
// dwell-time samples. A dwell sample is emitted when a trip that was at_stop
// on a prior tick is observed to have left that stop.
func (s *Scheduler) trackDwell(positions []model.VehiclePosition) {
	s.vehicleMu.Lock()
	defer s.vehicleMu.Unlock()

	for _, p := range positions {
		prev, known := s.vehicleState[p.TripID]

		if p.CurrentStatus == model.StatusAtStop {
			if known && prev.Status == model.StatusAtStop && prev.StopID == p.CurrentStopID {
				continue // still dwelling at the same stop, arrival time unchanged
			}
			s.vehicleState[p.TripID] = vehicleTrack{RouteID: p.RouteID, StopID: p.CurrentStopID, ArrivedAt: p.ObservedAt, Status: p.CurrentStatus}
			continue
		}

		if known && prev.Status == model.StatusAtStop {
			s.engine.ObserveDwell(prev.RouteID, prev.StopID, prev.ArrivedAt, p.ObservedAt)
		}
		s.vehicleState[p.TripID] = vehicleTrack{RouteID: p.RouteID, StopID: p.CurrentStopID, Status: p.CurrentStatus}
	}
}

func (s *Scheduler) vectorFromTripUpdate(u model.TripUpdate) detect.Vector {
	frame := s.engine.ObserveTripUpdate(u)
	headwayMean, headwayStdev, dwellMean, dwellStdev, _, _ := s.engine.RollingStats(u.RouteID, u.CurrentStopID)

	headway := 0.0
	if frame.HeadwaySeconds != nil {
		headway = *frame.HeadwaySeconds
	}
	delay := 0.0
	if frame.DelaySeconds != nil {
		delay = *frame.DelaySeconds
	}
	return detect.FeatureVector(u.RouteID, u.CurrentStopID, u.TripID, u.ObservedAt, headway, 0, delay, headwayMean, headwayStdev, dwellMean, dwellStdev)
}

// RequestDetection signals the detection loop to run soon, coalescing with
// any other request that arrives within detectionCoalesceWindow. It returns
// a run id immediately; the scoring pass itself happens asynchronously.
func (s *Scheduler) RequestDetection() string {
	runID := newRunID()
	select {
	case s.detectSignal <- struct{}{}:
	default:
		// A request is already pending; the coalescing window will pick up
		// this tick's vectors too.
	}
	return runID
}

func (s *Scheduler) runDetectionLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.detectSignal:
			select {
			case <-time.After(detectionCoalesceWindow):
			case <-ctx.Done():
				return
			}
			s.detectOnce(ctx)
			if s.deps != nil {
				s.deps.MarkDetectComplete()
			}
		}
	}
}

func (s *Scheduler) detectOnce(ctx context.Context) {
	s.pendingMu.Lock()
	vectors := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	if len(vectors) == 0 {
		return
	}

	var detections []detect.Detection
	for _, v := range vectors {
		detections = append(detections, s.detector.Score(v)...)
	}
	if len(detections) == 0 {
		return
	}

	anomalies := detect.CombineEnsemble(detections, time.Now)
	for _, a := range anomalies {
		if err := s.st.InsertAnomaly(ctx, a); err != nil {
			log.Printf("scheduler: insert anomaly: %v", err)
			continue
		}
		if s.bus != nil {
			s.bus.Publish(a)
		}
	}
}

func (s *Scheduler) runRetrainLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.maybeRetrain(ctx, now)
		}
	}
}

// maybeRetrain fires at most once per UTC calendar day, at the configured
// hour, since the minute-granularity ticker would otherwise re-trigger for
// every tick inside that hour.
func (s *Scheduler) maybeRetrain(ctx context.Context, now time.Time) {
	now = now.UTC()
	if now.Hour() != s.cfg.ModelRetrainHour {
		return
	}
	today := now.Format("2006-01-02")
	if s.lastRetrainDay == today {
		return
	}
	s.lastRetrainDay = today

	vectors := s.trainingVectors(ctx, now)
	if len(vectors) == 0 {
		log.Println("scheduler: nightly retrain skipped, no training data available")
		return
	}
	if err := s.detector.Train(ctx, s.st, vectors); err != nil {
		log.Printf("scheduler: nightly retrain failed: %v", err)
	}
}

// trainingVectors replays the configured training window from the state
// store for every (route, station) pair the catalog knows about. It reuses
// the live feature engine, exactly the way a restart's Rebuild does.
func (s *Scheduler) trainingVectors(ctx context.Context, now time.Time) []detect.Vector {
	if s.catalog == nil {
		return nil
	}
	since := now.Add(-time.Duration(s.cfg.TrainingWindowHours) * time.Hour)

	var vectors []detect.Vector
	for _, route := range s.catalog.Routes() {
		for _, station := range s.catalog.StationsForRoute(route.RouteID) {
			updates, err := s.st.RecentTripUpdates(ctx, route.RouteID, station.StopID, since)
			if err != nil {
				log.Printf("scheduler: loading training data for %s/%s: %v", route.RouteID, station.StopID, err)
				continue
			}
			for _, u := range updates {
				vectors = append(vectors, s.vectorFromTripUpdate(u))
			}
		}
	}
	return vectors
}

func (s *Scheduler) runPurgeLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	retention := time.Duration(s.cfg.RetentionHours) * time.Hour
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.st.Purge(ctx, retention)
			if err != nil {
				log.Printf("scheduler: purge failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("scheduler: purged %d rows older than %v", n, retention)
			}
		}
	}
}

func newRunID() string {
	return "run_" + time.Now().UTC().Format("20060102T150405.000000000")
}
