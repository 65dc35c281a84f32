// Package api exposes the read API and live anomaly channel described by
// the external interfaces: paged anomaly queries, feed/catalog lookups,
// health probes, and a filtered WebSocket stream, all served over chi.
package api

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/stelioszach03/nyc-subway-monitor/internal/catalog"
	"github.com/stelioszach03/nyc-subway-monitor/internal/detect"
	"github.com/stelioszach03/nyc-subway-monitor/internal/eventbus"
	"github.com/stelioszach03/nyc-subway-monitor/internal/store"
)

// Deps wires every collaborator the API surface reads from. Nothing here
// calls back into ingest: the event bus is the only channel detector
// results reach the API through.
type Deps struct {
	Store    store.Store
	Catalog  *catalog.Catalog
	Bus      *eventbus.Bus
	Detector *detect.Detector

	FeedIDs             []string
	FeedUpdateInterval  time.Duration
	WSHeartbeatInterval time.Duration
	WSMaxConnections    int

	lastIngestAt atomic.Value // time.Time

	detectMu          sync.Mutex
	detectRunning     bool
	OnDetectRequested func() string // triggers an out-of-band detection pass, returns a run id
}

// RecordIngestTick marks the most recent successful ingest tick, read back
// by /health/ready to decide ingest_fresh.
func (d *Deps) RecordIngestTick(at time.Time) {
	d.lastIngestAt.Store(at)
}

func (d *Deps) lastIngestTick() (time.Time, bool) {
	v := d.lastIngestAt.Load()
	if v == nil {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// MarkDetectComplete clears the in-flight flag set by a /anomalies/detect
// request, letting a subsequent request trigger another pass.
func (d *Deps) MarkDetectComplete() {
	d.detectMu.Lock()
	d.detectRunning = false
	d.detectMu.Unlock()
}
