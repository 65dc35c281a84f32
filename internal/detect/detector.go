package detect

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stelioszach03/nyc-subway-monitor/internal/model"
	"github.com/stelioszach03/nyc-subway-monitor/internal/store"
)

// State enumerates a model's lifecycle within the Detector.
type State string

const (
	StateAbsent     State = "absent"
	StateTraining   State = "training"
	StateReady      State = "ready"
	StateRefreshing State = "refreshing"
)

// Detector owns the M1 isolation forest and, when enabled, the M2
// autoencoder, and combines their per-tick detections into ensemble
// anomalies. It is safe for concurrent use: Score holds the read lock for
// its whole run, while Train fits new models without the lock and takes it
// only to update model states and swap a fitted model in.
type Detector struct {
	mu sync.RWMutex

	contamination  float64
	sequenceLength int
	m2Enabled      bool

	forest      *IsolationForest
	forestState State
	forestVer   int

	autoencoder *Autoencoder
	aeState     State
	aeVer       int

	sequences map[string][]Vector // per (route,station) rolling sequence buffer for M2
}

// Config configures a Detector.
type Config struct {
	Contamination  float64
	SequenceLength int
	NumFeatures    int
	M2Enabled      bool
	ThresholdPct   float64
}

// New builds a Detector in the absent state for both models; Train must run
// at least once before Score returns anomalies.
func New(cfg Config) *Detector {
	d := &Detector{
		contamination:  cfg.Contamination,
		sequenceLength: cfg.SequenceLength,
		m2Enabled:      cfg.M2Enabled,
		forestState:    StateAbsent,
		aeState:        StateAbsent,
		sequences:      make(map[string][]Vector),
	}
	if cfg.M2Enabled {
		d.autoencoder = NewAutoencoder(cfg.SequenceLength, cfg.NumFeatures, cfg.ThresholdPct)
	}
	return d
}

// Status reports the current lifecycle state of each model, for the
// models/status API endpoint.
type Status struct {
	M1State   State
	M1Version int
	M2State   State
	M2Version int
}

func (d *Detector) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Status{M1State: d.forestState, M1Version: d.forestVer, M2State: d.aeState, M2Version: d.aeVer}
}

// Train fits M1 (and M2, if enabled) against a batch of training vectors.
// The fitted autoencoder is persisted as a versioned model artifact; the
// isolation forest is kept in memory only and is not persisted. A failed
// fit leaves the previously trained model of that kind in place.
func (d *Detector) Train(ctx context.Context, st store.Store, vectors []Vector) error {
	d.mu.Lock()
	d.forestState = StateTraining
	if d.m2Enabled {
		d.aeState = StateTraining
	}
	d.mu.Unlock()

	forest := NewIsolationForest(d.contamination)
	if err := forest.Fit(vectors); err != nil {
		d.mu.Lock()
		d.forestState = StateAbsent
		if d.forestVer > 0 {
			d.forestState = StateReady
		}
		d.mu.Unlock()
		return fmt.Errorf("fitting isolation forest: %w", err)
	}

	d.mu.Lock()
	d.forest = forest
	d.forestState = StateReady
	d.forestVer++
	forestVer := d.forestVer
	d.mu.Unlock()

	log.Printf("detector: trained isolation forest v%d on %d samples", forestVer, len(vectors))

	if d.m2Enabled {
		windows := buildSequenceWindows(vectors, d.sequenceLength)
		if len(windows) == 0 {
			d.mu.Lock()
			d.aeState = StateAbsent
			if d.aeVer > 0 {
				d.aeState = StateReady
			}
			d.mu.Unlock()
		} else {
			ae := NewAutoencoder(d.sequenceLength, len(Vector{}.values()), d.autoencoder.thresholdPercentile)
			if err := ae.Fit(windows, 50, 0.01); err != nil {
				d.mu.Lock()
				d.aeState = StateAbsent
				if d.aeVer > 0 {
					d.aeState = StateReady
				}
				d.mu.Unlock()
				return fmt.Errorf("fitting autoencoder: %w", err)
			}
			d.mu.Lock()
			d.autoencoder = ae
			d.aeState = StateReady
			d.aeVer++
			aeVer := d.aeVer
			d.mu.Unlock()
			log.Printf("detector: trained autoencoder v%d on %d windows", aeVer, len(windows))

			if payload, err := ae.MarshalArtifact(); err == nil {
				_ = st.PutModelArtifact(ctx, model.ModelArtifact{
					Name: "autoencoder", Version: aeVer, TrainedAt: time.Now().UTC(), Payload: payload,
				})
			}
		}
	}

	return nil
}

// buildSequenceWindows slices a chronologically-ordered vector stream into
// overlapping fixed-length windows for the autoencoder.
func buildSequenceWindows(vectors []Vector, length int) [][]Vector {
	if len(vectors) < length {
		return nil
	}
	out := make([][]Vector, 0, len(vectors)-length+1)
	for i := 0; i+length <= len(vectors); i++ {
		out = append(out, vectors[i:i+length])
	}
	return out
}

// Score runs every ready model against v and returns their raw detections,
// pre-ensemble. A model in any state other than ready is skipped: absent
// (never trained) and training/refreshing (mid-swap) both report no
// detections rather than block the caller.
func (d *Detector) Score(v Vector) []Detection {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var detections []Detection

	if d.forestState == StateReady {
		score, isAnomaly, err := d.forest.Score(v)
		if err == nil && isAnomaly {
			detections = append(detections, Detection{
				StationID: v.StationID, RouteID: v.RouteID, Kind: classifyKind(v),
				Severity: score, ModelName: "isolation_forest", ModelVersion: d.forestVer,
				Features: v.featureMap(), At: v.At,
			})
		}
	}

	if d.m2Enabled && d.aeState == StateReady {
		key := v.RouteID + "|" + v.StationID
		buf := append(d.sequences[key], v)
		if len(buf) > d.sequenceLength {
			buf = buf[len(buf)-d.sequenceLength:]
		}
		d.sequences[key] = buf

		if len(buf) == d.sequenceLength {
			reconErr, isAnomaly, err := d.autoencoder.Score(buf)
			if err == nil && isAnomaly {
				detections = append(detections, Detection{
					StationID: v.StationID, RouteID: v.RouteID, Kind: model.KindSequenceReconstruction,
					Severity: d.autoencoder.Severity(reconErr), ModelName: "autoencoder", ModelVersion: d.aeVer,
					Features: v.featureMap(), At: v.At,
				})
			}
		}
	}

	return detections
}
