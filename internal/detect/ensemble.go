package detect

import (
	"time"

	"github.com/google/uuid"

	"github.com/stelioszach03/nyc-subway-monitor/internal/model"
)

// Detection is one model's raw output before ensemble combination.
type Detection struct {
	StationID    string
	RouteID      string
	Kind         model.AnomalyKind
	Severity     float64
	ModelName    string
	ModelVersion int
	Features     map[string]float64
	At           time.Time
}

// CombineEnsemble groups detections from independent models by
// (station, route, 5-minute bucket) and, where a bucket holds more than one
// detection (from either model, or several from the same model), emits a
// single synthetic ensemble anomaly with severity = max(individual
// severities), model_version = the number of merged detections, and the
// first detection's features. A bucket with a single detection passes
// through unchanged.
func CombineEnsemble(detections []Detection, now func() time.Time) []model.Anomaly {
	type bucketKey struct {
		stationID string
		routeID   string
		bucket    int64
	}

	groups := make(map[bucketKey][]Detection)
	order := make([]bucketKey, 0)
	for _, d := range detections {
		key := bucketKey{
			stationID: d.StationID,
			routeID:   d.RouteID,
			bucket:    d.At.Truncate(5 * time.Minute).Unix(),
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], d)
	}

	out := make([]model.Anomaly, 0, len(order))
	for _, key := range order {
		group := groups[key]
		if len(group) == 1 {
			out = append(out, toAnomaly(group[0], now()))
			continue
		}

		maxSeverity := group[0].Severity
		for _, d := range group[1:] {
			if d.Severity > maxSeverity {
				maxSeverity = d.Severity
			}
		}

		out = append(out, model.Anomaly{
			AnomalyID:    uuid.NewString(),
			DetectedAt:   now(),
			StationID:    key.stationID,
			RouteID:      key.routeID,
			Kind:         model.KindEnsemble,
			Severity:     maxSeverity,
			ModelName:    "ensemble",
			ModelVersion: len(group),
			Features:     group[0].Features,
		})
	}
	return out
}

func toAnomaly(d Detection, now time.Time) model.Anomaly {
	return model.Anomaly{
		AnomalyID:    uuid.NewString(),
		DetectedAt:   now,
		StationID:    d.StationID,
		RouteID:      d.RouteID,
		Kind:         d.Kind,
		Severity:     d.Severity,
		ModelName:    d.ModelName,
		ModelVersion: d.ModelVersion,
		Features:     d.Features,
	}
}

// classifyKind mirrors _determine_anomaly_type: it labels a single model's
// detection by checking, in order, |headway z| > 2, |dwell z| > 2 and
// |delay| > 300s; the first that holds wins, and headway_outlier is the
// default when none does.
func classifyKind(v Vector) model.AnomalyKind {
	switch {
	case abs(v.HeadwayZScore) > 2:
		return model.KindHeadwayOutlier
	case abs(v.DwellZScore) > 2:
		return model.KindDwellOutlier
	case abs(v.DelaySeconds) > 300:
		return model.KindDelaySpike
	default:
		return model.KindHeadwayOutlier
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
