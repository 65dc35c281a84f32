package features

import "math"

// WelfordState holds running statistics using Welford's online algorithm.
// This allows computing mean and standard deviation incrementally in O(1)
// time and space, without storing all observations.
type WelfordState struct {
	Count int
	Mean  float64
	M2    float64
}

// NewWelfordState reconstructs a state from previously saved mean/stddev/
// count, so incremental updates can resume across a process restart.
func NewWelfordState(mean, stddev float64, count int) *WelfordState {
	if count == 0 {
		return &WelfordState{}
	}
	variance := stddev * stddev
	return &WelfordState{Count: count, Mean: mean, M2: variance * float64(count)}
}

// Update folds in a new observation.
func (w *WelfordState) Update(newValue float64) {
	w.Count++
	delta := newValue - w.Mean
	w.Mean += delta / float64(w.Count)
	delta2 := newValue - w.Mean
	w.M2 += delta * delta2
}

// GetMean returns the current running mean.
func (w *WelfordState) GetMean() float64 { return w.Mean }

// GetStdDev returns the population standard deviation, or 0 with fewer than
// two observations.
func (w *WelfordState) GetStdDev() float64 {
	if w.Count < 2 {
		return 0
	}
	return math.Sqrt(w.M2 / float64(w.Count))
}

// GetCount returns the number of observations folded in so far.
func (w *WelfordState) GetCount() int { return w.Count }
