package detect

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sort"

	"github.com/stelioszach03/nyc-subway-monitor/internal/features"
)

// Autoencoder is a from-scratch feed-forward autoencoder: no LSTM (this
// codebase's dependency stack carries no tensor/ML library, so a recurrent
// network is out of reach), but the same encode-bottleneck-decode shape,
// trained with per-sample gradient descent on flattened fixed-length
// windows of feature vectors. A high reconstruction error against a value
// the network has never learned to reproduce is the anomaly signal.
type Autoencoder struct {
	SequenceLength int
	NumFeatures    int

	layers []*denseLayer

	thresholdPercentile float64
	errorThreshold      float64
	fitted              bool

	featureMeans  []float64
	featureStdevs []float64
}

type denseLayer struct {
	// weights[i][j] connects input i to output j.
	weights [][]float64
	biases  []float64
	relu    bool
}

func newDenseLayer(in, out int, relu bool) *denseLayer {
	l := &denseLayer{weights: make([][]float64, in), biases: make([]float64, out), relu: relu}
	scale := math.Sqrt(2.0 / float64(in))
	for i := range l.weights {
		l.weights[i] = make([]float64, out)
		for j := range l.weights[i] {
			l.weights[i][j] = (rand.Float64()*2 - 1) * scale
		}
	}
	return l
}

func (l *denseLayer) forward(x []float64) (pre, act []float64) {
	pre = make([]float64, len(l.biases))
	for j := range pre {
		sum := l.biases[j]
		for i, xi := range x {
			sum += xi * l.weights[i][j]
		}
		pre[j] = sum
	}
	act = make([]float64, len(pre))
	for j, v := range pre {
		if l.relu && v < 0 {
			act[j] = 0
		} else {
			act[j] = v
		}
	}
	return pre, act
}

// NewAutoencoder builds an untrained encoder-bottleneck-decoder network over
// sequenceLength*numFeatures flattened input, with a 128->64->32->64->128
// hidden shape clamped to the actual input width.
func NewAutoencoder(sequenceLength, numFeatures int, thresholdPercentile float64) *Autoencoder {
	inputDim := sequenceLength * numFeatures
	widths := clampWidths(inputDim, []int{128, 64, 32, 64, 128})

	layers := make([]*denseLayer, 0, len(widths)+1)
	prev := inputDim
	for _, w := range widths {
		layers = append(layers, newDenseLayer(prev, w, true)) // ReLU on every hidden layer, including the bottleneck
		prev = w
	}
	layers = append(layers, newDenseLayer(prev, inputDim, false))

	return &Autoencoder{
		SequenceLength:      sequenceLength,
		NumFeatures:         numFeatures,
		layers:              layers,
		thresholdPercentile: thresholdPercentile,
	}
}

// clampWidths shrinks the canonical hidden-layer widths so no layer is
// wider than the input it's built from, which matters for the small,
// low-cardinality feature vectors this system actually produces.
func clampWidths(inputDim int, widths []int) []int {
	out := make([]int, len(widths))
	for i, w := range widths {
		if w > inputDim {
			w = inputDim
		}
		if w < 1 {
			w = 1
		}
		out[i] = w
	}
	return out
}

func (a *Autoencoder) forwardAll(x []float64) [][]float64 {
	acts := make([][]float64, len(a.layers)+1)
	acts[0] = x
	cur := x
	for i, l := range a.layers {
		_, act := l.forward(cur)
		acts[i+1] = act
		cur = act
	}
	return acts
}

func (a *Autoencoder) reconstruct(x []float64) []float64 {
	acts := a.forwardAll(x)
	return acts[len(acts)-1]
}

// Fit trains the network on a batch of fixed-length windows using per-sample
// gradient descent with mean-squared-error loss, then fixes the anomaly
// threshold at thresholdPercentile of the training reconstruction errors.
func (a *Autoencoder) Fit(windows [][]Vector, epochs int, learningRate float64) error {
	if len(windows) == 0 {
		return errors.New("no training windows supplied")
	}
	for _, w := range windows {
		if len(w) != a.SequenceLength {
			return errors.New("window length does not match configured sequence length")
		}
	}

	flattened := make([][]float64, len(windows))
	for i, w := range windows {
		flattened[i] = flattenWindow(w)
	}

	inputDim := a.SequenceLength * a.NumFeatures
	a.featureMeans = make([]float64, inputDim)
	a.featureStdevs = make([]float64, inputDim)
	for c := 0; c < inputDim; c++ {
		welford := &features.WelfordState{}
		for _, row := range flattened {
			welford.Update(row[c])
		}
		a.featureMeans[c] = welford.GetMean()
		stdev := welford.GetStdDev()
		if stdev == 0 {
			stdev = 1
		}
		a.featureStdevs[c] = stdev
	}

	scaled := make([][]float64, len(flattened))
	for i, row := range flattened {
		scaled[i] = a.standardize(row)
	}

	for epoch := 0; epoch < epochs; epoch++ {
		for _, x := range scaled {
			a.trainOne(x, learningRate)
		}
	}

	errs := make([]float64, len(scaled))
	for i, x := range scaled {
		errs[i] = meanSquaredError(x, a.reconstruct(x))
	}
	sort.Float64s(errs)
	a.errorThreshold = percentile(errs, a.thresholdPercentile)
	a.fitted = true
	return nil
}

// trainOne runs one forward pass, computes the MSE gradient at the output,
// and backpropagates it layer by layer with plain gradient descent.
func (a *Autoencoder) trainOne(x []float64, lr float64) {
	acts := a.forwardAll(x)
	output := acts[len(acts)-1]

	grad := make([]float64, len(output))
	for i := range grad {
		grad[i] = 2 * (output[i] - x[i]) / float64(len(output))
	}

	for li := len(a.layers) - 1; li >= 0; li-- {
		layer := a.layers[li]
		input := acts[li]
		activated := acts[li+1]

		deltaGrad := make([]float64, len(grad))
		for j := range grad {
			if layer.relu && activated[j] <= 0 {
				deltaGrad[j] = 0
			} else {
				deltaGrad[j] = grad[j]
			}
		}

		nextGrad := make([]float64, len(input))
		for i := range input {
			sum := 0.0
			for j := range deltaGrad {
				sum += layer.weights[i][j] * deltaGrad[j]
				layer.weights[i][j] -= lr * deltaGrad[j] * input[i]
			}
			nextGrad[i] = sum
		}
		for j := range layer.biases {
			layer.biases[j] -= lr * deltaGrad[j]
		}
		grad = nextGrad
	}
}

// Score reconstructs window and returns the reconstruction error alongside
// whether it exceeds the fitted threshold.
func (a *Autoencoder) Score(window []Vector) (reconstructionError float64, isAnomaly bool, err error) {
	if !a.fitted {
		return 0, false, ErrNotFitted
	}
	if len(window) != a.SequenceLength {
		return 0, false, errors.New("window length does not match configured sequence length")
	}
	x := a.standardize(flattenWindow(window))
	reconstructionError = meanSquaredError(x, a.reconstruct(x))
	return reconstructionError, reconstructionError > a.errorThreshold, nil
}

// Severity maps a reconstruction error to [0,1] relative to the fitted
// threshold: exactly at the threshold is 1/3, saturating to 1 at 3x.
func (a *Autoencoder) Severity(reconstructionError float64) float64 {
	if a.errorThreshold <= 0 {
		return 0
	}
	ratio := reconstructionError / a.errorThreshold
	severity := ratio / 3
	if severity > 1 {
		return 1
	}
	if severity < 0 {
		return 0
	}
	return severity
}

func (a *Autoencoder) standardize(row []float64) []float64 {
	out := make([]float64, len(row))
	for i, x := range row {
		out[i] = (x - a.featureMeans[i]) / a.featureStdevs[i]
	}
	return out
}

func flattenWindow(window []Vector) []float64 {
	out := make([]float64, 0, len(window)*6)
	for _, v := range window {
		out = append(out, v.values()...)
	}
	return out
}

func meanSquaredError(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum / float64(len(a))
}

// artifactPayload is the serialized form persisted via store.ModelArtifact.
type artifactPayload struct {
	FeatureMeans   []float64 `json:"feature_means"`
	FeatureStdevs  []float64 `json:"feature_stdevs"`
	ErrorThreshold float64   `json:"error_threshold"`
	Layers         []struct {
		Weights [][]float64 `json:"weights"`
		Biases  []float64   `json:"biases"`
		ReLU    bool        `json:"relu"`
	} `json:"layers"`
}

// MarshalArtifact serializes the trained network for persistence.
func (a *Autoencoder) MarshalArtifact() ([]byte, error) {
	var payload artifactPayload
	payload.FeatureMeans = a.featureMeans
	payload.FeatureStdevs = a.featureStdevs
	payload.ErrorThreshold = a.errorThreshold
	for _, l := range a.layers {
		payload.Layers = append(payload.Layers, struct {
			Weights [][]float64 `json:"weights"`
			Biases  []float64   `json:"biases"`
			ReLU    bool        `json:"relu"`
		}{Weights: l.weights, Biases: l.biases, ReLU: l.relu})
	}
	return json.Marshal(payload)
}

// UnmarshalArtifact restores a previously trained network.
func (a *Autoencoder) UnmarshalArtifact(data []byte) error {
	var payload artifactPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	a.featureMeans = payload.FeatureMeans
	a.featureStdevs = payload.FeatureStdevs
	a.errorThreshold = payload.ErrorThreshold
	a.layers = a.layers[:0]
	for _, l := range payload.Layers {
		a.layers = append(a.layers, &denseLayer{weights: l.Weights, biases: l.Biases, relu: l.ReLU})
	}
	a.fitted = true
	return nil
}
