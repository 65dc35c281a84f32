package detect

import (
	"errors"
	"math"
	"math/rand"
	"sort"

	"github.com/stelioszach03/nyc-subway-monitor/internal/features"
)

// IsolationForest is a from-scratch textbook isolation forest: an ensemble
// of trees, each built by recursively splitting a bootstrap sample on a
// randomly chosen feature and threshold until every point is isolated or a
// height limit is hit. Points that isolate quickly (short average path
// length across trees) are scored as outliers.
type IsolationForest struct {
	contamination float64
	numTrees      int
	sampleSize    int

	trees     []*ifNode
	threshold float64
	minScore  float64
	fitted    bool

	featureMeans  []float64
	featureStdevs []float64
}

type ifNode struct {
	isLeaf     bool
	size       int
	splitFeat  int
	splitValue float64
	left       *ifNode
	right      *ifNode
}

// NewIsolationForest builds an untrained forest with the given contamination
// rate (expected outlier fraction) matching the sklearn parameter the
// original model used.
func NewIsolationForest(contamination float64) *IsolationForest {
	return &IsolationForest{
		contamination: contamination,
		numTrees:      100,
		sampleSize:    256,
	}
}

// ErrNotFitted is returned by Score before Fit has run.
var ErrNotFitted = errors.New("isolation forest not fitted")

// Fit trains the forest on a batch of feature vectors, standardizing each
// feature to zero mean / unit variance first, mirroring sklearn's
// StandardScaler step before IsolationForest.fit.
func (f *IsolationForest) Fit(vectors []Vector) error {
	if len(vectors) < 8 {
		return errors.New("need at least 8 samples to fit an isolation forest")
	}

	rows := make([][]float64, len(vectors))
	for i, v := range vectors {
		rows[i] = v.values()
	}

	numFeatures := len(rows[0])
	f.featureMeans = make([]float64, numFeatures)
	f.featureStdevs = make([]float64, numFeatures)
	for c := 0; c < numFeatures; c++ {
		w := &features.WelfordState{}
		for _, row := range rows {
			w.Update(row[c])
		}
		f.featureMeans[c] = w.GetMean()
		stdev := w.GetStdDev()
		if stdev == 0 {
			stdev = 1
		}
		f.featureStdevs[c] = stdev
	}

	scaled := make([][]float64, len(rows))
	for i, row := range rows {
		scaled[i] = f.standardize(row)
	}

	sampleSize := f.sampleSize
	if sampleSize > len(scaled) {
		sampleSize = len(scaled)
	}
	heightLimit := int(math.Ceil(math.Log2(float64(sampleSize))))

	f.trees = make([]*ifNode, f.numTrees)
	for t := 0; t < f.numTrees; t++ {
		sample := bootstrapSample(scaled, sampleSize)
		f.trees[t] = buildIsolationTree(sample, 0, heightLimit)
	}

	scores := make([]float64, len(scaled))
	for i, row := range scaled {
		scores[i] = f.rawScore(row)
	}
	sort.Float64s(scores)
	f.minScore = scores[0]
	f.threshold = percentile(scores, f.contamination*100)
	f.fitted = true
	return nil
}

// Score returns a normalized anomaly score in [0,1] (higher is more
// anomalous) and whether the vector crosses the fitted contamination
// threshold.
func (f *IsolationForest) Score(v Vector) (score float64, isAnomaly bool, err error) {
	if !f.fitted {
		return 0, false, ErrNotFitted
	}
	scaled := f.standardize(v.values())
	raw := f.rawScore(scaled)
	score = normalize(raw, f.minScore, 0)
	return score, raw <= f.threshold, nil
}

func (f *IsolationForest) standardize(row []float64) []float64 {
	out := make([]float64, len(row))
	for i, x := range row {
		out[i] = (x - f.featureMeans[i]) / f.featureStdevs[i]
	}
	return out
}

// rawScore is sklearn's score_samples analogue: negative average path
// length across trees, normalized by the expected path length c(n). Lower
// (more negative) means more anomalous.
func (f *IsolationForest) rawScore(row []float64) float64 {
	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(tree, row, 0)
	}
	avgPath := total / float64(len(f.trees))
	cN := averagePathLengthNormalizer(float64(f.sampleSize))
	return -math.Pow(2, -avgPath/cN)
}

func pathLength(node *ifNode, row []float64, depth int) float64 {
	if node.isLeaf {
		return float64(depth) + averagePathLengthNormalizer(float64(node.size))
	}
	if row[node.splitFeat] < node.splitValue {
		return pathLength(node.left, row, depth+1)
	}
	return pathLength(node.right, row, depth+1)
}

func buildIsolationTree(rows [][]float64, depth, heightLimit int) *ifNode {
	if depth >= heightLimit || len(rows) <= 1 {
		return &ifNode{isLeaf: true, size: len(rows)}
	}

	numFeatures := len(rows[0])
	feat := rand.Intn(numFeatures)

	minV, maxV := rows[0][feat], rows[0][feat]
	for _, r := range rows {
		if r[feat] < minV {
			minV = r[feat]
		}
		if r[feat] > maxV {
			maxV = r[feat]
		}
	}
	if minV == maxV {
		return &ifNode{isLeaf: true, size: len(rows)}
	}

	splitValue := minV + rand.Float64()*(maxV-minV)

	var left, right [][]float64
	for _, r := range rows {
		if r[feat] < splitValue {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &ifNode{isLeaf: true, size: len(rows)}
	}

	return &ifNode{
		splitFeat:  feat,
		splitValue: splitValue,
		left:       buildIsolationTree(left, depth+1, heightLimit),
		right:      buildIsolationTree(right, depth+1, heightLimit),
	}
}

func bootstrapSample(rows [][]float64, size int) [][]float64 {
	out := make([][]float64, size)
	for i := range out {
		out[i] = rows[rand.Intn(len(rows))]
	}
	return out
}

// averagePathLengthNormalizer is c(n): the expected path length of an
// unsuccessful search in a binary search tree of n nodes, the standard
// isolation-forest normalizer.
func averagePathLengthNormalizer(n float64) float64 {
	if n <= 1 {
		return 0
	}
	const eulerMascheroni = 0.5772156649
	return 2*(math.Log(n-1)+eulerMascheroni) - (2 * (n - 1) / n)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p / 100 * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// normalize maps a raw score into [0,1] via min-max against the fitted
// training distribution, then flips it so 1 means most anomalous, matching
// severity = 1 - normalized_score used against sklearn's convention where
// lower raw scores are more anomalous.
func normalize(raw, minScore, maxScore float64) float64 {
	if maxScore == minScore {
		return 0
	}
	n := (raw - minScore) / (maxScore - minScore)
	severity := 1 - n
	if severity < 0 {
		return 0
	}
	if severity > 1 {
		return 1
	}
	return severity
}
