// Package anomaly — forest.go
//
// A small from-scratch isolation-forest ensemble, generalized from the
// teacher's Mahalanobis+entropy Engine/Baseline split (collecting →
// trained lifecycle, nil-baseline handling, dimension checks) to match
// the sklearn.IsolationForest semantics the reference implementation
// used: random axis-aligned recursive partitioning, anomaly score
// derived from average path length.
package anomaly

import (
	"math"
	"math/rand"
)

const (
	defaultTreeCount   = 100
	defaultSubsample   = 256
)

type isoNode struct {
	isLeaf    bool
	splitFeat int
	splitVal  float64
	left      *isoNode
	right     *isoNode
	size      int // number of samples at this node, used when a leaf is hit early
}

type isoTree struct {
	root      *isoNode
	heightLim int
}

func buildIsoTree(samples [][]float64, heightLim int, rng *rand.Rand) *isoTree {
	return &isoTree{root: growIsoNode(samples, 0, heightLim, rng), heightLim: heightLim}
}

func growIsoNode(samples [][]float64, depth, heightLim int, rng *rand.Rand) *isoNode {
	if depth >= heightLim || len(samples) <= 1 {
		return &isoNode{isLeaf: true, size: len(samples)}
	}

	nFeatures := len(samples[0])
	feat := rng.Intn(nFeatures)

	min, max := samples[0][feat], samples[0][feat]
	for _, s := range samples {
		if s[feat] < min {
			min = s[feat]
		}
		if s[feat] > max {
			max = s[feat]
		}
	}
	if min == max {
		return &isoNode{isLeaf: true, size: len(samples)}
	}

	split := min + rng.Float64()*(max-min)

	var left, right [][]float64
	for _, s := range samples {
		if s[feat] < split {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isoNode{isLeaf: true, size: len(samples)}
	}

	return &isoNode{
		splitFeat: feat,
		splitVal:  split,
		left:      growIsoNode(left, depth+1, heightLim, rng),
		right:     growIsoNode(right, depth+1, heightLim, rng),
	}
}

// pathLength returns the path length of x through the tree, with the
// standard isolation-forest correction term c(size) added when an
// early leaf is hit on a non-trivial remaining sample set.
func (t *isoTree) pathLength(x []float64) float64 {
	return nodePathLength(t.root, x, 0)
}

func nodePathLength(n *isoNode, x []float64, depth float64) float64 {
	if n.isLeaf {
		return depth + averagePathLength(n.size)
	}
	if x[n.splitFeat] < n.splitVal {
		return nodePathLength(n.left, x, depth+1)
	}
	return nodePathLength(n.right, x, depth+1)
}

// averagePathLength is c(n): the average path length of an unsuccessful
// search in a binary search tree of n nodes (Liu, Ting & Zhou, 2008).
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	fn := float64(n)
	return 2*harmonic(fn-1) - (2 * (fn - 1) / fn)
}

// harmonic approximates H(n) = ln(n) + Euler-Mascheroni constant.
func harmonic(n float64) float64 {
	if n <= 0 {
		return 0
	}
	const eulerMascheroni = 0.5772156649
	return math.Log(n) + eulerMascheroni
}

// Forest is an ensemble of isolation trees over a fixed feature
// dimensionality.
type Forest struct {
	trees    []*isoTree
	dim      int
	cNormal  float64 // c(subsampleSize), used to normalize path lengths into [0,1]
}

// TrainForest builds a Forest from a set of training samples, all of
// dimension dim. Uses up to defaultSubsample samples per tree
// (bootstrap-with-replacement when fewer samples are available than
// the subsample size) and defaultTreeCount trees.
func TrainForest(samples [][]float64, dim int, seed int64) *Forest {
	rng := rand.New(rand.NewSource(seed))
	subsampleSize := defaultSubsample
	if len(samples) < subsampleSize {
		subsampleSize = len(samples)
	}
	heightLim := int(math.Ceil(math.Log2(math.Max(float64(subsampleSize), 2))))

	trees := make([]*isoTree, 0, defaultTreeCount)
	for i := 0; i < defaultTreeCount; i++ {
		sub := sampleWithReplacement(samples, subsampleSize, rng)
		trees = append(trees, buildIsoTree(sub, heightLim, rng))
	}

	return &Forest{
		trees:   trees,
		dim:     dim,
		cNormal: averagePathLength(subsampleSize),
	}
}

func sampleWithReplacement(samples [][]float64, n int, rng *rand.Rand) [][]float64 {
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = samples[rng.Intn(len(samples))]
	}
	return out
}

// RawScore returns the isolation-forest anomaly score s(x) in (0, 1]:
// values near 1 indicate strong isolation (anomalous), values near
// 0.5 indicate typical depth, values well below 0.5 indicate a sample
// that required many splits to isolate (deep inside a dense cluster).
func (f *Forest) RawScore(x []float64) float64 {
	if f == nil || len(f.trees) == 0 || f.cNormal == 0 {
		return 0.5
	}
	var sum float64
	for _, t := range f.trees {
		sum += t.pathLength(x)
	}
	avg := sum / float64(len(f.trees))
	return math.Pow(2, -avg/f.cNormal)
}

// DecisionValue mirrors sklearn's decision_function sign convention:
// positive values indicate normal samples, negative values indicate
// outliers, scaled so that |value| grows with anomalousness.
func (f *Forest) DecisionValue(x []float64) float64 {
	return 0.5 - f.RawScore(x)
}
