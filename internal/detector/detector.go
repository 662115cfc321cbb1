package detector

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"symptomtracker/internal/apperr"
	"symptomtracker/internal/features"
)

const eulerGamma = 0.5772156649

// Forest is an isolation forest. Scores are in [-1, 0]; more negative is more anomalous.
type Forest struct {
	Trees         int
	MaxSamples    int
	Contamination float64
	Seed          int64

	roots  []*node
	psi    int
	offset float64
}

type node struct {
	feature     int
	threshold   float64
	left, right *node
	size        int
}

func (n *node) leaf() bool {
	return n.left == nil
}

// NewForest creates an untrained forest
func NewForest(trees, maxSamples int, contamination float64, seed int64) *Forest {
	return &Forest{
		Trees:         trees,
		MaxSamples:    maxSamples,
		Contamination: contamination,
		Seed:          seed,
	}
}

// Trained reports whether Fit has succeeded
func (f *Forest) Trained() bool {
	return len(f.roots) > 0
}

// Offset returns the contamination quantile of the training scores
func (f *Forest) Offset() float64 {
	return f.offset
}

// Fit trains the forest on m. A failed fit leaves the forest untouched.
func (f *Forest) Fit(m features.Matrix) error {
	if err := checkTrainable(m); err != nil {
		return apperr.ModelState("cannot train anomaly model", err)
	}
	if f.Trees <= 0 {
		return apperr.ModelState("cannot train anomaly model", fmt.Errorf("trees must be positive, got %d", f.Trees))
	}

	n := len(m)
	psi := n
	if f.MaxSamples > 0 && f.MaxSamples < psi {
		psi = f.MaxSamples
	}
	maxDepth := int(math.Ceil(math.Log2(math.Max(float64(psi), 2))))

	rng := rand.New(rand.NewSource(f.Seed))
	roots := make([]*node, f.Trees)
	for t := range roots {
		perm := rng.Perm(n)
		sample := make([][]float64, psi)
		for i := 0; i < psi; i++ {
			sample[i] = m[perm[i]]
		}
		roots[t] = grow(sample, 0, maxDepth, rng)
	}

	trained := &Forest{roots: roots, psi: psi}
	scores := make([]float64, n)
	for i, row := range m {
		scores[i] = trained.Score(row)
	}

	f.roots = roots
	f.psi = psi
	f.offset = percentile(scores, f.Contamination*100)
	return nil
}

// Score returns the anomaly score of x, or NaN when the forest is untrained
func (f *Forest) Score(x []float64) float64 {
	if !f.Trained() {
		return math.NaN()
	}
	total := 0.0
	for _, root := range f.roots {
		total += pathLength(x, root, 0)
	}
	mean := total / float64(len(f.roots))
	return -math.Pow(2, -mean/averagePath(f.psi))
}

func checkTrainable(m features.Matrix) error {
	if len(m) == 0 {
		return errors.New("empty training matrix")
	}
	width := len(m[0])
	if width == 0 {
		return errors.New("training rows have no columns")
	}
	for i, row := range m {
		if len(row) != width {
			return fmt.Errorf("row %d has %d columns, want %d", i, len(row), width)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("row %d column %d is not finite", i, j)
			}
		}
	}
	for j := 0; j < width; j++ {
		for i := 1; i < len(m); i++ {
			if m[i][j] != m[0][j] {
				return nil
			}
		}
	}
	return errors.New("every column has zero variance")
}

func grow(rows [][]float64, depth, maxDepth int, rng *rand.Rand) *node {
	if depth >= maxDepth || len(rows) <= 1 {
		return &node{size: len(rows)}
	}

	width := len(rows[0])
	var candidates []int
	lo := make([]float64, width)
	hi := make([]float64, width)
	for j := 0; j < width; j++ {
		lo[j], hi[j] = rows[0][j], rows[0][j]
		for _, r := range rows[1:] {
			lo[j] = math.Min(lo[j], r[j])
			hi[j] = math.Max(hi[j], r[j])
		}
		if hi[j] > lo[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &node{size: len(rows)}
	}

	feature := candidates[rng.Intn(len(candidates))]
	threshold := lo[feature] + rng.Float64()*(hi[feature]-lo[feature])

	var left, right [][]float64
	for _, r := range rows {
		if r[feature] < threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &node{size: len(rows)}
	}

	return &node{
		feature:   feature,
		threshold: threshold,
		left:      grow(left, depth+1, maxDepth, rng),
		right:     grow(right, depth+1, maxDepth, rng),
		size:      len(rows),
	}
}

func pathLength(x []float64, n *node, depth int) float64 {
	for !n.leaf() {
		if x[n.feature] < n.threshold {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	return float64(depth) + averagePath(n.size)
}

// averagePath is the expected path length of an unsuccessful search in a binary tree of n points
func averagePath(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// percentile uses linear interpolation between closest ranks
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	return sorted[lower] + (rank-float64(lower))*(sorted[upper]-sorted[lower])
}
