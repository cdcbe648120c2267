package dataset

import (
	"math/rand"

	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"gonum.org/v1/gonum/mat"
)

// Batch is a slice of feature rows with their encoded labels.
type Batch struct {
	Features *mat.Dense
	Labels   []int
}

// Loader iterates a feature matrix in mini-batches. With Shuffle set every
// call to Batches draws a new order from the loader's seeded source.
type Loader struct {
	features  *mat.Dense
	labels    []int
	batchSize int
	shuffle   bool
	rng       *rand.Rand
}

func NewLoader(features *mat.Dense, labels []int, batchSize int, shuffle bool, seed int64) (*Loader, error) {
	if features == nil {
		if len(labels) != 0 {
			return nil, errs.Errorf(errs.KindShapeMismatch, "dataset.loader", "labels without features")
		}
		return &Loader{batchSize: 1}, nil
	}
	r, _ := features.Dims()
	if r != len(labels) {
		return nil, errs.Errorf(errs.KindShapeMismatch, "dataset.loader", "%d feature rows for %d labels", r, len(labels))
	}
	if batchSize <= 0 {
		batchSize = r
	}
	return &Loader{
		features:  features,
		labels:    labels,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
	}, nil
}

func (l *Loader) Len() int {
	return len(l.labels)
}

func (l *Loader) Batches() []Batch {
	n := len(l.labels)
	if n == 0 {
		return nil
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	_, width := l.features.Dims()
	var batches []Batch
	for start := 0; start < n; start += l.batchSize {
		end := start + l.batchSize
		if end > n {
			end = n
		}
		features := mat.NewDense(end-start, width, nil)
		labels := make([]int, end-start)
		for i, idx := range order[start:end] {
			features.SetRow(i, l.features.RawRowView(idx))
			labels[i] = l.labels[idx]
		}
		batches = append(batches, Batch{Features: features, Labels: labels})
	}
	return batches
}
