package nn

import (
	"math"

	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"gonum.org/v1/gonum/mat"
)

// CrossEntropy returns the mean softmax cross-entropy of logits against integer
// labels and its gradient with respect to the logits.
func CrossEntropy(logits *mat.Dense, labels []int) (float64, *mat.Dense, error) {
	r, c := logits.Dims()
	if r != len(labels) {
		return 0, nil, errs.Errorf(errs.KindShapeMismatch, "nn.cross_entropy", "%d logits rows for %d labels", r, len(labels))
	}
	grad := mat.NewDense(r, c, nil)
	grad.Copy(logits)
	var loss float64
	for i, label := range labels {
		if label < 0 || label >= c {
			return 0, nil, errs.Errorf(errs.KindShapeMismatch, "nn.cross_entropy", "label %d outside %d classes", label, c)
		}
		row := grad.RawRowView(i)
		softmax(row)
		loss -= math.Log(math.Max(row[label], 1e-12))
		row[label] -= 1
	}
	n := float64(r)
	grad.Scale(1/n, grad)
	return loss / n, grad, nil
}

// Softmax returns row-wise class probabilities.
func Softmax(logits *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.CloneFrom(logits)
	softmaxRows(&out)
	return &out
}

// AdamW is Adam with decoupled weight decay.
type AdamW struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	step int
	m    map[*Param]*mat.Dense
	v    map[*Param]*mat.Dense
}

func NewAdamW(lr, weightDecay float64) *AdamW {
	return &AdamW{
		LR:          lr,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		m:           map[*Param]*mat.Dense{},
		v:           map[*Param]*mat.Dense{},
	}
}

func (o *AdamW) Steps() int {
	return o.step
}

func (o *AdamW) Step(params []*Param) {
	o.step++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.step))

	for _, p := range params {
		r, c := p.Value.Dims()
		m, ok := o.m[p]
		if !ok {
			m = mat.NewDense(r, c, nil)
			o.m[p] = m
			o.v[p] = mat.NewDense(r, c, nil)
		}
		v := o.v[p]
		for i := 0; i < r; i++ {
			w := p.Value.RawRowView(i)
			g := p.Grad.RawRowView(i)
			mr := m.RawRowView(i)
			vr := v.RawRowView(i)
			for j := range w {
				w[j] -= o.LR * o.WeightDecay * w[j]
				mr[j] = o.Beta1*mr[j] + (1-o.Beta1)*g[j]
				vr[j] = o.Beta2*vr[j] + (1-o.Beta2)*g[j]*g[j]
				mHat := mr[j] / bc1
				vHat := vr[j] / bc2
				w[j] -= o.LR * mHat / (math.Sqrt(vHat) + o.Eps)
			}
		}
	}
}
