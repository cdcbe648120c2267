// Package nn implements the small feed-forward diagnosis network together with
// hand-written backward passes. Activations needed by Backward are kept on the
// layers, so a Model serves one forward/backward sequence at a time.
package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Param is a learnable tensor with its accumulated gradient.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

func newParam(name string, r, c int) *Param {
	return &Param{Name: name, Value: mat.NewDense(r, c, nil), Grad: mat.NewDense(r, c, nil)}
}

func (p *Param) zeroGrad() {
	p.Grad.Zero()
}

func uniformFill(m *mat.Dense, bound float64, rng *rand.Rand) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, (rng.Float64()*2-1)*bound)
		}
	}
}

// Linear computes y = xW + b with W of shape (in, out).
type Linear struct {
	W *Param
	B *Param

	x *mat.Dense
}

func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{W: newParam(name+".weight", in, out), B: newParam(name+".bias", 1, out)}
	bound := 1 / math.Sqrt(float64(in))
	uniformFill(l.W.Value, bound, rng)
	uniformFill(l.B.Value, bound, rng)
	return l
}

func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	l.x = x
	return affine(x, l.W.Value, l.B.Value)
}

func (l *Linear) Backward(dy *mat.Dense) *mat.Dense {
	accumulateAffineGrads(l.x, dy, l.W, l.B)
	var dx mat.Dense
	dx.Mul(dy, l.W.Value.T())
	return &dx
}

func (l *Linear) Params() []*Param {
	return []*Param{l.W, l.B}
}

func affine(x, w, b *mat.Dense) *mat.Dense {
	var y mat.Dense
	y.Mul(x, w)
	bias := b.RawRowView(0)
	r, _ := y.Dims()
	for i := 0; i < r; i++ {
		row := y.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
	return &y
}

func accumulateAffineGrads(x, dy *mat.Dense, w, b *Param) {
	var dw mat.Dense
	dw.Mul(x.T(), dy)
	w.Grad.Add(w.Grad, &dw)

	db := b.Grad.RawRowView(0)
	r, _ := dy.Dims()
	for i := 0; i < r; i++ {
		for j, v := range dy.RawRowView(i) {
			db[j] += v
		}
	}
}

// ReLU is max(0, x) element-wise.
type ReLU struct {
	mask *mat.Dense
}

func (a *ReLU) Forward(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	a.mask = mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		src := x.RawRowView(i)
		dst := out.RawRowView(i)
		mask := a.mask.RawRowView(i)
		for j, v := range src {
			if v > 0 {
				dst[j] = v
				mask[j] = 1
			}
		}
	}
	return out
}

func (a *ReLU) Backward(dy *mat.Dense) *mat.Dense {
	var dx mat.Dense
	dx.MulElem(dy, a.mask)
	return &dx
}

// Dropout zeroes activations with probability P while training and rescales
// the survivors by 1/(1-P). It is the identity in evaluation mode.
type Dropout struct {
	P float64

	mask *mat.Dense
}

func (d *Dropout) Forward(x *mat.Dense, training bool, rng *rand.Rand) *mat.Dense {
	if !training || d.P == 0 {
		d.mask = nil
		return x
	}
	r, c := x.Dims()
	keep := 1 - d.P
	d.mask = mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		mask := d.mask.RawRowView(i)
		for j := range mask {
			if rng.Float64() < keep {
				mask[j] = 1 / keep
			}
		}
	}
	var out mat.Dense
	out.MulElem(x, d.mask)
	return &out
}

func (d *Dropout) Backward(dy *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return dy
	}
	var dx mat.Dense
	dx.MulElem(dy, d.mask)
	return &dx
}
