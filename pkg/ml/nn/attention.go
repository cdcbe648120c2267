package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// MultiHeadAttention is scaled dot-product self-attention over the rows of its
// input: an (L, E) input is read as a sequence of L tokens of width E.
type MultiHeadAttention struct {
	Heads int
	Dim   int

	Q, K, V, Out *Linear

	x       *mat.Dense
	q, k, v *mat.Dense
	weights []*mat.Dense // per head (L, L) softmax rows
	concat  *mat.Dense
}

func NewMultiHeadAttention(name string, dim, heads int, rng *rand.Rand) *MultiHeadAttention {
	a := &MultiHeadAttention{
		Heads: heads,
		Dim:   dim,
		Q:     NewLinear(name+".q_proj", dim, dim, rng),
		K:     NewLinear(name+".k_proj", dim, dim, rng),
		V:     NewLinear(name+".v_proj", dim, dim, rng),
		Out:   NewLinear(name+".out_proj", dim, dim, rng),
	}
	// xavier uniform input projections with zero bias, as torch initialises them
	bound := math.Sqrt(6 / float64(dim+dim))
	for _, l := range []*Linear{a.Q, a.K, a.V} {
		uniformFill(l.W.Value, bound, rng)
		l.B.Value.Zero()
	}
	a.Out.B.Value.Zero()
	return a
}

func (a *MultiHeadAttention) headDim() int {
	return a.Dim / a.Heads
}

func (a *MultiHeadAttention) Forward(x *mat.Dense) *mat.Dense {
	a.x = x
	a.q = affine(x, a.Q.W.Value, a.Q.B.Value)
	a.k = affine(x, a.K.W.Value, a.K.B.Value)
	a.v = affine(x, a.V.W.Value, a.V.B.Value)

	L, _ := x.Dims()
	d := a.headDim()
	scale := 1 / math.Sqrt(float64(d))
	a.weights = make([]*mat.Dense, a.Heads)
	a.concat = mat.NewDense(L, a.Dim, nil)

	for h := 0; h < a.Heads; h++ {
		lo, hi := h*d, (h+1)*d
		qh := a.q.Slice(0, L, lo, hi)
		kh := a.k.Slice(0, L, lo, hi)
		vh := a.v.Slice(0, L, lo, hi)

		var scores mat.Dense
		scores.Mul(qh, kh.T())
		scores.Scale(scale, &scores)
		softmaxRows(&scores)
		a.weights[h] = &scores

		var oh mat.Dense
		oh.Mul(&scores, vh)
		a.concat.Slice(0, L, lo, hi).(*mat.Dense).Copy(&oh)
	}

	return a.Out.Forward(a.concat)
}

func (a *MultiHeadAttention) Backward(dy *mat.Dense) *mat.Dense {
	dConcat := a.Out.Backward(dy)

	L, _ := a.x.Dims()
	d := a.headDim()
	scale := 1 / math.Sqrt(float64(d))
	dq := mat.NewDense(L, a.Dim, nil)
	dk := mat.NewDense(L, a.Dim, nil)
	dv := mat.NewDense(L, a.Dim, nil)

	for h := 0; h < a.Heads; h++ {
		lo, hi := h*d, (h+1)*d
		qh := a.q.Slice(0, L, lo, hi)
		kh := a.k.Slice(0, L, lo, hi)
		vh := a.v.Slice(0, L, lo, hi)
		doh := dConcat.Slice(0, L, lo, hi)
		w := a.weights[h]

		// O = W V
		var dvh, dw mat.Dense
		dvh.Mul(w.T(), doh)
		dw.Mul(doh, vh.T())

		// softmax: dS = W * (dW - rowsum(dW * W))
		ds := softmaxBackward(w, &dw)
		ds.Scale(scale, ds)

		// S = Q K^T
		var dqh, dkh mat.Dense
		dqh.Mul(ds, kh)
		dkh.Mul(ds.T(), qh)

		dq.Slice(0, L, lo, hi).(*mat.Dense).Copy(&dqh)
		dk.Slice(0, L, lo, hi).(*mat.Dense).Copy(&dkh)
		dv.Slice(0, L, lo, hi).(*mat.Dense).Copy(&dvh)
	}

	accumulateAffineGrads(a.x, dq, a.Q.W, a.Q.B)
	accumulateAffineGrads(a.x, dk, a.K.W, a.K.B)
	accumulateAffineGrads(a.x, dv, a.V.W, a.V.B)

	var dx, tmp mat.Dense
	dx.Mul(dq, a.Q.W.Value.T())
	tmp.Mul(dk, a.K.W.Value.T())
	dx.Add(&dx, &tmp)
	tmp.Reset()
	tmp.Mul(dv, a.V.W.Value.T())
	dx.Add(&dx, &tmp)
	return &dx
}

func (a *MultiHeadAttention) Params() []*Param {
	var out []*Param
	for _, l := range []*Linear{a.Q, a.K, a.V, a.Out} {
		out = append(out, l.Params()...)
	}
	return out
}

// softmaxRows normalises each row of m in place.
func softmaxRows(m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		softmax(m.RawRowView(i))
	}
}

func softmax(row []float64) {
	peak := math.Inf(-1)
	for _, v := range row {
		if v > peak {
			peak = v
		}
	}
	var sum float64
	for j, v := range row {
		e := math.Exp(v - peak)
		row[j] = e
		sum += e
	}
	for j := range row {
		row[j] /= sum
	}
}

func softmaxBackward(w, dw *mat.Dense) *mat.Dense {
	r, c := w.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		wr := w.RawRowView(i)
		gr := dw.RawRowView(i)
		var dot float64
		for j := range wr {
			dot += wr[j] * gr[j]
		}
		dst := out.RawRowView(i)
		for j := range wr {
			dst[j] = wr[j] * (gr[j] - dot)
		}
	}
	return out
}
