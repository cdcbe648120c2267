package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"gonum.org/v1/gonum/mat"
)

func randomInput(r, c int, seed int64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(r, c, data)
}

func smallConfig() Config {
	return Config{InputDim: 10, HiddenDim: 32, NumClasses: 3, Heads: 8, Dropout: DefaultDropout, Seed: 7}
}

func TestForwardShape(t *testing.T) {
	m, err := NewModel(smallConfig())
	require.NoError(t, err)

	logits, err := m.Forward(randomInput(5, 10, 1))
	require.NoError(t, err)
	r, c := logits.Dims()
	assert.Equal(t, 5, r)
	assert.Equal(t, 3, c)
}

func TestForwardRejectsWrongWidth(t *testing.T) {
	m, err := NewModel(smallConfig())
	require.NoError(t, err)

	_, err = m.Forward(randomInput(2, 9, 1))
	assert.True(t, errs.Is(err, errs.KindShapeMismatch))
}

func TestConfigRequiresDivisibleHeads(t *testing.T) {
	cases := []Config{
		{InputDim: 4, HiddenDim: 31, NumClasses: 2, Heads: 1},
		{InputDim: 4, HiddenDim: 20, NumClasses: 2, Heads: 8},
		{InputDim: 4, HiddenDim: 16, NumClasses: 2, Heads: 0},
		{InputDim: 4, HiddenDim: 16, NumClasses: 2, Heads: 8, Dropout: 1},
	}
	for _, cfg := range cases {
		_, err := NewModel(cfg)
		assert.True(t, errs.Is(err, errs.KindShapeMismatch), "%+v", cfg)
	}
}

func TestEvalModeIsDeterministic(t *testing.T) {
	m, err := NewModel(smallConfig())
	require.NoError(t, err)
	m.Eval()

	x := randomInput(6, 10, 2)
	a, err := m.Forward(x)
	require.NoError(t, err)
	b, err := m.Forward(x)
	require.NoError(t, err)
	assert.True(t, mat.Equal(a, b))
}

func TestTrainModeWithoutDropoutIsDeterministic(t *testing.T) {
	cfg := smallConfig()
	cfg.Dropout = 0
	m, err := NewModel(cfg)
	require.NoError(t, err)
	m.Train()

	x := randomInput(6, 10, 3)
	a, err := m.Forward(x)
	require.NoError(t, err)
	b, err := m.Forward(x)
	require.NoError(t, err)
	assert.True(t, mat.Equal(a, b))
}

func TestTrainModeDropoutIsStochastic(t *testing.T) {
	cfg := smallConfig()
	cfg.Dropout = 0.5
	m, err := NewModel(cfg)
	require.NoError(t, err)
	m.Train()

	x := randomInput(6, 10, 4)
	a, err := m.Forward(x)
	require.NoError(t, err)
	b, err := m.Forward(x)
	require.NoError(t, err)
	assert.False(t, mat.Equal(a, b))

	m.Eval()
	c, _ := m.Forward(x)
	d, _ := m.Forward(x)
	assert.True(t, mat.Equal(c, d))
}

// Finite differences over a handful of parameters of every layer.
func TestBackwardMatchesNumericalGradient(t *testing.T) {
	cfg := Config{InputDim: 5, HiddenDim: 8, NumClasses: 3, Heads: 2, Dropout: 0, Seed: 11}
	m, err := NewModel(cfg)
	require.NoError(t, err)
	x := randomInput(4, 5, 5)
	labels := []int{0, 2, 1, 2}

	lossAt := func() float64 {
		logits, err := m.Forward(x)
		require.NoError(t, err)
		loss, _, err := CrossEntropy(logits, labels)
		require.NoError(t, err)
		return loss
	}

	m.ZeroGrad()
	logits, err := m.Forward(x)
	require.NoError(t, err)
	_, grad, err := CrossEntropy(logits, labels)
	require.NoError(t, err)
	m.Backward(grad)

	const eps = 1e-6
	for _, p := range m.Params() {
		r, c := p.Value.Dims()
		for _, idx := range [][2]int{{0, 0}, {r - 1, c - 1}} {
			i, j := idx[0], idx[1]
			orig := p.Value.At(i, j)
			p.Value.Set(i, j, orig+eps)
			plus := lossAt()
			p.Value.Set(i, j, orig-eps)
			minus := lossAt()
			p.Value.Set(i, j, orig)

			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, p.Grad.At(i, j), 1e-5, "%s[%d,%d]", p.Name, i, j)
		}
	}
}

func TestCrossEntropy(t *testing.T) {
	logits := mat.NewDense(2, 2, []float64{0, 0, 10, -10})
	loss, grad, err := CrossEntropy(logits, []int{0, 0})
	require.NoError(t, err)
	assert.InDelta(t, (math.Log(2)+0)/2, loss, 1e-6)
	assert.InDelta(t, -0.25, grad.At(0, 0), 1e-9)
	assert.InDelta(t, 0.25, grad.At(0, 1), 1e-9)

	_, _, err = CrossEntropy(logits, []int{0})
	assert.True(t, errs.Is(err, errs.KindShapeMismatch))
	_, _, err = CrossEntropy(logits, []int{0, 5})
	assert.Error(t, err)
}

func TestAdamWReducesLoss(t *testing.T) {
	cfg := Config{InputDim: 4, HiddenDim: 16, NumClasses: 2, Heads: 2, Dropout: 0, Seed: 3}
	m, err := NewModel(cfg)
	require.NoError(t, err)
	x := mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	labels := []int{0, 0, 1, 1}
	opt := NewAdamW(0.01, 0.01)

	var first, last float64
	for step := 0; step < 100; step++ {
		m.ZeroGrad()
		logits, err := m.Forward(x)
		require.NoError(t, err)
		loss, grad, err := CrossEntropy(logits, labels)
		require.NoError(t, err)
		m.Backward(grad)
		opt.Step(m.Params())
		if step == 0 {
			first = loss
		}
		last = loss
	}
	assert.Less(t, last, first)
	assert.Equal(t, 100, opt.Steps())
}

func TestSnapshotRestoresIdenticalModel(t *testing.T) {
	m, err := NewModel(smallConfig())
	require.NoError(t, err)
	m.Eval()
	x := randomInput(3, 10, 9)
	want, err := m.Forward(x)
	require.NoError(t, err)

	restored, err := FromSnapshot(m.Snapshot())
	require.NoError(t, err)
	assert.False(t, restored.Training())
	got, err := restored.Forward(x)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(want, got, 1e-12))

	snap := m.Snapshot()
	delete(snap.Params, "classifier.weight")
	_, err = FromSnapshot(snap)
	assert.True(t, errs.Is(err, errs.KindSchemaMismatch))
}
