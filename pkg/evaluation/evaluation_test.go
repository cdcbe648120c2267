package evaluation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/diagnosis/pkg/dataset"
	"github.com/synaptica-ai/diagnosis/pkg/ml/nn"
	"gonum.org/v1/gonum/mat"
)

// echoModel predicts the class stored in the first feature column.
type echoModel struct {
	classes int
	evalled bool
}

func (e *echoModel) Eval() { e.evalled = true }

func (e *echoModel) Forward(x *mat.Dense) (*mat.Dense, error) {
	r, _ := x.Dims()
	out := mat.NewDense(r, e.classes, nil)
	for i := 0; i < r; i++ {
		out.Set(i, int(x.At(i, 0)), 1)
	}
	return out, nil
}

func TestComputeMatchesHandCalculation(t *testing.T) {
	truth := []int{0, 0, 1, 1, 2}
	preds := []int{0, 1, 1, 1, 0}
	r, err := Compute(truth, preds, []string{"flu", "sepsis", "copd"})
	require.NoError(t, err)

	assert.Equal(t, []string{"flu", "sepsis", "copd"}, r.Labels)
	assert.InDelta(t, 0.6, r.Accuracy, 1e-12)

	flu := r.Classes["flu"]
	assert.InDelta(t, 0.5, flu.Precision, 1e-12)
	assert.InDelta(t, 0.5, flu.Recall, 1e-12)
	assert.Equal(t, 2, flu.Support)

	sepsis := r.Classes["sepsis"]
	assert.InDelta(t, 2.0/3, sepsis.Precision, 1e-12)
	assert.InDelta(t, 1.0, sepsis.Recall, 1e-12)
	assert.InDelta(t, 0.8, sepsis.F1, 1e-12)

	// never predicted: zero instead of undefined
	copd := r.Classes["copd"]
	assert.Equal(t, 0.0, copd.Precision)
	assert.Equal(t, 0.0, copd.F1)

	assert.InDelta(t, (0.5+0.8+0)/3, r.MacroAvg.F1, 1e-12)
	assert.InDelta(t, (0.5*2+0.8*2)/5, r.WeightedAvg.F1, 1e-12)
	assert.Equal(t, [][]int{{1, 1, 0}, {0, 2, 0}, {1, 0, 0}}, r.Confusion)
	assert.Equal(t, 5, r.MacroAvg.Support)
}

func TestComputeListsOnlyPresentLabels(t *testing.T) {
	r, err := Compute([]int{2, 2}, []int{2, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, r.Labels)
	assert.Equal(t, 1.0, r.Accuracy)
}

func TestEvaluateBalancedFourCases(t *testing.T) {
	features := mat.NewDense(4, 2, []float64{0, 0, 1, 0, 1, 0, 0, 0})
	labels := []int{0, 1, 0, 1}
	loader, err := dataset.NewLoader(features, labels, 3, false, 0)
	require.NoError(t, err)

	model := &echoModel{classes: 2}
	r, err := Evaluate(context.Background(), model, loader, []string{"a", "b"})
	require.NoError(t, err)
	assert.True(t, model.evalled)

	support := 0
	for _, m := range r.Classes {
		support += m.Support
	}
	assert.Equal(t, 4, support)
	assert.GreaterOrEqual(t, r.Accuracy, 0.0)
	assert.LessOrEqual(t, r.Accuracy, 1.0)
	assert.Equal(t, 0.5, r.Accuracy)
	assert.True(t, strings.Contains(r.String(), "weighted avg"))
}

func TestEvaluateEmptyDataset(t *testing.T) {
	loader, err := dataset.NewLoader(nil, nil, 4, false, 0)
	require.NoError(t, err)
	_, err = Evaluate(context.Background(), &echoModel{classes: 2}, loader, nil)
	assert.True(t, errors.Is(err, ErrEmptyDataset))
}

func TestEvaluateRealModel(t *testing.T) {
	model, err := nn.NewModel(nn.Config{InputDim: 3, HiddenDim: 8, NumClasses: 2, Heads: 2, Dropout: 0.5, Seed: 1})
	require.NoError(t, err)
	model.Train()

	features := mat.NewDense(4, 3, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 1, 1, 1})
	loader, err := dataset.NewLoader(features, []int{0, 1, 0, 1}, 4, false, 0)
	require.NoError(t, err)

	first, err := Evaluate(context.Background(), model, loader, nil)
	require.NoError(t, err)
	assert.False(t, model.Training())
	second, err := Evaluate(context.Background(), model, loader, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
