package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadExperimentDefaultsWithoutPath(t *testing.T) {
	exp, err := LoadExperiment("")
	require.NoError(t, err)
	assert.Equal(t, DefaultExperiment(), exp)
}

func TestLoadExperimentOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exp.yaml")
	content := "name: sepsis\nhidden_dim: 64\nheads: 4\nepochs: 3\nlab_columns: [lactate, wbc]\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	exp, err := LoadExperiment(path)
	require.NoError(t, err)
	assert.Equal(t, "sepsis", exp.Name)
	assert.Equal(t, 64, exp.HiddenDim)
	assert.Equal(t, 4, exp.Heads)
	assert.Equal(t, 3, exp.Epochs)
	assert.Equal(t, []string{"lactate", "wbc"}, exp.LabColumns)
	assert.Equal(t, 0.2, exp.Dropout, "unset fields keep defaults")
}

func TestLoadExperimentRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("epochs: 0\n"), 0o644))

	_, err := LoadExperiment(path)
	assert.Error(t, err)
}

func TestApplyCoercesLooseValues(t *testing.T) {
	exp, err := DefaultExperiment().Apply(map[string]interface{}{
		"epochs":        "5",
		"learning_rate": 0.01,
		"hidden_dim":    float64(32),
		"shuffle":       "false",
		"lab_columns":   []interface{}{"creatinine"},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, exp.Epochs)
	assert.Equal(t, 0.01, exp.LearningRate)
	assert.Equal(t, 32, exp.HiddenDim)
	assert.False(t, exp.Shuffle)
	assert.Equal(t, []string{"creatinine"}, exp.LabColumns)
}

func TestApplyRejectsUnknownField(t *testing.T) {
	_, err := DefaultExperiment().Apply(map[string]interface{}{"optimizer": "sgd"})
	assert.Error(t, err)
}

func TestExperimentMapRoundTripsThroughApply(t *testing.T) {
	exp := DefaultExperiment()
	exp.Dataset = "cases.jsonl"
	again, err := Experiment{}.Apply(exp.Map())
	require.NoError(t, err)
	assert.Equal(t, exp.Dataset, again.Dataset)
	assert.Equal(t, exp.HiddenDim, again.HiddenDim)
}
