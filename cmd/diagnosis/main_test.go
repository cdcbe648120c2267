package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/diagnosis/pkg/common/config"
)

func TestCommandTree(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"ingest", "train", "evaluate", "predict", "check-services", "runs"} {
		assert.Contains(t, names, want)
	}

	sub, _, err := rootCmd.Find([]string{"runs", "tail"})
	require.NoError(t, err)
	assert.Equal(t, "tail", sub.Name())
}

func TestLoadExperimentAppliesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: sepsis\nepochs: 5\nheads: 4\n"), 0o644))

	cfg = &config.Config{}
	trainConfig, trainDataset = path, "cases.jsonl"
	trainOverrides = []string{"epochs=2", "learning_rate = 0.01", "lab_columns=lactate,wbc"}
	t.Cleanup(func() { trainConfig, trainDataset, trainOverrides = "", "", nil })

	exp, err := loadExperiment()
	require.NoError(t, err)
	assert.Equal(t, "sepsis", exp.Name)
	assert.Equal(t, 2, exp.Epochs)
	assert.Equal(t, 4, exp.Heads)
	assert.InDelta(t, 0.01, exp.LearningRate, 1e-12)
	assert.Equal(t, []string{"lactate", "wbc"}, exp.LabColumns)
	assert.Equal(t, "cases.jsonl", exp.Dataset)

	trainOverrides = []string{"epochs"}
	_, err = loadExperiment()
	assert.Error(t, err)
}
