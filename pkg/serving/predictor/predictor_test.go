package predictor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"github.com/synaptica-ai/diagnosis/pkg/dataset"
	"github.com/synaptica-ai/diagnosis/pkg/evaluation"
	"github.com/synaptica-ai/diagnosis/pkg/features"
	"github.com/synaptica-ai/diagnosis/pkg/ml/nn"
)

func sampleCases() []dataset.Case {
	return []dataset.Case{
		{ID: "a", Notes: []string{"chest pain radiating to left arm"}, Vitals: vitals(110, 22, 150, 95, 37.1, 93), Labs: map[string]float64{"troponin": 0.9}, Label: "mi"},
		{ID: "b", Notes: []string{"productive cough and fever"}, Vitals: vitals(95, 26, 118, 76, 39.2, 91), Labs: map[string]float64{"troponin": 0.01}, Label: "pneumonia"},
		{ID: "c", Notes: []string{"routine follow up"}, Vitals: vitals(68, 14, 121, 79, 36.7, 98), Labs: map[string]float64{"troponin": 0.02}, Label: "healthy"},
	}
}

func vitals(hr, rr, sys, dia, temp, spo2 float64) map[string]float64 {
	return map[string]float64{
		"heart_rate":               hr,
		"respiratory_rate":         rr,
		"blood_pressure_systolic":  sys,
		"blood_pressure_diastolic": dia,
		"temperature":              temp,
		"oxygen_saturation":        spo2,
	}
}

func buildArtifact(t *testing.T, name string) (Artifact, features.Embedder) {
	t.Helper()
	embedder := features.NewHashingEmbedder(16)
	engine := features.NewEngine(embedder)
	cases := sampleCases()
	_, err := engine.Build(context.Background(), dataset.Notes(cases), dataset.VitalsTable(cases), dataset.LabsTable(cases, nil))
	require.NoError(t, err)
	state, ok := engine.State()
	require.True(t, ok)

	model, err := nn.NewModel(nn.Config{InputDim: state.Layout.Width(), HiddenDim: 16, NumClasses: 3, Heads: 2, Seed: 7})
	require.NoError(t, err)
	return Artifact{
		Name:     name,
		RunID:    "run-1",
		Model:    model.Snapshot(),
		Features: state,
		Classes:  []string{"healthy", "mi", "pneumonia"},
		Metrics:  map[string]float64{"accuracy": 1},
	}, embedder
}

func TestWriteCreatesVersionedAndLatest(t *testing.T) {
	dir := t.TempDir()
	a, _ := buildArtifact(t, "diagnosis")
	path, err := Write(dir, a)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "diagnosis_run-1.json"), path)

	latest, err := ReadFile(filepath.Join(dir, "diagnosis_latest.json"))
	require.NoError(t, err)
	assert.Equal(t, a.Classes, latest.Classes)
	assert.Equal(t, a.Features.Layout, latest.Features.Layout)
	assert.False(t, latest.CreatedAt.IsZero())
}

func TestWriteRequiresName(t *testing.T) {
	_, err := Write(t.TempDir(), Artifact{})
	assert.True(t, errs.Is(err, errs.KindMissingValue))
}

func TestDiagnoseReturnsDistributionPerCase(t *testing.T) {
	dir := t.TempDir()
	a, embedder := buildArtifact(t, "diagnosis")
	_, err := Write(dir, a)
	require.NoError(t, err)

	loaded, err := NewPredictor(dir).Load("diagnosis")
	require.NoError(t, err)
	preds, err := loaded.Diagnose(context.Background(), embedder, sampleCases())
	require.NoError(t, err)
	require.Len(t, preds, 3)
	for _, p := range preds {
		var sum float64
		for _, v := range p.Probabilities {
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
		assert.Len(t, p.Probabilities, 3)
		assert.Equal(t, p.Probabilities[p.Label], p.Confidence)
	}
}

func TestDiagnosisDependsOnBatch(t *testing.T) {
	dir := t.TempDir()
	a, embedder := buildArtifact(t, "diagnosis")
	_, err := Write(dir, a)
	require.NoError(t, err)
	loaded, err := NewPredictor(dir).Load("diagnosis")
	require.NoError(t, err)

	cases := sampleCases()
	alone, err := loaded.Diagnose(context.Background(), embedder, cases[:1])
	require.NoError(t, err)
	again, err := loaded.Diagnose(context.Background(), embedder, cases[:1])
	require.NoError(t, err)
	assert.Equal(t, alone[0].Probabilities, again[0].Probabilities)

	batched, err := loaded.Diagnose(context.Background(), embedder, cases)
	require.NoError(t, err)
	assert.NotEqual(t, alone[0].Probabilities, batched[0].Probabilities)
}

func TestEvaluateScoresLabelledCases(t *testing.T) {
	dir := t.TempDir()
	a, embedder := buildArtifact(t, "diagnosis")
	_, err := Write(dir, a)
	require.NoError(t, err)
	loaded, err := NewPredictor(dir).Load("diagnosis")
	require.NoError(t, err)

	report, err := loaded.Evaluate(context.Background(), embedder, sampleCases())
	require.NoError(t, err)
	assert.Equal(t, 3, report.WeightedAvg.Support)
	assert.GreaterOrEqual(t, report.Accuracy, 0.0)

	unknown := sampleCases()
	unknown[0].Label = "gout"
	_, err = loaded.Evaluate(context.Background(), embedder, unknown)
	assert.True(t, errs.Is(err, errs.KindNotFound))

	_, err = loaded.Evaluate(context.Background(), embedder, nil)
	assert.ErrorIs(t, err, evaluation.ErrEmptyDataset)
}

func TestDiagnoseRejectsDifferentEmbedder(t *testing.T) {
	dir := t.TempDir()
	a, _ := buildArtifact(t, "diagnosis")
	_, err := Write(dir, a)
	require.NoError(t, err)

	loaded, err := NewPredictor(dir).Load("diagnosis")
	require.NoError(t, err)
	_, err = loaded.Diagnose(context.Background(), features.NewHashingEmbedder(32), sampleCases())
	assert.True(t, errs.Is(err, errs.KindShapeMismatch))

	sameWidth := namedEmbedder{Embedder: features.NewHashingEmbedder(16), name: "openai:text-embedding-3-small"}
	_, err = loaded.Diagnose(context.Background(), sameWidth, sampleCases())
	assert.True(t, errs.Is(err, errs.KindShapeMismatch))
}

type namedEmbedder struct {
	features.Embedder
	name string
}

func (n namedEmbedder) Name() string {
	return n.name
}

func TestLoadUsesCacheUntilFileChanges(t *testing.T) {
	dir := t.TempDir()
	a, _ := buildArtifact(t, "diagnosis")
	_, err := Write(dir, a)
	require.NoError(t, err)

	p := NewPredictor(dir)
	first, err := p.Load("diagnosis")
	require.NoError(t, err)
	second, err := p.Load("diagnosis")
	require.NoError(t, err)
	assert.Same(t, first, second)

	a.RunID = "run-2"
	_, err = Write(dir, a)
	require.NoError(t, err)
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "diagnosis_latest.json"), future, future))

	third, err := p.Load("diagnosis")
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, "run-2", third.Artifact.RunID)
}

func TestLoadMissingArtifact(t *testing.T) {
	_, err := NewPredictor(t.TempDir()).Load("absent")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestLoadRejectsInconsistentArtifact(t *testing.T) {
	dir := t.TempDir()
	a, _ := buildArtifact(t, "diagnosis")
	a.Classes = a.Classes[:2]
	_, err := Write(dir, a)
	require.NoError(t, err)

	_, err = NewPredictor(dir).Load("diagnosis")
	assert.True(t, errs.Is(err, errs.KindShapeMismatch))
}
