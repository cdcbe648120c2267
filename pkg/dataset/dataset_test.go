package dataset

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"github.com/synaptica-ai/diagnosis/pkg/preprocessing"
	"gonum.org/v1/gonum/mat"
)

const sample = `{"id":"a","notes":["fever and cough"],"vitals":{"heart_rate":101,"respiratory_rate":22,"blood_pressure_systolic":110,"blood_pressure_diastolic":70,"temperature":38.4,"oxygen_saturation":93},"labs":{"wbc":14.2},"label":"pneumonia"}

{"notes":["chest pain"],"vitals":{"heart_rate":88},"labs":{"troponin":0.4},"label":"acs"}
`

func writeSample(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "cases.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadJSONL(t *testing.T) {
	cases, err := LoadJSONL(writeSample(t, sample))
	require.NoError(t, err)
	require.Len(t, cases, 2)
	assert.Equal(t, "a", cases[0].ID)
	assert.Equal(t, "case-3", cases[1].ID)
	assert.Equal(t, []string{"pneumonia", "acs"}, Labels(cases))
	assert.Equal(t, [][]string{{"fever and cough"}, {"chest pain"}}, Notes(cases))
}

func TestLoadJSONLRequiresLabel(t *testing.T) {
	_, err := LoadJSONL(writeSample(t, `{"id":"x","notes":[]}`+"\n"))
	assert.True(t, errs.Is(err, errs.KindMissingValue))
}

func TestLoadUnlabelled(t *testing.T) {
	cases, err := LoadUnlabelled(writeSample(t, `{"notes":["pending"],"vitals":{"heart_rate":90}}`+"\n"))
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, "case-1", cases[0].ID)
	assert.Empty(t, cases[0].Label)
}

func TestTablesKeepMissingAsNaN(t *testing.T) {
	cases, err := LoadJSONL(writeSample(t, sample))
	require.NoError(t, err)

	vitals := VitalsTable(cases)
	assert.Equal(t, preprocessing.VitalColumns, vitals.Columns)
	assert.True(t, math.IsNaN(vitals.Rows[1][1]))

	labs := LabsTable(cases, nil)
	assert.Equal(t, []string{"troponin", "wbc"}, labs.Columns)
	assert.Equal(t, 14.2, labs.Rows[0][1])
	assert.True(t, math.IsNaN(labs.Rows[0][0]))

	fitted := FittedLabsTable(cases, []string{"wbc"})
	assert.Equal(t, []string{"wbc"}, fitted.Columns)
	none := FittedLabsTable(cases, nil)
	assert.Empty(t, none.Columns)
	assert.Equal(t, len(cases), none.Len())
}

func TestSplitIsDeterministicAndExhaustive(t *testing.T) {
	var cases []Case
	for i := 0; i < 20; i++ {
		cases = append(cases, Case{ID: string(rune('a' + i)), Label: "x"})
	}
	train, val, test := Split(cases, 0.1, 0.2, 1)
	assert.Len(t, test, 4)
	assert.Len(t, val, 2)
	assert.Len(t, train, 14)

	train2, _, _ := Split(cases, 0.1, 0.2, 1)
	assert.Equal(t, train, train2)

	seen := map[string]bool{}
	for _, part := range [][]Case{train, val, test} {
		for _, c := range part {
			assert.False(t, seen[c.ID])
			seen[c.ID] = true
		}
	}
	assert.Len(t, seen, 20)
}

func TestSplitClampsOversizedFractions(t *testing.T) {
	var cases []Case
	for i := 0; i < 10; i++ {
		cases = append(cases, Case{ID: string(rune('a' + i)), Label: "x"})
	}
	train, val, test := Split(cases, 0.6, 0.7, 1)
	assert.Len(t, test, 7)
	assert.Len(t, val, 3)
	assert.Empty(t, train)

	train, val, test = Split(cases, 0.2, 1.5, 1)
	assert.Len(t, test, 10)
	assert.Empty(t, val)
	assert.Empty(t, train)

	train, val, test = Split(cases, -0.5, 0.2, 1)
	assert.Len(t, test, 2)
	assert.Empty(t, val)
	assert.Len(t, train, 8)
}

func TestLoaderBatches(t *testing.T) {
	features := mat.NewDense(5, 2, []float64{0, 0, 1, 1, 2, 2, 3, 3, 4, 4})
	loader, err := NewLoader(features, []int{0, 1, 0, 1, 0}, 2, false, 0)
	require.NoError(t, err)

	batches := loader.Batches()
	require.Len(t, batches, 3)
	assert.Equal(t, []int{0, 1}, batches[0].Labels)
	assert.Equal(t, []int{0}, batches[2].Labels)
	assert.Equal(t, 4.0, batches[2].Features.At(0, 0))
	assert.Equal(t, 5, loader.Len())
}

func TestLoaderShuffleKeepsPairs(t *testing.T) {
	features := mat.NewDense(6, 1, []float64{0, 1, 2, 3, 4, 5})
	loader, err := NewLoader(features, []int{0, 1, 2, 3, 4, 5}, 4, true, 42)
	require.NoError(t, err)

	count := 0
	for _, b := range loader.Batches() {
		for i, label := range b.Labels {
			assert.Equal(t, float64(label), b.Features.At(i, 0))
			count++
		}
	}
	assert.Equal(t, 6, count)
}

func TestLoaderRejectsMismatchedLabels(t *testing.T) {
	_, err := NewLoader(mat.NewDense(2, 1, nil), []int{1}, 1, false, 0)
	assert.True(t, errs.Is(err, errs.KindShapeMismatch))
}

func TestEmptyLoader(t *testing.T) {
	loader, err := NewLoader(nil, nil, 8, false, 0)
	require.NoError(t, err)
	assert.Empty(t, loader.Batches())
	assert.Equal(t, 0, loader.Len())
}
