package preprocessing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
)

func vitalsTable() Table {
	return TableFromMaps(VitalColumns, []map[string]float64{
		{HeartRate: 80, RespiratoryRate: 16, BloodPressureSystolic: 120, BloodPressureDiastolic: 80, Temperature: 36.8, OxygenSaturation: 98},
		{HeartRate: 110, RespiratoryRate: 24, BloodPressureSystolic: 95, BloodPressureDiastolic: 60, Temperature: 38.9, OxygenSaturation: 91},
		{HeartRate: 95, RespiratoryRate: 20, BloodPressureSystolic: 130, BloodPressureDiastolic: 85, Temperature: 37.2, OxygenSaturation: 96},
	})
}

func TestVitalsFitTransformStandardises(t *testing.T) {
	scaler := NewVitalsScaler()
	out, err := scaler.FitTransform(vitalsTable())
	require.NoError(t, err)
	require.Equal(t, VitalColumns, out.Columns)
	require.Equal(t, 3, out.Len())

	for _, col := range VitalColumns {
		values, ok := out.Column(col)
		require.True(t, ok)
		var sum, sq float64
		for _, v := range values {
			sum += v
			sq += v * v
		}
		assert.InDelta(t, 0, sum/3, 1e-9, col)
		assert.InDelta(t, 1, sq/3, 1e-9, col)
	}
}

func TestVitalsTransformReusesFittedParameters(t *testing.T) {
	scaler := NewVitalsScaler()
	_, err := scaler.FitTransform(vitalsTable())
	require.NoError(t, err)
	before, _ := scaler.Params()

	single := TableFromMaps(VitalColumns, []map[string]float64{
		{HeartRate: 80, RespiratoryRate: 16, BloodPressureSystolic: 120, BloodPressureDiastolic: 80, Temperature: 36.8, OxygenSaturation: 98},
	})
	out, err := scaler.Transform(single)
	require.NoError(t, err)
	after, _ := scaler.Params()

	assert.Equal(t, before, after)
	assert.InDelta(t, (80-before.Mean[0])/before.Scale[0], out.Rows[0][0], 1e-12)
}

func TestVitalsColumnOrderIsFixed(t *testing.T) {
	shuffled := []string{OxygenSaturation, HeartRate, Temperature, RespiratoryRate, BloodPressureDiastolic, BloodPressureSystolic, "weight"}
	table := TableFromMaps(shuffled, []map[string]float64{
		{HeartRate: 1, RespiratoryRate: 2, BloodPressureSystolic: 3, BloodPressureDiastolic: 4, Temperature: 5, OxygenSaturation: 6, "weight": 70},
		{HeartRate: 2, RespiratoryRate: 3, BloodPressureSystolic: 4, BloodPressureDiastolic: 5, Temperature: 6, OxygenSaturation: 7, "weight": 80},
	})
	out, err := NewVitalsScaler().FitTransform(table)
	require.NoError(t, err)
	assert.Equal(t, VitalColumns, out.Columns)
	assert.Len(t, out.Rows[0], len(VitalColumns))
}

func TestVitalsMissingColumnIsSchemaMismatchWithoutMutation(t *testing.T) {
	for _, dropped := range VitalColumns {
		t.Run(dropped, func(t *testing.T) {
			scaler := NewVitalsScaler()
			_, err := scaler.FitTransform(vitalsTable())
			require.NoError(t, err)
			before, _ := scaler.Params()

			var kept []string
			for _, c := range VitalColumns {
				if c != dropped {
					kept = append(kept, c)
				}
			}
			partial, err := vitalsTable().Select("test", kept)
			require.NoError(t, err)

			_, err = scaler.FitTransform(partial)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindSchemaMismatch))
			assert.Contains(t, err.Error(), dropped)

			_, err = scaler.Transform(partial)
			assert.True(t, errs.Is(err, errs.KindSchemaMismatch))

			after, _ := scaler.Params()
			assert.Equal(t, before, after)
		})
	}
}

func TestVitalsMissingColumnOnUnfittedScalerLeavesItUnfitted(t *testing.T) {
	scaler := NewVitalsScaler()
	_, err := scaler.FitTransform(NewTable([]string{HeartRate}, [][]float64{{80}}))
	assert.True(t, errs.Is(err, errs.KindSchemaMismatch))
	assert.False(t, scaler.Fitted())
}

func TestVitalsRejectNaN(t *testing.T) {
	table := vitalsTable()
	table.Rows[1][4] = math.NaN()
	_, err := NewVitalsScaler().FitTransform(table)
	assert.True(t, errs.Is(err, errs.KindMissingValue))
}

func TestTransformBeforeFit(t *testing.T) {
	_, err := NewVitalsScaler().Transform(vitalsTable())
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestConstantColumnIsCentredOnly(t *testing.T) {
	scaler := NewStandardScaler("test", []string{"a"})
	out, err := scaler.FitTransform(NewTable([]string{"a"}, [][]float64{{5}, {5}}))
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0}, {0}}, out.Rows)
}

func TestLabProcessorLocksSchemaOnFirstFit(t *testing.T) {
	labs := NewLabProcessor(nil)
	_, err := labs.FitTransform(NewTable([]string{"lactate", "wbc"}, [][]float64{{1.1, 7}, {3.4, 15}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"lactate", "wbc"}, labs.Columns())

	_, err = labs.Transform(NewTable([]string{"lactate"}, [][]float64{{2}}))
	assert.True(t, errs.Is(err, errs.KindSchemaMismatch))

	_, err = labs.Transform(NewTable([]string{"lactate", "wbc", "crp"}, [][]float64{{2, 9, 40}}))
	assert.True(t, errs.Is(err, errs.KindSchemaMismatch))

	out, err := labs.Transform(NewTable([]string{"wbc", "lactate"}, [][]float64{{11, 2.25}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"lactate", "wbc"}, out.Columns)

	fixed := NewLabProcessor([]string{"lactate"})
	_, err = fixed.FitTransform(NewTable([]string{"lactate", "wbc"}, [][]float64{{1, 7}, {2, 8}}))
	assert.True(t, errs.Is(err, errs.KindSchemaMismatch))
}

func TestLabProcessorWithoutColumns(t *testing.T) {
	labs := NewLabProcessor(nil)
	out, err := labs.FitTransform(Table{Rows: make([][]float64, 4)})
	require.NoError(t, err)
	assert.Equal(t, 4, out.Len())
	assert.Equal(t, 0, out.Width())

	out, err = labs.Transform(Table{Rows: make([][]float64, 2)})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Len())

	_, err = labs.Transform(NewTable([]string{"lactate"}, [][]float64{{2}}))
	assert.True(t, errs.Is(err, errs.KindSchemaMismatch))
}

func TestLabelEncoderIsStable(t *testing.T) {
	enc := NewLabelEncoder()
	idx, err := enc.FitTransform([]string{"sepsis", "pneumonia", "sepsis", "chf"})
	require.NoError(t, err)
	assert.Equal(t, []string{"chf", "pneumonia", "sepsis"}, enc.Classes())
	assert.Equal(t, []int{2, 1, 2, 0}, idx)

	again := LabelEncoderFromClasses(enc.Classes())
	idx2, err := again.Transform([]string{"sepsis", "chf"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, idx2)

	name, err := again.Inverse(1)
	require.NoError(t, err)
	assert.Equal(t, "pneumonia", name)

	_, err = again.Transform([]string{"asthma"})
	assert.True(t, errs.Is(err, errs.KindNotFound))
}
