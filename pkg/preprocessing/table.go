package preprocessing

import (
	"math"

	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
)

// Vital sign columns, in the order they occupy in the feature vector.
const (
	HeartRate              = "heart_rate"
	RespiratoryRate        = "respiratory_rate"
	BloodPressureSystolic  = "blood_pressure_systolic"
	BloodPressureDiastolic = "blood_pressure_diastolic"
	Temperature            = "temperature"
	OxygenSaturation       = "oxygen_saturation"
)

var VitalColumns = []string{
	HeartRate,
	RespiratoryRate,
	BloodPressureSystolic,
	BloodPressureDiastolic,
	Temperature,
	OxygenSaturation,
}

// Table is a dense numeric table. Rows[i][j] is the value of Columns[j] for row i.
type Table struct {
	Columns []string
	Rows    [][]float64
}

func NewTable(columns []string, rows [][]float64) Table {
	return Table{Columns: columns, Rows: rows}
}

// TableFromMaps builds a table with the given column order. Keys absent from a
// row become NaN so that the missing-value check can report them.
func TableFromMaps(columns []string, rows []map[string]float64) Table {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		values := make([]float64, len(columns))
		for j, col := range columns {
			v, ok := row[col]
			if !ok {
				v = math.NaN()
			}
			values[j] = v
		}
		out[i] = values
	}
	return Table{Columns: append([]string(nil), columns...), Rows: out}
}

func (t Table) Len() int {
	return len(t.Rows)
}

func (t Table) Width() int {
	return len(t.Columns)
}

func (t Table) index() map[string]int {
	idx := make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		idx[c] = i
	}
	return idx
}

// Column returns a copy of the named column.
func (t Table) Column(name string) ([]float64, bool) {
	j, ok := t.index()[name]
	if !ok {
		return nil, false
	}
	out := make([]float64, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[j]
	}
	return out, true
}

// Missing lists the required columns that t does not carry.
func (t Table) Missing(required []string) []string {
	idx := t.index()
	var missing []string
	for _, c := range required {
		if _, ok := idx[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}

// Select projects t onto columns, in that order.
func (t Table) Select(op string, columns []string) (Table, error) {
	if missing := t.Missing(columns); len(missing) > 0 {
		return Table{}, errs.Errorf(errs.KindSchemaMismatch, op, "missing columns %v", missing)
	}
	idx := t.index()
	rows := make([][]float64, len(t.Rows))
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return Table{}, errs.Errorf(errs.KindShapeMismatch, op, "row %d has %d values for %d columns", i, len(row), len(t.Columns))
		}
		projected := make([]float64, len(columns))
		for j, c := range columns {
			projected[j] = row[idx[c]]
		}
		rows[i] = projected
	}
	return Table{Columns: append([]string(nil), columns...), Rows: rows}, nil
}

func checkFinite(op string, t Table) error {
	for i, row := range t.Rows {
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return errs.Errorf(errs.KindMissingValue, op, "row %d column %s is not a finite number", i, t.Columns[j])
			}
		}
	}
	return nil
}
