package preprocessing

import (
	"errors"
	"math"

	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"gonum.org/v1/gonum/stat"
)

var ErrNotFitted = errors.New("scaler has not been fitted")

// ScalerParams are the fitted standardisation parameters, one entry per column.
type ScalerParams struct {
	Columns []string  `json:"columns"`
	Mean    []float64 `json:"mean"`
	Scale   []float64 `json:"scale"`
}

// StandardScaler standardises columns to zero mean and unit variance using the
// population variance. Constant columns are centred but not scaled.
type StandardScaler struct {
	op      string
	columns []string
	params  *ScalerParams
}

func NewStandardScaler(op string, columns []string) *StandardScaler {
	return &StandardScaler{op: op, columns: columns}
}

func (s *StandardScaler) Fitted() bool {
	return s.params != nil
}

func (s *StandardScaler) Params() (ScalerParams, bool) {
	if s.params == nil {
		return ScalerParams{}, false
	}
	return *s.params, true
}

// Restore installs previously fitted parameters.
func (s *StandardScaler) Restore(p ScalerParams) error {
	if len(p.Columns) != len(p.Mean) || len(p.Columns) != len(p.Scale) {
		return errs.Errorf(errs.KindShapeMismatch, s.op, "inconsistent scaler params")
	}
	s.columns = append([]string(nil), p.Columns...)
	s.params = &p
	return nil
}

// FitTransform validates t, fits new parameters and returns the scaled table.
// On error the previously fitted parameters are kept.
func (s *StandardScaler) FitTransform(t Table) (Table, error) {
	projected, err := s.prepare(t)
	if err != nil {
		return Table{}, err
	}
	if projected.Len() == 0 {
		return Table{}, errs.Errorf(errs.KindShapeMismatch, s.op, "cannot fit on an empty table")
	}

	params := &ScalerParams{
		Columns: append([]string(nil), s.columns...),
		Mean:    make([]float64, len(s.columns)),
		Scale:   make([]float64, len(s.columns)),
	}
	for j, col := range s.columns {
		values, _ := projected.Column(col)
		mean, variance := stat.PopMeanVariance(values, nil)
		scale := math.Sqrt(variance)
		if scale == 0 {
			scale = 1
		}
		params.Mean[j] = mean
		params.Scale[j] = scale
	}
	s.params = params
	return apply(projected, params), nil
}

// Transform scales t with the fitted parameters.
func (s *StandardScaler) Transform(t Table) (Table, error) {
	if s.params == nil {
		return Table{}, errs.E(errs.KindMissingConfiguration, s.op, ErrNotFitted)
	}
	projected, err := s.prepare(t)
	if err != nil {
		return Table{}, err
	}
	return apply(projected, s.params), nil
}

func (s *StandardScaler) prepare(t Table) (Table, error) {
	projected, err := t.Select(s.op, s.columns)
	if err != nil {
		return Table{}, err
	}
	if err := checkFinite(s.op, projected); err != nil {
		return Table{}, err
	}
	return projected, nil
}

func apply(t Table, p *ScalerParams) Table {
	rows := make([][]float64, len(t.Rows))
	for i, row := range t.Rows {
		scaled := make([]float64, len(row))
		for j, v := range row {
			scaled[j] = (v - p.Mean[j]) / p.Scale[j]
		}
		rows[i] = scaled
	}
	return Table{Columns: append([]string(nil), t.Columns...), Rows: rows}
}

// VitalsScaler standardises the six fixed vital sign columns.
type VitalsScaler struct {
	*StandardScaler
}

func NewVitalsScaler() *VitalsScaler {
	return &VitalsScaler{StandardScaler: NewStandardScaler("preprocessing.vitals", VitalColumns)}
}

// LabProcessor standardises lab results. The lab schema is open: the column set
// is taken from the first fitted table unless fixed up front, and every later
// table must carry the same columns.
type LabProcessor struct {
	*StandardScaler
}

func NewLabProcessor(columns []string) *LabProcessor {
	return &LabProcessor{StandardScaler: NewStandardScaler("preprocessing.labs", columns)}
}

func (l *LabProcessor) Columns() []string {
	return append([]string(nil), l.columns...)
}

func (l *LabProcessor) FitTransform(t Table) (Table, error) {
	if len(l.columns) > 0 {
		if err := l.checkColumns(t); err != nil {
			return Table{}, err
		}
		return l.StandardScaler.FitTransform(t)
	}
	if len(t.Columns) == 0 {
		// no labs: keep one row per case with zero width
		l.params = &ScalerParams{}
		return Table{Rows: make([][]float64, t.Len())}, nil
	}
	l.columns = append([]string(nil), t.Columns...)
	out, err := l.StandardScaler.FitTransform(t)
	if err != nil {
		l.columns = nil
	}
	return out, err
}

func (l *LabProcessor) Transform(t Table) (Table, error) {
	if l.params == nil {
		return l.StandardScaler.Transform(t)
	}
	if err := l.checkColumns(t); err != nil {
		return Table{}, err
	}
	if len(l.columns) == 0 {
		return Table{Rows: make([][]float64, t.Len())}, nil
	}
	return l.StandardScaler.Transform(t)
}

// checkColumns requires t to carry exactly the locked columns, in any order.
func (l *LabProcessor) checkColumns(t Table) error {
	locked := make(map[string]struct{}, len(l.columns))
	for _, c := range l.columns {
		locked[c] = struct{}{}
	}
	var extra []string
	for _, c := range t.Columns {
		if _, ok := locked[c]; !ok {
			extra = append(extra, c)
		}
	}
	missing := t.Missing(l.columns)
	if len(extra) > 0 || len(missing) > 0 {
		return errs.Errorf(errs.KindSchemaMismatch, l.op, "lab columns differ from %v: missing %v, unexpected %v", l.columns, missing, extra)
	}
	return nil
}
