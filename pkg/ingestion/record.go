package ingestion

import (
	"math"
	"sort"
	"strings"

	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"github.com/synaptica-ai/diagnosis/pkg/preprocessing"
	"gonum.org/v1/gonum/stat"
)

// Record is a decoded archive record: one series per channel, in physical units.
type Record struct {
	Name     string               `json:"name"`
	Fs       float64              `json:"fs"`
	Channels map[string][]float64 `json:"channels"`
	Order    []string             `json:"order"`
}

func (r Record) Samples() int {
	n := 0
	for _, values := range r.Channels {
		if len(values) > n {
			n = len(values)
		}
	}
	return n
}

// Failure explains why one record could not be fetched.
type Failure struct {
	Record string
	Kind   errs.Kind
	Err    error
}

// Outcome of a best-effort fetch: everything that worked plus what did not.
type Outcome struct {
	Database string
	Records  map[string]Record
	Failures []Failure
}

const (
	OutcomeComplete = "complete"
	OutcomePartial  = "partial"
	OutcomeFailed   = "failed"
	OutcomeEmpty    = "empty"
)

func (o Outcome) Status() string {
	switch {
	case len(o.Records) == 0 && len(o.Failures) == 0:
		return OutcomeEmpty
	case len(o.Failures) == 0:
		return OutcomeComplete
	case len(o.Records) == 0:
		return OutcomeFailed
	default:
		return OutcomePartial
	}
}

// Names returns the fetched record names in sorted order.
func (o Outcome) Names() []string {
	names := make([]string, 0, len(o.Records))
	for name := range o.Records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// channel names seen in bedside monitor records, upper-cased
var vitalAliases = map[string]string{
	"HR":      preprocessing.HeartRate,
	"PULSE":   preprocessing.HeartRate,
	"RESP":    preprocessing.RespiratoryRate,
	"RR":      preprocessing.RespiratoryRate,
	"ABPSYS":  preprocessing.BloodPressureSystolic,
	"NBPSYS":  preprocessing.BloodPressureSystolic,
	"ARTSYS":  preprocessing.BloodPressureSystolic,
	"ABPDIAS": preprocessing.BloodPressureDiastolic,
	"NBPDIAS": preprocessing.BloodPressureDiastolic,
	"ARTDIAS": preprocessing.BloodPressureDiastolic,
	"TEMP":    preprocessing.Temperature,
	"TBLOOD":  preprocessing.Temperature,
	"SPO2":    preprocessing.OxygenSaturation,
	"SAO2":    preprocessing.OxygenSaturation,
	"%SPO2":   preprocessing.OxygenSaturation,
}

// VitalsFromRecord summarises vital sign channels as their mean over valid
// samples. The returned map holds every vital that was found; the error is a
// MissingValue naming the ones that were not.
func VitalsFromRecord(rec Record) (map[string]float64, error) {
	vitals := make(map[string]float64, len(preprocessing.VitalColumns))
	for _, name := range rec.Order {
		column, ok := vitalAliases[strings.ToUpper(strings.ReplaceAll(name, " ", ""))]
		if !ok {
			continue
		}
		if _, done := vitals[column]; done {
			continue
		}
		valid := make([]float64, 0, len(rec.Channels[name]))
		for _, v := range rec.Channels[name] {
			if !math.IsNaN(v) {
				valid = append(valid, v)
			}
		}
		if len(valid) == 0 {
			continue
		}
		vitals[column] = stat.Mean(valid, nil)
	}

	var missing []string
	for _, col := range preprocessing.VitalColumns {
		if _, ok := vitals[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return vitals, errs.Errorf(errs.KindMissingValue, "ingestion.vitals", "record %s lacks %s", rec.Name, strings.Join(missing, ", "))
	}
	return vitals, nil
}
