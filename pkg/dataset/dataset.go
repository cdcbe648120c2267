// Package dataset loads patient cases and feeds them to the trainer in batches.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"github.com/synaptica-ai/diagnosis/pkg/preprocessing"
)

// Case is one patient encounter.
type Case struct {
	ID     string             `json:"id"`
	Notes  []string           `json:"notes"`
	Vitals map[string]float64 `json:"vitals"`
	Labs   map[string]float64 `json:"labs,omitempty"`
	Label  string             `json:"label"`
}

// LoadJSONL reads one JSON encoded Case per line. Blank lines are skipped.
func LoadJSONL(path string) ([]Case, error) {
	return readJSONL(path, true)
}

// LoadUnlabelled reads cases for inference; labels are optional.
func LoadUnlabelled(path string) ([]Case, error) {
	return readJSONL(path, false)
}

func readJSONL(path string, requireLabel bool) ([]Case, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cases []Case
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var c Case
		if err := json.Unmarshal([]byte(text), &c); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if requireLabel && c.Label == "" {
			return nil, errs.Errorf(errs.KindMissingValue, "dataset.load", "%s:%d: case %q has no label", path, line, c.ID)
		}
		if c.ID == "" {
			c.ID = fmt.Sprintf("case-%d", line)
		}
		cases = append(cases, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cases, nil
}

// Split shuffles cases with seed and cuts them into train/validation/test.
// Fractions outside [0, 1] or summing past 1 are clamped, test first.
func Split(cases []Case, valFraction, testFraction float64, seed int64) (train, val, test []Case) {
	shuffled := append([]Case(nil), cases...)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	n := len(shuffled)
	// test takes its share first; val gets at most what is left
	nTest := min(max(int(float64(n)*testFraction), 0), n)
	nVal := min(max(int(float64(n)*valFraction), 0), n-nTest)
	test = shuffled[:nTest]
	val = shuffled[nTest : nTest+nVal]
	train = shuffled[nTest+nVal:]
	return train, val, test
}

func Notes(cases []Case) [][]string {
	out := make([][]string, len(cases))
	for i, c := range cases {
		out[i] = c.Notes
	}
	return out
}

func Labels(cases []Case) []string {
	out := make([]string, len(cases))
	for i, c := range cases {
		out[i] = c.Label
	}
	return out
}

// VitalsTable lays the cases' vitals out in the fixed vitals column order.
// Missing readings become NaN and are rejected by the scaler.
func VitalsTable(cases []Case) preprocessing.Table {
	rows := make([]map[string]float64, len(cases))
	for i, c := range cases {
		rows[i] = c.Vitals
	}
	return preprocessing.TableFromMaps(preprocessing.VitalColumns, rows)
}

// LabsTable lays lab results out in columns order; with no columns the sorted
// union of lab names across cases is used.
func LabsTable(cases []Case, columns []string) preprocessing.Table {
	if len(columns) == 0 {
		columns = LabColumns(cases)
	}
	rows := make([]map[string]float64, len(cases))
	for i, c := range cases {
		rows[i] = c.Labs
	}
	return preprocessing.TableFromMaps(columns, rows)
}

// FittedLabsTable lays lab results out in exactly the given columns, as a
// fitted lab schema expects them. No columns gives a zero-width table.
func FittedLabsTable(cases []Case, columns []string) preprocessing.Table {
	if len(columns) == 0 {
		return preprocessing.Table{Rows: make([][]float64, len(cases))}
	}
	return LabsTable(cases, columns)
}

func LabColumns(cases []Case) []string {
	seen := map[string]struct{}{}
	for _, c := range cases {
		for name := range c.Labs {
			seen[name] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for name := range seen {
		columns = append(columns, name)
	}
	sort.Strings(columns)
	return columns
}
