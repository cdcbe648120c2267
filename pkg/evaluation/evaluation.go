// Package evaluation scores a trained model on held-out cases.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
	"github.com/synaptica-ai/diagnosis/pkg/dataset"
	"github.com/synaptica-ai/diagnosis/pkg/observability/metrics"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var ErrEmptyDataset = errors.New("evaluation dataset is empty")

// Classifier is the part of the model the evaluator needs.
type Classifier interface {
	Eval()
	Forward(x *mat.Dense) (*mat.Dense, error)
}

type ClassMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1-score"`
	Support   int     `json:"support"`
}

// Report mirrors a per-class classification report. Only classes that occur
// among the true or predicted labels are listed.
type Report struct {
	Classes     map[string]ClassMetrics `json:"classes"`
	Labels      []string                `json:"labels"`
	Accuracy    float64                 `json:"accuracy"`
	MacroAvg    ClassMetrics            `json:"macro avg"`
	WeightedAvg ClassMetrics            `json:"weighted avg"`
	Confusion   [][]int                 `json:"confusion"`
}

// Evaluate runs model in eval mode over every batch of loader and reports on
// the argmax predictions. classes maps encoded labels to names; when it is
// nil the label index is used as name.
func Evaluate(ctx context.Context, model Classifier, loader *dataset.Loader, classes []string) (Report, error) {
	if loader == nil || loader.Len() == 0 {
		return Report{}, ErrEmptyDataset
	}
	model.Eval()

	var truth, preds []int
	for _, batch := range loader.Batches() {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		logits, err := model.Forward(batch.Features)
		if err != nil {
			return Report{}, err
		}
		preds = append(preds, Argmax(logits)...)
		truth = append(truth, batch.Labels...)
	}

	report, err := Compute(truth, preds, classes)
	if err != nil {
		return Report{}, err
	}
	metrics.ObserveAccuracy(report.Accuracy)
	logger.Log.WithFields(map[string]interface{}{
		logger.ComponentKey: "evaluator",
		logger.SamplesKey:   len(truth),
		"accuracy":          report.Accuracy,
		"macro_f1":          report.MacroAvg.F1,
	}).Info("Evaluation finished")
	return report, nil
}

// Argmax returns the index of the largest value in each row.
func Argmax(m *mat.Dense) []int {
	r, _ := m.Dims()
	out := make([]int, r)
	for i := 0; i < r; i++ {
		out[i] = floats.MaxIdx(m.RawRowView(i))
	}
	return out
}

// Compute builds a report from true and predicted encoded labels. Undefined
// ratios (no predictions or no support for a class) are reported as 0.
func Compute(truth, preds []int, classes []string) (Report, error) {
	if len(truth) == 0 {
		return Report{}, ErrEmptyDataset
	}
	if len(truth) != len(preds) {
		return Report{}, fmt.Errorf("%d true labels for %d predictions", len(truth), len(preds))
	}

	present := map[int]struct{}{}
	for i := range truth {
		present[truth[i]] = struct{}{}
		present[preds[i]] = struct{}{}
	}
	labels := make([]int, 0, len(present))
	for l := range present {
		labels = append(labels, l)
	}
	sort.Ints(labels)
	pos := make(map[int]int, len(labels))
	for i, l := range labels {
		pos[l] = i
	}

	confusion := make([][]int, len(labels))
	for i := range confusion {
		confusion[i] = make([]int, len(labels))
	}
	correct := 0
	for i := range truth {
		confusion[pos[truth[i]]][pos[preds[i]]]++
		if truth[i] == preds[i] {
			correct++
		}
	}

	report := Report{
		Classes:   make(map[string]ClassMetrics, len(labels)),
		Labels:    make([]string, len(labels)),
		Accuracy:  float64(correct) / float64(len(truth)),
		Confusion: confusion,
	}
	total := len(truth)
	for i, l := range labels {
		tp := confusion[i][i]
		var predicted, support int
		for j := range labels {
			predicted += confusion[j][i]
			support += confusion[i][j]
		}
		m := ClassMetrics{
			Precision: ratio(tp, predicted),
			Recall:    ratio(tp, support),
			Support:   support,
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}

		name := className(l, classes)
		report.Labels[i] = name
		report.Classes[name] = m

		n := float64(len(labels))
		report.MacroAvg.Precision += m.Precision / n
		report.MacroAvg.Recall += m.Recall / n
		report.MacroAvg.F1 += m.F1 / n
		w := float64(support) / float64(total)
		report.WeightedAvg.Precision += m.Precision * w
		report.WeightedAvg.Recall += m.Recall * w
		report.WeightedAvg.F1 += m.F1 * w
	}
	report.MacroAvg.Support = total
	report.WeightedAvg.Support = total
	return report, nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func className(label int, classes []string) string {
	if label >= 0 && label < len(classes) {
		return classes[label]
	}
	return strconv.Itoa(label)
}

// String renders the report as a fixed-width table.
func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%20s %10s %10s %10s %10s\n\n", "", "precision", "recall", "f1-score", "support")
	for _, name := range r.Labels {
		m := r.Classes[name]
		fmt.Fprintf(&b, "%20s %10.2f %10.2f %10.2f %10d\n", name, m.Precision, m.Recall, m.F1, m.Support)
	}
	fmt.Fprintf(&b, "\n%20s %10s %10s %10.2f %10d\n", "accuracy", "", "", r.Accuracy, r.MacroAvg.Support)
	for _, row := range []struct {
		name string
		m    ClassMetrics
	}{{"macro avg", r.MacroAvg}, {"weighted avg", r.WeightedAvg}} {
		fmt.Fprintf(&b, "%20s %10.2f %10.2f %10.2f %10d\n", row.name, row.m.Precision, row.m.Recall, row.m.F1, row.m.Support)
	}
	return b.String()
}
