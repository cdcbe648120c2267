package preprocessing

import (
	"sort"

	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
)

// LabelEncoder maps diagnosis labels to dense class indices. Classes are kept
// sorted so the same label set always encodes the same way.
type LabelEncoder struct {
	classes []string
	index   map[string]int
}

func NewLabelEncoder() *LabelEncoder {
	return &LabelEncoder{index: map[string]int{}}
}

// LabelEncoderFromClasses restores an encoder from its class list.
func LabelEncoderFromClasses(classes []string) *LabelEncoder {
	e := NewLabelEncoder()
	e.setClasses(append([]string(nil), classes...))
	return e
}

func (e *LabelEncoder) Fit(labels []string) {
	seen := make(map[string]struct{}, len(labels))
	var classes []string
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		classes = append(classes, l)
	}
	sort.Strings(classes)
	e.setClasses(classes)
}

func (e *LabelEncoder) setClasses(classes []string) {
	e.classes = classes
	e.index = make(map[string]int, len(classes))
	for i, c := range classes {
		e.index[c] = i
	}
}

func (e *LabelEncoder) FitTransform(labels []string) ([]int, error) {
	e.Fit(labels)
	return e.Transform(labels)
}

func (e *LabelEncoder) Transform(labels []string) ([]int, error) {
	out := make([]int, len(labels))
	for i, l := range labels {
		idx, ok := e.index[l]
		if !ok {
			return nil, errs.Errorf(errs.KindNotFound, "preprocessing.labels", "unseen label %q", l)
		}
		out[i] = idx
	}
	return out, nil
}

func (e *LabelEncoder) Inverse(idx int) (string, error) {
	if idx < 0 || idx >= len(e.classes) {
		return "", errs.Errorf(errs.KindNotFound, "preprocessing.labels", "class index %d out of range", idx)
	}
	return e.classes[idx], nil
}

func (e *LabelEncoder) Classes() []string {
	return append([]string(nil), e.classes...)
}

func (e *LabelEncoder) Len() int {
	return len(e.classes)
}
