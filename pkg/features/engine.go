// Package features turns clinical notes, vital signs and lab results into the
// model's input matrix.
package features

import (
	"context"
	"strings"

	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
	"github.com/synaptica-ai/diagnosis/pkg/dlp"
	"github.com/synaptica-ai/diagnosis/pkg/preprocessing"
	"gonum.org/v1/gonum/mat"
)

// Layout describes the column blocks of a feature row:
// [embedding | vitals | labs].
type Layout struct {
	Embedder   string   `json:"embedder"`
	Embedding  int      `json:"embedding"`
	Vitals     int      `json:"vitals"`
	LabColumns []string `json:"lab_columns"`
}

func (l Layout) Width() int {
	return l.Embedding + l.Vitals + len(l.LabColumns)
}

// State is everything needed to rebuild a fitted engine for inference.
type State struct {
	Layout Layout                     `json:"layout"`
	Vitals preprocessing.ScalerParams `json:"vitals"`
	Labs   preprocessing.ScalerParams `json:"labs"`
}

type Engine struct {
	embedder Embedder
	scrubber *dlp.Detector
	vitals   *preprocessing.VitalsScaler
	labs     *preprocessing.LabProcessor
}

type Option func(*Engine)

// WithScrubber sanitises notes before they are embedded.
func WithScrubber(d *dlp.Detector) Option {
	return func(e *Engine) {
		e.scrubber = d
	}
}

// WithLabColumns fixes the lab schema instead of taking it from the first fit.
func WithLabColumns(columns []string) Option {
	return func(e *Engine) {
		e.labs = preprocessing.NewLabProcessor(columns)
	}
}

func NewEngine(embedder Embedder, opts ...Option) *Engine {
	e := &Engine{
		embedder: embedder,
		vitals:   preprocessing.NewVitalsScaler(),
		labs:     preprocessing.NewLabProcessor(nil),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Restore rebuilds a fitted engine from a saved state. The embedder must be
// the one the state was built with, by name and width.
func Restore(embedder Embedder, state State, opts ...Option) (*Engine, error) {
	if embedder.Name() != state.Layout.Embedder {
		return nil, errs.Errorf(errs.KindShapeMismatch, "features.restore",
			"embedder %s does not match artifact embedder %s", embedder.Name(), state.Layout.Embedder)
	}
	if embedder.Dimensions() != state.Layout.Embedding {
		return nil, errs.Errorf(errs.KindShapeMismatch, "features.restore",
			"embedder %s has %d dimensions, artifact expects %d", embedder.Name(), embedder.Dimensions(), state.Layout.Embedding)
	}
	e := NewEngine(embedder, opts...)
	if err := e.vitals.Restore(state.Vitals); err != nil {
		return nil, err
	}
	if err := e.labs.Restore(state.Labs); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) Fitted() bool {
	return e.vitals.Fitted() && e.labs.Fitted()
}

func (e *Engine) Layout() Layout {
	return Layout{
		Embedder:   e.embedder.Name(),
		Embedding:  e.embedder.Dimensions(),
		Vitals:     len(preprocessing.VitalColumns),
		LabColumns: e.labs.Columns(),
	}
}

// State exports the fitted scaler parameters. ok is false before the first Build.
func (e *Engine) State() (State, bool) {
	vitals, ok := e.vitals.Params()
	if !ok {
		return State{}, false
	}
	labs, ok := e.labs.Params()
	if !ok {
		return State{}, false
	}
	return State{Layout: e.Layout(), Vitals: vitals, Labs: labs}, true
}

// CheckWidth reports a ShapeMismatch when width does not match the layout.
func (e *Engine) CheckWidth(width int) error {
	if want := e.Layout().Width(); width != want {
		return errs.Errorf(errs.KindShapeMismatch, "features.layout", "feature width %d, expected %d", width, want)
	}
	return nil
}

// Build assembles one feature row per case. The first call fits the vitals
// and lab scalers; later calls reuse the fitted parameters. On error nothing
// is returned and the engine's fitted state is unchanged.
func (e *Engine) Build(ctx context.Context, notes [][]string, vitals, labs preprocessing.Table) (*mat.Dense, error) {
	const op = "features.build"
	n := len(notes)
	if vitals.Len() != n || labs.Len() != n {
		return nil, errs.Errorf(errs.KindShapeMismatch, op,
			"batch sizes differ: %d notes, %d vitals rows, %d lab rows", n, vitals.Len(), labs.Len())
	}
	if n == 0 {
		return nil, errs.Errorf(errs.KindShapeMismatch, op, "empty batch")
	}

	scaledVitals, scaledLabs, commit, err := e.scale(vitals, labs)
	if err != nil {
		return nil, err
	}

	docs := make([]string, n)
	for i, caseNotes := range notes {
		docs[i] = strings.Join(e.scrubber.SanitizeAll(caseNotes), "\n")
	}
	embeddings, err := e.embedder.Embed(ctx, docs)
	if err != nil {
		return nil, err
	}
	if len(embeddings) != n {
		return nil, errs.Errorf(errs.KindShapeMismatch, op, "%d embeddings for %d cases", len(embeddings), n)
	}

	dims := e.embedder.Dimensions()
	width := dims + scaledVitals.Width() + scaledLabs.Width()
	out := mat.NewDense(n, width, nil)
	for i := 0; i < n; i++ {
		if len(embeddings[i]) != dims {
			return nil, errs.Errorf(errs.KindShapeMismatch, op, "embedding %d has %d dimensions, expected %d", i, len(embeddings[i]), dims)
		}
		row := out.RawRowView(i)
		for j, v := range embeddings[i] {
			row[j] = float64(v)
		}
		copy(row[dims:], scaledVitals.Rows[i])
		copy(row[dims+scaledVitals.Width():], scaledLabs.Rows[i])
	}
	commit()

	logger.Log.WithFields(map[string]interface{}{
		logger.ComponentKey: "feature_engine",
		logger.SamplesKey:   n,
		logger.FeaturesKey:  width,
	}).Debug("Built feature matrix")
	return out, nil
}

// scale runs fit or transform on fresh scalers and returns a commit func that
// installs them once the whole build has succeeded.
func (e *Engine) scale(vitals, labs preprocessing.Table) (preprocessing.Table, preprocessing.Table, func(), error) {
	if e.Fitted() {
		v, err := e.vitals.Transform(vitals)
		if err != nil {
			return preprocessing.Table{}, preprocessing.Table{}, nil, err
		}
		l, err := e.labs.Transform(labs)
		if err != nil {
			return preprocessing.Table{}, preprocessing.Table{}, nil, err
		}
		return v, l, func() {}, nil
	}

	vs := preprocessing.NewVitalsScaler()
	ls := preprocessing.NewLabProcessor(e.labs.Columns())
	v, err := vs.FitTransform(vitals)
	if err != nil {
		return preprocessing.Table{}, preprocessing.Table{}, nil, err
	}
	l, err := ls.FitTransform(labs)
	if err != nil {
		return preprocessing.Table{}, preprocessing.Table{}, nil, err
	}
	return v, l, func() {
		e.vitals = vs
		e.labs = ls
	}, nil
}
