// Package predictor stores trained models as JSON artifacts and serves
// predictions from them.
package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"github.com/synaptica-ai/diagnosis/pkg/dataset"
	"github.com/synaptica-ai/diagnosis/pkg/evaluation"
	"github.com/synaptica-ai/diagnosis/pkg/features"
	"github.com/synaptica-ai/diagnosis/pkg/ml/nn"
	"github.com/synaptica-ai/diagnosis/pkg/preprocessing"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Artifact is everything needed to turn raw cases into a diagnosis.
type Artifact struct {
	Name      string             `json:"name"`
	RunID     string             `json:"run_id,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	Model     nn.Snapshot        `json:"model"`
	Features  features.State     `json:"features"`
	Classes   []string           `json:"classes"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// Write stores a under dir as {name}_{stamp}.json and refreshes
// {name}_latest.json. It returns the path of the versioned file.
func Write(dir string, a Artifact) (string, error) {
	if a.Name == "" {
		return "", errs.Errorf(errs.KindMissingValue, "predictor.write", "artifact name is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	stamp := a.RunID
	if stamp == "" {
		stamp = a.CreatedAt.Format("20060102T150405Z")
	}
	versioned := filepath.Join(dir, fmt.Sprintf("%s_%s.json", a.Name, stamp))
	if err := os.WriteFile(versioned, payload, 0o644); err != nil {
		return "", err
	}
	latest := filepath.Join(dir, fmt.Sprintf("%s_latest.json", a.Name))
	tmp := latest + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, latest); err != nil {
		return "", err
	}
	return versioned, nil
}

// ReadFile loads an artifact from path.
func ReadFile(path string) (Artifact, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, err
	}
	var a Artifact
	if err := json.Unmarshal(content, &a); err != nil {
		return Artifact{}, fmt.Errorf("decoding artifact %s: %w", path, err)
	}
	return a, nil
}

type Prediction struct {
	Class         int                `json:"-"`
	Label         string             `json:"label"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
}

// Loaded is a ready-to-use model. Forward passes keep activations on the
// model, so calls are serialised.
type Loaded struct {
	Artifact Artifact
	mu       sync.Mutex
	model    *nn.Model
}

func newLoaded(a Artifact) (*Loaded, error) {
	model, err := nn.FromSnapshot(a.Model)
	if err != nil {
		return nil, err
	}
	if len(a.Classes) != a.Model.Config.NumClasses {
		return nil, errs.Errorf(errs.KindShapeMismatch, "predictor.load", "%d class names for %d outputs", len(a.Classes), a.Model.Config.NumClasses)
	}
	if w := a.Features.Layout.Width(); w != a.Model.Config.InputDim {
		return nil, errs.Errorf(errs.KindShapeMismatch, "predictor.load", "feature layout width %d, model expects %d", w, a.Model.Config.InputDim)
	}
	model.Eval()
	return &Loaded{Artifact: a, model: model}, nil
}

// Predict scores a feature matrix. The attention layer attends across the
// rows of x, so a row's prediction depends on the other rows scored with it:
// the same case can be diagnosed differently alone and within a batch.
func (l *Loaded) Predict(x *mat.Dense) ([]Prediction, error) {
	l.mu.Lock()
	logits, err := l.model.Forward(x)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	probs := nn.Softmax(logits)
	r, _ := probs.Dims()
	out := make([]Prediction, r)
	for i := 0; i < r; i++ {
		row := probs.RawRowView(i)
		best := floats.MaxIdx(row)
		p := Prediction{
			Class:         best,
			Label:         l.Artifact.Classes[best],
			Confidence:    row[best],
			Probabilities: make(map[string]float64, len(row)),
		}
		for j, v := range row {
			p.Probabilities[l.Artifact.Classes[j]] = v
		}
		out[i] = p
	}
	return out, nil
}

// Diagnose builds features for raw cases with embedder and predicts them as
// one batch. As with Predict, each diagnosis depends on the other cases in
// the call; score cases one at a time when they must be independent.
func (l *Loaded) Diagnose(ctx context.Context, embedder features.Embedder, cases []dataset.Case) ([]Prediction, error) {
	engine, err := features.Restore(embedder, l.Artifact.Features)
	if err != nil {
		return nil, err
	}
	x, err := engine.Build(ctx, dataset.Notes(cases), dataset.VitalsTable(cases), dataset.FittedLabsTable(cases, engine.Layout().LabColumns))
	if err != nil {
		return nil, err
	}
	return l.Predict(x)
}

// Evaluate diagnoses labelled cases as one batch and scores the predictions.
// Labels the model was never trained on are rejected.
func (l *Loaded) Evaluate(ctx context.Context, embedder features.Embedder, cases []dataset.Case) (evaluation.Report, error) {
	if len(cases) == 0 {
		return evaluation.Report{}, evaluation.ErrEmptyDataset
	}
	truth, err := preprocessing.LabelEncoderFromClasses(l.Artifact.Classes).Transform(dataset.Labels(cases))
	if err != nil {
		return evaluation.Report{}, err
	}
	preds, err := l.Diagnose(ctx, embedder, cases)
	if err != nil {
		return evaluation.Report{}, err
	}
	classes := make([]int, len(preds))
	for i, p := range preds {
		classes[i] = p.Class
	}
	return evaluation.Compute(truth, classes, l.Artifact.Classes)
}

type Predictor struct {
	dir   string
	cache map[string]cachedArtifact
	mu    sync.RWMutex
}

type cachedArtifact struct {
	loaded  *Loaded
	modTime int64
}

func NewPredictor(dir string) *Predictor {
	return &Predictor{
		dir:   dir,
		cache: make(map[string]cachedArtifact),
	}
}

// Load returns the latest artifact for name. It is re-read only when the file
// changed since the last call.
func (p *Predictor) Load(name string) (*Loaded, error) {
	latest := filepath.Join(p.dir, fmt.Sprintf("%s_latest.json", name))
	info, err := os.Stat(latest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.E(errs.KindNotFound, "predictor.load", err)
		}
		return nil, err
	}
	mod := info.ModTime().UnixNano()

	p.mu.RLock()
	cached, ok := p.cache[name]
	p.mu.RUnlock()
	if ok && cached.modTime == mod {
		return cached.loaded, nil
	}

	artifact, err := ReadFile(latest)
	if err != nil {
		return nil, err
	}
	loaded, err := newLoaded(artifact)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.cache[name] = cachedArtifact{loaded: loaded, modTime: mod}
	p.mu.Unlock()
	return loaded, nil
}

func (p *Predictor) Predict(name string, x *mat.Dense) ([]Prediction, error) {
	loaded, err := p.Load(name)
	if err != nil {
		return nil, err
	}
	return loaded.Predict(x)
}
