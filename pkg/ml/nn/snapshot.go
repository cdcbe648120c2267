package nn

import (
	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"gonum.org/v1/gonum/mat"
)

type Tensor struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// Snapshot is the serialisable state of a Model.
type Snapshot struct {
	Config Config            `json:"config"`
	Params map[string]Tensor `json:"params"`
}

func (m *Model) Snapshot() Snapshot {
	params := make(map[string]Tensor)
	for _, p := range m.Params() {
		r, c := p.Value.Dims()
		data := make([]float64, 0, r*c)
		for i := 0; i < r; i++ {
			data = append(data, p.Value.RawRowView(i)...)
		}
		params[p.Name] = Tensor{Rows: r, Cols: c, Data: data}
	}
	return Snapshot{Config: m.cfg, Params: params}
}

// FromSnapshot rebuilds a model in evaluation mode.
func FromSnapshot(s Snapshot) (*Model, error) {
	m, err := NewModel(s.Config)
	if err != nil {
		return nil, err
	}
	for _, p := range m.Params() {
		t, ok := s.Params[p.Name]
		if !ok {
			return nil, errs.Errorf(errs.KindSchemaMismatch, "nn.snapshot", "missing parameter %s", p.Name)
		}
		r, c := p.Value.Dims()
		if t.Rows != r || t.Cols != c || len(t.Data) != r*c {
			return nil, errs.Errorf(errs.KindShapeMismatch, "nn.snapshot", "parameter %s is %dx%d, want %dx%d", p.Name, t.Rows, t.Cols, r, c)
		}
		p.Value.Copy(mat.NewDense(r, c, append([]float64(nil), t.Data...)))
	}
	m.Eval()
	return m, nil
}
