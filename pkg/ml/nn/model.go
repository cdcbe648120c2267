package nn

import (
	"fmt"
	"math/rand"

	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"gonum.org/v1/gonum/mat"
)

const DefaultDropout = 0.2

type Config struct {
	InputDim   int     `json:"input_dim"`
	HiddenDim  int     `json:"hidden_dim"`
	NumClasses int     `json:"num_classes"`
	Heads      int     `json:"heads"`
	Dropout    float64 `json:"dropout"`
	Seed       int64   `json:"seed"`
}

// Validate rejects shapes the attention block cannot split evenly.
func (c Config) Validate() error {
	const op = "nn.config"
	switch {
	case c.InputDim <= 0 || c.NumClasses <= 0:
		return errs.Errorf(errs.KindShapeMismatch, op, "input_dim and num_classes must be positive")
	case c.HiddenDim < 2 || c.HiddenDim%2 != 0:
		return errs.Errorf(errs.KindShapeMismatch, op, "hidden_dim %d must be even", c.HiddenDim)
	case c.Heads <= 0 || (c.HiddenDim/2)%c.Heads != 0:
		return errs.Errorf(errs.KindShapeMismatch, op, "hidden_dim/2 = %d is not divisible by %d heads", c.HiddenDim/2, c.Heads)
	case c.Dropout < 0 || c.Dropout >= 1:
		return errs.Errorf(errs.KindShapeMismatch, op, "dropout %v outside [0, 1)", c.Dropout)
	}
	return nil
}

// Model is encoder -> self-attention -> classifier. The encoder is two
// Linear/ReLU/Dropout stages shrinking hidden_dim to hidden_dim/2.
type Model struct {
	cfg Config
	rng *rand.Rand

	fc1   *Linear
	act1  *ReLU
	drop1 *Dropout
	fc2   *Linear
	act2  *ReLU
	drop2 *Dropout
	attn  *MultiHeadAttention
	head  *Linear

	training bool
}

func NewModel(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	latent := cfg.HiddenDim / 2
	m := &Model{
		cfg:      cfg,
		rng:      rng,
		fc1:      NewLinear("encoder.0", cfg.InputDim, cfg.HiddenDim, rng),
		act1:     &ReLU{},
		drop1:    &Dropout{P: cfg.Dropout},
		fc2:      NewLinear("encoder.3", cfg.HiddenDim, latent, rng),
		act2:     &ReLU{},
		drop2:    &Dropout{P: cfg.Dropout},
		attn:     NewMultiHeadAttention("attention", latent, cfg.Heads, rng),
		head:     NewLinear("classifier", latent, cfg.NumClasses, rng),
		training: true,
	}
	return m, nil
}

func (m *Model) Config() Config {
	return m.cfg
}

// Train enables dropout.
func (m *Model) Train() {
	m.training = true
}

// Eval disables dropout.
func (m *Model) Eval() {
	m.training = false
}

func (m *Model) Training() bool {
	return m.training
}

// SetDropout changes the dropout probability of both encoder stages.
func (m *Model) SetDropout(p float64) {
	m.drop1.P = p
	m.drop2.P = p
	m.cfg.Dropout = p
}

// Forward maps an (N, input_dim) batch to (N, num_classes) logits.
func (m *Model) Forward(x *mat.Dense) (*mat.Dense, error) {
	r, c := x.Dims()
	if c != m.cfg.InputDim {
		return nil, errs.Errorf(errs.KindShapeMismatch, "nn.forward", "input width %d, model expects %d", c, m.cfg.InputDim)
	}
	if r == 0 {
		return nil, errs.Errorf(errs.KindShapeMismatch, "nn.forward", "empty batch")
	}

	h := m.fc1.Forward(x)
	h = m.act1.Forward(h)
	h = m.drop1.Forward(h, m.training, m.rng)
	h = m.fc2.Forward(h)
	h = m.act2.Forward(h)
	h = m.drop2.Forward(h, m.training, m.rng)
	h = m.attn.Forward(h)
	return m.head.Forward(h), nil
}

// Backward propagates dLogits from the last Forward call into the parameter
// gradients.
func (m *Model) Backward(dLogits *mat.Dense) {
	d := m.head.Backward(dLogits)
	d = m.attn.Backward(d)
	d = m.drop2.Backward(d)
	d = m.act2.Backward(d)
	d = m.fc2.Backward(d)
	d = m.drop1.Backward(d)
	d = m.act1.Backward(d)
	m.fc1.Backward(d)
}

func (m *Model) Params() []*Param {
	var out []*Param
	out = append(out, m.fc1.Params()...)
	out = append(out, m.fc2.Params()...)
	out = append(out, m.attn.Params()...)
	out = append(out, m.head.Params()...)
	return out
}

func (m *Model) ZeroGrad() {
	for _, p := range m.Params() {
		p.zeroGrad()
	}
}

func (m *Model) NumParams() int {
	var n int
	for _, p := range m.Params() {
		r, c := p.Value.Dims()
		n += r * c
	}
	return n
}

func (m *Model) String() string {
	return fmt.Sprintf("Model(input=%d hidden=%d heads=%d classes=%d params=%d)",
		m.cfg.InputDim, m.cfg.HiddenDim, m.cfg.Heads, m.cfg.NumClasses, m.NumParams())
}
