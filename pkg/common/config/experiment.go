package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Experiment holds the knobs of one training run.
type Experiment struct {
	Name         string   `yaml:"name" json:"name"`
	Dataset      string   `yaml:"dataset" json:"dataset"`
	LabColumns   []string `yaml:"lab_columns" json:"lab_columns,omitempty"`
	HiddenDim    int      `yaml:"hidden_dim" json:"hidden_dim"`
	Heads        int      `yaml:"heads" json:"heads"`
	Dropout      float64  `yaml:"dropout" json:"dropout"`
	LearningRate float64  `yaml:"learning_rate" json:"learning_rate"`
	WeightDecay  float64  `yaml:"weight_decay" json:"weight_decay"`
	Epochs       int      `yaml:"epochs" json:"epochs"`
	BatchSize    int      `yaml:"batch_size" json:"batch_size"`
	Shuffle      bool     `yaml:"shuffle" json:"shuffle"`
	ValFraction  float64  `yaml:"val_fraction" json:"val_fraction"`
	TestFraction float64  `yaml:"test_fraction" json:"test_fraction"`
	Seed         int64    `yaml:"seed" json:"seed"`
}

func DefaultExperiment() Experiment {
	return Experiment{
		Name:         "medical-diagnosis",
		HiddenDim:    256,
		Heads:        8,
		Dropout:      0.2,
		LearningRate: 1e-3,
		WeightDecay:  0.01,
		Epochs:       10,
		BatchSize:    32,
		Shuffle:      true,
		ValFraction:  0.1,
		TestFraction: 0.2,
		Seed:         42,
	}
}

func LoadExperiment(path string) (Experiment, error) {
	exp := DefaultExperiment()
	if path == "" {
		return exp, nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return exp, err
	}
	if err := yaml.Unmarshal(content, &exp); err != nil {
		return Experiment{}, fmt.Errorf("parsing experiment %s: %w", path, err)
	}
	return exp, exp.Validate()
}

func (e Experiment) Validate() error {
	switch {
	case e.Epochs <= 0:
		return errors.New("epochs must be positive")
	case e.BatchSize <= 0:
		return errors.New("batch_size must be positive")
	case e.LearningRate <= 0:
		return errors.New("learning_rate must be positive")
	case e.Dropout < 0 || e.Dropout >= 1:
		return errors.New("dropout must be in [0, 1)")
	case e.ValFraction < 0 || e.TestFraction < 0 || e.ValFraction+e.TestFraction >= 1:
		return errors.New("val_fraction + test_fraction must be in [0, 1)")
	}
	return nil
}

// Apply overlays a loosely typed map, as sent in HTTP job requests, onto e.
func (e Experiment) Apply(overrides map[string]interface{}) (Experiment, error) {
	for key, value := range overrides {
		var err error
		switch key {
		case "name":
			e.Name, err = cast.ToStringE(value)
		case "dataset":
			e.Dataset, err = cast.ToStringE(value)
		case "lab_columns":
			e.LabColumns, err = cast.ToStringSliceE(value)
		case "hidden_dim":
			e.HiddenDim, err = cast.ToIntE(value)
		case "heads":
			e.Heads, err = cast.ToIntE(value)
		case "dropout":
			e.Dropout, err = cast.ToFloat64E(value)
		case "learning_rate":
			e.LearningRate, err = cast.ToFloat64E(value)
		case "weight_decay":
			e.WeightDecay, err = cast.ToFloat64E(value)
		case "epochs":
			e.Epochs, err = cast.ToIntE(value)
		case "batch_size":
			e.BatchSize, err = cast.ToIntE(value)
		case "shuffle":
			e.Shuffle, err = cast.ToBoolE(value)
		case "val_fraction":
			e.ValFraction, err = cast.ToFloat64E(value)
		case "test_fraction":
			e.TestFraction, err = cast.ToFloat64E(value)
		case "seed":
			e.Seed, err = cast.ToInt64E(value)
		default:
			return e, fmt.Errorf("unknown experiment field %q", key)
		}
		if err != nil {
			return e, fmt.Errorf("experiment field %q: %w", key, err)
		}
	}
	return e, e.Validate()
}

// Map is the inverse of Apply, used to persist run configs as JSON.
func (e Experiment) Map() map[string]interface{} {
	return map[string]interface{}{
		"name":          e.Name,
		"dataset":       e.Dataset,
		"lab_columns":   e.LabColumns,
		"hidden_dim":    e.HiddenDim,
		"heads":         e.Heads,
		"dropout":       e.Dropout,
		"learning_rate": e.LearningRate,
		"weight_decay":  e.WeightDecay,
		"epochs":        e.Epochs,
		"batch_size":    e.BatchSize,
		"shuffle":       e.Shuffle,
		"val_fraction":  e.ValFraction,
		"test_fraction": e.TestFraction,
		"seed":          e.Seed,
	}
}
