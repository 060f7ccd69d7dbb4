package optimizer

import (
	"encoding"

	"github.com/pkg/errors"
)

// Parameter is a trainable tensor flattened to a slice, with its gradient
type Parameter struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
}

// NewParameter allocates a zeroed parameter and gradient of the given shape
func NewParameter(name string, shape ...int) *Parameter {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return &Parameter{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Value: make([]float64, size),
		Grad:  make([]float64, size),
	}
}

// Optimizer defines the common interface for all optimizers.
// State is exchanged with checkpoints as an opaque binary blob.
type Optimizer interface {
	// Step applies one update from the accumulated gradients
	Step() error

	// ZeroGrad clears every parameter gradient
	ZeroGrad()

	// SetLearningRate sets the rate of every parameter group
	SetLearningRate(lr float64)

	// LearningRate returns the rate of the first parameter group
	LearningRate() float64

	// GetStepCount returns the number of steps taken
	GetStepCount() uint64

	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Optimizer names accepted by New
const (
	SGDName  = "sgd"
	AdamName = "adam"
)

// Settings selects an optimizer by name. Momentum only applies to SGD;
// Adam keeps its default betas.
type Settings struct {
	Name         string
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
}

// New builds the optimizer named by settings over params
func New(settings Settings, params []*Parameter) (Optimizer, error) {
	switch settings.Name {
	case SGDName:
		return NewSGD(SGDConfig{
			LearningRate: settings.LearningRate,
			Momentum:     settings.Momentum,
			WeightDecay:  settings.WeightDecay,
		}, params)
	case AdamName:
		config := DefaultAdamConfig()
		config.LearningRate = settings.LearningRate
		config.WeightDecay = settings.WeightDecay
		return NewAdam(config, params)
	}
	return nil, errors.Errorf("unknown optimizer %q (available: %s, %s)", settings.Name, SGDName, AdamName)
}
