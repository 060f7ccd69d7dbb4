package optimizer

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-reslt/internal/wire"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Validate checks hyperparameter ranges
func (c AdamConfig) Validate() error {
	if c.LearningRate < 0 {
		return errors.Errorf("learning rate cannot be negative: %f", c.LearningRate)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
		return errors.Errorf("betas must be in [0, 1), got %f and %f", c.Beta1, c.Beta2)
	}
	if c.Epsilon <= 0 {
		return errors.Errorf("epsilon must be positive, got %g", c.Epsilon)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("weight decay cannot be negative: %f", c.WeightDecay)
	}
	return nil
}

// Adam implements bias-corrected Adam with L2 weight decay folded into the
// gradient
type Adam struct {
	config    AdamConfig
	params    []*Parameter
	momentum  [][]float64 // First moment per parameter
	variance  [][]float64 // Second moment per parameter
	stepCount uint64
}

// NewAdam creates an Adam optimizer with zeroed moments
func NewAdam(config AdamConfig, params []*Parameter) (*Adam, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, errors.New("no parameters provided")
	}
	adam := &Adam{
		config:   config,
		params:   params,
		momentum: make([][]float64, len(params)),
		variance: make([][]float64, len(params)),
	}
	seen := make(map[string]bool)
	for i, p := range params {
		if len(p.Value) != len(p.Grad) {
			return nil, errors.Errorf("parameter %s: value and gradient sizes differ (%d vs %d)",
				p.Name, len(p.Value), len(p.Grad))
		}
		if seen[p.Name] {
			return nil, errors.Errorf("duplicate parameter name %s", p.Name)
		}
		seen[p.Name] = true
		adam.momentum[i] = make([]float64, len(p.Value))
		adam.variance[i] = make([]float64, len(p.Value))
	}
	return adam, nil
}

// Step performs a single Adam optimization step
func (a *Adam) Step() error {
	a.stepCount++
	c := a.config
	bc1 := 1 - math.Pow(c.Beta1, float64(a.stepCount))
	bc2 := 1 - math.Pow(c.Beta2, float64(a.stepCount))

	for i, p := range a.params {
		m, v := a.momentum[i], a.variance[i]
		for j, grad := range p.Grad {
			g := grad + c.WeightDecay*p.Value[j]
			m[j] = c.Beta1*m[j] + (1-c.Beta1)*g
			v[j] = c.Beta2*v[j] + (1-c.Beta2)*g*g
			p.Value[j] -= c.LearningRate * (m[j] / bc1) / (math.Sqrt(v[j]/bc2) + c.Epsilon)
		}
	}
	return nil
}

// ZeroGrad clears every parameter gradient
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		clear(p.Grad)
	}
}

// SetLearningRate updates the learning rate (useful for learning rate scheduling)
func (a *Adam) SetLearningRate(lr float64) {
	a.config.LearningRate = lr
}

func (a *Adam) LearningRate() float64 {
	return a.config.LearningRate
}

// GetStepCount returns the current step count
func (a *Adam) GetStepCount() uint64 {
	return a.stepCount
}

// Adam state field numbers
const (
	adamFieldStepCount    protowire.Number = 1
	adamFieldLearningRate protowire.Number = 2
	adamFieldMomentum     protowire.Number = 3
	adamFieldVariance     protowire.Number = 4
)

// MarshalBinary encodes the step count, rate and both moments
func (a *Adam) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, adamFieldStepCount, protowire.VarintType)
	b = protowire.AppendVarint(b, a.stepCount)
	b = protowire.AppendTag(b, adamFieldLearningRate, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(a.config.LearningRate))
	for i, p := range a.params {
		b = wire.AppendTensor(b, adamFieldMomentum, p.Name, a.momentum[i])
		b = wire.AppendTensor(b, adamFieldVariance, p.Name, a.variance[i])
	}
	return b, nil
}

// UnmarshalBinary restores state written by MarshalBinary onto the same
// parameter layout
func (a *Adam) UnmarshalBinary(data []byte) error {
	index := make(map[string]int, len(a.params))
	for i, p := range a.params {
		index[p.Name] = i
	}

	var (
		stepCount uint64
		lr        = a.config.LearningRate
		momentum  = make([][]float64, len(a.params))
		variance  = make([][]float64, len(a.params))
	)
	err := wire.Range(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == adamFieldStepCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, errors.Wrap(protowire.ParseError(n), "corrupt step count")
			}
			stepCount = v
			return n, nil
		case num == adamFieldLearningRate && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return 0, errors.Wrap(protowire.ParseError(n), "corrupt learning rate")
			}
			lr = math.Float64frombits(v)
			return n, nil
		case (num == adamFieldMomentum || num == adamFieldVariance) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, errors.Wrap(protowire.ParseError(n), "corrupt moment")
			}
			name, buf, err := wire.ConsumeTensor(v)
			if err != nil {
				return 0, err
			}
			i, ok := index[name]
			if !ok {
				return 0, errors.Errorf("moment for unknown parameter %s", name)
			}
			if len(buf) != len(a.params[i].Value) {
				return 0, errors.Errorf("data size mismatch for %s: expected %d elements, got %d",
					name, len(a.params[i].Value), len(buf))
			}
			if num == adamFieldMomentum {
				momentum[i] = buf
			} else {
				variance[i] = buf
			}
			return n, nil
		}
		return wire.Skip(num, typ, b)
	})
	if err != nil {
		return errors.Wrap(err, "failed to decode Adam state")
	}

	for i, p := range a.params {
		if momentum[i] == nil || variance[i] == nil {
			return errors.Errorf("state is missing moments for %s", p.Name)
		}
	}
	a.stepCount = stepCount
	a.config.LearningRate = lr
	a.momentum = momentum
	a.variance = variance
	return nil
}
