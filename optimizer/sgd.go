package optimizer

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-reslt/internal/wire"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns the ResLT training defaults
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.2,
		Momentum:     0.9,
		WeightDecay:  5e-4,
		Nesterov:     false,
	}
}

// Validate checks hyperparameter ranges
func (c SGDConfig) Validate() error {
	if c.LearningRate < 0 {
		return errors.Errorf("learning rate cannot be negative: %f", c.LearningRate)
	}
	if c.Momentum < 0 {
		return errors.Errorf("momentum cannot be negative: %f", c.Momentum)
	}
	if c.Momentum > 1.0 {
		return errors.Errorf("momentum cannot be greater than 1.0: %f", c.Momentum)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("weight decay cannot be negative: %f", c.WeightDecay)
	}
	if c.Nesterov && c.Momentum == 0 {
		return errors.New("nesterov momentum requires a positive momentum")
	}
	return nil
}

// ParamGroup is a set of parameters sharing a learning rate and weight decay
type ParamGroup struct {
	Params       []*Parameter
	LearningRate float64
	WeightDecay  float64
}

// SGD implements stochastic gradient descent with momentum and L2 weight
// decay. Momentum buffers start as the first gradient.
type SGD struct {
	config    SGDConfig
	groups    []ParamGroup
	momentum  map[*Parameter][]float64
	stepCount uint64
}

// NewSGD creates an SGD optimizer over a single parameter group
func NewSGD(config SGDConfig, params []*Parameter) (*SGD, error) {
	return NewSGDWithGroups(config, []ParamGroup{{
		Params:       params,
		LearningRate: config.LearningRate,
		WeightDecay:  config.WeightDecay,
	}})
}

// NewSGDWithGroups creates an SGD optimizer over explicit parameter groups
func NewSGDWithGroups(config SGDConfig, groups []ParamGroup) (*SGD, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	count := 0
	for _, g := range groups {
		for _, p := range g.Params {
			if len(p.Value) != len(p.Grad) {
				return nil, errors.Errorf("parameter %s: value and gradient sizes differ (%d vs %d)",
					p.Name, len(p.Value), len(p.Grad))
			}
			if seen[p.Name] {
				return nil, errors.Errorf("duplicate parameter name %s", p.Name)
			}
			seen[p.Name] = true
			count++
		}
	}
	if count == 0 {
		return nil, errors.New("no parameters provided")
	}
	return &SGD{
		config:   config,
		groups:   groups,
		momentum: make(map[*Parameter][]float64),
	}, nil
}

// Step applies one update to every parameter
func (s *SGD) Step() error {
	mu := s.config.Momentum
	for _, g := range s.groups {
		for _, p := range g.Params {
			buf, ok := s.momentum[p]
			fresh := mu > 0 && !ok
			if fresh {
				buf = make([]float64, len(p.Value))
				s.momentum[p] = buf
			}
			for i, grad := range p.Grad {
				d := grad + g.WeightDecay*p.Value[i]
				if mu > 0 {
					if fresh {
						buf[i] = d
					} else {
						buf[i] = mu*buf[i] + d
					}
					if s.config.Nesterov {
						d += mu * buf[i]
					} else {
						d = buf[i]
					}
				}
				p.Value[i] -= g.LearningRate * d
			}
		}
	}
	s.stepCount++
	return nil
}

// ZeroGrad clears every parameter gradient
func (s *SGD) ZeroGrad() {
	for _, g := range s.groups {
		for _, p := range g.Params {
			for i := range p.Grad {
				p.Grad[i] = 0
			}
		}
	}
}

// SetLearningRate sets the rate of every parameter group
func (s *SGD) SetLearningRate(lr float64) {
	for i := range s.groups {
		s.groups[i].LearningRate = lr
	}
}

// LearningRate returns the rate of the first parameter group
func (s *SGD) LearningRate() float64 {
	return s.groups[0].LearningRate
}

// GetStepCount returns the number of steps taken
func (s *SGD) GetStepCount() uint64 {
	return s.stepCount
}

// SGD state field numbers
const (
	sgdFieldStepCount protowire.Number = 1
	sgdFieldGroupLR   protowire.Number = 2
	sgdFieldMomentum  protowire.Number = 3
)

// MarshalBinary encodes the step count, group rates and momentum buffers
func (s *SGD) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, sgdFieldStepCount, protowire.VarintType)
	b = protowire.AppendVarint(b, s.stepCount)

	rates := make([]float64, len(s.groups))
	for i, g := range s.groups {
		rates[i] = g.LearningRate
	}
	b = wire.AppendDoubles(b, sgdFieldGroupLR, rates)

	for _, g := range s.groups {
		for _, p := range g.Params {
			if buf, ok := s.momentum[p]; ok {
				b = wire.AppendTensor(b, sgdFieldMomentum, p.Name, buf)
			}
		}
	}
	return b, nil
}

// UnmarshalBinary restores state written by MarshalBinary onto the same
// parameter layout
func (s *SGD) UnmarshalBinary(data []byte) error {
	byName := make(map[string]*Parameter)
	for _, g := range s.groups {
		for _, p := range g.Params {
			byName[p.Name] = p
		}
	}

	var (
		stepCount uint64
		rates     []float64
		momentum  = make(map[*Parameter][]float64)
	)
	err := wire.Range(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == sgdFieldStepCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, errors.Wrap(protowire.ParseError(n), "corrupt step count")
			}
			stepCount = v
			return n, nil
		case num == sgdFieldGroupLR && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, errors.Wrap(protowire.ParseError(n), "corrupt learning rates")
			}
			var err error
			if rates, err = wire.ConsumeDoubles(v); err != nil {
				return 0, errors.Wrap(err, "corrupt learning rates")
			}
			return n, nil
		case num == sgdFieldMomentum && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, errors.Wrap(protowire.ParseError(n), "corrupt momentum buffer")
			}
			name, buf, err := wire.ConsumeTensor(v)
			if err != nil {
				return 0, err
			}
			p, ok := byName[name]
			if !ok {
				return 0, errors.Errorf("momentum buffer for unknown parameter %s", name)
			}
			if len(buf) != len(p.Value) {
				return 0, errors.Errorf("data size mismatch for %s: expected %d elements, got %d",
					name, len(p.Value), len(buf))
			}
			momentum[p] = buf
			return n, nil
		}
		return wire.Skip(num, typ, b)
	})
	if err != nil {
		return errors.Wrap(err, "failed to decode SGD state")
	}

	if len(rates) != len(s.groups) {
		return errors.Errorf("state has %d parameter groups, optimizer has %d", len(rates), len(s.groups))
	}
	for i := range s.groups {
		s.groups[i].LearningRate = rates[i]
	}
	s.stepCount = stepCount
	s.momentum = momentum
	return nil
}
