package models

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-reslt/internal/wire"
	"github.com/tsawler/go-reslt/optimizer"
	"github.com/tsawler/go-reslt/training"
)

// LinearReSLTName is the architecture identifier of LinearReSLT
const LinearReSLTName = "linear_reslt"

// dropoutRate applies when Options.Dropout is set
const dropoutRate = 0.5

// model state field numbers
const stateFieldParam protowire.Number = 1

func init() {
	Register(LinearReSLTName, func(opts Options) (Model, error) {
		return NewLinearReSLT(opts)
	})
}

type expert struct {
	head *Linear
	tail *Linear
}

// LinearReSLT is a multi-expert linear classifier over feature vectors.
// Every expert has a head and a tail branch; the tail logits are scaled
// by Gamma.
type LinearReSLT struct {
	opts     Options
	experts  []expert
	dropout  *Dropout
	training bool
}

// NewLinearReSLT creates the model in training mode
func NewLinearReSLT(opts Options) (*LinearReSLT, error) {
	if opts.Pretrained {
		return nil, errors.Errorf("no pretrained weights available for %s", LinearReSLTName)
	}
	if opts.NumExperts <= 0 {
		return nil, errors.Errorf("number of experts must be positive, got %d", opts.NumExperts)
	}
	if opts.Gamma == 0 {
		return nil, errors.New("gamma must be non-zero")
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	m := &LinearReSLT{opts: opts, training: true}
	for k := 0; k < opts.NumExperts; k++ {
		head, err := NewLinear(fmt.Sprintf("expert%d.head", k), opts.InputDim, opts.NumClasses, rng)
		if err != nil {
			return nil, err
		}
		tail, err := NewLinear(fmt.Sprintf("expert%d.tail", k), opts.InputDim, opts.NumClasses, rng)
		if err != nil {
			return nil, err
		}
		m.experts = append(m.experts, expert{head: head, tail: tail})
	}
	if opts.Dropout {
		d, err := NewDropout(dropoutRate, rng)
		if err != nil {
			return nil, err
		}
		m.dropout = d
	}
	return m, nil
}

// Forward returns the head and tail logits of every expert
func (m *LinearReSLT) Forward(images *mat.Dense) ([]training.ExpertOutput, error) {
	x := images
	if m.dropout != nil {
		x = m.dropout.Forward(images, m.training)
	}
	outputs := make([]training.ExpertOutput, len(m.experts))
	for k, e := range m.experts {
		head, err := e.head.Forward(x)
		if err != nil {
			return nil, errors.Wrapf(err, "expert %d head", k)
		}
		tail, err := e.tail.Forward(x)
		if err != nil {
			return nil, errors.Wrapf(err, "expert %d tail", k)
		}
		tail.Scale(m.opts.Gamma, tail)
		outputs[k] = training.ExpertOutput{Head: head, Tail: tail}
	}
	return outputs, nil
}

// Backward accumulates parameter gradients for the last Forward
func (m *LinearReSLT) Backward(grads []training.ExpertOutput) error {
	if len(grads) != len(m.experts) {
		return errors.Errorf("expected %d expert gradients, got %d", len(m.experts), len(grads))
	}
	for k, e := range m.experts {
		if err := e.head.Backward(grads[k].Head); err != nil {
			return errors.Wrapf(err, "expert %d head", k)
		}
		var tail mat.Dense
		tail.Scale(m.opts.Gamma, grads[k].Tail)
		if err := e.tail.Backward(&tail); err != nil {
			return errors.Wrapf(err, "expert %d tail", k)
		}
	}
	return nil
}

// Parameters returns every expert's head then tail parameters
func (m *LinearReSLT) Parameters() []*optimizer.Parameter {
	var params []*optimizer.Parameter
	for _, e := range m.experts {
		params = append(params, e.head.Parameters()...)
		params = append(params, e.tail.Parameters()...)
	}
	return params
}

func (m *LinearReSLT) Train()           { m.training = true }
func (m *LinearReSLT) Eval()            { m.training = false }
func (m *LinearReSLT) IsTraining() bool { return m.training }

// MarshalBinary encodes every parameter as a named tensor
func (m *LinearReSLT) MarshalBinary() ([]byte, error) {
	var b []byte
	for _, p := range m.Parameters() {
		b = wire.AppendTensor(b, stateFieldParam, p.Name, p.Value)
	}
	return b, nil
}

// UnmarshalBinary restores every parameter. The state must cover exactly
// this model's parameters.
func (m *LinearReSLT) UnmarshalBinary(data []byte) error {
	byName := make(map[string]*optimizer.Parameter)
	for _, p := range m.Parameters() {
		byName[p.Name] = p
	}

	values := make(map[string][]float64, len(byName))
	err := wire.Range(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != stateFieldParam || typ != protowire.BytesType {
			return wire.Skip(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, errors.Wrap(protowire.ParseError(n), "corrupt parameter")
		}
		name, data, err := wire.ConsumeTensor(v)
		if err != nil {
			return 0, err
		}
		p, ok := byName[name]
		if !ok {
			return 0, errors.Errorf("unexpected parameter %s", name)
		}
		if len(data) != len(p.Value) {
			return 0, errors.Errorf("data size mismatch for %s: expected %d elements, got %d",
				name, len(p.Value), len(data))
		}
		values[name] = data
		return n, nil
	})
	if err != nil {
		return errors.Wrap(err, "failed to decode model state")
	}
	for name, p := range byName {
		v, ok := values[name]
		if !ok {
			return errors.Errorf("model state is missing parameter %s", name)
		}
		copy(p.Value, v)
	}
	return nil
}
