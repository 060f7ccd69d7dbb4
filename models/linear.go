package models

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-reslt/optimizer"
)

// Linear implements a fully connected layer: y = xW + b
type Linear struct {
	weight *optimizer.Parameter // [in, out]
	bias   *optimizer.Parameter // [out]

	in, out int
	input   *mat.Dense // cached by Forward for Backward
}

// NewLinear creates a Linear layer with Xavier/Glorot uniform weights
// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out))) and zero bias
func NewLinear(name string, in, out int, rng *rand.Rand) (*Linear, error) {
	if in <= 0 || out <= 0 {
		return nil, errors.Errorf("invalid linear layer size %dx%d", in, out)
	}
	weight := optimizer.NewParameter(name+".weight", in, out)
	bound := math.Sqrt(6.0 / float64(in+out))
	for i := range weight.Value {
		weight.Value[i] = (rng.Float64()*2.0 - 1.0) * bound
	}
	return &Linear{
		weight: weight,
		bias:   optimizer.NewParameter(name+".bias", out),
		in:     in,
		out:    out,
	}, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(x *mat.Dense) (*mat.Dense, error) {
	r, c := x.Dims()
	if c != l.in {
		return nil, errors.Errorf("input size mismatch: expected %d, got %d", l.in, c)
	}
	w := mat.NewDense(l.in, l.out, l.weight.Value)
	y := mat.NewDense(r, l.out, nil)
	y.Mul(x, w)
	for i := 0; i < r; i++ {
		row := y.RawRowView(i)
		for j, b := range l.bias.Value {
			row[j] += b
		}
	}
	l.input = x
	return y, nil
}

// Backward accumulates dW = xᵀ·g and db = Σ_rows g from the last Forward
func (l *Linear) Backward(g *mat.Dense) error {
	if l.input == nil {
		return errors.New("backward called before forward")
	}
	r, c := g.Dims()
	if ir, _ := l.input.Dims(); r != ir || c != l.out {
		return errors.Errorf("gradient shape mismatch: expected [%d, %d], got [%d, %d]", ir, l.out, r, c)
	}
	dw := mat.NewDense(l.in, l.out, l.weight.Grad)
	var step mat.Dense
	step.Mul(l.input.T(), g)
	dw.Add(dw, &step)
	for i := 0; i < r; i++ {
		for j, v := range g.RawRowView(i) {
			l.bias.Grad[j] += v
		}
	}
	return nil
}

// Parameters returns the weight and bias
func (l *Linear) Parameters() []*optimizer.Parameter {
	return []*optimizer.Parameter{l.weight, l.bias}
}

// Dropout zeroes inputs with probability p while training and scales the
// survivors by 1/(1-p). Evaluation is the identity.
type Dropout struct {
	p   float64
	rng *rand.Rand
}

// NewDropout creates a dropout layer
func NewDropout(p float64, rng *rand.Rand) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, errors.Errorf("dropout probability must be in [0, 1), got %f", p)
	}
	return &Dropout{p: p, rng: rng}, nil
}

// Forward applies a fresh mask when training
func (d *Dropout) Forward(x *mat.Dense, training bool) *mat.Dense {
	if !training || d.p == 0 {
		return x
	}
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	scale := 1 / (1 - d.p)
	for i := 0; i < r; i++ {
		src, dst := x.RawRowView(i), out.RawRowView(i)
		for j, v := range src {
			if d.rng.Float64() >= d.p {
				dst[j] = v * scale
			}
		}
	}
	return out
}
