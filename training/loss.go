package training

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// logEpsilon floors the softmax probabilities inside the weighted cross-entropy
const logEpsilon = 1e-7

// DefaultMediumBoundary is the class id below which a sample takes part in the
// medium branch of the ResLT loss
const DefaultMediumBoundary = 6600

// ExpertOutput holds the head and tail logits one expert emits for a batch.
// Both matrices are [batch_size, num_classes].
type ExpertOutput struct {
	Head *mat.Dense
	Tail *mat.Dense
}

// Combined returns head + tail as a new matrix
func (e ExpertOutput) Combined() *mat.Dense {
	var sum mat.Dense
	sum.Add(e.Head, e.Tail)
	return &sum
}

// ResLTConfig configures the ResLT multi-expert loss
type ResLTConfig struct {
	NumClasses     int
	NumExperts     int     // Experts combined per batch
	Beta           float64 // Mix between the F (plain) and I (weighted) terms
	LabelSmoothing float64 // δ; 0 disables smoothing
	MediumBoundary int     // Classes below this id carry medium-branch weight
}

// DefaultResLTConfig returns the configuration used for iNaturalist-scale runs
func DefaultResLTConfig() ResLTConfig {
	return ResLTConfig{
		NumClasses:     1000,
		NumExperts:     3,
		Beta:           0.5,
		LabelSmoothing: 0,
		MediumBoundary: DefaultMediumBoundary,
	}
}

// Validate checks the configuration for values the loss cannot work with
func (c ResLTConfig) Validate() error {
	if c.NumClasses <= 0 {
		return errors.Errorf("num_classes must be positive, got %d", c.NumClasses)
	}
	if c.NumExperts <= 0 {
		return errors.Errorf("number of experts must be positive, got %d", c.NumExperts)
	}
	if c.Beta < 0 || c.Beta > 1 || math.IsNaN(c.Beta) {
		return errors.Errorf("beta must be in [0, 1], got %g", c.Beta)
	}
	if c.LabelSmoothing < 0 || c.LabelSmoothing >= 1 {
		return errors.Errorf("label smoothing must be in [0, 1), got %g", c.LabelSmoothing)
	}
	if c.LabelSmoothing > 0 && c.NumClasses < 2 {
		return errors.New("label smoothing needs at least two classes")
	}
	if c.MediumBoundary < 0 {
		return errors.Errorf("medium boundary cannot be negative, got %d", c.MediumBoundary)
	}
	return nil
}

// LossResult is the outcome of one ResLT forward pass
type LossResult struct {
	Loss   float64    // Σ_k (1-β)·F_k + β·I_k
	FLoss  float64    // Σ_k F_k
	ILoss  float64    // Σ_k I_k
	Logits *mat.Dense // Σ_k (head_k + tail_k), used for accuracy
}

// ResLTLoss computes the ResLT multi-expert loss. It holds no per-batch
// state: labels and expert outputs are passed on every call.
type ResLTLoss struct {
	config ResLTConfig
}

// NewResLTLoss creates a loss engine for the given configuration
func NewResLTLoss(config ResLTConfig) (*ResLTLoss, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid ResLT configuration")
	}
	return &ResLTLoss{config: config}, nil
}

// Config returns the loss configuration
func (l *ResLTLoss) Config() ResLTConfig {
	return l.config
}

// Forward computes the scalar loss and the accumulated prediction logits
func (l *ResLTLoss) Forward(outputs []ExpertOutput, labels []int) (*LossResult, error) {
	n, err := l.check(outputs, labels)
	if err != nil {
		return nil, err
	}
	c := l.config.NumClasses
	headWeight, mediumWeight, mass := l.branchWeights(labels)
	target := LabelSmoothing(OneHot(labels, c), l.config.LabelSmoothing)

	res := &LossResult{Logits: mat.NewDense(n, c, nil)}
	for _, out := range outputs {
		iLoss := (weightedCrossEntropy(out.Head, target, headWeight) +
			weightedCrossEntropy(out.Tail, target, mediumWeight)) / mass

		logit := out.Combined()
		fLoss := CrossEntropy(logit, labels)

		res.FLoss += fLoss
		res.ILoss += iLoss
		res.Loss += (1-l.config.Beta)*fLoss + l.config.Beta*iLoss
		res.Logits.Add(res.Logits, logit)
	}
	return res, nil
}

// Backward returns d(loss)/d(logit) for every expert's head and tail logits
func (l *ResLTLoss) Backward(outputs []ExpertOutput, labels []int) ([]ExpertOutput, error) {
	n, err := l.check(outputs, labels)
	if err != nil {
		return nil, err
	}
	c := l.config.NumClasses
	beta := l.config.Beta
	headWeight, mediumWeight, mass := l.branchWeights(labels)
	target := LabelSmoothing(OneHot(labels, c), l.config.LabelSmoothing)

	grads := make([]ExpertOutput, len(outputs))
	for k, out := range outputs {
		// Plain cross-entropy on head+tail flows equally into both logits
		fGrad := crossEntropyGrad(out.Combined(), labels)
		fGrad.Scale((1-beta)/float64(n), fGrad)

		head := weightedCrossEntropyGrad(out.Head, target, headWeight)
		head.Scale(beta/mass, head)
		head.Add(head, fGrad)

		tail := weightedCrossEntropyGrad(out.Tail, target, mediumWeight)
		tail.Scale(beta/mass, tail)
		tail.Add(tail, fGrad)

		grads[k] = ExpertOutput{Head: head, Tail: tail}
	}
	return grads, nil
}

func (l *ResLTLoss) check(outputs []ExpertOutput, labels []int) (int, error) {
	if len(outputs) != l.config.NumExperts {
		return 0, errors.Errorf("expected %d expert outputs, got %d", l.config.NumExperts, len(outputs))
	}
	n := len(labels)
	if n == 0 {
		return 0, errors.New("empty batch")
	}
	if err := checkLabels(labels, l.config.NumClasses); err != nil {
		return 0, err
	}
	for k, out := range outputs {
		if out.Head == nil || out.Tail == nil {
			return 0, errors.Errorf("expert %d: missing logits", k)
		}
		for _, m := range []*mat.Dense{out.Head, out.Tail} {
			if r, c := m.Dims(); r != n || c != l.config.NumClasses {
				return 0, errors.Errorf("expert %d: logits are %dx%d, want %dx%d", k, r, c, n, l.config.NumClasses)
			}
		}
	}
	return n, nil
}

// branchWeights builds the per-sample head and medium weights and their
// combined mass. Head weight is one for every sample.
func (l *ResLTLoss) branchWeights(labels []int) (head, medium []float64, mass float64) {
	head = make([]float64, len(labels))
	medium = make([]float64, len(labels))
	for i, y := range labels {
		head[i] = 1
		if y < l.config.MediumBoundary {
			medium[i] = 1
		}
	}
	return head, medium, floats.Sum(head) + floats.Sum(medium)
}

func checkLabels(labels []int, numClasses int) error {
	for i, y := range labels {
		if y < 0 || y >= numClasses {
			return errors.Errorf("label %d at index %d out of range [0, %d)", y, i, numClasses)
		}
	}
	return nil
}

// OneHot encodes labels as a [len(labels), numClasses] indicator matrix
func OneHot(labels []int, numClasses int) *mat.Dense {
	m := mat.NewDense(len(labels), numClasses, nil)
	for i, y := range labels {
		m.Set(i, y, 1)
	}
	return m
}

// LabelSmoothing blends a one-hot target with the uniform distribution:
// (1 - δ - δ/(C-1))·y + δ/(C-1). δ = 0 returns the input unchanged.
func LabelSmoothing(oneHot *mat.Dense, delta float64) *mat.Dense {
	r, c := oneHot.Dims()
	out := mat.NewDense(r, c, nil)
	if delta == 0 || c < 2 {
		out.Copy(oneHot)
		return out
	}
	off := delta / float64(c-1)
	on := 1 - delta - off
	out.Apply(func(_, _ int, v float64) float64 {
		return on*v + off
	}, oneHot)
	return out
}

// Softmax returns the row-wise softmax of logits
func Softmax(logits *mat.Dense) *mat.Dense {
	r, c := logits.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		copy(row, logits.RawRowView(i))
		lse := floats.LogSumExp(row)
		for j := range row {
			row[j] = math.Exp(row[j] - lse)
		}
	}
	return out
}

// CrossEntropy is the batch-mean cross-entropy of logits against labels
func CrossEntropy(logits *mat.Dense, labels []int) float64 {
	r, _ := logits.Dims()
	var total float64
	for i := 0; i < r; i++ {
		row := logits.RawRowView(i)
		total += floats.LogSumExp(row) - row[labels[i]]
	}
	return total / float64(r)
}

// crossEntropyGrad is the unscaled gradient softmax(z) - y of the summed
// cross-entropy
func crossEntropyGrad(logits *mat.Dense, labels []int) *mat.Dense {
	grad := Softmax(logits)
	for i, y := range labels {
		grad.Set(i, y, grad.At(i, y)-1)
	}
	return grad
}

// weightedCrossEntropy is -Σ_n w[n] Σ_c t[n,c]·log(softmax(z)[n,c] + ε)
func weightedCrossEntropy(logits, target *mat.Dense, weight []float64) float64 {
	probs := Softmax(logits)
	r, _ := probs.Dims()
	var total float64
	for i := 0; i < r; i++ {
		if weight[i] == 0 {
			continue
		}
		p := probs.RawRowView(i)
		t := target.RawRowView(i)
		var row float64
		for j := range p {
			row += t[j] * math.Log(p[j]+logEpsilon)
		}
		total -= weight[i] * row
	}
	return total
}

// weightedCrossEntropyGrad differentiates weightedCrossEntropy including ε:
// with r_j = t_j·p_j/(p_j+ε), dL/dz_j = -w·(r_j - p_j·Σr).
func weightedCrossEntropyGrad(logits, target *mat.Dense, weight []float64) *mat.Dense {
	probs := Softmax(logits)
	r, c := probs.Dims()
	grad := mat.NewDense(r, c, nil)
	ratio := make([]float64, c)
	for i := 0; i < r; i++ {
		if weight[i] == 0 {
			continue
		}
		p := probs.RawRowView(i)
		t := target.RawRowView(i)
		for j := range p {
			ratio[j] = t[j] * p[j] / (p[j] + logEpsilon)
		}
		sum := floats.Sum(ratio)
		g := grad.RawRowView(i)
		for j := range g {
			g[j] = -weight[i] * (ratio[j] - p[j]*sum)
		}
	}
	return grad
}
