package training

import (
	"context"
	"encoding"

	"gonum.org/v1/gonum/mat"
)

// Batch is one mini-batch: images as a [batch_size, features] matrix and
// one class id per row
type Batch struct {
	Images *mat.Dense
	Labels []int
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.Labels)
}

// Model is the multi-expert network the loop trains. Its internals are
// owned by the implementation; the loop only moves logits and gradients.
type Model interface {
	// Forward returns one head/tail logit pair per expert
	Forward(images *mat.Dense) ([]ExpertOutput, error)

	// Backward accumulates parameter gradients from per-expert logit
	// gradients of the last Forward call
	Backward(grads []ExpertOutput) error

	Train()           // Sets the model to training mode
	Eval()            // Sets the model to evaluation mode
	IsTraining() bool // Returns true if in training mode

	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DataSource yields the batches of one epoch in order
type DataSource interface {
	// Len returns the number of batches per epoch
	Len() int

	// Reset rewinds the source for a new epoch
	Reset() error

	// Next returns the next batch, or nil at the end of the epoch
	Next(ctx context.Context) (*Batch, error)
}

// EpochSetter is implemented by samplers that reshuffle per epoch
type EpochSetter interface {
	SetEpoch(epoch int)
}
