package distributed

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tsawler/go-reslt/models"
	"github.com/tsawler/go-reslt/training"
)

// DataParallel replicates a model across a process group. Parameters start
// from rank 0's values and gradients are averaged over ranks after every
// backward pass, so replicas stay identical under the same optimizer.
type DataParallel struct {
	models.Model

	ctx   context.Context
	group ProcessGroup
	flat  []float64
}

// NewDataParallel broadcasts rank 0's parameters to every rank. The
// context bounds every later collective.
func NewDataParallel(ctx context.Context, model models.Model, group ProcessGroup) (*DataParallel, error) {
	dp := &DataParallel{
		Model: model,
		ctx:   ctx,
		group: group,
	}
	if err := dp.broadcastParameters(); err != nil {
		return nil, errors.Wrap(err, "failed to synchronize initial parameters")
	}
	return dp, nil
}

// broadcastParameters sums rank 0's values with zeros from every other rank
func (dp *DataParallel) broadcastParameters() error {
	buf := dp.buffer()
	if dp.group.Rank() == 0 {
		off := 0
		for _, p := range dp.Parameters() {
			off += copy(buf[off:], p.Value)
		}
	} else {
		clear(buf)
	}
	if err := dp.group.AllReduce(dp.ctx, buf); err != nil {
		return err
	}
	off := 0
	for _, p := range dp.Parameters() {
		off += copy(p.Value, buf[off:])
	}
	return nil
}

// Backward accumulates local gradients and replaces them with the mean
// over every rank
func (dp *DataParallel) Backward(grads []training.ExpertOutput) error {
	if err := dp.Model.Backward(grads); err != nil {
		return err
	}
	if dp.group.WorldSize() == 1 {
		return nil
	}

	buf := dp.buffer()
	off := 0
	for _, p := range dp.Parameters() {
		off += copy(buf[off:], p.Grad)
	}
	if err := dp.group.AllReduce(dp.ctx, buf); err != nil {
		return errors.Wrap(err, "gradient all-reduce failed")
	}
	scale := 1 / float64(dp.group.WorldSize())
	off = 0
	for _, p := range dp.Parameters() {
		for i := range p.Grad {
			p.Grad[i] = buf[off+i] * scale
		}
		off += len(p.Grad)
	}
	return nil
}

// Module returns the wrapped model
func (dp *DataParallel) Module() models.Model {
	return dp.Model
}

func (dp *DataParallel) buffer() []float64 {
	n := 0
	for _, p := range dp.Parameters() {
		n += len(p.Value)
	}
	if cap(dp.flat) < n {
		dp.flat = make([]float64, n)
	}
	dp.flat = dp.flat[:n]
	return dp.flat
}
