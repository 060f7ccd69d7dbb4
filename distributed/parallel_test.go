package distributed

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-reslt/models"
	"github.com/tsawler/go-reslt/optimizer"
	"github.com/tsawler/go-reslt/training"
)

func TestDataParallel(t *testing.T) {
	const (
		worldSize = 2
		batch     = 2
		features  = 3
		classes   = 4
		experts   = 2
	)
	params := make([][]*optimizer.Parameter, worldSize)

	runGroup(t, LocalBackend, "local://data-parallel", worldSize, func(ctx context.Context, pg ProcessGroup) error {
		rank := pg.Rank()
		model, err := models.NewLinearReSLT(models.Options{
			InputDim:   features,
			NumClasses: classes,
			NumExperts: experts,
			Gamma:      1,
			Seed:       int64(rank + 1),
		})
		if err != nil {
			return err
		}
		dp, err := NewDataParallel(ctx, model, pg)
		if err != nil {
			return err
		}
		if dp.Module() != model {
			return errors.New("module must return the wrapped model")
		}

		// Every rank sees a different batch: all features equal rank+1
		images := mat.NewDense(batch, features, nil)
		for i := 0; i < batch; i++ {
			for j := 0; j < features; j++ {
				images.Set(i, j, float64(rank+1))
			}
		}
		if _, err := dp.Forward(images); err != nil {
			return err
		}
		grads := make([]training.ExpertOutput, experts)
		for k := range grads {
			grads[k] = training.ExpertOutput{
				Head: onesDense(batch, classes),
				Tail: onesDense(batch, classes),
			}
		}
		if err := dp.Backward(grads); err != nil {
			return err
		}
		params[rank] = dp.Parameters()
		return nil
	})

	for i := range params[0] {
		p0, p1 := params[0][i], params[1][i]
		for j := range p0.Value {
			if p0.Value[j] != p1.Value[j] {
				t.Fatalf("%s: replicas diverge after broadcast at %d: %v vs %v", p0.Name, j, p0.Value[j], p1.Value[j])
			}
		}

		// Weight grads are batch*(rank+1) per rank, bias grads batch
		want := float64(batch)
		if len(p0.Shape) == 2 {
			want = float64(batch) * (1 + 2) / 2
		}
		for j := range p0.Grad {
			if math.Abs(p0.Grad[j]-want) > 1e-12 || math.Abs(p1.Grad[j]-want) > 1e-12 {
				t.Fatalf("%s: expected averaged gradient %v, got %v and %v", p0.Name, want, p0.Grad[j], p1.Grad[j])
			}
		}
	}
}

func onesDense(r, c int) *mat.Dense {
	m := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, 1)
		}
	}
	return m
}
