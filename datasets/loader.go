package datasets

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-reslt/training"
)

// LoaderConfig holds configuration for batch loading
type LoaderConfig struct {
	BatchSize int
	Workers   int // Samples read in parallel while assembling a batch
	Prefetch  int // Batches assembled ahead of the consumer
}

// DefaultLoaderConfig returns the default loading configuration
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		BatchSize: 128,
		Workers:   4,
		Prefetch:  2,
	}
}

// Validate checks the loader configuration
func (c LoaderConfig) Validate() error {
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Workers <= 0 {
		return errors.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Prefetch < 0 {
		return errors.Errorf("prefetch cannot be negative: %d", c.Prefetch)
	}
	return nil
}

type loadResult struct {
	batch *training.Batch
	err   error
}

// Loader assembles batches in sampler order on a background goroutine.
// Batches are delivered strictly in order.
type Loader struct {
	dataset    Dataset
	sampler    Sampler
	config     LoaderConfig
	numSamples int

	results <-chan loadResult
	cancel  context.CancelFunc
}

// NewLoader creates a loader; Reset starts each epoch
func NewLoader(dataset Dataset, sampler Sampler, config LoaderConfig) (*Loader, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid loader config")
	}
	if dataset.Len() == 0 {
		return nil, errors.New("dataset is empty")
	}
	return &Loader{
		dataset:    dataset,
		sampler:    sampler,
		config:     config,
		numSamples: len(sampler.Indices()),
	}, nil
}

// Len returns the number of batches in an epoch
func (l *Loader) Len() int {
	return (l.numSamples + l.config.BatchSize - 1) / l.config.BatchSize
}

// Reset stops any epoch in flight and starts loading the sampler's
// current order
func (l *Loader) Reset() error {
	l.stop()

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan loadResult, l.config.Prefetch)
	l.results = results
	l.cancel = cancel

	go l.produce(ctx, l.sampler.Indices(), results)
	return nil
}

// Next returns the next batch or nil if the epoch is complete
func (l *Loader) Next(ctx context.Context) (*training.Batch, error) {
	if l.results == nil {
		return nil, errors.New("loader not started, call Reset first")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r, ok := <-l.results:
		if !ok {
			return nil, nil
		}
		return r.batch, r.err
	}
}

// Close stops background loading
func (l *Loader) Close() {
	l.stop()
}

func (l *Loader) stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	for range l.results {
	}
	l.cancel = nil
	l.results = nil
}

func (l *Loader) produce(ctx context.Context, indices []int, out chan<- loadResult) {
	defer close(out)
	for start := 0; start < len(indices); start += l.config.BatchSize {
		end := min(start+l.config.BatchSize, len(indices))
		batch, err := l.loadBatch(ctx, indices[start:end])
		select {
		case out <- loadResult{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// loadBatch reads the samples of one batch in parallel into a single matrix
func (l *Loader) loadBatch(ctx context.Context, indices []int) (*training.Batch, error) {
	images := mat.NewDense(len(indices), l.dataset.NumFeatures(), nil)
	labels := make([]int, len(indices))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.config.Workers)
	for i, idx := range indices {
		i, idx := i, idx
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			y, err := l.dataset.Get(idx, images.RawRowView(i))
			if err != nil {
				return errors.Wrapf(err, "failed to load sample %d", idx)
			}
			labels[i] = y
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &training.Batch{Images: images, Labels: labels}, nil
}
