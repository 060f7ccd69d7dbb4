// Package datasets provides the feature datasets, samplers and batch
// loaders the training loop consumes.
package datasets

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int         // Total number of samples
	NumFeatures() int // Length of every feature vector
	NumClasses() int  // Labels lie in [0, NumClasses)

	// Get copies sample idx's features into dst and returns its label
	Get(idx int, dst []float64) (label int, err error)
}

// OpenConfig configures how a registered dataset is opened
type OpenConfig struct {
	DataPath   string
	NumClasses int
	Seed       int64
}

// Opener opens the training and validation splits of a dataset
type Opener func(cfg OpenConfig) (train, val Dataset, err error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Opener)
)

// Register makes a dataset available by name. It panics on duplicates.
func Register(name string, open Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("datasets: Register called twice for " + name)
	}
	registry[name] = open
}

// Names returns the registered dataset identifiers, sorted
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens both splits of the dataset registered as name
func Open(name string, cfg OpenConfig) (train, val Dataset, err error) {
	registryMu.RLock()
	open, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, nil, errors.Errorf("unknown dataset %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	train, val, err = open(cfg)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open dataset %s", name)
	}
	if train.NumFeatures() != val.NumFeatures() {
		return nil, nil, errors.Errorf("dataset %s: train has %d features, val has %d",
			name, train.NumFeatures(), val.NumFeatures())
	}
	return train, val, nil
}

// MemoryDataset holds every sample in one flat slice
type MemoryDataset struct {
	features   []float64
	labels     []int
	dim        int
	numClasses int
}

// NewMemoryDataset creates a dataset from row-major features and labels
func NewMemoryDataset(features []float64, labels []int, dim, numClasses int) (*MemoryDataset, error) {
	if dim <= 0 {
		return nil, errors.Errorf("feature dimension must be positive, got %d", dim)
	}
	if len(features) != len(labels)*dim {
		return nil, errors.Errorf("data and labels must have the same length: got %d rows of features and %d labels",
			len(features)/dim, len(labels))
	}
	for i, y := range labels {
		if y < 0 || y >= numClasses {
			return nil, errors.Errorf("label %d at index %d out of range [0, %d)", y, i, numClasses)
		}
	}
	return &MemoryDataset{features: features, labels: labels, dim: dim, numClasses: numClasses}, nil
}

// Len returns the number of samples in the dataset
func (ds *MemoryDataset) Len() int { return len(ds.labels) }

// NumFeatures returns the feature vector length
func (ds *MemoryDataset) NumFeatures() int { return ds.dim }

// NumClasses returns the size of the label space
func (ds *MemoryDataset) NumClasses() int { return ds.numClasses }

// Get returns a sample at the given index
func (ds *MemoryDataset) Get(idx int, dst []float64) (int, error) {
	if idx < 0 || idx >= len(ds.labels) {
		return 0, errors.Errorf("index %d out of range [0, %d)", idx, len(ds.labels))
	}
	if len(dst) != ds.dim {
		return 0, errors.Errorf("destination has %d elements, want %d", len(dst), ds.dim)
	}
	copy(dst, ds.features[idx*ds.dim:(idx+1)*ds.dim])
	return ds.labels[idx], nil
}

// ClassCounts returns the number of samples of every class
func ClassCounts(ds Dataset) ([]int, error) {
	counts := make([]int, ds.NumClasses())
	buf := make([]float64, ds.NumFeatures())
	for i := 0; i < ds.Len(); i++ {
		y, err := ds.Get(i, buf)
		if err != nil {
			return nil, err
		}
		counts[y]++
	}
	return counts, nil
}
