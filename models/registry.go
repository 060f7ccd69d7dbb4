// Package models holds the multi-expert networks the training loop can
// build by architecture identifier.
package models

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-reslt/optimizer"
	"github.com/tsawler/go-reslt/training"
)

// Model is a trainable multi-expert network
type Model interface {
	training.Model

	// Parameters returns every trainable tensor in a stable order
	Parameters() []*optimizer.Parameter
}

// Options configures model construction
type Options struct {
	InputDim   int
	NumClasses int
	NumExperts int
	Gamma      float64 // Scale applied to the tail branch
	Dropout    bool
	Pretrained bool
	Seed       int64
}

// Factory builds a model from options
type Factory func(opts Options) (Model, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a model available by name. It panics on duplicates.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("models: Register called twice for " + name)
	}
	registry[name] = factory
}

// Names returns the registered architecture identifiers, sorted
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

// New builds the model registered as name
func New(name string, opts Options) (Model, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown architecture %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	m, err := factory(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build %s", name)
	}
	return m, nil
}
