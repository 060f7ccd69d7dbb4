package distributed

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ProcessGroup is the set of workers taking part in collectives. Every
// member must issue the same collectives in the same order.
type ProcessGroup interface {
	Rank() int
	WorldSize() int

	// AllReduce replaces data with the element-wise sum over all ranks
	AllReduce(ctx context.Context, data []float64) error

	// Barrier returns once every rank has reached it
	Barrier(ctx context.Context) error

	Close() error
}

// BackendFactory joins a process group through a rendezvous URL
type BackendFactory func(ctx context.Context, url string, worldSize, rank int) (ProcessGroup, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
)

// RegisterBackend makes a backend available by name. It panics on duplicates.
func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, dup := backends[name]; dup {
		panic("distributed: RegisterBackend called twice for " + name)
	}
	backends[name] = factory
}

// Backends returns the registered backend names, sorted
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InitProcessGroup joins the group and blocks until every rank has joined
func InitProcessGroup(ctx context.Context, backend, url string, worldSize, rank int) (ProcessGroup, error) {
	backendsMu.RLock()
	factory, ok := backends[backend]
	backendsMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown backend %q (available: %s)", backend, strings.Join(Backends(), ", "))
	}
	if worldSize <= 0 {
		return nil, errors.Errorf("world size must be positive, got %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("rank %d outside world of size %d", rank, worldSize)
	}
	pg, err := factory(ctx, url, worldSize, rank)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to initialize %s process group at %s", backend, url)
	}
	return pg, nil
}

// Launch runs fn once per local worker and waits for all of them. The
// first failure cancels the context of every other worker.
func Launch(ctx context.Context, workers int, fn func(ctx context.Context, local int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for local := 0; local < workers; local++ {
		local := local
		g.Go(func() error {
			return errors.Wrapf(fn(gctx, local), "worker %d", local)
		})
	}
	return g.Wait()
}
