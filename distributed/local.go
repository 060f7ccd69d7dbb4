package distributed

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// LocalBackend connects workers of one process through shared memory.
// Its rendezvous URLs have the form local://name.
const LocalBackend = "local"

func init() {
	RegisterBackend(LocalBackend, joinLocal)
}

var (
	hubsMu sync.Mutex
	hubs   = make(map[string]*hub)
)

// hub is the shared state of one in-process group. Collectives complete
// in generations: the last rank to arrive publishes the result and wakes
// the others.
type hub struct {
	name      string
	worldSize int

	mu      sync.Mutex
	cond    *sync.Cond
	members map[int]bool
	joined  int
	left    int
	err     error

	arrived int
	gen     uint64
	sum     []float64
	result  []float64
}

func joinLocal(ctx context.Context, url string, worldSize, rank int) (ProcessGroup, error) {
	name, ok := strings.CutPrefix(url, LocalBackend+"://")
	if !ok || name == "" {
		return nil, errors.Errorf("local rendezvous URL must look like local://name, got %q", url)
	}

	hubsMu.Lock()
	h, ok := hubs[name]
	if !ok {
		h = &hub{name: name, worldSize: worldSize, members: make(map[int]bool)}
		h.cond = sync.NewCond(&h.mu)
		hubs[name] = h
	}
	hubsMu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.worldSize != worldSize {
		return nil, errors.Errorf("world size %d does not match group size %d", worldSize, h.worldSize)
	}
	if h.members[rank] {
		return nil, errors.Errorf("rank %d already joined", rank)
	}
	h.members[rank] = true
	h.joined++
	h.cond.Broadcast()

	stop := h.wakeOnDone(ctx)
	defer stop()
	for h.joined < h.worldSize && h.err == nil {
		if err := ctx.Err(); err != nil {
			h.abort(err)
			break
		}
		h.cond.Wait()
	}
	if h.err != nil {
		h.release()
		return nil, h.err
	}
	return &localGroup{hub: h, rank: rank}, nil
}

// release records that one member is gone and drops the hub from the
// registry once every member has left. Callers hold h.mu.
func (h *hub) release() {
	h.left++
	if h.left == h.joined {
		hubsMu.Lock()
		if hubs[h.name] == h {
			delete(hubs, h.name)
		}
		hubsMu.Unlock()
	}
}

// wakeOnDone broadcasts when ctx is done so waiters can observe it
func (h *hub) wakeOnDone(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		h.mu.Lock()
		h.cond.Broadcast()
		h.mu.Unlock()
	})
}

// abort fails every pending and future collective. Callers hold h.mu.
func (h *hub) abort(err error) {
	if h.err == nil {
		h.err = errors.Wrap(err, "process group aborted")
	}
	h.cond.Broadcast()
}

type localGroup struct {
	hub    *hub
	rank   int
	closed bool
}

func (g *localGroup) Rank() int      { return g.rank }
func (g *localGroup) WorldSize() int { return g.hub.worldSize }

func (g *localGroup) AllReduce(ctx context.Context, data []float64) error {
	h := g.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if g.closed {
		return errors.New("process group closed")
	}
	if h.err != nil {
		return h.err
	}

	if h.arrived == 0 {
		h.sum = make([]float64, len(data))
	} else if len(h.sum) != len(data) {
		h.abort(errors.Errorf("rank %d reduced %d elements, others %d", g.rank, len(data), len(h.sum)))
		return h.err
	}
	for i, v := range data {
		h.sum[i] += v
	}
	h.arrived++

	gen := h.gen
	if h.arrived == h.worldSize {
		h.result = h.sum
		h.sum = nil
		h.arrived = 0
		h.gen++
		h.cond.Broadcast()
	} else {
		stop := h.wakeOnDone(ctx)
		defer stop()
		for h.gen == gen && h.err == nil {
			if err := ctx.Err(); err != nil {
				h.abort(err)
				break
			}
			h.cond.Wait()
		}
		if h.gen == gen {
			return h.err
		}
	}
	copy(data, h.result)
	return nil
}

func (g *localGroup) Barrier(ctx context.Context) error {
	return g.AllReduce(ctx, nil)
}

func (g *localGroup) Close() error {
	h := g.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	h.release()
	return nil
}
