package datasets

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Sampler yields the sample order of one epoch
type Sampler interface {
	// Indices returns the dataset indices of the current epoch in order
	Indices() []int

	// SetEpoch selects the epoch whose order Indices returns
	SetEpoch(epoch int)
}

// SequentialSampler visits every index in order
type SequentialSampler struct {
	n int
}

// NewSequentialSampler creates a sampler over [0, n)
func NewSequentialSampler(n int) *SequentialSampler {
	return &SequentialSampler{n: n}
}

func (s *SequentialSampler) Indices() []int {
	indices := make([]int, s.n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

func (s *SequentialSampler) SetEpoch(int) {}

// RandomSampler shuffles every index with a permutation derived from
// seed and epoch, so each epoch differs but reruns repeat
type RandomSampler struct {
	n     int
	seed  int64
	epoch int
}

// NewRandomSampler creates a shuffling sampler over [0, n)
func NewRandomSampler(n int, seed int64) *RandomSampler {
	return &RandomSampler{n: n, seed: seed}
}

func (s *RandomSampler) Indices() []int {
	return epochPermutation(s.n, s.seed, s.epoch)
}

func (s *RandomSampler) SetEpoch(epoch int) { s.epoch = epoch }

// DistributedSampler restricts each replica to a disjoint share of the
// dataset. The index list is padded by wrapping around so every replica
// sees the same number of samples.
type DistributedSampler struct {
	n           int
	numReplicas int
	rank        int
	shuffle     bool
	seed        int64
	epoch       int
}

// NewDistributedSampler creates the sampler of replica rank
func NewDistributedSampler(n, numReplicas, rank int, shuffle bool, seed int64) (*DistributedSampler, error) {
	if numReplicas <= 0 {
		return nil, errors.Errorf("number of replicas must be positive, got %d", numReplicas)
	}
	if rank < 0 || rank >= numReplicas {
		return nil, errors.Errorf("invalid rank %d, rank should be in the interval [0, %d]", rank, numReplicas-1)
	}
	if n <= 0 {
		return nil, errors.New("cannot shard an empty dataset")
	}
	return &DistributedSampler{
		n:           n,
		numReplicas: numReplicas,
		rank:        rank,
		shuffle:     shuffle,
		seed:        seed,
	}, nil
}

// NumSamples returns the per-replica sample count
func (s *DistributedSampler) NumSamples() int {
	return (s.n + s.numReplicas - 1) / s.numReplicas
}

func (s *DistributedSampler) Indices() []int {
	var all []int
	if s.shuffle {
		all = epochPermutation(s.n, s.seed, s.epoch)
	} else {
		all = NewSequentialSampler(s.n).Indices()
	}
	total := s.NumSamples() * s.numReplicas
	for i := 0; len(all) < total; i++ {
		all = append(all, all[i])
	}

	indices := make([]int, 0, s.NumSamples())
	for i := s.rank; i < total; i += s.numReplicas {
		indices = append(indices, all[i])
	}
	return indices
}

// SetEpoch must be called before every epoch so replicas shuffle alike
func (s *DistributedSampler) SetEpoch(epoch int) { s.epoch = epoch }

func epochPermutation(n int, seed int64, epoch int) []int {
	return rand.New(rand.NewSource(seed + int64(epoch))).Perm(n)
}
