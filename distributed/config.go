// Package distributed resolves worker identity, binds devices and provides
// the collective operations data-parallel training synchronizes on.
package distributed

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// EnvURL selects environment-provided world size and rank
const EnvURL = "env://"

// Environment variables read for EnvURL rendezvous
const (
	EnvWorldSize = "WORLD_SIZE"
	EnvRank      = "RANK"
)

// Getenv looks up an environment variable; os.Getenv is the default
type Getenv func(key string) string

// Config holds the distributed launch options
type Config struct {
	WorldSize                  int // Nodes, or -1 to read WORLD_SIZE with EnvURL
	Rank                       int // Node rank, or -1 to read RANK with EnvURL
	DistURL                    string
	Backend                    string
	GPU                        int // Designated device id, -1 for none
	MultiprocessingDistributed bool
	NProcPerNode               int // Local workers per node; 0 uses the device count
	BatchSize                  int // Global batch size per node
	Workers                    int // Global data-loading parallelism per node
}

// DefaultConfig returns a single-worker configuration
func DefaultConfig() Config {
	return Config{
		WorldSize: -1,
		Rank:      -1,
		DistURL:   "tcp://127.0.0.1:23456",
		Backend:   TCPBackend,
		GPU:       -1,
		BatchSize: 128,
		Workers:   4,
	}
}

// Validate checks option ranges
func (c Config) Validate() error {
	if c.WorldSize == 0 || c.WorldSize < -1 {
		return errors.Errorf("world size must be positive or -1, got %d", c.WorldSize)
	}
	if c.Rank < -1 {
		return errors.Errorf("rank must be non-negative or -1, got %d", c.Rank)
	}
	if c.GPU < -1 {
		return errors.Errorf("gpu must be a device id or -1, got %d", c.GPU)
	}
	if c.NProcPerNode < 0 {
		return errors.Errorf("workers per node cannot be negative: %d", c.NProcPerNode)
	}
	if c.BatchSize <= 0 || c.Workers < 0 {
		return errors.Errorf("invalid batch size %d or workers %d", c.BatchSize, c.Workers)
	}
	return nil
}

// Plan is the node-level launch decision
type Plan struct {
	Distributed    bool
	Multiprocess   bool
	WorldSize      int // Total workers across every node
	WorkersPerNode int
}

// Resolve computes the launch plan. In multi-worker mode the world size
// counts every local worker of every node.
func Resolve(cfg Config, getenv Getenv) (Plan, error) {
	if err := cfg.Validate(); err != nil {
		return Plan{}, err
	}
	if getenv == nil {
		getenv = os.Getenv
	}

	worldSize := cfg.WorldSize
	if cfg.DistURL == EnvURL && worldSize == -1 {
		v, err := envInt(getenv, EnvWorldSize)
		if err != nil {
			return Plan{}, err
		}
		worldSize = v
	}
	if worldSize == -1 {
		worldSize = 1
	}

	perNode := cfg.NProcPerNode
	if perNode == 0 {
		perNode = max(DeviceCount(), 1)
	}

	plan := Plan{
		Distributed:    worldSize > 1 || cfg.MultiprocessingDistributed,
		Multiprocess:   cfg.MultiprocessingDistributed,
		WorldSize:      worldSize,
		WorkersPerNode: 1,
	}
	if cfg.MultiprocessingDistributed {
		plan.WorkersPerNode = perNode
		plan.WorldSize = perNode * worldSize
	}
	return plan, nil
}

// Placement returns the global rank of local worker local on node base
func Placement(base, local, workersPerNode int) int {
	return base*workersPerNode + local
}

// Worker is the identity and resource share of one training worker
type Worker struct {
	Rank        int
	WorldSize   int
	LocalIndex  int
	GPU         int // -1 when no device is designated
	BatchSize   int
	Workers     int
	Distributed bool
}

// IsPrimary reports whether this worker is the single designated writer
func (w Worker) IsPrimary() bool {
	return !w.Distributed || w.Rank == 0
}

// WorkerConfig derives the configuration of local worker local. When
// distributed with a designated device the node's batch size and loader
// parallelism are split across its local workers.
func WorkerConfig(cfg Config, plan Plan, local int, getenv Getenv) (Worker, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if local < 0 || local >= plan.WorkersPerNode {
		return Worker{}, errors.Errorf("local index %d outside [0, %d)", local, plan.WorkersPerNode)
	}

	w := Worker{
		WorldSize:   plan.WorldSize,
		LocalIndex:  local,
		GPU:         cfg.GPU,
		BatchSize:   cfg.BatchSize,
		Workers:     cfg.Workers,
		Distributed: plan.Distributed,
	}
	if plan.Multiprocess {
		w.GPU = local
	}
	if !plan.Distributed {
		return w, nil
	}

	rank := cfg.Rank
	if cfg.DistURL == EnvURL && rank == -1 {
		v, err := envInt(getenv, EnvRank)
		if err != nil {
			return Worker{}, err
		}
		rank = v
	}
	if rank == -1 {
		rank = 0
	}
	if plan.Multiprocess {
		rank = Placement(rank, local, plan.WorkersPerNode)
	}
	if rank < 0 || rank >= plan.WorldSize {
		return Worker{}, errors.Errorf("rank %d outside world of size %d", rank, plan.WorldSize)
	}
	w.Rank = rank

	if w.GPU >= 0 {
		n := plan.WorkersPerNode
		w.BatchSize = cfg.BatchSize / n
		w.Workers = (cfg.Workers + n - 1) / n
		if w.BatchSize == 0 {
			return Worker{}, errors.Errorf("batch size %d is smaller than %d workers per node", cfg.BatchSize, n)
		}
	}
	return w, nil
}

func envInt(getenv Getenv, key string) (int, error) {
	raw := getenv(key)
	if raw == "" {
		return 0, errors.Errorf("%s is not set", key)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return v, nil
}
