package datasets

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// SyntheticName is the identifier of the synthetic long-tailed dataset
const SyntheticName = "synthetic-longtail"

func init() {
	Register(SyntheticName, func(cfg OpenConfig) (Dataset, Dataset, error) {
		sc := DefaultSyntheticConfig()
		if cfg.NumClasses > 0 {
			sc.NumClasses = cfg.NumClasses
		}
		sc.Seed = cfg.Seed
		return NewSynthetic(sc)
	})
}

// SyntheticConfig shapes the generated class distribution
type SyntheticConfig struct {
	NumClasses     int
	Features       int
	MaxPerClass    int     // Training samples of the most frequent (highest id) class
	ImbalanceRatio float64 // Most frequent over least frequent class count
	ValPerClass    int     // Validation is balanced
	Noise          float64 // Standard deviation around each class prototype
	Seed           int64
}

// DefaultSyntheticConfig returns a small 100-class long-tailed problem
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		NumClasses:     100,
		Features:       32,
		MaxPerClass:    200,
		ImbalanceRatio: 100,
		ValPerClass:    10,
		Noise:          0.5,
	}
}

// Validate checks the generator parameters
func (c SyntheticConfig) Validate() error {
	if c.NumClasses <= 0 {
		return errors.Errorf("num_classes must be positive, got %d", c.NumClasses)
	}
	if c.Features <= 0 {
		return errors.Errorf("features must be positive, got %d", c.Features)
	}
	if c.MaxPerClass <= 0 || c.ValPerClass <= 0 {
		return errors.Errorf("per-class counts must be positive, got train %d val %d", c.MaxPerClass, c.ValPerClass)
	}
	if c.ImbalanceRatio < 1 {
		return errors.Errorf("imbalance ratio must be at least 1, got %f", c.ImbalanceRatio)
	}
	if c.Noise < 0 {
		return errors.Errorf("noise cannot be negative: %f", c.Noise)
	}
	return nil
}

// ClassCount returns the number of training samples of class c. Counts
// decay exponentially from MaxPerClass at the highest id down to
// MaxPerClass/ImbalanceRatio at class 0, so low ids form the tail.
func (c SyntheticConfig) ClassCount(class int) int {
	if c.NumClasses == 1 {
		return c.MaxPerClass
	}
	frac := float64(c.NumClasses-1-class) / float64(c.NumClasses-1)
	n := int(math.Floor(float64(c.MaxPerClass) / math.Pow(c.ImbalanceRatio, frac)))
	return max(n, 1)
}

// NewSynthetic generates the training and validation splits
func NewSynthetic(cfg SyntheticConfig) (*MemoryDataset, *MemoryDataset, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "invalid synthetic config")
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	prototypes := make([][]float64, cfg.NumClasses)
	for c := range prototypes {
		prototypes[c] = make([]float64, cfg.Features)
		for j := range prototypes[c] {
			prototypes[c][j] = rng.NormFloat64()
		}
	}

	generate := func(count func(int) int) (*MemoryDataset, error) {
		var (
			features []float64
			labels   []int
		)
		for c, proto := range prototypes {
			for i := 0; i < count(c); i++ {
				for _, v := range proto {
					features = append(features, v+cfg.Noise*rng.NormFloat64())
				}
				labels = append(labels, c)
			}
		}
		return NewMemoryDataset(features, labels, cfg.Features, cfg.NumClasses)
	}

	train, err := generate(cfg.ClassCount)
	if err != nil {
		return nil, nil, err
	}
	val, err := generate(func(int) int { return cfg.ValPerClass })
	if err != nil {
		return nil, nil, err
	}
	return train, val, nil
}
