package training

import (
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of the epoch index.
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch
	GetLR(epoch int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// WarmupCosineScheduler ramps the rate linearly over WarmupEpochs and then
// decays it along a half cosine that reaches zero only in the limit
type WarmupCosineScheduler struct {
	WarmupEpochs int
	TotalEpochs  int
}

// NewWarmupCosineScheduler creates the ResLT warmup + cosine schedule
func NewWarmupCosineScheduler(warmupEpochs, totalEpochs int) (*WarmupCosineScheduler, error) {
	if warmupEpochs < 0 {
		return nil, errors.Errorf("warmup epochs cannot be negative, got %d", warmupEpochs)
	}
	if totalEpochs <= 0 {
		return nil, errors.Errorf("total epochs must be positive, got %d", totalEpochs)
	}
	return &WarmupCosineScheduler{
		WarmupEpochs: warmupEpochs,
		TotalEpochs:  totalEpochs,
	}, nil
}

func (s *WarmupCosineScheduler) GetLR(epoch int, baseLR float64) float64 {
	if epoch < s.WarmupEpochs {
		return baseLR * float64(epoch+1) / float64(s.WarmupEpochs)
	}
	progress := float64(epoch-s.WarmupEpochs+1) / float64(s.TotalEpochs-s.WarmupEpochs+1)
	return 0.5 * baseLR * (1 + math.Cos(math.Pi*progress))
}

func (s *WarmupCosineScheduler) GetName() string {
	return "WarmupCosineLR"
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95 // Default: 5% reduction per epoch
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing without warmup
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains a constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// ScheduleConfig selects and parameterizes a scheduler by name
type ScheduleConfig struct {
	Name         string
	WarmupEpochs int
	TotalEpochs  int
}

var schedulers = map[string]func(ScheduleConfig) (LRScheduler, error){
	"warmup-cosine": func(c ScheduleConfig) (LRScheduler, error) {
		return NewWarmupCosineScheduler(c.WarmupEpochs, c.TotalEpochs)
	},
	"cosine": func(c ScheduleConfig) (LRScheduler, error) {
		return NewCosineAnnealingLRScheduler(c.TotalEpochs, 0), nil
	},
	"step": func(c ScheduleConfig) (LRScheduler, error) {
		return NewStepLRScheduler(30, 0.1), nil
	},
	"exponential": func(c ScheduleConfig) (LRScheduler, error) {
		return NewExponentialLRScheduler(0.95), nil
	},
	"constant": func(c ScheduleConfig) (LRScheduler, error) {
		return &NoOpScheduler{}, nil
	},
}

// NewScheduler builds the scheduler registered under config.Name
func NewScheduler(config ScheduleConfig) (LRScheduler, error) {
	build, ok := schedulers[config.Name]
	if !ok {
		return nil, errors.Errorf("unknown lr schedule %q (available: %s)",
			config.Name, strings.Join(SchedulerNames(), ", "))
	}
	return build(config)
}

// SchedulerNames lists the registered schedule names
func SchedulerNames() []string {
	names := make([]string, 0, len(schedulers))
	for name := range schedulers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
