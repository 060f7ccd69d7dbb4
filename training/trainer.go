package training

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-reslt/optimizer"
)

// LoopConfig holds configuration for the epoch loop
type LoopConfig struct {
	Arch      string
	Epochs    int
	PrintFreq int     // Display progress every N batches
	BaseLR    float64 // Peak rate handed to the scheduler
	Evaluate  bool    // Run a single validation pass and return
	Partition ClassGroupPartition

	// ValNumExperts is how many leading experts validation combines;
	// 0 combines all of them
	ValNumExperts int
}

// DefaultLoopConfig returns the ResLT training defaults
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Arch:      "linear_reslt",
		Epochs:    90,
		PrintFreq: 10,
		BaseLR:    0.2,
		Partition: ClassGroupPartition{
			NumClasses: 8142,
			TailEnd:    DefaultTailEnd,
			HeadStart:  DefaultHeadStart,
		},
	}
}

// Validate checks the loop configuration
func (c LoopConfig) Validate() error {
	if c.Arch == "" {
		return errors.New("architecture identifier is required")
	}
	if c.Epochs < 0 {
		return errors.Errorf("epochs cannot be negative: %d", c.Epochs)
	}
	if c.PrintFreq <= 0 {
		return errors.Errorf("print frequency must be positive, got %d", c.PrintFreq)
	}
	if c.BaseLR < 0 {
		return errors.Errorf("learning rate cannot be negative: %f", c.BaseLR)
	}
	if c.ValNumExperts < 0 {
		return errors.Errorf("validation experts cannot be negative: %d", c.ValNumExperts)
	}
	return c.Partition.Validate()
}

// TrainingState is the progress threaded through the loop. Epoch is the
// next epoch to run.
type TrainingState struct {
	Epoch    int
	BestAcc1 float64
}

// EpochStats holds the averaged meters of one training pass
type EpochStats struct {
	Epoch        int
	LearningRate float64
	Loss         float64
	FLoss        float64
	ILoss        float64
	Top1         float64
	Top5         float64
	Duration     time.Duration
}

// ValidationResult holds the averaged meters of one validation pass
type ValidationResult struct {
	Loss   float64
	Top1   float64
	Top5   float64
	Groups GroupAccuracy
}

// Trainer manages the training process
type Trainer struct {
	model     Model
	optimizer optimizer.Optimizer
	criterion *ResLTLoss
	scheduler LRScheduler
	config    LoopConfig

	train DataSource
	val   DataSource

	sampler EpochSetter
	saver   CheckpointSaver
	runLog  LineWriter
	logger  *logrus.Entry
	plots   *VisualizationCollector

	history []EpochStats
}

// NewTrainer creates a new Trainer
func NewTrainer(model Model, opt optimizer.Optimizer, criterion *ResLTLoss, scheduler LRScheduler,
	train, val DataSource, config LoopConfig) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid loop config")
	}
	if config.Partition.NumClasses != criterion.Config().NumClasses {
		return nil, errors.Errorf("class partition covers %d classes, loss expects %d",
			config.Partition.NumClasses, criterion.Config().NumClasses)
	}
	if config.ValNumExperts > criterion.Config().NumExperts {
		return nil, errors.Errorf("cannot validate with %d of %d experts",
			config.ValNumExperts, criterion.Config().NumExperts)
	}
	if model == nil || opt == nil || scheduler == nil || val == nil {
		return nil, errors.New("model, optimizer, scheduler and validation data are required")
	}
	if train == nil && !config.Evaluate {
		return nil, errors.New("training data is required unless evaluating")
	}
	return &Trainer{
		model:     model,
		optimizer: opt,
		criterion: criterion,
		scheduler: scheduler,
		config:    config,
		train:     train,
		val:       val,
		logger:    logrus.NewEntry(logrus.StandardLogger()),
	}, nil
}

// SetSampler registers the sampler informed of each epoch when distributed
func (t *Trainer) SetSampler(s EpochSetter) { t.sampler = s }

// SetCheckpointSaver registers the checkpoint writer. Leave unset on
// workers that must not write.
func (t *Trainer) SetCheckpointSaver(s CheckpointSaver) { t.saver = s }

// SetRunLog registers the sink for progress and summary lines
func (t *Trainer) SetRunLog(w LineWriter) { t.runLog = w }

// SetLogger replaces the diagnostic logger
func (t *Trainer) SetLogger(l *logrus.Entry) { t.logger = l }

// SetVisualization registers a collector that receives every epoch's curves
func (t *Trainer) SetVisualization(vc *VisualizationCollector) { t.plots = vc }

// History returns the stats of every completed training pass
func (t *Trainer) History() []EpochStats {
	return t.history
}

// Run trains from state.Epoch to the configured epoch count and returns
// the final state. In evaluate mode it runs one validation pass.
func (t *Trainer) Run(ctx context.Context, state TrainingState) (TrainingState, error) {
	if t.config.Evaluate {
		_, err := t.Validate(ctx)
		return state, err
	}

	for epoch := state.Epoch; epoch < t.config.Epochs; epoch++ {
		if t.sampler != nil {
			t.sampler.SetEpoch(epoch)
		}
		lr := t.scheduler.GetLR(epoch, t.config.BaseLR)
		t.optimizer.SetLearningRate(lr)

		stats, err := t.trainEpoch(ctx, epoch)
		if err != nil {
			return state, errors.Wrapf(err, "training epoch %d failed", epoch)
		}
		stats.LearningRate = lr
		t.history = append(t.history, stats)

		res, err := t.Validate(ctx)
		if err != nil {
			return state, errors.Wrapf(err, "validation epoch %d failed", epoch)
		}
		if t.plots != nil {
			t.plots.RecordEpoch(stats, res)
		}

		isBest := res.Top1 > state.BestAcc1
		state.BestAcc1 = math.Max(res.Top1, state.BestAcc1)
		state.Epoch = epoch + 1

		t.logger.WithFields(logrus.Fields{
			"epoch":     epoch,
			"lr":        lr,
			"loss":      stats.Loss,
			"acc1":      res.Top1,
			"best_acc1": state.BestAcc1,
			"duration":  stats.Duration.Round(time.Millisecond),
		}).Info("Epoch complete")

		if t.saver != nil {
			if err := t.saveCheckpoint(state, isBest); err != nil {
				return state, err
			}
		}
	}
	return state, nil
}

// trainEpoch runs one training epoch
func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (EpochStats, error) {
	start := time.Now()
	batchTime := NewAverageMeter("Time", TimeFormat)
	dataTime := NewAverageMeter("Data", TimeFormat)
	losses := NewAverageMeter("Loss", LossFormat)
	top1 := NewAverageMeter("Acc@1", AccuracyFormat)
	top5 := NewAverageMeter("Acc@5", AccuracyFormat)
	fLosses := NewAverageMeter("F_Loss", LossFormat)
	iLosses := NewAverageMeter("I_Loss", LossFormat)
	progress := NewProgressMeter(t.train.Len(),
		[]*AverageMeter{batchTime, dataTime, losses, top1, top5},
		fmt.Sprintf("Epoch: [%d]", epoch), t.runLog)

	t.model.Train()
	if err := t.train.Reset(); err != nil {
		return EpochStats{}, errors.Wrap(err, "failed to reset training data")
	}

	ks := t.topK()
	end := time.Now()
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return EpochStats{}, err
		}
		batch, err := t.train.Next(ctx)
		if err != nil {
			return EpochStats{}, errors.Wrap(err, "failed to load batch")
		}
		if batch == nil {
			break
		}
		dataTime.Update(time.Since(end).Seconds(), 1)

		outputs, err := t.model.Forward(batch.Images)
		if err != nil {
			return EpochStats{}, errors.Wrap(err, "forward pass failed")
		}
		res, err := t.criterion.Forward(outputs, batch.Labels)
		if err != nil {
			return EpochStats{}, errors.Wrap(err, "loss computation failed")
		}
		if math.IsNaN(res.Loss) {
			return EpochStats{}, errors.Errorf("batch %d loss is NaN, training interrupted", i)
		}

		acc, err := TopKAccuracy(res.Logits, batch.Labels, ks...)
		if err != nil {
			return EpochStats{}, err
		}
		n := batch.Size()
		losses.Update(res.Loss, n)
		fLosses.Update(res.FLoss, n)
		iLosses.Update(res.ILoss, n)
		top1.Update(acc[0], n)
		top5.Update(acc[1], n)

		t.optimizer.ZeroGrad()
		grads, err := t.criterion.Backward(outputs, batch.Labels)
		if err != nil {
			return EpochStats{}, errors.Wrap(err, "loss gradient failed")
		}
		if err := t.model.Backward(grads); err != nil {
			return EpochStats{}, errors.Wrap(err, "backward pass failed")
		}
		if err := t.optimizer.Step(); err != nil {
			return EpochStats{}, errors.Wrap(err, "optimizer step failed")
		}

		batchTime.Update(time.Since(end).Seconds(), 1)
		end = time.Now()

		if i%t.config.PrintFreq == 0 {
			progress.Display(i)
		}
	}

	return EpochStats{
		Epoch:    epoch,
		Loss:     losses.Avg,
		FLoss:    fLosses.Avg,
		ILoss:    iLosses.Avg,
		Top1:     top1.Avg,
		Top5:     top5.Avg,
		Duration: time.Since(start),
	}, nil
}

// Validate runs one pass over the validation data without parameter updates
func (t *Trainer) Validate(ctx context.Context) (*ValidationResult, error) {
	batchTime := NewAverageMeter("Time", TimeFormat)
	losses := NewAverageMeter("Loss", LossFormat)
	top1 := NewAverageMeter("All_Acc@1", AccuracyFormat)
	top5 := NewAverageMeter("All_Acc@5", AccuracyFormat)
	progress := NewProgressMeter(t.val.Len(),
		[]*AverageMeter{batchTime, losses, top1, top5}, "Test: ", t.runLog)

	classAcc, err := NewClassAccuracy(t.config.Partition)
	if err != nil {
		return nil, err
	}

	t.model.Eval()
	defer t.model.Train()
	if err := t.val.Reset(); err != nil {
		return nil, errors.Wrap(err, "failed to reset validation data")
	}

	ks := t.topK()
	numExperts := t.criterion.Config().NumExperts
	valExperts := numExperts
	if t.config.ValNumExperts > 0 {
		valExperts = t.config.ValNumExperts
	}
	end := time.Now()
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := t.val.Next(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load batch")
		}
		if batch == nil {
			break
		}

		outputs, err := t.model.Forward(batch.Images)
		if err != nil {
			return nil, errors.Wrap(err, "validation forward pass failed")
		}
		if len(outputs) != numExperts {
			return nil, errors.Errorf("expected %d expert outputs, got %d", numExperts, len(outputs))
		}
		if err := checkLabels(batch.Labels, t.config.Partition.NumClasses); err != nil {
			return nil, err
		}
		logits := validationLogits(outputs[:valExperts])

		acc, err := TopKAccuracy(logits, batch.Labels, ks...)
		if err != nil {
			return nil, err
		}
		if err := classAcc.Update(logits, batch.Labels); err != nil {
			return nil, err
		}
		n := batch.Size()
		losses.Update(CrossEntropy(logits, batch.Labels), n)
		top1.Update(acc[0], n)
		top5.Update(acc[1], n)

		batchTime.Update(time.Since(end).Seconds(), 1)
		end = time.Now()

		if i%t.config.PrintFreq == 0 {
			progress.Display(i)
		}
	}

	res := &ValidationResult{
		Loss:   losses.Avg,
		Top1:   top1.Avg,
		Top5:   top5.Avg,
		Groups: classAcc.Groups(),
	}
	summary := FormatValidationSummary(res.Top1, res.Top5, res.Groups)
	if t.runLog != nil {
		t.runLog.WriteLine(summary)
	}
	t.logger.WithFields(logrus.Fields{
		"acc1": res.Top1,
		"acc5": res.Top5,
		"hacc": res.Groups.Head,
		"macc": res.Groups.Medium,
		"tacc": res.Groups.Tail,
	}).Debug("Validation complete")
	return res, nil
}

// topK returns the ranks reported as Acc@1 and Acc@5, capped by the class count
func (t *Trainer) topK() []int {
	return []int{1, min(5, t.config.Partition.NumClasses)}
}

// validationLogits sums head+tail over experts and halves the result
func validationLogits(outputs []ExpertOutput) *mat.Dense {
	r, c := outputs[0].Head.Dims()
	sum := mat.NewDense(r, c, nil)
	for _, out := range outputs {
		sum.Add(sum, out.Head)
		sum.Add(sum, out.Tail)
	}
	sum.Scale(0.5, sum)
	return sum
}
