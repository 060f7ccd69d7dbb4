package training

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-reslt/checkpoints"
	"github.com/tsawler/go-reslt/optimizer"
)

// CheckpointSaver persists a checkpoint, copying it to the best path when
// isBest. *checkpoints.Manager implements it.
type CheckpointSaver interface {
	Save(ckpt *checkpoints.Checkpoint, isBest bool) error
}

// Snapshot captures state together with the model and optimizer blobs
func Snapshot(state TrainingState, arch string, model Model, opt optimizer.Optimizer) (*checkpoints.Checkpoint, error) {
	modelState, err := model.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode model state")
	}
	optState, err := opt.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode optimizer state")
	}
	return &checkpoints.Checkpoint{
		Epoch:          state.Epoch,
		Arch:           arch,
		BestAcc1:       state.BestAcc1,
		ModelState:     modelState,
		OptimizerState: optState,
		CreatedAt:      time.Now(),
	}, nil
}

// Restore loads ckpt into model and opt and returns the state to resume
// from. A checkpoint written for another architecture is rejected.
func Restore(ckpt *checkpoints.Checkpoint, arch string, model Model, opt optimizer.Optimizer) (TrainingState, error) {
	if ckpt.Arch != arch {
		return TrainingState{}, errors.Errorf("checkpoint architecture %q incompatible with %q", ckpt.Arch, arch)
	}
	if err := model.UnmarshalBinary(ckpt.ModelState); err != nil {
		return TrainingState{}, errors.Wrap(err, "failed to load model state")
	}
	if opt != nil && len(ckpt.OptimizerState) > 0 {
		if err := opt.UnmarshalBinary(ckpt.OptimizerState); err != nil {
			return TrainingState{}, errors.Wrap(err, "failed to restore optimizer state")
		}
	}
	return TrainingState{Epoch: ckpt.Epoch, BestAcc1: ckpt.BestAcc1}, nil
}

// Resume restores the trainer's model and optimizer from path. A missing
// file is not an error: it is logged and the returned flag is false.
func (t *Trainer) Resume(path string) (TrainingState, bool, error) {
	ckpt, err := checkpoints.Load(path)
	if errors.Is(err, checkpoints.ErrNoCheckpoint) {
		t.logger.WithField("path", path).Warn("No checkpoint found")
		return TrainingState{}, false, nil
	}
	if err != nil {
		return TrainingState{}, false, err
	}
	state, err := Restore(ckpt, t.config.Arch, t.model, t.optimizer)
	if err != nil {
		return TrainingState{}, false, errors.Wrapf(err, "failed to resume from %s", path)
	}
	t.logger.WithFields(logrus.Fields{
		"path":      path,
		"epoch":     state.Epoch,
		"best_acc1": state.BestAcc1,
	}).Info("Loaded checkpoint")
	return state, true, nil
}

// saveCheckpoint snapshots the trainer and hands it to the saver
func (t *Trainer) saveCheckpoint(state TrainingState, isBest bool) error {
	ckpt, err := Snapshot(state, t.config.Arch, t.model, t.optimizer)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint")
	}
	if err := t.saver.Save(ckpt, isBest); err != nil {
		return err
	}
	t.logger.WithFields(logrus.Fields{
		"epoch":   state.Epoch,
		"is_best": isBest,
	}).Debug("Checkpoint saved")
	return nil
}
