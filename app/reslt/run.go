package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-reslt/checkpoints"
	"github.com/tsawler/go-reslt/datasets"
	"github.com/tsawler/go-reslt/distributed"
	"github.com/tsawler/go-reslt/models"
	"github.com/tsawler/go-reslt/optimizer"
	"github.com/tsawler/go-reslt/training"
)

const (
	runLogName     = "train.log"
	plotsName      = "plots.json"
	loaderPrefetch = 2
)

// run resolves the launch plan and starts every local worker
func run(ctx context.Context, opts *options) error {
	level, err := logrus.ParseLevel(opts.logLevel)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", opts.logLevel)
	}
	logrus.SetLevel(level)

	if opts.seeded {
		logrus.Warn("You have chosen to seed training. Data order and initialization " +
			"are deterministic, but restarting from checkpoints may not reproduce the same run.")
	}
	if opts.gpu >= 0 {
		logrus.Warn("You have chosen a specific device. This will completely disable data parallelism.")
	}

	cfg := distributed.Config{
		WorldSize:                  opts.worldSize,
		Rank:                       opts.rank,
		DistURL:                    opts.distURL,
		Backend:                    opts.distBackend,
		GPU:                        opts.gpu,
		MultiprocessingDistributed: opts.multiprocessingDistributed,
		NProcPerNode:               opts.nprocPerNode,
		BatchSize:                  opts.batchSize,
		Workers:                    opts.workers,
	}
	plan, err := distributed.Resolve(cfg, os.Getenv)
	if err != nil {
		return errors.Wrap(err, "invalid distributed configuration")
	}

	runDir := filepath.Join(opts.rootPath, opts.dataset, opts.mark)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create run directory %s", runDir)
	}

	logrus.WithFields(logrus.Fields{
		"cpu":           cpuid.CPU.BrandName,
		"cores":         cpuid.CPU.PhysicalCores,
		"threads":       cpuid.CPU.LogicalCores,
		"avx2":          cpuid.CPU.Supports(cpuid.AVX2),
		"devices":       distributed.DeviceCount(),
		"world_size":    plan.WorldSize,
		"workers":       plan.WorkersPerNode,
		"distributed":   plan.Distributed,
		"run_directory": runDir,
	}).Info("Starting")

	if plan.Multiprocess {
		return distributed.Launch(ctx, plan.WorkersPerNode, func(ctx context.Context, local int) error {
			return runWorker(ctx, opts, cfg, plan, local, runDir)
		})
	}
	return runWorker(ctx, opts, cfg, plan, 0, runDir)
}

// runWorker builds and runs the training loop of one worker
func runWorker(ctx context.Context, opts *options, cfg distributed.Config, plan distributed.Plan, local int, runDir string) error {
	w, err := distributed.WorkerConfig(cfg, plan, local, os.Getenv)
	if err != nil {
		return err
	}
	logger := logrus.WithFields(logrus.Fields{"rank": w.Rank, "component": "worker"})

	if w.GPU >= 0 {
		dev, err := distributed.BindDevice(w.GPU)
		if err != nil {
			return errors.Wrapf(err, "failed to bind device %d", w.GPU)
		}
		defer dev.Release()
		logger.Infof("Use %s for training", dev)
	}

	var group distributed.ProcessGroup
	if w.Distributed {
		group, err = distributed.InitProcessGroup(ctx, opts.distBackend, opts.distURL, w.WorldSize, w.Rank)
		if err != nil {
			return err
		}
		defer group.Close()
	}

	trainSet, valSet, err := datasets.Open(opts.dataset, datasets.OpenConfig{
		DataPath:   opts.dataPath,
		NumClasses: opts.numClasses,
		Seed:       opts.seed,
	})
	if err != nil {
		return err
	}

	modelSeed := opts.seed
	if !opts.seeded {
		modelSeed = time.Now().UnixNano()
	}
	logger.Infof("Creating model '%s'", opts.arch)
	base, err := models.New(opts.arch, models.Options{
		InputDim:   trainSet.NumFeatures(),
		NumClasses: opts.numClasses,
		NumExperts: opts.numExperts,
		Gamma:      opts.gamma,
		Dropout:    opts.dropout,
		Pretrained: opts.pretrained,
		Seed:       modelSeed,
	})
	if err != nil {
		return err
	}
	var model models.Model = base
	if group != nil {
		model, err = distributed.NewDataParallel(ctx, base, group)
		if err != nil {
			return err
		}
	}

	opt, err := optimizer.New(optimizer.Settings{
		Name:         opts.optimizer,
		LearningRate: opts.lr,
		Momentum:     opts.momentum,
		WeightDecay:  opts.weightDecay,
	}, model.Parameters())
	if err != nil {
		return err
	}
	criterion, err := training.NewResLTLoss(training.ResLTConfig{
		NumClasses:     opts.numClasses,
		NumExperts:     opts.numExperts,
		Beta:           opts.beta,
		LabelSmoothing: opts.lsm,
		MediumBoundary: opts.mediumBoundary,
	})
	if err != nil {
		return err
	}
	scheduler, err := training.NewScheduler(training.ScheduleConfig{
		Name:         opts.lrSchedule,
		WarmupEpochs: opts.warmupEpochs,
		TotalEpochs:  opts.epochs,
	})
	if err != nil {
		return err
	}

	var sampler datasets.Sampler = datasets.NewRandomSampler(trainSet.Len(), opts.seed)
	if w.Distributed {
		sampler, err = datasets.NewDistributedSampler(trainSet.Len(), w.WorldSize, w.Rank, true, opts.seed)
		if err != nil {
			return err
		}
	}
	loaderConfig := datasets.LoaderConfig{
		BatchSize: w.BatchSize,
		Workers:   max(w.Workers, 1),
		Prefetch:  loaderPrefetch,
	}
	if opts.numWorks > 0 {
		loaderConfig.Workers = opts.numWorks
	}
	trainLoader, err := datasets.NewLoader(trainSet, sampler, loaderConfig)
	if err != nil {
		return errors.Wrap(err, "training data")
	}
	defer trainLoader.Close()
	valLoader, err := datasets.NewLoader(valSet, datasets.NewSequentialSampler(valSet.Len()), loaderConfig)
	if err != nil {
		return errors.Wrap(err, "validation data")
	}
	defer valLoader.Close()

	var runLog *training.RunLog
	if w.IsPrimary() {
		runLog, err = training.OpenRunLog(filepath.Join(runDir, runLogName), logger)
		if err != nil {
			return err
		}
	} else {
		runLog = training.DiscardRunLog(logger)
	}
	defer runLog.Close()

	trainer, err := training.NewTrainer(model, opt, criterion, scheduler, trainLoader, valLoader, training.LoopConfig{
		Arch:      opts.arch,
		Epochs:    opts.epochs,
		PrintFreq: opts.printFreq,
		BaseLR:    opts.lr,
		Evaluate:  opts.evaluate,
		Partition: training.ClassGroupPartition{
			NumClasses: opts.numClasses,
			TailEnd:    opts.tailEnd,
			HeadStart:  opts.headStart,
		},
		ValNumExperts: opts.valNumExperts,
	})
	if err != nil {
		return err
	}
	trainer.SetLogger(logger)
	trainer.SetRunLog(runLog)
	trainer.SetSampler(sampler)

	ckptConfig := checkpoints.DefaultConfig(runDir)
	var plots *training.VisualizationCollector
	if w.IsPrimary() {
		manager, err := checkpoints.NewManager(ckptConfig)
		if err != nil {
			return err
		}
		trainer.SetCheckpointSaver(manager)
		plots = training.NewVisualizationCollector(opts.arch)
		trainer.SetVisualization(plots)
	}

	state := training.TrainingState{Epoch: opts.startEpoch}
	resume := opts.resume
	if resume == "" && opts.autoResume && !w.Distributed && w.GPU < 0 {
		best := filepath.Join(runDir, ckptConfig.BestFilename)
		if _, err := os.Stat(best); err == nil {
			resume = best
		}
	}
	if resume != "" {
		restored, ok, err := trainer.Resume(resume)
		if err != nil {
			return err
		}
		if ok {
			state = restored
		}
	}

	state, err = trainer.Run(ctx, state)
	if err != nil {
		return err
	}
	if plots != nil && plots.Len() > 0 {
		publishPlots(ctx, logger, plots, filepath.Join(runDir, plotsName), opts.plotURL)
	}
	logger.WithFields(logrus.Fields{
		"epoch":     state.Epoch,
		"best_acc1": state.BestAcc1,
	}).Info("Finished")
	return nil
}

// publishPlots writes the run's curves next to its checkpoints and, when a
// plotting service is configured, posts them there. Failures are logged
// and never fail the run.
func publishPlots(ctx context.Context, logger *logrus.Entry, plots *training.VisualizationCollector, path, url string) {
	if err := plots.WriteFile(path); err != nil {
		logger.WithError(err).Warn("Failed to write plot data")
	}
	if url == "" {
		return
	}
	config := training.DefaultPlottingServiceConfig()
	config.BaseURL = url
	service := training.NewPlottingService(config)
	if err := service.CheckHealth(ctx); err != nil {
		logger.WithError(err).Warn("Plotting service unavailable")
		return
	}
	resp, err := service.BatchSendPlots(ctx, plots.Plots())
	if err != nil {
		logger.WithError(err).Warn("Failed to send plots")
		return
	}
	logger.WithField("dashboard", resp.DashboardURL).Info("Plots sent")
}
