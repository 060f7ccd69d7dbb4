// Command reslt trains and evaluates ResLT multi-expert classifiers on
// long-tailed datasets, on one worker or across a process group.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/klauspost/cpuid/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-reslt/datasets"
	"github.com/tsawler/go-reslt/distributed"
	"github.com/tsawler/go-reslt/models"
	"github.com/tsawler/go-reslt/optimizer"
	"github.com/tsawler/go-reslt/training"
)

// options holds every command-line flag
type options struct {
	rootPath string
	dataset  string
	dataPath string
	mark     string
	arch     string

	workers    int // Data-loading parallelism per node
	numWorks   int // Overrides the per-worker loading parallelism when positive
	epochs     int
	startEpoch int
	batchSize  int
	printFreq  int

	lr          float64
	momentum    float64
	weightDecay float64
	lrSchedule  string
	optimizer   string

	resume     string
	autoResume bool
	evaluate   bool
	pretrained bool

	worldSize                  int
	rank                       int
	distURL                    string
	distBackend                string
	seed                       int64
	seeded                     bool
	gpu                        int
	multiprocessingDistributed bool
	nprocPerNode               int

	numClasses     int
	numExperts     int
	valNumExperts  int
	beta           float64
	gamma          float64
	lsm            float64
	dropout        bool
	warmupEpochs   int
	mediumBoundary int
	tailEnd        int
	headStart      int

	plotURL  string
	logLevel string
}

func defaultWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return 4
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	loop := training.DefaultLoopConfig()
	loss := training.DefaultResLTConfig()
	dist := distributed.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "reslt",
		Short: "Train ResLT multi-expert classifiers on long-tailed data",
		Long: "Train ResLT multi-expert classifiers on long-tailed data.\n\n" +
			"Datasets: " + strings.Join(datasets.Names(), ", ") + "\n" +
			"Architectures: " + strings.Join(models.Names(), ", ") + "\n" +
			"Backends: " + strings.Join(distributed.Backends(), ", "),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.seeded = cmd.Flags().Changed("seed")
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.rootPath, "root-path", "runs", "directory holding every run")
	f.StringVar(&opts.dataset, "dataset", datasets.SyntheticName, "dataset identifier")
	f.StringVar(&opts.dataPath, "data-path", "", "dataset location")
	f.StringVar(&opts.mark, "mark", "reslt", "run name under root-path/dataset")
	f.StringVarP(&opts.arch, "arch", "a", models.LinearReSLTName, "model architecture")

	f.IntVarP(&opts.workers, "workers", "j", defaultWorkers(), "data loading workers per node")
	f.IntVar(&opts.numWorks, "num-works", 0, "data loading workers per process, overriding the split of --workers")
	f.IntVar(&opts.epochs, "epochs", loop.Epochs, "number of total epochs to run")
	f.IntVar(&opts.startEpoch, "start-epoch", 0, "manual epoch number (useful on restarts)")
	f.IntVarP(&opts.batchSize, "batch-size", "b", dist.BatchSize, "mini-batch size of all workers on the current node")
	f.IntVarP(&opts.printFreq, "print-freq", "p", loop.PrintFreq, "print frequency in batches")

	f.Float64Var(&opts.lr, "lr", loop.BaseLR, "initial learning rate")
	f.Float64Var(&opts.momentum, "momentum", 0.9, "momentum")
	f.Float64Var(&opts.weightDecay, "wd", 5e-4, "weight decay")
	f.StringVar(&opts.optimizer, "optimizer", optimizer.SGDName, "optimizer ("+optimizer.SGDName+", "+optimizer.AdamName+")")
	f.StringVar(&opts.lrSchedule, "lr-schedule", "warmup-cosine",
		"learning rate schedule ("+strings.Join(training.SchedulerNames(), ", ")+")")

	f.StringVar(&opts.resume, "resume", "", "path to latest checkpoint")
	f.BoolVar(&opts.autoResume, "auto-resume", true, "resume from the run's best checkpoint when training on a single worker")
	f.BoolVarP(&opts.evaluate, "evaluate", "e", false, "evaluate model on validation set")
	f.BoolVar(&opts.pretrained, "pretrained", false, "use pre-trained model")

	f.IntVar(&opts.worldSize, "world-size", dist.WorldSize, "number of nodes for distributed training")
	f.IntVar(&opts.rank, "rank", dist.Rank, "node rank for distributed training")
	f.StringVar(&opts.distURL, "dist-url", dist.DistURL, "url used to set up distributed training")
	f.StringVar(&opts.distBackend, "dist-backend", dist.Backend, "distributed backend")
	f.Int64Var(&opts.seed, "seed", 0, "seed for initializing training")
	f.IntVar(&opts.gpu, "gpu", dist.GPU, "device id to use, -1 for none")
	f.BoolVar(&opts.multiprocessingDistributed, "multiprocessing-distributed", false,
		"launch one worker per device on this node and train data parallel")
	f.IntVar(&opts.nprocPerNode, "nproc-per-node", 0, "workers per node, 0 for one per visible device")

	f.IntVar(&opts.numClasses, "num-classes", loop.Partition.NumClasses, "number of classes")
	f.IntVar(&opts.numExperts, "num-experts", loss.NumExperts, "experts in the model and loss")
	f.IntVar(&opts.valNumExperts, "val-num-experts", 0, "leading experts combined for validation, 0 for all")
	f.Float64Var(&opts.beta, "beta", loss.Beta, "weight of the class-group term")
	f.Float64Var(&opts.gamma, "gamma", 0.5, "scale of the tail branch")
	f.Float64Var(&opts.lsm, "lsm", 0, "label smoothing")
	f.BoolVar(&opts.dropout, "dropout", false, "apply input dropout")
	f.IntVar(&opts.warmupEpochs, "warmup-epochs", 5, "linear warmup epochs")
	f.IntVar(&opts.mediumBoundary, "medium-boundary", training.DefaultMediumBoundary,
		"classes below this id train the tail branch")
	f.IntVar(&opts.tailEnd, "tail-end", training.DefaultTailEnd, "first class id outside the tail group")
	f.IntVar(&opts.headStart, "head-start", training.DefaultHeadStart, "first class id of the head group")

	f.StringVar(&opts.plotURL, "plot-url", "", "plotting service receiving the training curves, empty to only write "+plotsName)
	f.StringVar(&opts.logLevel, "log-level", "info", "log verbosity (debug, info, warn, error)")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("Run failed")
		stop()
		os.Exit(1)
	}
}
