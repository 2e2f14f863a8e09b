package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/cruxml/go-yolo/checkpoints"
	"github.com/cruxml/go-yolo/config"
	"github.com/cruxml/go-yolo/dataset"
	"github.com/cruxml/go-yolo/nn"
	"github.com/cruxml/go-yolo/runlog"
	"github.com/cruxml/go-yolo/tfevents"
	"github.com/cruxml/go-yolo/training"
)

// networkStride is the reference model's downsampling factor; images are
// decoded at width/stride x height/stride.
const networkStride = 32

// hiddenSize is the reference backbone width.
const hiddenSize = 64

// TrainOptions holds flags for the train command.
type TrainOptions struct {
	*RootOptions
	ConfigPath string
	Database   string
	LogDir     string
	Resume     string

	Batch        int
	Subdivisions int
	LearningRate float64
	Epochs       int
	Optimizer    string
	Pretrained   string
	TrainLabel   string
	ValLabel     string
	DatasetDir   string
	Checkpoints  string
	KeepMax      int
	Classes      int
	Width        int
	Height       int
	Parallel     int
}

// NewTrainCommand creates the train command.
func NewTrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the detector on a manifest dataset",
		Long: `Train the detector on a manifest dataset.

Settings come from built-in defaults, overlaid by --config when given,
overlaid by any flags set on the command line. Ctrl-C finishes the
current micro-batch, writes an emergency checkpoint (INTERRUPTED.json)
and exits cleanly.

Example:
  go-yolo train --config cfg/coco.yaml
  go-yolo train -b 64 -s 16 --train-label data/train.txt --dataset-dir data`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file")
	cmd.Flags().IntVarP(&opts.Batch, "batch", "b", 0, "optimization batch size")
	cmd.Flags().IntVarP(&opts.Subdivisions, "subdivisions", "s", 0, "micro-batches per optimization batch")
	cmd.Flags().Float64VarP(&opts.LearningRate, "learning-rate", "l", 0, "nominal learning rate")
	cmd.Flags().IntVar(&opts.Epochs, "epochs", 0, "epochs to train")
	cmd.Flags().StringVar(&opts.Optimizer, "optimizer", "", "optimizer (adam|sgd)")
	cmd.Flags().StringVar(&opts.Pretrained, "pretrained", "", "checkpoint supplying pretrained backbone weights")
	cmd.Flags().StringVar(&opts.TrainLabel, "train-label", "", "training manifest")
	cmd.Flags().StringVar(&opts.ValLabel, "val-label", "", "validation manifest")
	cmd.Flags().StringVar(&opts.DatasetDir, "dataset-dir", "", "directory relative image paths resolve against")
	cmd.Flags().StringVar(&opts.Checkpoints, "checkpoints", "", "checkpoint directory")
	cmd.Flags().IntVar(&opts.KeepMax, "keep-max", 0, "checkpoints retained per run (0 or less keeps all)")
	cmd.Flags().IntVar(&opts.Classes, "classes", 0, "object classes")
	cmd.Flags().IntVar(&opts.Width, "width", 0, "network input width")
	cmd.Flags().IntVar(&opts.Height, "height", 0, "network input height")
	cmd.Flags().IntVar(&opts.Parallel, "parallel", 0, "in-process data-parallel replicas")
	cmd.Flags().StringVar(&opts.Resume, "resume", "", "checkpoint to continue training from")
	cmd.Flags().StringVar(&opts.Database, "db", "", "run journal database (default <checkpoints>/runs.db)")
	cmd.Flags().StringVar(&opts.LogDir, "log-dir", "log", "TensorBoard event directory")

	return cmd
}

// resolveConfig layers the configuration: defaults, then the YAML file,
// then every flag the user actually set.
func resolveConfig(opts *TrainOptions, cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("batch") {
		cfg.Batch = opts.Batch
	}
	if flags.Changed("subdivisions") {
		cfg.Subdivisions = opts.Subdivisions
	}
	if flags.Changed("learning-rate") {
		cfg.LearningRate = opts.LearningRate
	}
	if flags.Changed("epochs") {
		cfg.Epochs = opts.Epochs
	}
	if flags.Changed("optimizer") {
		cfg.Optimizer = opts.Optimizer
	}
	if flags.Changed("pretrained") {
		cfg.Pretrained = opts.Pretrained
	}
	if flags.Changed("train-label") {
		cfg.TrainLabel = opts.TrainLabel
	}
	if flags.Changed("val-label") {
		cfg.ValLabel = opts.ValLabel
	}
	if flags.Changed("dataset-dir") {
		cfg.DatasetDir = opts.DatasetDir
	}
	if flags.Changed("checkpoints") {
		cfg.Checkpoints = opts.Checkpoints
	}
	if flags.Changed("keep-max") {
		cfg.KeepCheckpointMax = opts.KeepMax
	}
	if flags.Changed("classes") {
		cfg.Classes = opts.Classes
	}
	if flags.Changed("width") {
		cfg.Width = opts.Width
	}
	if flags.Changed("height") {
		cfg.Height = opts.Height
	}
	if flags.Changed("parallel") {
		cfg.Parallel = opts.Parallel
	}
	return cfg, nil
}

func runTrain(opts *TrainOptions, cmd *cobra.Command) error {
	cfg, err := resolveConfig(opts, cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	if cfg.TrainLabel == "" {
		return NewExitError(ExitCommandError, "a training manifest is required (--train-label or train_label in the config)")
	}

	logger := slog.Default()

	collate, err := dataset.NewImageCollate(cfg.Width, cfg.Height, networkStride, cfg.Classes)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build collate", err)
	}
	model, err := nn.NewTinyDetector(collate.InputSize(), hiddenSize, cfg.Classes)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build model", err)
	}
	criterion, err := nn.NewDetectionLoss(cfg.Classes)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build criterion", err)
	}

	saver := checkpoints.NewCheckpointSaver()

	pretrained := false
	if cfg.Pretrained != "" {
		ckpt, err := saver.Load(cfg.Pretrained)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load pretrained weights", err)
		}
		if err := ckpt.ApplyGroup(model, nn.GroupBackbone); err != nil {
			return WrapExitError(ExitCommandError, "failed to apply pretrained backbone", err)
		}
		logger.Info("pretrained backbone loaded", "path", cfg.Pretrained)
		pretrained = true
	}

	var resume checkpoints.TrainingState
	if opts.Resume != "" {
		ckpt, err := saver.Load(opts.Resume)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load resume checkpoint", err)
		}
		if err := ckpt.Apply(model); err != nil {
			return WrapExitError(ExitCommandError, "failed to apply resume checkpoint", err)
		}
		resume = ckpt.TrainingState
		logger.Info("resuming run",
			"path", opts.Resume,
			"epoch", resume.Epoch,
			"step", resume.GlobalStep)
	}

	var trainable nn.Model = model
	if cfg.Parallel > 1 {
		trainable, err = nn.NewDataParallel(model, cfg.Parallel)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to build data-parallel wrapper", err)
		}
	}

	trainSet, err := dataset.NewManifestDataset(cfg.TrainLabel, cfg.DatasetDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load training manifest", err)
	}
	loader, err := dataset.NewLoader(trainSet, dataset.LoaderConfig{
		BatchSize: cfg.MicroBatch(),
		Collate:   collate.Collate,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build loader", err)
	}

	var evaluator training.Evaluator
	valCount := 0
	if cfg.ValLabel != "" {
		valSet, err := dataset.NewManifestDataset(cfg.ValLabel, cfg.DatasetDir)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load validation manifest", err)
		}
		valLoader, err := dataset.NewLoader(valSet, dataset.LoaderConfig{
			BatchSize: cfg.MicroBatch(),
			Collate:   collate.Collate,
		})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to build validation loader", err)
		}
		evaluator = training.NewLossEvaluator(valLoader, criterion, cmd.OutOrStdout())
		valCount = valSet.Len()
	}

	if err := os.MkdirAll(cfg.Checkpoints, 0755); err != nil {
		return WrapExitError(ExitCommandError, "failed to create checkpoint directory", err)
	}
	dbPath := opts.Database
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Checkpoints, "runs.db")
	}
	journal, err := runlog.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open run journal", err)
	}
	defer func() {
		if closeErr := journal.Close(); closeErr != nil {
			logger.Error("error closing journal", "error", closeErr)
		}
	}()

	events, err := tfevents.NewWriter(opts.LogDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create event file", err)
	}
	defer func() {
		if closeErr := events.Close(); closeErr != nil {
			logger.Error("error closing event file", "error", closeErr)
		}
	}()

	printBanner(cmd, cfg, model, trainSet.Len(), valCount)

	trainer, err := training.NewTrainer(training.TrainerOptions{
		Config:     cfg,
		Model:      trainable,
		Criterion:  criterion,
		Loader:     loader,
		Evaluator:  evaluator,
		Journal:    journal,
		Events:     events,
		Logger:     logger,
		Progress:   cmd.OutOrStdout(),
		Pretrained: pretrained,
		Resume:     resume,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build trainer", err)
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, stopping after the current batch", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := trainer.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "training failed", err)
	}
	return nil
}

// printBanner reports the run shape with locale-grouped digits.
func printBanner(cmd *cobra.Command, cfg *config.Config, model nn.Model, trainCount, valCount int) {
	p := message.NewPrinter(language.English)
	out := cmd.OutOrStdout()
	p.Fprintf(out, "Training samples:   %d\n", trainCount)
	if valCount > 0 {
		p.Fprintf(out, "Validation samples: %d\n", valCount)
	}
	p.Fprintf(out, "Model parameters:   %d\n", nn.CountParameters(model.Parameters()))
	p.Fprintf(out, "Batch:              %d in %d micro-batches of %d\n",
		cfg.Batch, cfg.Subdivisions, cfg.MicroBatch())
	p.Fprintf(out, "Network:            %dx%d, %d classes\n", cfg.Width, cfg.Height, cfg.Classes)
}
