// Package training drives the detector training loop: gradient
// accumulation across micro-batches, the burn-in learning rate
// schedule, periodic progress records and end-of-epoch checkpoints.
package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cruxml/go-yolo/checkpoints"
	"github.com/cruxml/go-yolo/config"
	"github.com/cruxml/go-yolo/dataset"
	"github.com/cruxml/go-yolo/nn"
	"github.com/cruxml/go-yolo/runlog"
	"github.com/cruxml/go-yolo/tfevents"
)

// TrainerOptions wires the training loop to its collaborators. Config,
// Model, Criterion and Loader are required. Optimizer and Schedule
// default to what the configuration names; Evaluator, Journal and
// Events degrade to doing nothing when absent.
type TrainerOptions struct {
	Config    *config.Config
	Model     nn.Model
	Criterion nn.Criterion
	Loader    *dataset.Loader
	Optimizer Optimizer
	Schedule  Schedule
	Evaluator Evaluator
	Journal   *runlog.Journal
	Events    *tfevents.Writer
	Logger    *slog.Logger
	RunID     string

	// Progress receives the per-epoch progress bar; nil disables it.
	Progress io.Writer

	// Pretrained marks the backbone as carrying loaded weights, which
	// holds it frozen for the first epoch.
	Pretrained bool

	// Resume carries the counters of a checkpoint being continued.
	Resume checkpoints.TrainingState
}

// Trainer owns one training run from start to finish.
type Trainer struct {
	cfg       *config.Config
	model     nn.Model
	criterion nn.Criterion
	loader    *dataset.Loader
	opt       Optimizer
	schedule  Schedule
	acc       *Accumulator
	evaluator Evaluator
	journal   *runlog.Journal
	events    *tfevents.Writer
	saver     *checkpoints.CheckpointSaver
	rotation  *checkpoints.RotationManager
	logger    *slog.Logger
	progress  io.Writer
	runID     string

	pretrained bool
	unfroze    bool
	startEpoch int
	bestLoss   float64
}

// NewTrainer validates the options and assembles a trainer.
func NewTrainer(opts TrainerOptions) (*Trainer, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if opts.Criterion == nil {
		return nil, fmt.Errorf("criterion is required")
	}
	if opts.Loader == nil {
		return nil, fmt.Errorf("loader is required")
	}

	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	opt := opts.Optimizer
	if opt == nil {
		var err error
		opt, err = NewOptimizer(cfg, opts.Model.Parameters())
		if err != nil {
			return nil, err
		}
	}
	schedule := opts.Schedule
	if schedule == nil {
		schedule = NewBurnInSchedule(cfg.BurnIn, cfg.Steps[0], cfg.Steps[1])
	}

	acc := NewAccumulator(opt, schedule, cfg.BaseRate(), cfg.Subdivisions)
	if opts.Resume.GlobalStep > 0 || opts.Resume.SchedSteps > 0 {
		acc.Restore(opts.Resume.GlobalStep, opts.Resume.SchedSteps)
	}

	return &Trainer{
		cfg:        cfg,
		model:      opts.Model,
		criterion:  opts.Criterion,
		loader:     opts.Loader,
		opt:        opt,
		schedule:   schedule,
		acc:        acc,
		evaluator:  opts.Evaluator,
		journal:    opts.Journal,
		events:     opts.Events,
		saver:      checkpoints.NewCheckpointSaver(),
		rotation:   checkpoints.NewRotationManager(cfg.KeepCheckpointMax, logger),
		logger:     logger,
		progress:   opts.Progress,
		runID:      runID,
		pretrained: opts.Pretrained,
		startEpoch: opts.Resume.Epoch,
		bestLoss:   opts.Resume.BestLoss,
	}, nil
}

// RunID returns the identifier the run's checkpoints and journal rows
// are tagged with.
func (t *Trainer) RunID() string {
	return t.runID
}

// Run executes the training loop until the configured epoch count is
// reached or the context is cancelled. Cancellation is observed between
// micro-batches and epochs; the trainer then writes an emergency
// checkpoint and returns nil, so an interrupt exits cleanly.
func (t *Trainer) Run(ctx context.Context) error {
	if err := os.MkdirAll(t.cfg.Checkpoints, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %v", err)
	}

	t.logger.Info("starting training run",
		"run_id", t.runID,
		"epochs", t.cfg.Epochs,
		"batch", t.cfg.Batch,
		"subdivisions", t.cfg.Subdivisions,
		"optimizer", t.opt.GetName(),
		"schedule", t.schedule.GetName(),
		"parameters", nn.CountParameters(nn.Underlying(t.model).Parameters()),
	)

	if t.journal != nil {
		// The run is underway whatever the context does; journal trouble
		// must never stop training.
		if dump, err := t.cfg.Dump(); err != nil {
			t.logger.Warn("failed to journal run start", "error", err)
		} else if err := t.journal.BeginRun(context.Background(), t.runID, time.Now(), dump); err != nil {
			t.logger.Warn("failed to journal run start", "error", err)
		}
	}

	for epoch := t.startEpoch; epoch < t.cfg.Epochs; epoch++ {
		if ctx.Err() != nil {
			return t.interrupt(epoch)
		}
		if err := t.runEpoch(ctx, epoch); err != nil {
			if ctx.Err() != nil {
				return t.interrupt(epoch)
			}
			return err
		}
	}

	if t.journal != nil {
		if err := t.journal.FinishRun(context.Background(), t.runID, runlog.StatusCompleted, time.Now()); err != nil {
			t.logger.Warn("failed to journal run completion", "error", err)
		}
	}
	t.logger.Info("training complete", "run_id", t.runID, "final_step", t.acc.GlobalStep())
	return nil
}

// runEpoch drives one epoch: fresh shuffle, micro-batch loop with
// gradient accumulation and windowed progress records, then the
// end-of-epoch checkpoint sequence.
func (t *Trainer) runEpoch(ctx context.Context, epoch int) error {
	t.applyFreeze(epoch)
	t.model.Train()
	t.loader.Reset(ctx)
	defer t.loader.Stop()

	epochStart := time.Now()
	logEvery := t.cfg.LogStep * t.cfg.Subdivisions

	var bar *ProgressBar
	if t.progress != nil {
		desc := fmt.Sprintf("Epoch %d/%d", epoch+1, t.cfg.Epochs)
		bar = NewProgressBarTo(t.progress, desc, t.loader.NumBatches())
	}

	var windowSum, epochSum nn.LossTerms
	var windowCount, epochCount int

	for {
		batch, err := t.loader.Next(ctx)
		if errors.Is(err, dataset.ErrEpochDone) {
			break
		}
		if err != nil {
			return err
		}

		terms, err := t.trainStep(batch)
		if err != nil {
			return err
		}
		windowSum.Add(terms)
		windowCount++
		epochSum.Add(terms)
		epochCount++

		if _, err := t.acc.Observe(); err != nil {
			return err
		}

		// Bar metrics refresh at the log cadence and stick between
		// refreshes.
		var barMetrics map[string]float64
		if t.acc.GlobalStep()%logEvery == 0 && windowCount > 0 {
			avg := windowSum.Scale(float64(windowCount))
			t.logWindow(epoch, avg)
			barMetrics = map[string]float64{
				"loss": avg.Total,
				"lr":   t.acc.Factor() * t.cfg.LearningRate,
			}
			windowSum = nn.LossTerms{}
			windowCount = 0
		}
		if bar != nil {
			bar.Update(epochCount, barMetrics)
		}
	}

	// A cancelled epoch can drain as if it completed; never treat it
	// as one.
	if err := ctx.Err(); err != nil {
		return err
	}
	if epochCount == 0 {
		return fmt.Errorf("epoch %d produced no batches", epoch+1)
	}
	if bar != nil {
		bar.Finish()
	}
	return t.finishEpoch(ctx, epoch, epochSum.Scale(float64(epochCount)), epochCount, time.Since(epochStart))
}

// trainStep runs forward, loss and hand-derived backward for one
// micro-batch, leaving its gradients accumulated in the model.
func (t *Trainer) trainStep(batch *dataset.Batch) (nn.LossTerms, error) {
	pred, err := t.model.Forward(batch.Input)
	if err != nil {
		return nn.LossTerms{}, fmt.Errorf("forward pass failed: %v", err)
	}
	terms, err := t.criterion.Forward(pred, batch.Target)
	if err != nil {
		return nn.LossTerms{}, fmt.Errorf("loss computation failed: %v", err)
	}
	gradOut, err := t.criterion.Backward(pred, batch.Target)
	if err != nil {
		return nn.LossTerms{}, fmt.Errorf("loss gradient failed: %v", err)
	}
	if err := t.model.Backward(batch.Input, gradOut); err != nil {
		return nn.LossTerms{}, fmt.Errorf("backward pass failed: %v", err)
	}
	return terms, nil
}

// applyFreeze holds the backbone frozen for the first epoch when it
// started from pretrained weights, and unfreezes it exactly once from
// the second epoch on.
func (t *Trainer) applyFreeze(epoch int) {
	if !t.pretrained {
		return
	}
	params := nn.Underlying(t.model).Parameters()
	switch {
	case epoch == 0:
		nn.SetGroupTrainable(params, nn.GroupBackbone, false)
		t.logger.Info("backbone frozen for warm-up epoch")
	case !t.unfroze:
		nn.SetGroupTrainable(params, nn.GroupBackbone, true)
		t.unfroze = true
		t.logger.Info("backbone unfrozen", "epoch", epoch+1)
	}
}

// logWindow emits one progress record: the loss averages since the
// previous record and the effective learning rate.
func (t *Trainer) logWindow(epoch int, avg nn.LossTerms) {
	lr := t.acc.Factor() * t.cfg.LearningRate
	t.logger.Info("train",
		"epoch", epoch+1,
		"step", t.acc.GlobalStep(),
		"loss", avg.Total,
		"loss_xy", avg.XY,
		"loss_wh", avg.WH,
		"loss_obj", avg.Obj,
		"loss_cls", avg.Cls,
		"loss_l2", avg.L2,
		"lr", lr,
	)

	step := int64(t.acc.GlobalStep())
	t.scalar("train/loss", step, avg.Total)
	t.scalar("train/loss_xy", step, avg.XY)
	t.scalar("train/loss_wh", step, avg.WH)
	t.scalar("train/loss_obj", step, avg.Obj)
	t.scalar("train/loss_cls", step, avg.Cls)
	t.scalar("train/loss_l2", step, avg.L2)
	t.scalar("train/lr", step, lr)
}

// finishEpoch runs the end-of-epoch sequence: snapshot, optional
// evaluation, checkpoint save, rotation and journaling.
func (t *Trainer) finishEpoch(ctx context.Context, epoch int, avg nn.LossTerms, batches int, elapsed time.Duration) error {
	if t.bestLoss == 0 || avg.Total < t.bestLoss {
		t.bestLoss = avg.Total
	}

	state := checkpoints.TrainingState{
		Epoch:        epoch + 1,
		GlobalStep:   t.acc.GlobalStep(),
		SchedSteps:   t.acc.SchedSteps(),
		LearningRate: t.opt.GetLR(),
		BestLoss:     t.bestLoss,
	}
	ckpt := checkpoints.Snapshot(t.model, state, t.runID)

	var valLoss float64
	var hasVal bool
	if t.evaluator != nil {
		v, err := t.evaluator.Evaluate(ctx, t.model)
		if err != nil {
			return fmt.Errorf("evaluation after epoch %d failed: %w", epoch+1, err)
		}
		valLoss, hasVal = v, true
	}

	path := filepath.Join(t.cfg.Checkpoints, fmt.Sprintf("%s%d.json", t.cfg.SavePrefix, epoch+1))
	if err := t.saver.Save(ckpt, path); err != nil {
		return fmt.Errorf("failed to save checkpoint: %v", err)
	}
	t.rotation.Record(path)
	t.rotation.Enforce()

	lr := t.acc.Factor() * t.cfg.LearningRate
	args := []any{
		"epoch", epoch + 1,
		"loss", avg.Total,
		"lr", lr,
		"batches", batches,
		"duration", elapsed.Round(time.Millisecond),
		"checkpoint", path,
	}
	if hasVal {
		args = append(args, "val_loss", valLoss)
	}
	t.logger.Info("epoch complete", args...)

	if t.journal != nil {
		rec := runlog.EpochRecord{
			RunID:        t.runID,
			Epoch:        epoch + 1,
			TrainLoss:    avg.Total,
			ValLoss:      valLoss,
			HasValLoss:   hasVal,
			LearningRate: lr,
			GlobalStep:   int64(t.acc.GlobalStep()),
			Checkpoint:   path,
			RecordedAt:   time.Now(),
		}
		// The epoch finished regardless of what the context does now.
		if err := t.journal.RecordEpoch(context.Background(), rec); err != nil {
			t.logger.Warn("failed to journal epoch", "epoch", epoch+1, "error", err)
		}
	}

	step := int64(t.acc.GlobalStep())
	t.scalar("epoch/loss", step, avg.Total)
	if hasVal {
		t.scalar("epoch/val_loss", step, valLoss)
	}
	if t.events != nil {
		if err := t.events.Flush(); err != nil {
			t.logger.Warn("failed to flush event file", "error", err)
		}
	}
	return nil
}

// interrupt writes the emergency checkpoint after a cancelled context
// was observed at a loop boundary, then reports the run as interrupted.
// The emergency file sits outside the rotation record, so it is never
// cleaned up automatically.
func (t *Trainer) interrupt(epoch int) error {
	state := checkpoints.TrainingState{
		Epoch:        epoch,
		GlobalStep:   t.acc.GlobalStep(),
		SchedSteps:   t.acc.SchedSteps(),
		LearningRate: t.opt.GetLR(),
		BestLoss:     t.bestLoss,
	}
	ckpt := checkpoints.Snapshot(t.model, state, t.runID)
	path, err := checkpoints.SaveEmergency(t.saver, t.cfg.Checkpoints, ckpt)
	if err != nil {
		return fmt.Errorf("failed to save emergency checkpoint: %w", err)
	}

	if t.journal != nil {
		if err := t.journal.FinishRun(context.Background(), t.runID, runlog.StatusInterrupted, time.Now()); err != nil {
			t.logger.Warn("failed to journal interrupt", "error", err)
		}
	}
	t.logger.Info("training interrupted, state saved",
		"checkpoint", path,
		"epoch", epoch,
		"step", t.acc.GlobalStep(),
	)
	return nil
}

// scalar writes one event scalar, downgrading failures to warnings so a
// full event disk never kills a run.
func (t *Trainer) scalar(tag string, step int64, value float64) {
	if t.events == nil {
		return
	}
	if err := t.events.AddScalar(tag, step, value); err != nil {
		t.logger.Warn("failed to write event scalar", "tag", tag, "error", err)
	}
}
