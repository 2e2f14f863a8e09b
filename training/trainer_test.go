package training

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cruxml/go-yolo/checkpoints"
	"github.com/cruxml/go-yolo/config"
	"github.com/cruxml/go-yolo/dataset"
	"github.com/cruxml/go-yolo/nn"
	"github.com/cruxml/go-yolo/runlog"
)

// syntheticDataset feeds placeholder entries; the collate below ignores
// their paths entirely, so no files are touched.
type syntheticDataset struct{ n int }

func (d syntheticDataset) Len() int { return d.n }

func (d syntheticDataset) GetItem(i int) (dataset.Entry, error) {
	return dataset.Entry{Image: fmt.Sprintf("synthetic-%d.png", i)}, nil
}

// syntheticCollate builds constant-valued batches shaped for a model
// with the given input and output widths.
func syntheticCollate(inputSize, targetSize int) dataset.Collate {
	return func(entries []dataset.Entry) (*dataset.Batch, error) {
		n := len(entries)
		input, err := nn.Zeros([]int{n, inputSize})
		if err != nil {
			return nil, err
		}
		target, err := nn.Zeros([]int{n, targetSize})
		if err != nil {
			return nil, err
		}
		for i := range input.Data {
			input.Data[i] = 0.5
		}
		for i := range target.Data {
			target.Data[i] = 0.1
		}
		return &dataset.Batch{Input: input, Target: target, Entries: entries}, nil
	}
}

func newSyntheticLoader(t *testing.T, samples, batchSize, inputSize, targetSize int) *dataset.Loader {
	t.Helper()
	loader, err := dataset.NewLoader(syntheticDataset{n: samples}, dataset.LoaderConfig{
		BatchSize: batchSize,
		Seed:      1,
		Collate:   syntheticCollate(inputSize, targetSize),
	})
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	return loader
}

func quietTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// trainerTestConfig shrinks the stock configuration to a size a unit
// test can run end to end: two epochs of four micro-batches.
func trainerTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Batch = 4
	cfg.Subdivisions = 2
	cfg.BurnIn = 2
	cfg.Steps = []int{1000, 2000}
	cfg.Classes = 2
	cfg.Epochs = 2
	cfg.LogStep = 1
	cfg.Checkpoints = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

func newTestModel2(t *testing.T, seed int64) *nn.TinyDetector {
	t.Helper()
	nn.SetRandomSeed(seed)
	model, err := nn.NewTinyDetector(4, 3, 2)
	if err != nil {
		t.Fatalf("NewTinyDetector failed: %v", err)
	}
	return model
}

func newTestCriterion(t *testing.T) *nn.DetectionLoss {
	t.Helper()
	criterion, err := nn.NewDetectionLoss(2)
	if err != nil {
		t.Fatalf("NewDetectionLoss failed: %v", err)
	}
	return criterion
}

func TestTrainerRunCompletes(t *testing.T) {
	cfg := trainerTestConfig(t)
	model := newTestModel2(t, 42)

	var logBuf bytes.Buffer
	tr, err := NewTrainer(TrainerOptions{
		Config:    cfg,
		Model:     model,
		Criterion: newTestCriterion(t),
		Loader:    newSyntheticLoader(t, 8, cfg.MicroBatch(), 4, 7),
		Logger:    slog.New(slog.NewTextHandler(&logBuf, nil)),
		RunID:     "run-test",
	})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// One checkpoint per epoch, named with the 1-based epoch number.
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		path := filepath.Join(cfg.Checkpoints, fmt.Sprintf("Yolov4_epoch%d.json", epoch))
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing checkpoint for epoch %d: %v", epoch, err)
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.Checkpoints, checkpoints.EmergencyFilename)); !os.IsNotExist(err) {
		t.Error("emergency checkpoint written during a clean run")
	}

	saver := checkpoints.NewCheckpointSaver()
	ckpt, err := saver.Load(filepath.Join(cfg.Checkpoints, "Yolov4_epoch2.json"))
	if err != nil {
		t.Fatalf("loading final checkpoint: %v", err)
	}
	if ckpt.RunID != "run-test" {
		t.Errorf("checkpoint run id = %q, want run-test", ckpt.RunID)
	}
	st := ckpt.TrainingState
	// 8 samples / 2 per micro-batch = 4 micro-batches per epoch.
	if st.Epoch != 2 || st.GlobalStep != 8 || st.SchedSteps != 4 {
		t.Errorf("final state = %+v, want epoch 2, step 8, sched 4", st)
	}
	if st.BestLoss <= 0 {
		t.Errorf("best loss = %v, want positive", st.BestLoss)
	}

	logs := logBuf.String()
	if !strings.Contains(logs, "msg=train") {
		t.Error("progress records missing from the log")
	}
	if !strings.Contains(logs, "epoch complete") {
		t.Error("epoch summary missing from the log")
	}
	if !strings.Contains(logs, "lr=") {
		t.Error("effective learning rate missing from the log")
	}
}

func TestTrainerProgressBar(t *testing.T) {
	cfg := trainerTestConfig(t)

	var progress bytes.Buffer
	tr, err := NewTrainer(TrainerOptions{
		Config:    cfg,
		Model:     newTestModel2(t, 42),
		Criterion: newTestCriterion(t),
		Loader:    newSyntheticLoader(t, 8, cfg.MicroBatch(), 4, 7),
		Logger:    quietTestLogger(),
		Progress:  &progress,
	})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	out := progress.String()
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		desc := fmt.Sprintf("Epoch %d/%d", epoch, cfg.Epochs)
		if !strings.Contains(out, desc) {
			t.Errorf("progress output missing the %q bar", desc)
		}
	}
	if !strings.Contains(out, "100%") {
		t.Error("finished epochs should render a full bar")
	}
	if !strings.Contains(out, " 4/4") {
		t.Error("bar total should be the loader's batch count")
	}
	// The metric suffix refreshes at the log cadence.
	if !strings.Contains(out, "loss=") || !strings.Contains(out, "lr=") {
		t.Errorf("bar metrics missing from %q", out)
	}
}

func TestTrainerRotationKeepsNewest(t *testing.T) {
	cfg := trainerTestConfig(t)
	cfg.Epochs = 3
	cfg.KeepCheckpointMax = 1

	tr, err := NewTrainer(TrainerOptions{
		Config:    cfg,
		Model:     newTestModel2(t, 42),
		Criterion: newTestCriterion(t),
		Loader:    newSyntheticLoader(t, 4, cfg.MicroBatch(), 4, 7),
		Logger:    quietTestLogger(),
	})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for epoch := 1; epoch <= 2; epoch++ {
		path := filepath.Join(cfg.Checkpoints, fmt.Sprintf("Yolov4_epoch%d.json", epoch))
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("rotated checkpoint for epoch %d still on disk", epoch)
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.Checkpoints, "Yolov4_epoch3.json")); err != nil {
		t.Errorf("newest checkpoint missing: %v", err)
	}
}

func TestTrainerJournalsRun(t *testing.T) {
	cfg := trainerTestConfig(t)
	journal, err := runlog.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("opening journal: %v", err)
	}
	defer journal.Close()

	evaluator := &fakeEvaluator{loss: 0.5}
	tr, err := NewTrainer(TrainerOptions{
		Config:    cfg,
		Model:     newTestModel2(t, 42),
		Criterion: newTestCriterion(t),
		Loader:    newSyntheticLoader(t, 8, cfg.MicroBatch(), 4, 7),
		Evaluator: evaluator,
		Journal:   journal,
		Logger:    quietTestLogger(),
		RunID:     "run-journal",
	})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if evaluator.calls != cfg.Epochs {
		t.Errorf("evaluator ran %d times, want %d", evaluator.calls, cfg.Epochs)
	}

	ctx := context.Background()
	runs, err := journal.Runs(ctx)
	if err != nil {
		t.Fatalf("listing runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-journal" {
		t.Fatalf("runs = %+v, want one run-journal row", runs)
	}
	if runs[0].Status != runlog.StatusCompleted {
		t.Errorf("run status = %q, want %q", runs[0].Status, runlog.StatusCompleted)
	}
	if !strings.Contains(runs[0].Config, "batch: 4") {
		t.Error("journaled config missing the effective batch size")
	}

	history, err := journal.History(ctx, "run-journal")
	if err != nil {
		t.Fatalf("reading history: %v", err)
	}
	if len(history) != cfg.Epochs {
		t.Fatalf("history rows = %d, want %d", len(history), cfg.Epochs)
	}
	for i, rec := range history {
		if rec.Epoch != i+1 {
			t.Errorf("row %d epoch = %d, want %d", i, rec.Epoch, i+1)
		}
		if !rec.HasValLoss || rec.ValLoss != 0.5 {
			t.Errorf("row %d val loss = (%v, %v), want (0.5, true)", i, rec.ValLoss, rec.HasValLoss)
		}
		if rec.Checkpoint == "" {
			t.Errorf("row %d has no checkpoint path", i)
		}
	}
}

func TestTrainerInterruptBeforeFirstEpoch(t *testing.T) {
	cfg := trainerTestConfig(t)
	journal, err := runlog.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("opening journal: %v", err)
	}
	defer journal.Close()

	tr, err := NewTrainer(TrainerOptions{
		Config:    cfg,
		Model:     newTestModel2(t, 42),
		Criterion: newTestCriterion(t),
		Loader:    newSyntheticLoader(t, 8, cfg.MicroBatch(), 4, 7),
		Journal:   journal,
		Logger:    quietTestLogger(),
		RunID:     "run-interrupted",
	})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.Run(ctx); err != nil {
		t.Fatalf("interrupted run should exit cleanly, got: %v", err)
	}

	emergency := filepath.Join(cfg.Checkpoints, checkpoints.EmergencyFilename)
	ckpt, err := checkpoints.NewCheckpointSaver().Load(emergency)
	if err != nil {
		t.Fatalf("loading emergency checkpoint: %v", err)
	}
	if ckpt.TrainingState.Epoch != 0 || ckpt.TrainingState.GlobalStep != 0 {
		t.Errorf("emergency state = %+v, want untouched counters", ckpt.TrainingState)
	}
	if _, err := os.Stat(filepath.Join(cfg.Checkpoints, "Yolov4_epoch1.json")); !os.IsNotExist(err) {
		t.Error("epoch checkpoint written for an epoch that never finished")
	}

	runs, err := journal.Runs(context.Background())
	if err != nil {
		t.Fatalf("listing runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != runlog.StatusInterrupted {
		t.Errorf("runs = %+v, want one interrupted row", runs)
	}
}

// cancelAfter cancels the run's context from inside the loss
// computation of the n-th micro-batch.
type cancelAfter struct {
	inner  nn.Criterion
	cancel context.CancelFunc
	after  int
	calls  int
}

func (c *cancelAfter) Forward(pred, target *nn.Tensor) (nn.LossTerms, error) {
	c.calls++
	if c.calls == c.after {
		c.cancel()
	}
	return c.inner.Forward(pred, target)
}

func (c *cancelAfter) Backward(pred, target *nn.Tensor) (*nn.Tensor, error) {
	return c.inner.Backward(pred, target)
}

func TestTrainerInterruptMidEpoch(t *testing.T) {
	cfg := trainerTestConfig(t)
	cfg.Epochs = 5

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, err := NewTrainer(TrainerOptions{
		Config:    cfg,
		Model:     newTestModel2(t, 42),
		Criterion: &cancelAfter{inner: newTestCriterion(t), cancel: cancel, after: 3},
		Loader:    newSyntheticLoader(t, 8, cfg.MicroBatch(), 4, 7),
		Logger:    quietTestLogger(),
	})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if err := tr.Run(ctx); err != nil {
		t.Fatalf("interrupted run should exit cleanly, got: %v", err)
	}

	ckpt, err := checkpoints.NewCheckpointSaver().Load(filepath.Join(cfg.Checkpoints, checkpoints.EmergencyFilename))
	if err != nil {
		t.Fatalf("loading emergency checkpoint: %v", err)
	}
	if ckpt.TrainingState.GlobalStep < 3 {
		t.Errorf("emergency global step = %d, want at least the 3 observed batches", ckpt.TrainingState.GlobalStep)
	}
	if ckpt.TrainingState.Epoch != 0 {
		t.Errorf("emergency epoch = %d, want the in-flight epoch 0", ckpt.TrainingState.Epoch)
	}
	if _, err := os.Stat(filepath.Join(cfg.Checkpoints, "Yolov4_epoch1.json")); !os.IsNotExist(err) {
		t.Error("cancelled epoch must not produce a regular checkpoint")
	}
}

// freezeProbe records the backbone's trainable flag at every forward
// call, which maps calls onto epochs for the freeze lifecycle test.
type freezeProbe struct {
	nn.Model
	backbone *nn.Param
	states   []bool
}

func (p *freezeProbe) Forward(input *nn.Tensor) (*nn.Tensor, error) {
	p.states = append(p.states, p.backbone.Trainable)
	return p.Model.Forward(input)
}

func findBackboneParam(t *testing.T, model nn.Model) *nn.Param {
	t.Helper()
	for _, p := range model.Parameters() {
		if p.Group == nn.GroupBackbone {
			return p
		}
	}
	t.Fatal("model has no backbone parameter")
	return nil
}

func TestTrainerFreezeLifecycle(t *testing.T) {
	run := func(t *testing.T, pretrained bool) []bool {
		cfg := trainerTestConfig(t)
		base := newTestModel2(t, 42)
		probe := &freezeProbe{Model: base, backbone: findBackboneParam(t, base)}

		tr, err := NewTrainer(TrainerOptions{
			Config:     cfg,
			Model:      probe,
			Criterion:  newTestCriterion(t),
			Loader:     newSyntheticLoader(t, 4, cfg.MicroBatch(), 4, 7),
			Logger:     quietTestLogger(),
			Pretrained: pretrained,
		})
		if err != nil {
			t.Fatalf("NewTrainer failed: %v", err)
		}
		if err := tr.Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return probe.states
	}

	t.Run("pretrained freezes first epoch only", func(t *testing.T) {
		states := run(t, true)
		// 2 micro-batches per epoch, 2 epochs.
		want := []bool{false, false, true, true}
		if len(states) != len(want) {
			t.Fatalf("observed %d forwards, want %d", len(states), len(want))
		}
		for i := range want {
			if states[i] != want[i] {
				t.Fatalf("trainable flags = %v, want %v", states, want)
			}
		}
	})

	t.Run("scratch backbone never freezes", func(t *testing.T) {
		for i, trainable := range run(t, false) {
			if !trainable {
				t.Fatalf("backbone frozen at forward %d without pretrained weights", i)
			}
		}
	})
}

func TestTrainerResumeContinuesCounters(t *testing.T) {
	cfg := trainerTestConfig(t)

	first, err := NewTrainer(TrainerOptions{
		Config:    cfg,
		Model:     newTestModel2(t, 42),
		Criterion: newTestCriterion(t),
		Loader:    newSyntheticLoader(t, 8, cfg.MicroBatch(), 4, 7),
		Logger:    quietTestLogger(),
		RunID:     "run-a",
	})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if err := first.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	saver := checkpoints.NewCheckpointSaver()
	ckpt, err := saver.Load(filepath.Join(cfg.Checkpoints, "Yolov4_epoch2.json"))
	if err != nil {
		t.Fatalf("loading checkpoint: %v", err)
	}

	model := newTestModel2(t, 7)
	if err := ckpt.Apply(model); err != nil {
		t.Fatalf("applying checkpoint: %v", err)
	}

	cfg.Epochs = 3
	second, err := NewTrainer(TrainerOptions{
		Config:    cfg,
		Model:     model,
		Criterion: newTestCriterion(t),
		Loader:    newSyntheticLoader(t, 8, cfg.MicroBatch(), 4, 7),
		Logger:    quietTestLogger(),
		RunID:     "run-b",
		Resume:    ckpt.TrainingState,
	})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if err := second.Run(context.Background()); err != nil {
		t.Fatalf("resumed run failed: %v", err)
	}

	final, err := saver.Load(filepath.Join(cfg.Checkpoints, "Yolov4_epoch3.json"))
	if err != nil {
		t.Fatalf("loading final checkpoint: %v", err)
	}
	st := final.TrainingState
	// One more epoch of 4 micro-batches on top of the restored 8.
	if st.Epoch != 3 || st.GlobalStep != 12 || st.SchedSteps != 6 {
		t.Errorf("resumed state = %+v, want epoch 3, step 12, sched 6", st)
	}
}

func TestNewTrainerValidation(t *testing.T) {
	cfg := trainerTestConfig(t)
	model := newTestModel2(t, 42)
	criterion := newTestCriterion(t)
	loader := newSyntheticLoader(t, 8, cfg.MicroBatch(), 4, 7)

	tests := []struct {
		name string
		opts TrainerOptions
	}{
		{"missing config", TrainerOptions{Model: model, Criterion: criterion, Loader: loader}},
		{"missing model", TrainerOptions{Config: cfg, Criterion: criterion, Loader: loader}},
		{"missing criterion", TrainerOptions{Config: cfg, Model: model, Loader: loader}},
		{"missing loader", TrainerOptions{Config: cfg, Model: model, Criterion: criterion}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTrainer(tt.opts); err == nil {
				t.Error("expected constructor error")
			}
		})
	}

	t.Run("invalid config", func(t *testing.T) {
		bad := *cfg
		bad.Subdivisions = 3 // does not divide batch 4
		opts := TrainerOptions{Config: &bad, Model: model, Criterion: criterion, Loader: loader}
		if _, err := NewTrainer(opts); err == nil {
			t.Error("expected validation error")
		}
	})
}
