package checkpoints

import (
	"path/filepath"
	"testing"

	"github.com/cruxml/go-yolo/nn"
)

func newTestModel(t *testing.T, seed int64) *nn.TinyDetector {
	t.Helper()
	nn.SetRandomSeed(seed)
	model, err := nn.NewTinyDetector(4, 3, 2)
	if err != nil {
		t.Fatalf("NewTinyDetector failed: %v", err)
	}
	return model
}

func TestSnapshotRoundTrip(t *testing.T) {
	model := newTestModel(t, 42)
	state := TrainingState{
		Epoch:        3,
		GlobalStep:   1500,
		SchedSteps:   93,
		LearningRate: 1.5e-05,
		BestLoss:     0.75,
	}

	ckpt := Snapshot(model, state, "run-1")
	if ckpt.RunID != "run-1" {
		t.Errorf("run id = %q, want run-1", ckpt.RunID)
	}
	if len(ckpt.Weights) != len(model.Parameters()) {
		t.Fatalf("weight count = %d, want %d", len(ckpt.Weights), len(model.Parameters()))
	}

	saver := NewCheckpointSaver()
	path := filepath.Join(t.TempDir(), "ckpt.json")
	if err := saver.Save(ckpt, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := saver.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.TrainingState != state {
		t.Errorf("training state = %+v, want %+v", loaded.TrainingState, state)
	}
	if loaded.Metadata.Framework != "go-yolo" {
		t.Errorf("framework = %q, want go-yolo", loaded.Metadata.Framework)
	}

	// Restoring into a differently initialized model reproduces the weights.
	other := newTestModel(t, 7)
	if err := loaded.Apply(other); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	want := model.Parameters()
	got := other.Parameters()
	for i := range want {
		for j := range want[i].Data {
			if want[i].Data[j] != got[i].Data[j] {
				t.Fatalf("parameter %s element %d not restored", want[i].Name, j)
			}
		}
	}
}

func TestSnapshotIsInferenceShaped(t *testing.T) {
	model := newTestModel(t, 42)
	model.Train()

	Snapshot(model, TrainingState{}, "run-1")

	// The snapshot flips to Eval for the copy and restores the prior mode.
	if !model.IsTraining() {
		t.Error("snapshot did not restore training mode")
	}

	model.Eval()
	Snapshot(model, TrainingState{}, "run-1")
	if model.IsTraining() {
		t.Error("snapshot switched an eval-mode model to training")
	}
}

func TestSnapshotUnwrapsDataParallel(t *testing.T) {
	model := newTestModel(t, 42)
	dp, err := nn.NewDataParallel(model, 2)
	if err != nil {
		t.Fatalf("NewDataParallel failed: %v", err)
	}

	ckpt := Snapshot(dp, TrainingState{}, "run-1")
	if len(ckpt.Weights) != len(model.Parameters()) {
		t.Errorf("weight count = %d, want the unwrapped model's %d", len(ckpt.Weights), len(model.Parameters()))
	}
	for _, w := range ckpt.Weights {
		if w.Group != string(nn.GroupBackbone) && w.Group != string(nn.GroupHead) {
			t.Errorf("weight %s carries unknown group %q", w.Name, w.Group)
		}
	}
}

func TestApplyGroupLeavesOtherGroupsAlone(t *testing.T) {
	source := newTestModel(t, 42)
	ckpt := Snapshot(source, TrainingState{}, "run-1")

	target := newTestModel(t, 7)
	var headBefore []float32
	for _, p := range target.Parameters() {
		if p.Group == nn.GroupHead {
			headBefore = append(headBefore, p.Data...)
		}
	}

	if err := ckpt.ApplyGroup(target, nn.GroupBackbone); err != nil {
		t.Fatalf("ApplyGroup failed: %v", err)
	}

	var headAfter []float32
	for _, p := range target.Parameters() {
		switch p.Group {
		case nn.GroupHead:
			headAfter = append(headAfter, p.Data...)
		case nn.GroupBackbone:
			// Backbone must now match the source model.
			for _, sp := range source.Parameters() {
				if sp.Name != p.Name {
					continue
				}
				for j := range sp.Data {
					if sp.Data[j] != p.Data[j] {
						t.Fatalf("backbone parameter %s not applied", p.Name)
					}
				}
			}
		}
	}
	for i := range headBefore {
		if headBefore[i] != headAfter[i] {
			t.Fatal("head weights changed by a backbone-only apply")
		}
	}
}

func TestApplyDetectsMismatches(t *testing.T) {
	source := newTestModel(t, 42)
	ckpt := Snapshot(source, TrainingState{}, "run-1")

	// Different backbone width: shapes no longer line up.
	nn.SetRandomSeed(7)
	wider, err := nn.NewTinyDetector(6, 3, 2)
	if err != nil {
		t.Fatalf("NewTinyDetector failed: %v", err)
	}
	if err := ckpt.Apply(wider); err == nil {
		t.Error("expected error applying mismatched shapes")
	}

	// Renamed weights leave a model parameter uncovered.
	for i := range ckpt.Weights {
		ckpt.Weights[i].Name = "renamed." + ckpt.Weights[i].Name
	}
	target := newTestModel(t, 7)
	if err := ckpt.Apply(target); err == nil {
		t.Error("expected error for missing parameter coverage")
	}
}

func TestSaveFailureIsAnError(t *testing.T) {
	model := newTestModel(t, 42)
	ckpt := Snapshot(model, TrainingState{}, "run-1")
	saver := NewCheckpointSaver()

	err := saver.Save(ckpt, filepath.Join(t.TempDir(), "missing-dir", "ckpt.json"))
	if err == nil {
		t.Error("expected error when the checkpoint directory does not exist")
	}
}

func TestLoadMissingCheckpoint(t *testing.T) {
	saver := NewCheckpointSaver()
	if _, err := saver.Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing checkpoint file")
	}
}
