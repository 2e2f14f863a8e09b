package nn

import (
	"math"
	"testing"
)

func TestDetectionLossForwardComponents(t *testing.T) {
	// classes=2 gives rows of width 7: [x, y, w, h, obj, c0, c1].
	crit, err := NewDetectionLoss(2)
	if err != nil {
		t.Fatalf("NewDetectionLoss failed: %v", err)
	}

	pred := &Tensor{Shape: []int{1, 7}, Data: []float32{1, 2, 3, 4, 5, 6, 7}}
	target := &Tensor{Shape: []int{1, 7}, Data: []float32{1, 1, 1, 1, 1, 1, 1}}

	terms, err := crit.Forward(pred, target)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// Diffs are [0,1,2,3,4,5,6].
	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"xy", terms.XY, 1},
		{"wh", terms.WH, 13},
		{"obj", terms.Obj, 16},
		{"cls", terms.Cls, 61},
		{"l2", terms.L2, 91},
		{"total", terms.Total, 91},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > 1e-8 {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestDetectionLossBatchAveraging(t *testing.T) {
	crit, err := NewDetectionLoss(2)
	if err != nil {
		t.Fatalf("NewDetectionLoss failed: %v", err)
	}

	// Second row matches its target exactly, so every term halves.
	pred := &Tensor{Shape: []int{2, 7}, Data: []float32{
		1, 2, 3, 4, 5, 6, 7,
		1, 1, 1, 1, 1, 1, 1,
	}}
	target := &Tensor{Shape: []int{2, 7}, Data: []float32{
		1, 1, 1, 1, 1, 1, 1,
		1, 1, 1, 1, 1, 1, 1,
	}}

	terms, err := crit.Forward(pred, target)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if math.Abs(terms.Total-45.5) > 1e-8 {
		t.Errorf("total = %v, want 45.5", terms.Total)
	}
	if math.Abs(terms.Obj-8) > 1e-8 {
		t.Errorf("obj = %v, want 8", terms.Obj)
	}
}

func TestDetectionLossBackward(t *testing.T) {
	crit, err := NewDetectionLoss(2)
	if err != nil {
		t.Fatalf("NewDetectionLoss failed: %v", err)
	}

	pred := &Tensor{Shape: []int{2, 7}, Data: []float32{
		1, 2, 3, 4, 5, 6, 7,
		1, 1, 1, 1, 1, 1, 1,
	}}
	target := &Tensor{Shape: []int{2, 7}, Data: []float32{
		1, 1, 1, 1, 1, 1, 1,
		1, 1, 1, 1, 1, 1, 1,
	}}

	grad, err := crit.Backward(pred, target)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// scale = 2/batch = 1, so the gradient is just pred-target.
	want := []float32{0, 1, 2, 3, 4, 5, 6, 0, 0, 0, 0, 0, 0, 0}
	for i := range want {
		if math.Abs(float64(grad.Data[i]-want[i])) > 1e-6 {
			t.Errorf("gradient element %d = %v, want %v", i, grad.Data[i], want[i])
		}
	}
}

func TestDetectionLossShapeMismatch(t *testing.T) {
	crit, err := NewDetectionLoss(2)
	if err != nil {
		t.Fatalf("NewDetectionLoss failed: %v", err)
	}

	pred := &Tensor{Shape: []int{1, 7}, Data: make([]float32, 7)}
	narrow := &Tensor{Shape: []int{1, 6}, Data: make([]float32, 6)}
	if _, err := crit.Forward(pred, narrow); err == nil {
		t.Error("expected error for mismatched target width")
	}

	tall := &Tensor{Shape: []int{2, 7}, Data: make([]float32, 14)}
	if _, err := crit.Forward(pred, tall); err == nil {
		t.Error("expected error for mismatched batch size")
	}
}
