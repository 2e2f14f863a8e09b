package training

import (
	"math"
	"testing"
)

func TestBurnInScheduleFactor(t *testing.T) {
	s := NewBurnInSchedule(1000, 400000, 450000)

	tests := []struct {
		name string
		step int
		want float64
	}{
		{"fresh run starts at zero", 0, 0.0},
		{"quarter burn-in", 250, 0.00390625},
		{"halfway through burn-in", 500, 0.0625},
		{"last burn-in step", 999, 0.996005996001},
		{"burn-in boundary", 1000, 1.0},
		{"plateau", 200000, 1.0},
		{"just before first decay", 399999, 1.0},
		{"first decay boundary", 400000, 0.1},
		{"between decays", 425000, 0.1},
		{"just before second decay", 449999, 0.1},
		{"second decay boundary", 450000, 0.01},
		{"far past second decay", 10000000, 0.01},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Factor(tt.step)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Factor(%d) = %v, want %v", tt.step, got, tt.want)
			}
		})
	}
}

func TestBurnInScheduleWithoutWarmup(t *testing.T) {
	s := NewBurnInSchedule(0, 100, 200)

	if got := s.Factor(0); got != 1.0 {
		t.Errorf("Factor(0) with no burn-in = %v, want 1.0", got)
	}
	if got := s.Factor(99); got != 1.0 {
		t.Errorf("Factor(99) = %v, want 1.0", got)
	}
	if got := s.Factor(100); got != 0.1 {
		t.Errorf("Factor(100) = %v, want 0.1", got)
	}
	if got := s.Factor(200); got != 0.01 {
		t.Errorf("Factor(200) = %v, want 0.01", got)
	}
}

func TestBurnInScheduleIsPure(t *testing.T) {
	s := NewBurnInSchedule(1000, 400000, 450000)

	// Calling out of order must not change any answer.
	first := s.Factor(500)
	s.Factor(450001)
	s.Factor(0)
	if again := s.Factor(500); again != first {
		t.Errorf("Factor(500) changed between calls: %v then %v", first, again)
	}
}

func TestBurnInScheduleName(t *testing.T) {
	if name := NewBurnInSchedule(1000, 400000, 450000).GetName(); name == "" {
		t.Error("schedule name is empty")
	}
}
