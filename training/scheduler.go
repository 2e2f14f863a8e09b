package training

import (
	"math"
)

// Schedule maps the global schedule step to a learning rate factor.
// Implementations must be pure functions of the step so the factor can
// be recomputed from a restored counter after a resume.
type Schedule interface {
	// Factor returns the multiplier applied to the base learning rate
	// at the given schedule step.
	Factor(step int) float64

	// GetName returns the schedule name for logging
	GetName() string
}

// BurnInSchedule implements the warm-up and two-stage decay policy used
// for detector training. During burn-in the factor ramps polynomially
// from zero; afterwards it holds at 1.0 until the first decay boundary,
// drops to 0.1 there and to 0.01 at the second boundary.
//
// The factor at step zero is zero. The first optimization step of a
// fresh run therefore applies no update, and training ramps in from
// the second step onward.
type BurnInSchedule struct {
	BurnIn      int // Warm-up length in schedule steps
	FirstDecay  int // Step of the 10x decay
	SecondDecay int // Step of the 100x decay
}

// NewBurnInSchedule creates the burn-in schedule. A burnIn of zero
// disables the warm-up ramp entirely.
func NewBurnInSchedule(burnIn, firstDecay, secondDecay int) *BurnInSchedule {
	return &BurnInSchedule{
		BurnIn:      burnIn,
		FirstDecay:  firstDecay,
		SecondDecay: secondDecay,
	}
}

// Factor returns the learning rate multiplier for a schedule step.
// This is a pure function - no state modifications.
func (s *BurnInSchedule) Factor(step int) float64 {
	if s.BurnIn > 0 && step < s.BurnIn {
		return math.Pow(float64(step)/float64(s.BurnIn), 4)
	}
	switch {
	case step < s.FirstDecay:
		return 1.0
	case step < s.SecondDecay:
		return 0.1
	default:
		return 0.01
	}
}

func (s *BurnInSchedule) GetName() string {
	return "BurnInStepLR"
}
