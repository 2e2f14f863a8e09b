package training

import "fmt"

// Accumulator coordinates gradient accumulation across micro-batches.
//
// Gradients build up in the model until Observe has counted a full
// batch worth of micro-batches; it then applies one optimizer step,
// advances the schedule and clears the gradients, in that order. The
// learning rate is primed to baseRate*Factor(0) at construction and
// moves to baseRate*Factor(n) after the n-th update, so the first
// update of a fresh run is applied at factor zero.
type Accumulator struct {
	opt          Optimizer
	schedule     Schedule
	baseRate     float64
	subdivisions int

	globalStep int
	schedSteps int
}

// NewAccumulator creates an accumulator over the optimizer and schedule.
func NewAccumulator(opt Optimizer, schedule Schedule, baseRate float64, subdivisions int) *Accumulator {
	a := &Accumulator{
		opt:          opt,
		schedule:     schedule,
		baseRate:     baseRate,
		subdivisions: subdivisions,
	}
	a.opt.SetLR(a.baseRate * a.schedule.Factor(0))
	return a
}

// Restore rewinds the counters to a checkpointed position and re-primes
// the learning rate to match.
func (a *Accumulator) Restore(globalStep, schedSteps int) {
	a.globalStep = globalStep
	a.schedSteps = schedSteps
	a.opt.SetLR(a.baseRate * a.schedule.Factor(a.schedSteps))
}

// Observe counts one processed micro-batch and applies a parameter
// update when a full batch of gradients has accumulated. It reports
// whether an update ran.
func (a *Accumulator) Observe() (bool, error) {
	a.globalStep++
	if a.globalStep%a.subdivisions != 0 {
		return false, nil
	}

	if err := a.opt.Step(); err != nil {
		return false, fmt.Errorf("optimizer step failed: %v", err)
	}
	a.schedSteps++
	a.opt.SetLR(a.baseRate * a.schedule.Factor(a.schedSteps))
	a.opt.ZeroGrad()
	return true, nil
}

// GlobalStep returns the number of micro-batches observed so far.
func (a *Accumulator) GlobalStep() int {
	return a.globalStep
}

// SchedSteps returns the number of optimizer updates applied so far.
func (a *Accumulator) SchedSteps() int {
	return a.schedSteps
}

// Factor returns the schedule factor at the current position.
func (a *Accumulator) Factor() float64 {
	return a.schedule.Factor(a.schedSteps)
}
