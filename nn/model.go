package nn

import "fmt"

// Tensor is a dense row-major float32 tensor. It is the unit of exchange
// between the dataset adapter, the model and the criterion.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor creates a tensor, validating that the data length matches the
// shape.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	n := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
		n *= dim
	}
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

// Zeros creates a zero-filled tensor of the given shape.
func Zeros(shape []int) (*Tensor, error) {
	n := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
		n *= dim
	}
	return &Tensor{Shape: shape, Data: make([]float32, n)}, nil
}

// NumElems returns the number of elements in the tensor.
func (t *Tensor) NumElems() int {
	return len(t.Data)
}

// Rows returns the leading dimension, the per-batch sample count.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// Model is the network collaborator contract. The architecture itself lives
// outside this repository; the trainer only needs forward, a hand-derived
// backward that accumulates into Param.Grad, and the parameter list with
// group tags assigned at construction time.
type Model interface {
	Forward(input *Tensor) (*Tensor, error)
	// Backward accumulates dLoss/dParam into each parameter's Grad buffer
	// given the upstream gradient with respect to the forward output.
	// Gradients add across calls until ZeroGrad.
	Backward(input *Tensor, gradOut *Tensor) error
	Parameters() []*Param
	Train()              // Sets the model to training mode
	Eval()               // Sets the model to evaluation mode
	IsTraining() bool    // Returns true if in training mode
}

// LossTerms carries the composite detection loss broken into its parts.
// Total drives optimization; the components exist for progress records.
type LossTerms struct {
	Total float64
	XY    float64
	WH    float64
	Obj   float64
	Cls   float64
	L2    float64
}

// Add accumulates another set of terms, used for window and epoch averages.
func (lt *LossTerms) Add(other LossTerms) {
	lt.Total += other.Total
	lt.XY += other.XY
	lt.WH += other.WH
	lt.Obj += other.Obj
	lt.Cls += other.Cls
	lt.L2 += other.L2
}

// Scale divides every term by n, turning an accumulated sum into a mean.
func (lt LossTerms) Scale(n float64) LossTerms {
	if n == 0 {
		return lt
	}
	return LossTerms{
		Total: lt.Total / n,
		XY:    lt.XY / n,
		WH:    lt.WH / n,
		Obj:   lt.Obj / n,
		Cls:   lt.Cls / n,
		L2:    lt.L2 / n,
	}
}

// Criterion is the loss collaborator contract. Forward produces the loss
// terms for a prediction/target pair; Backward produces the gradient of the
// total loss with respect to the prediction, which the trainer feeds into
// Model.Backward.
type Criterion interface {
	Forward(pred *Tensor, target *Tensor) (LossTerms, error)
	Backward(pred *Tensor, target *Tensor) (*Tensor, error)
}
