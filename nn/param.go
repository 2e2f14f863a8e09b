package nn

import "fmt"

// ParamGroup is the capability tag assigned to a parameter at construction
// time. Freezing decisions key on this tag, never on substring matching of
// parameter names.
type ParamGroup string

const (
	// GroupBackbone marks parameters belonging to the feature extractor,
	// the part that pretrained weights cover.
	GroupBackbone ParamGroup = "backbone"
	// GroupHead marks parameters of the detection head, always trained
	// from scratch.
	GroupHead ParamGroup = "head"
)

// Param is one learnable tensor of a model. Data and Grad share the same
// length; Grad accumulates across micro-batches until the optimizer clears
// it. Trainable gates optimizer updates without discarding accumulated
// state.
type Param struct {
	Name      string
	Group     ParamGroup
	Shape     []int
	Data      []float32
	Grad      []float32
	Trainable bool
}

// NewParam creates a parameter with a zeroed gradient buffer. The data
// length must match the product of the shape dimensions.
func NewParam(name string, group ParamGroup, shape []int, data []float32) (*Param, error) {
	n := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v for parameter %s", dim, shape, name)
		}
		n *= dim
	}
	if len(data) != n {
		return nil, fmt.Errorf("parameter %s: data length %d does not match shape %v (%d elements)", name, len(data), shape, n)
	}
	return &Param{
		Name:      name,
		Group:     group,
		Shape:     shape,
		Data:      data,
		Grad:      make([]float32, n),
		Trainable: true,
	}, nil
}

// NumElems returns the number of elements in the parameter.
func (p *Param) NumElems() int {
	return len(p.Data)
}

// ZeroGrad clears the accumulated gradient in place.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// SetGroupTrainable flips the Trainable flag for every parameter carrying
// the given group tag. Parameters in other groups are untouched.
func SetGroupTrainable(params []*Param, group ParamGroup, trainable bool) {
	for _, p := range params {
		if p.Group == group {
			p.Trainable = trainable
		}
	}
}

// CountParameters returns the total element count across all parameters.
func CountParameters(params []*Param) int {
	total := 0
	for _, p := range params {
		total += p.NumElems()
	}
	return total
}

// CountTrainable returns the element count across trainable parameters only.
func CountTrainable(params []*Param) int {
	total := 0
	for _, p := range params {
		if p.Trainable {
			total += p.NumElems()
		}
	}
	return total
}
