package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// Global random source for deterministic initialization
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// TinyDetector is a deliberately small reference model: one linear backbone
// stage with a ReLU, one linear head stage. It exists so the training
// pipeline, checkpointing and tests can run end to end without the real
// network. Parameter groups are tagged at construction: the first stage is
// backbone, the second is head.
type TinyDetector struct {
	backboneW *Param
	backboneB *Param
	headW     *Param
	headB     *Param
	inputSize int
	hidden    int
	outSize   int
	training  bool
}

// NewTinyDetector creates the reference model. The output size is 5+classes
// per sample: box coordinates, objectness and class scores in one row.
func NewTinyDetector(inputSize, hidden, classes int) (*TinyDetector, error) {
	if inputSize <= 0 || hidden <= 0 || classes <= 0 {
		return nil, fmt.Errorf("invalid tiny detector dimensions: input=%d hidden=%d classes=%d", inputSize, hidden, classes)
	}
	outSize := 5 + classes

	// Xavier/Glorot uniform initialization
	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	backboneW, err := xavierParam("backbone.weight", GroupBackbone, inputSize, hidden)
	if err != nil {
		return nil, err
	}
	backboneB, err := NewParam("backbone.bias", GroupBackbone, []int{hidden}, make([]float32, hidden))
	if err != nil {
		return nil, err
	}
	headW, err := xavierParam("head.weight", GroupHead, hidden, outSize)
	if err != nil {
		return nil, err
	}
	headB, err := NewParam("head.bias", GroupHead, []int{outSize}, make([]float32, outSize))
	if err != nil {
		return nil, err
	}

	return &TinyDetector{
		backboneW: backboneW,
		backboneB: backboneB,
		headW:     headW,
		headB:     headB,
		inputSize: inputSize,
		hidden:    hidden,
		outSize:   outSize,
		training:  true,
	}, nil
}

// xavierParam creates a [fanIn, fanOut] weight parameter with Xavier uniform
// initialization.
func xavierParam(name string, group ParamGroup, fanIn, fanOut int) (*Param, error) {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	data := make([]float32, fanIn*fanOut)
	for i := range data {
		data[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}
	p, err := NewParam(name, group, []int{fanIn, fanOut}, data)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight parameter: %v", err)
	}
	return p, nil
}

// Forward computes head(relu(backbone(x))) for a [batch, inputSize] tensor.
func (m *TinyDetector) Forward(input *Tensor) (*Tensor, error) {
	_, _, out, err := m.forward(input)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// forward runs the full pass and returns the intermediate activations so
// Backward can reuse the math without caching state between calls.
func (m *TinyDetector) forward(input *Tensor) (pre *Tensor, act *Tensor, out *Tensor, err error) {
	if len(input.Shape) != 2 {
		return nil, nil, nil, fmt.Errorf("tiny detector expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}
	if input.Shape[1] != m.inputSize {
		return nil, nil, nil, fmt.Errorf("input size mismatch: expected %d, got %d", m.inputSize, input.Shape[1])
	}

	batch := input.Shape[0]
	pre, _ = Zeros([]int{batch, m.hidden})
	act, _ = Zeros([]int{batch, m.hidden})
	out, _ = Zeros([]int{batch, m.outSize})

	w1 := m.backboneW.Data
	b1 := m.backboneB.Data
	for i := 0; i < batch; i++ {
		for j := 0; j < m.hidden; j++ {
			sum := b1[j]
			for k := 0; k < m.inputSize; k++ {
				sum += input.Data[i*m.inputSize+k] * w1[k*m.hidden+j]
			}
			pre.Data[i*m.hidden+j] = sum
			if sum > 0 {
				act.Data[i*m.hidden+j] = sum
			}
		}
	}

	w2 := m.headW.Data
	b2 := m.headB.Data
	for i := 0; i < batch; i++ {
		for j := 0; j < m.outSize; j++ {
			sum := b2[j]
			for k := 0; k < m.hidden; k++ {
				sum += act.Data[i*m.hidden+k] * w2[k*m.outSize+j]
			}
			out.Data[i*m.outSize+j] = sum
		}
	}
	return pre, act, out, nil
}

// Backward accumulates parameter gradients for one micro-batch. The forward
// activations are recomputed from the input, so the model carries no state
// between micro-batches and gradients simply add until ZeroGrad. Frozen
// parameters are skipped.
func (m *TinyDetector) Backward(input *Tensor, gradOut *Tensor) error {
	if len(gradOut.Shape) != 2 || gradOut.Shape[1] != m.outSize {
		return fmt.Errorf("gradient shape mismatch: expected [batch_size, %d], got %v", m.outSize, gradOut.Shape)
	}
	pre, act, _, err := m.forward(input)
	if err != nil {
		return fmt.Errorf("failed to recompute activations: %v", err)
	}
	batch := input.Shape[0]
	if gradOut.Shape[0] != batch {
		return fmt.Errorf("gradient batch mismatch: input has %d rows, gradient has %d", batch, gradOut.Shape[0])
	}

	// Head stage: dW2 += act^T @ g, db2 += colsum(g)
	if m.headW.Trainable {
		for k := 0; k < m.hidden; k++ {
			for j := 0; j < m.outSize; j++ {
				var sum float32
				for i := 0; i < batch; i++ {
					sum += act.Data[i*m.hidden+k] * gradOut.Data[i*m.outSize+j]
				}
				m.headW.Grad[k*m.outSize+j] += sum
			}
		}
	}
	if m.headB.Trainable {
		for j := 0; j < m.outSize; j++ {
			var sum float32
			for i := 0; i < batch; i++ {
				sum += gradOut.Data[i*m.outSize+j]
			}
			m.headB.Grad[j] += sum
		}
	}

	if !m.backboneW.Trainable && !m.backboneB.Trainable {
		return nil
	}

	// Backprop through the head and the ReLU to the backbone stage.
	gradHidden := make([]float32, batch*m.hidden)
	w2 := m.headW.Data
	for i := 0; i < batch; i++ {
		for k := 0; k < m.hidden; k++ {
			if pre.Data[i*m.hidden+k] <= 0 {
				continue
			}
			var sum float32
			for j := 0; j < m.outSize; j++ {
				sum += gradOut.Data[i*m.outSize+j] * w2[k*m.outSize+j]
			}
			gradHidden[i*m.hidden+k] = sum
		}
	}

	if m.backboneW.Trainable {
		for k := 0; k < m.inputSize; k++ {
			for j := 0; j < m.hidden; j++ {
				var sum float32
				for i := 0; i < batch; i++ {
					sum += input.Data[i*m.inputSize+k] * gradHidden[i*m.hidden+j]
				}
				m.backboneW.Grad[k*m.hidden+j] += sum
			}
		}
	}
	if m.backboneB.Trainable {
		for j := 0; j < m.hidden; j++ {
			var sum float32
			for i := 0; i < batch; i++ {
				sum += gradHidden[i*m.hidden+j]
			}
			m.backboneB.Grad[j] += sum
		}
	}
	return nil
}

// Parameters returns the trainable parameters
func (m *TinyDetector) Parameters() []*Param {
	return []*Param{m.backboneW, m.backboneB, m.headW, m.headB}
}

// Train sets the model to training mode
func (m *TinyDetector) Train() {
	m.training = true
}

// Eval sets the model to evaluation mode
func (m *TinyDetector) Eval() {
	m.training = false
}

// IsTraining returns true if in training mode
func (m *TinyDetector) IsTraining() bool {
	return m.training
}

// OutputSize returns the per-sample output width, 5+classes.
func (m *TinyDetector) OutputSize() int {
	return m.outSize
}
