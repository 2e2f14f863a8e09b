package nn

import (
	"fmt"
	"sync"
)

// DataParallel replicates forward computation across in-process shards that
// share one set of parameters, mirroring single-process data-parallel
// training. Checkpoint code must not snapshot the wrapper itself; Unwrap
// (or the Underlying helper) reaches the single-model state.
type DataParallel struct {
	base     Model
	replicas int
}

// NewDataParallel wraps a model with the given replica count.
func NewDataParallel(base Model, replicas int) (*DataParallel, error) {
	if base == nil {
		return nil, fmt.Errorf("nil model")
	}
	if replicas < 1 {
		return nil, fmt.Errorf("invalid replica count %d", replicas)
	}
	return &DataParallel{base: base, replicas: replicas}, nil
}

// Unwrap returns the wrapped single model.
func (dp *DataParallel) Unwrap() Model {
	return dp.base
}

// Replicas returns the replica count.
func (dp *DataParallel) Replicas() int {
	return dp.replicas
}

// Underlying strips a data-parallel wrapper if present, otherwise returns
// the model unchanged.
func Underlying(m Model) Model {
	if dp, ok := m.(*DataParallel); ok {
		return dp.Unwrap()
	}
	return m
}

// Forward splits the batch rows into shards and runs the wrapped model on
// each shard concurrently, reassembling the outputs in row order.
func (dp *DataParallel) Forward(input *Tensor) (*Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("data parallel expects 2D input [batch_size, features], got shape %v", input.Shape)
	}
	batch := input.Shape[0]
	if dp.replicas == 1 || batch <= 1 {
		return dp.base.Forward(input)
	}

	bounds := shardBounds(batch, dp.replicas)
	outputs := make([]*Tensor, len(bounds))
	errs := make([]error, len(bounds))

	var wg sync.WaitGroup
	for s, b := range bounds {
		wg.Add(1)
		go func(s, lo, hi int) {
			defer wg.Done()
			shard := sliceRows(input, lo, hi)
			outputs[s], errs[s] = dp.base.Forward(shard)
		}(s, b[0], b[1])
	}
	wg.Wait()

	for s, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("replica %d forward failed: %v", s, err)
		}
	}

	width := outputs[0].Shape[1]
	out, err := Zeros([]int{batch, width})
	if err != nil {
		return nil, err
	}
	for s, b := range bounds {
		copy(out.Data[b[0]*width:b[1]*width], outputs[s].Data)
	}
	return out, nil
}

// Backward feeds each shard through the wrapped model's backward pass. The
// shards run sequentially: the gradient buffers are shared across replicas
// and accumulation is not synchronized inside the model.
func (dp *DataParallel) Backward(input *Tensor, gradOut *Tensor) error {
	if len(input.Shape) != 2 || len(gradOut.Shape) != 2 {
		return fmt.Errorf("data parallel expects 2D input and gradient, got %v and %v", input.Shape, gradOut.Shape)
	}
	if input.Shape[0] != gradOut.Shape[0] {
		return fmt.Errorf("batch size mismatch: input %d, gradient %d", input.Shape[0], gradOut.Shape[0])
	}
	batch := input.Shape[0]
	if dp.replicas == 1 || batch <= 1 {
		return dp.base.Backward(input, gradOut)
	}
	for s, b := range shardBounds(batch, dp.replicas) {
		if err := dp.base.Backward(sliceRows(input, b[0], b[1]), sliceRows(gradOut, b[0], b[1])); err != nil {
			return fmt.Errorf("replica %d backward failed: %v", s, err)
		}
	}
	return nil
}

// Parameters returns the shared parameter set of the wrapped model.
func (dp *DataParallel) Parameters() []*Param {
	return dp.base.Parameters()
}

// Train sets the wrapped model to training mode
func (dp *DataParallel) Train() {
	dp.base.Train()
}

// Eval sets the wrapped model to evaluation mode
func (dp *DataParallel) Eval() {
	dp.base.Eval()
}

// IsTraining returns true if the wrapped model is in training mode
func (dp *DataParallel) IsTraining() bool {
	return dp.base.IsTraining()
}

// shardBounds splits n rows into at most r contiguous [lo, hi) spans,
// distributing the remainder across the leading shards. Empty shards are
// dropped.
func shardBounds(n, r int) [][2]int {
	if r > n {
		r = n
	}
	base := n / r
	rem := n % r
	bounds := make([][2]int, 0, r)
	lo := 0
	for s := 0; s < r; s++ {
		size := base
		if s < rem {
			size++
		}
		if size == 0 {
			continue
		}
		bounds = append(bounds, [2]int{lo, lo + size})
		lo += size
	}
	return bounds
}

// sliceRows returns a view of rows [lo, hi) sharing the backing array.
func sliceRows(t *Tensor, lo, hi int) *Tensor {
	width := t.Shape[1]
	return &Tensor{
		Shape: []int{hi - lo, width},
		Data:  t.Data[lo*width : hi*width],
	}
}
