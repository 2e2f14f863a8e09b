package nn

import "fmt"

// DetectionLoss is the reference criterion for the TinyDetector layout. Each
// output row is [x, y, w, h, obj, class scores...]; the loss is a squared
// error over each slice, averaged over the batch. The real composite YOLO
// loss is an external collaborator; this one keeps the same LossTerms
// surface so the trainer and its records behave identically.
type DetectionLoss struct {
	classes int
}

// NewDetectionLoss creates the reference criterion for the given class count.
func NewDetectionLoss(classes int) (*DetectionLoss, error) {
	if classes <= 0 {
		return nil, fmt.Errorf("invalid class count %d", classes)
	}
	return &DetectionLoss{classes: classes}, nil
}

// Forward computes the per-component squared-error terms. Total is the sum
// of the XY, WH, Obj and Cls terms; L2 is the plain squared error over the
// whole row, reported for progress records only.
func (dl *DetectionLoss) Forward(pred *Tensor, target *Tensor) (LossTerms, error) {
	if err := dl.check(pred, target); err != nil {
		return LossTerms{}, err
	}

	width := 5 + dl.classes
	batch := pred.Shape[0]
	var terms LossTerms
	for i := 0; i < batch; i++ {
		row := i * width
		for j := 0; j < width; j++ {
			d := float64(pred.Data[row+j] - target.Data[row+j])
			sq := d * d
			switch {
			case j < 2:
				terms.XY += sq
			case j < 4:
				terms.WH += sq
			case j == 4:
				terms.Obj += sq
			default:
				terms.Cls += sq
			}
			terms.L2 += sq
		}
	}

	n := float64(batch)
	terms.XY /= n
	terms.WH /= n
	terms.Obj /= n
	terms.Cls /= n
	terms.L2 /= n
	terms.Total = terms.XY + terms.WH + terms.Obj + terms.Cls
	return terms, nil
}

// Backward computes dTotal/dPred: 2 * (pred - target) / batch_size. Every
// column belongs to exactly one quadratic term, so the gradient is uniform
// across the row.
func (dl *DetectionLoss) Backward(pred *Tensor, target *Tensor) (*Tensor, error) {
	if err := dl.check(pred, target); err != nil {
		return nil, err
	}
	batch := pred.Shape[0]
	scale := 2.0 / float32(batch)
	grad, err := Zeros(pred.Shape)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate gradient: %v", err)
	}
	for i := range pred.Data {
		grad.Data[i] = scale * (pred.Data[i] - target.Data[i])
	}
	return grad, nil
}

func (dl *DetectionLoss) check(pred, target *Tensor) error {
	width := 5 + dl.classes
	if len(pred.Shape) != 2 || pred.Shape[1] != width {
		return fmt.Errorf("prediction must be [batch_size, %d], got shape %v", width, pred.Shape)
	}
	if len(target.Shape) != 2 || target.Shape[1] != width {
		return fmt.Errorf("target must be [batch_size, %d], got shape %v", width, target.Shape)
	}
	if pred.Shape[0] != target.Shape[0] {
		return fmt.Errorf("batch size mismatch: prediction %d, target %d", pred.Shape[0], target.Shape[0])
	}
	return nil
}
