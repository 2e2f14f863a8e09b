package dataset

import (
	"fmt"

	"github.com/cruxml/go-yolo/nn"
)

// Batch is one micro-batch handed to the trainer.
type Batch struct {
	Input   *nn.Tensor
	Target  *nn.Tensor
	Entries []Entry
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Entries)
}

// Collate turns a slice of entries into model-ready tensors. The full
// detection target assignment (anchor and grid matching) belongs to the
// network collaborator; implementations here only need to satisfy the
// trainer contract.
type Collate func(entries []Entry) (*Batch, error)

// ImageCollate builds batches for the TinyDetector reference layout. Images
// are decoded at a stride-reduced resolution (width/stride x height/stride)
// and flattened; the target row for each image is [cx, cy, bw, bh, obj,
// class one-hot...] from its first box, normalized by the nominal network
// size. Images without boxes produce an all-zero row with objectness 0.
type ImageCollate struct {
	Width   int
	Height  int
	Stride  int
	Classes int

	processor *ImageProcessor
}

// NewImageCollate creates the reference collate for the given network size.
func NewImageCollate(width, height, stride, classes int) (*ImageCollate, error) {
	if stride <= 0 || width < stride || height < stride {
		return nil, fmt.Errorf("invalid collate geometry: width=%d height=%d stride=%d", width, height, stride)
	}
	if classes <= 0 {
		return nil, fmt.Errorf("classes must be positive, got %d", classes)
	}
	return &ImageCollate{
		Width:     width,
		Height:    height,
		Stride:    stride,
		Classes:   classes,
		processor: NewImageProcessor(width/stride, height/stride),
	}, nil
}

// InputSize returns the flattened per-sample input length.
func (c *ImageCollate) InputSize() int {
	return 3 * (c.Width / c.Stride) * (c.Height / c.Stride)
}

// TargetSize returns the per-sample target row width, 5+classes.
func (c *ImageCollate) TargetSize() int {
	return 5 + c.Classes
}

// Collate decodes the entries and assembles input and target tensors.
func (c *ImageCollate) Collate(entries []Entry) (*Batch, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("empty entry slice")
	}
	inWidth := c.InputSize()
	outWidth := c.TargetSize()

	input, err := nn.Zeros([]int{len(entries), inWidth})
	if err != nil {
		return nil, err
	}
	target, err := nn.Zeros([]int{len(entries), outWidth})
	if err != nil {
		return nil, err
	}

	for i, entry := range entries {
		pixels, err := c.processor.Decode(entry.Image)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", entry.Image, err)
		}
		copy(input.Data[i*inWidth:(i+1)*inWidth], pixels)

		if len(entry.Boxes) == 0 {
			continue
		}
		box := entry.Boxes[0]
		row := target.Data[i*outWidth : (i+1)*outWidth]
		row[0] = float32(box.XMin+box.XMax) / 2 / float32(c.Width)
		row[1] = float32(box.YMin+box.YMax) / 2 / float32(c.Height)
		row[2] = float32(box.XMax-box.XMin) / float32(c.Width)
		row[3] = float32(box.YMax-box.YMin) / float32(c.Height)
		row[4] = 1.0
		if box.Class >= 0 && box.Class < c.Classes {
			row[5+box.Class] = 1.0
		}
	}

	return &Batch{Input: input, Target: target, Entries: entries}, nil
}
