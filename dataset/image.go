package dataset

import (
	"fmt"
	"image"
	"os"
	"sync"

	_ "image/jpeg"
	_ "image/png"
)

// ImageProcessor decodes images into CHW float32 planes with buffer reuse.
// A mutex serializes decodes, so one processor can be shared across loader
// workers.
type ImageProcessor struct {
	mu            sync.Mutex
	processBuffer []float32
	width         int
	height        int
}

// NewImageProcessor creates a processor producing width x height planes.
func NewImageProcessor(width, height int) *ImageProcessor {
	return &ImageProcessor{width: width, height: height}
}

// Decode reads an image file and returns 3*height*width floats in CHW
// order, normalized to [0, 1]. Any registered image format decodes; the
// resize is a plain nearest-neighbor sample.
func (p *ImageProcessor) Decode(path string) ([]float32, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}

	bounds := img.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, fmt.Errorf("image %s has empty bounds", path)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	plane := p.width * p.height
	required := 3 * plane
	if len(p.processBuffer) < required {
		p.processBuffer = make([]float32, required)
	}
	data := p.processBuffer[:required]

	scaleX := float64(srcW) / float64(p.width)
	scaleY := float64(srcH) / float64(p.height)
	for y := 0; y < p.height; y++ {
		srcY := bounds.Min.Y + int(float64(y)*scaleY)
		if srcY >= bounds.Max.Y {
			srcY = bounds.Max.Y - 1
		}
		for x := 0; x < p.width; x++ {
			srcX := bounds.Min.X + int(float64(x)*scaleX)
			if srcX >= bounds.Max.X {
				srcX = bounds.Max.X - 1
			}
			r, g, b, _ := img.At(srcX, srcY).RGBA()

			idx := y*p.width + x
			data[idx] = float32(r) / 65535.0
			data[plane+idx] = float32(g) / 65535.0
			data[2*plane+idx] = float32(b) / 65535.0
		}
	}

	// Copy out: the working buffer is reused on the next call.
	result := make([]float32, required)
	copy(result, data)
	return result, nil
}

// ImageSize reads only the header of an image file and returns its
// dimensions without decoding pixel data.
func ImageSize(path string) (width, height int, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	cfg, _, err := image.DecodeConfig(file)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode image header %s: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}
