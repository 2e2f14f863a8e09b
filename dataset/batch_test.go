package dataset

import (
	"image/color"
	"math"
	"path/filepath"
	"testing"
)

func TestImageCollateBuildsTensors(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "red.png")
	writePNG(t, imgPath, 64, 64, color.RGBA{R: 255, A: 255})

	collate, err := NewImageCollate(64, 64, 32, 3)
	if err != nil {
		t.Fatalf("NewImageCollate failed: %v", err)
	}
	if collate.InputSize() != 12 {
		t.Fatalf("InputSize = %d, want 12", collate.InputSize())
	}
	if collate.TargetSize() != 8 {
		t.Fatalf("TargetSize = %d, want 8 (5+classes)", collate.TargetSize())
	}

	entries := []Entry{
		{Image: imgPath, Boxes: []Box{{XMin: 16, YMin: 16, XMax: 48, YMax: 48, Class: 1}}},
		{Image: imgPath},
	}
	batch, err := collate.Collate(entries)
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}

	if batch.Size() != 2 {
		t.Fatalf("batch size = %d, want 2", batch.Size())
	}
	if batch.Input.Shape[0] != 2 || batch.Input.Shape[1] != 12 {
		t.Errorf("input shape = %v, want [2 12]", batch.Input.Shape)
	}

	// The centered 32x32 box normalizes to cx=cy=0.5, bw=bh=0.5.
	row := batch.Target.Data[:8]
	want := []float32{0.5, 0.5, 0.5, 0.5, 1, 0, 1, 0}
	for i := range want {
		if math.Abs(float64(row[i]-want[i])) > 1e-6 {
			t.Errorf("target[%d] = %v, want %v", i, row[i], want[i])
		}
	}

	// The boxless entry keeps an all-zero row.
	for i, v := range batch.Target.Data[8:] {
		if v != 0 {
			t.Errorf("boxless target element %d = %v, want 0", i, v)
		}
	}

	// Red image pixels land in the first channel plane.
	if math.Abs(float64(batch.Input.Data[0]-1.0)) > 1e-3 {
		t.Errorf("first red plane value = %v, want 1.0", batch.Input.Data[0])
	}
}

func TestImageCollateMissingImage(t *testing.T) {
	collate, err := NewImageCollate(64, 64, 32, 3)
	if err != nil {
		t.Fatalf("NewImageCollate failed: %v", err)
	}
	_, err = collate.Collate([]Entry{{Image: filepath.Join(t.TempDir(), "absent.png")}})
	if err == nil {
		t.Error("expected error for missing image")
	}
}

func TestNewImageCollateValidation(t *testing.T) {
	if _, err := NewImageCollate(16, 64, 32, 3); err == nil {
		t.Error("expected error for width below stride")
	}
	if _, err := NewImageCollate(64, 64, 0, 3); err == nil {
		t.Error("expected error for zero stride")
	}
	if _, err := NewImageCollate(64, 64, 32, 0); err == nil {
		t.Error("expected error for zero classes")
	}
}
