package dataset

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Image extensions the converter searches for next to each label file.
var imageExtensions = []string{".jpg", ".jpeg", ".png"}

// ConvertOptions configures the offline annotation conversion.
type ConvertOptions struct {
	// LabelsDir holds per-image YOLO label files: <stem>.txt with lines
	// "class cx cy w h", coordinates normalized to [0, 1].
	LabelsDir string
	// ImagesDir holds the matching images; manifest lines reference them
	// relative to this directory's parent.
	ImagesDir string
	// OutputDir receives train.txt and val.txt.
	OutputDir string
	// ValFraction of the shuffled lines goes to the validation manifest.
	ValFraction float64
	// Seed drives the shuffle; 0 draws from the clock.
	Seed int64

	Logger *slog.Logger
}

// ConvertStats summarizes a conversion run.
type ConvertStats struct {
	Converted int // images written to a manifest
	Skipped   int // images dropped with a warning
	Boxes     int // total boxes across converted images
	Train     int // lines in train.txt
	Val       int // lines in val.txt
}

// Convert walks the label directory, denormalizes every annotation into
// absolute pixel corners, shuffles the result and splits it into train and
// validation manifests. Entries that cannot be resolved are skipped with a
// warning; writing a manifest is the only fatal failure.
func Convert(opts ConvertOptions) (ConvertStats, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ValFraction < 0 || opts.ValFraction >= 1 {
		return ConvertStats{}, fmt.Errorf("validation fraction must be in [0, 1), got %v", opts.ValFraction)
	}

	lines, stats, err := buildEntries(opts.LabelsDir, opts.ImagesDir, logger)
	if err != nil {
		return stats, err
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(lines), func(i, j int) {
		lines[i], lines[j] = lines[j], lines[i]
	})

	nVal := int(float64(len(lines)) * opts.ValFraction)
	nTrain := len(lines) - nVal
	stats.Train = nTrain
	stats.Val = nVal

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return stats, fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := writeManifest(filepath.Join(opts.OutputDir, "train.txt"), lines[:nTrain]); err != nil {
		return stats, err
	}
	if err := writeManifest(filepath.Join(opts.OutputDir, "val.txt"), lines[nTrain:]); err != nil {
		return stats, err
	}

	logger.Info("conversion finished",
		"converted", stats.Converted,
		"skipped", stats.Skipped,
		"boxes", stats.Boxes,
		"train", stats.Train,
		"val", stats.Val)
	return stats, nil
}

// buildEntries converts every label file in directory order, before any
// shuffling. Separated out so the manifest text is deterministic under test.
func buildEntries(labelsDir, imagesDir string, logger *slog.Logger) ([]string, ConvertStats, error) {
	dirEntries, err := os.ReadDir(labelsDir)
	if err != nil {
		return nil, ConvertStats{}, fmt.Errorf("failed to read labels directory: %w", err)
	}

	imageBase := filepath.Base(imagesDir)
	var lines []string
	var stats ConvertStats
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".txt") {
			continue
		}
		stem := strings.TrimSuffix(de.Name(), ".txt")

		imageName, ok := findImage(imagesDir, stem)
		if !ok {
			logger.Warn("skipping entry: no image found", "label", de.Name())
			stats.Skipped++
			continue
		}
		width, height, err := ImageSize(filepath.Join(imagesDir, imageName))
		if err != nil {
			logger.Warn("skipping entry: unreadable image", "image", imageName, "error", err)
			stats.Skipped++
			continue
		}

		groups, err := convertLabelFile(filepath.Join(labelsDir, de.Name()), width, height, logger)
		if err != nil {
			logger.Warn("skipping entry: unreadable label file", "label", de.Name(), "error", err)
			stats.Skipped++
			continue
		}
		if len(groups) == 0 {
			logger.Warn("skipping entry: no usable boxes", "label", de.Name())
			stats.Skipped++
			continue
		}

		line := filepath.ToSlash(filepath.Join(imageBase, imageName)) + " " + strings.Join(groups, " ")
		lines = append(lines, line)
		stats.Converted++
		stats.Boxes += len(groups)
	}
	return lines, stats, nil
}

// findImage locates the image sharing the label file's stem.
func findImage(imagesDir, stem string) (string, bool) {
	for _, ext := range imageExtensions {
		name := stem + ext
		if _, err := os.Stat(filepath.Join(imagesDir, name)); err == nil {
			return name, true
		}
	}
	return "", false
}

// convertLabelFile maps normalized YOLO lines to absolute corner groups.
// Malformed lines are skipped with a warning.
func convertLabelFile(path string, width, height int, logger *slog.Logger) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var groups []string
	for lineNo, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 5 {
			logger.Warn("skipping malformed label line", "label", filepath.Base(path), "line", lineNo+1)
			continue
		}
		classID, err := strconv.Atoi(fields[0])
		if err != nil {
			logger.Warn("skipping malformed label line", "label", filepath.Base(path), "line", lineNo+1)
			continue
		}
		vals := make([]float64, 4)
		bad := false
		for i, f := range fields[1:] {
			vals[i], err = strconv.ParseFloat(f, 64)
			if err != nil {
				bad = true
				break
			}
		}
		if bad {
			logger.Warn("skipping malformed label line", "label", filepath.Base(path), "line", lineNo+1)
			continue
		}

		// Denormalize center/size to corners with truncating conversion:
		// 640x480 with "0 0.5 0.5 0.25 0.25" becomes 240,180,400,300,0.
		x := vals[0] * float64(width)
		y := vals[1] * float64(height)
		bw := vals[2] * float64(width)
		bh := vals[3] * float64(height)
		xmin := int(x - bw/2)
		ymin := int(y - bh/2)
		xmax := int(x + bw/2)
		ymax := int(y + bh/2)

		groups = append(groups, fmt.Sprintf("%d,%d,%d,%d,%d", xmin, ymin, xmax, ymax, classID))
	}
	return groups, nil
}

// writeManifest writes one line per entry; failure here is fatal to the
// conversion.
func writeManifest(path string, lines []string) error {
	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", path, err)
	}
	return nil
}
