package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// ProgressBar renders an in-place progress line for long host-side
// loops such as training epochs and evaluation passes.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a progress bar writing to stdout.
func NewProgressBar(description string, total int) *ProgressBar {
	return NewProgressBarTo(os.Stdout, description, total)
}

// NewProgressBarTo creates a progress bar writing to out.
func NewProgressBarTo(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40, // Character width of progress bar
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar and merges in the latest metrics.
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar and ends the line.
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// render draws the progress line, overwriting the previous one.
func (pb *ProgressBar) render() {
	var percentage float64
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	if filled > pb.width {
		filled = pb.width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			totalTime := time.Duration(float64(elapsed) / percentage)
			eta = totalTime - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d",
		pb.description,
		percentage*100,
		bar,
		pb.current,
		pb.total,
	)

	line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	if rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	// Metrics render in sorted order so the line is stable.
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(", %s=%.4f", k, pb.metrics[k])
	}

	line += "]"
	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
