package dataset

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Box is one ground-truth object in absolute pixel corners.
type Box struct {
	XMin  int
	YMin  int
	XMax  int
	YMax  int
	Class int
}

// Entry is one manifest line: an image path and its boxes.
type Entry struct {
	Image string
	Boxes []Box
}

// Dataset is the adapter contract the loader consumes: indexed access to
// annotated images.
type Dataset interface {
	Len() int
	GetItem(index int) (Entry, error)
}

// ManifestDataset reads a whitespace-separated manifest where each line is
//
//	<image path> xmin,ymin,xmax,ymax,class xmin,ymin,xmax,ymax,class ...
//
// the format the annotation converter emits.
type ManifestDataset struct {
	entries []Entry
}

// NewManifestDataset loads a manifest file. When dir is non-empty, relative
// image paths are resolved against it.
func NewManifestDataset(path, dir string) (*ManifestDataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := parseManifestLine(line)
		if err != nil {
			return nil, fmt.Errorf("manifest %s line %d: %w", path, lineNo, err)
		}
		if dir != "" && !filepath.IsAbs(entry.Image) {
			entry.Image = filepath.Join(dir, entry.Image)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return &ManifestDataset{entries: entries}, nil
}

// parseManifestLine splits one line into an image path and its box groups.
func parseManifestLine(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Entry{}, fmt.Errorf("expected an image path and at least one box, got %q", line)
	}
	entry := Entry{Image: fields[0]}
	for _, group := range fields[1:] {
		parts := strings.Split(group, ",")
		if len(parts) != 5 {
			return Entry{}, fmt.Errorf("box %q must have 5 comma-separated values", group)
		}
		vals := make([]int, 5)
		for i, part := range parts {
			v, err := strconv.Atoi(part)
			if err != nil {
				return Entry{}, fmt.Errorf("box %q has non-integer value %q", group, part)
			}
			vals[i] = v
		}
		entry.Boxes = append(entry.Boxes, Box{
			XMin:  vals[0],
			YMin:  vals[1],
			XMax:  vals[2],
			YMax:  vals[3],
			Class: vals[4],
		})
	}
	return entry, nil
}

// Len returns the number of annotated images.
func (d *ManifestDataset) Len() int {
	return len(d.entries)
}

// GetItem returns the entry at the given index.
func (d *ManifestDataset) GetItem(index int) (Entry, error) {
	if index < 0 || index >= len(d.entries) {
		return Entry{}, fmt.Errorf("index %d out of range [0, %d)", index, len(d.entries))
	}
	return d.entries[index], nil
}

// Entries exposes the parsed entries, used by tests and statistics.
func (d *ManifestDataset) Entries() []Entry {
	return d.entries
}
