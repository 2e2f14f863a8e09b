// Package tfevents writes TensorBoard event files.
//
// An event file is a sequence of length-prefixed, checksummed records,
// each holding a protobuf-encoded Event message. The messages needed
// for scalar logging are small enough to assemble directly with
// protowire, so no generated bindings are involved. Files written here
// load in TensorBoard alongside logs produced by other frameworks.
package tfevents

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// fileVersion identifies the event file format understood by TensorBoard.
const fileVersion = "brain.Event:2"

// crcMaskDelta matches the checksum masking applied by TFRecord writers.
const crcMaskDelta = 0xa282ead8

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func maskedCRC(data []byte) uint32 {
	c := crc32.Checksum(data, crcTable)
	return ((c >> 15) | (c << 17)) + crcMaskDelta
}

// Event field numbers from tensorflow/core/util/event.proto.
const (
	eventFieldWallTime    = 1
	eventFieldStep        = 2
	eventFieldFileVersion = 3
	eventFieldSummary     = 5
)

// Summary field numbers from tensorflow/core/framework/summary.proto.
const (
	summaryFieldValue     = 1
	valueFieldTag         = 1
	valueFieldSimpleValue = 2
)

func appendEventHeader(b []byte, wallTime float64, step int64) []byte {
	b = protowire.AppendTag(b, eventFieldWallTime, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(wallTime))
	b = protowire.AppendTag(b, eventFieldStep, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(step))
	return b
}

// encodeVersionEvent builds the leading record every event file starts with.
func encodeVersionEvent(wallTime float64) []byte {
	event := appendEventHeader(nil, wallTime, 0)
	event = protowire.AppendTag(event, eventFieldFileVersion, protowire.BytesType)
	event = protowire.AppendString(event, fileVersion)
	return event
}

// encodeScalarEvent builds an Event carrying one scalar summary value.
func encodeScalarEvent(wallTime float64, step int64, tag string, value float32) []byte {
	inner := protowire.AppendTag(nil, valueFieldTag, protowire.BytesType)
	inner = protowire.AppendString(inner, tag)
	inner = protowire.AppendTag(inner, valueFieldSimpleValue, protowire.Fixed32Type)
	inner = protowire.AppendFixed32(inner, math.Float32bits(value))

	summary := protowire.AppendTag(nil, summaryFieldValue, protowire.BytesType)
	summary = protowire.AppendBytes(summary, inner)

	event := appendEventHeader(nil, wallTime, step)
	event = protowire.AppendTag(event, eventFieldSummary, protowire.BytesType)
	event = protowire.AppendBytes(event, summary)
	return event
}

// Writer appends events to a single TensorBoard event file.
// It is safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	path string
	file *os.File
	buf  *bufio.Writer
}

// NewWriter creates the log directory if needed and starts a new event
// file named after the current time and host.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event directory: %v", err)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	now := time.Now()
	path := filepath.Join(dir, fmt.Sprintf("events.out.tfevents.%010d.%s", now.Unix(), host))

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create event file: %v", err)
	}

	w := &Writer{
		path: path,
		file: file,
		buf:  bufio.NewWriter(file),
	}
	if err := w.writeRecord(encodeVersionEvent(floatTime(now))); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// Path returns the location of the event file on disk.
func (w *Writer) Path() string {
	return w.path
}

// AddScalar records one scalar value for tag at the given step.
func (w *Writer) AddScalar(tag string, step int64, value float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeRecord(encodeScalarEvent(floatTime(time.Now()), step, tag, float32(value)))
}

// writeRecord frames payload as a TFRecord: length, masked length
// checksum, payload, masked payload checksum.
func (w *Writer) writeRecord(payload []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(payload)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))
	if _, err := w.buf.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write event record: %v", err)
	}
	if _, err := w.buf.Write(payload); err != nil {
		return fmt.Errorf("failed to write event record: %v", err)
	}
	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(payload))
	if _, err := w.buf.Write(footer[:]); err != nil {
		return fmt.Errorf("failed to write event record: %v", err)
	}
	return nil
}

// Flush pushes buffered records to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush event file: %v", err)
	}
	return nil
}

// Close flushes remaining records and closes the event file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush event file: %v", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close event file: %v", err)
	}
	return nil
}

func floatTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
