package pagedata

import (
	"encoding/binary"
	"math"
)

// Array32Writer appends raw-tier samples (value + flags) into a growing
// byte buffer, one fixed-size 5-byte record per sample (4 bytes float32 +
// 1 byte flags), matching the ARRAY_32BIT layout of spec.md §6.3.
type Array32Writer struct {
	buf []byte
}

// NewArray32Writer creates a writer with capacity for n samples.
func NewArray32Writer(capacityEntries int) *Array32Writer {
	return &Array32Writer{buf: make([]byte, 0, capacityEntries*5)}
}

// Append adds one sample and returns the writer's entry count.
func (w *Array32Writer) Append(value float32, flags PointFlag) int {
	var rec [5]byte
	binary.LittleEndian.PutUint32(rec[0:4], math.Float32bits(value))
	rec[4] = byte(flags)
	w.buf = append(w.buf, rec[:]...)
	return len(w.buf) / 5
}

// Bytes returns the encoded buffer.
func (w *Array32Writer) Bytes() []byte { return w.buf }

// Len returns the number of samples written so far.
func (w *Array32Writer) Len() int { return len(w.buf) / 5 }

// Array32Reader decodes an ARRAY_32BIT page buffer.
type Array32Reader struct {
	buf []byte
}

// WrapArray32 wraps an existing ARRAY_32BIT buffer for reading.
func WrapArray32(buf []byte) *Array32Reader {
	return &Array32Reader{buf: buf}
}

// Len returns the number of samples in the buffer.
func (r *Array32Reader) Len() int { return len(r.buf) / 5 }

// At decodes the i-th sample as a tier-independent Point.
func (r *Array32Reader) At(i int) Point {
	off := i * 5
	v := math.Float32frombits(binary.LittleEndian.Uint32(r.buf[off : off+4]))
	flags := PointFlag(r.buf[off+4])
	return Point{Min: v, Max: v, Sum: v, Count: 1, Flags: flags}
}
