package pagedata

import (
	"encoding/binary"
	"math"
)

// tier1RecordSize is the on-disk size of one ARRAY_TIER1 sample:
// min,max,sum float32 (12) + count,anomaly_count uint16 (4) + flags (1).
const tier1RecordSize = 17

// Tier1Writer appends downsampled aggregate samples into a growing byte
// buffer, matching the ARRAY_TIER1 layout of spec.md §6.3.
type Tier1Writer struct {
	buf []byte
}

// NewTier1Writer creates a writer with capacity for n samples.
func NewTier1Writer(capacityEntries int) *Tier1Writer {
	return &Tier1Writer{buf: make([]byte, 0, capacityEntries*tier1RecordSize)}
}

// Append adds one aggregate sample and returns the writer's entry count.
func (w *Tier1Writer) Append(p TierPoint) int {
	var rec [tier1RecordSize]byte
	binary.LittleEndian.PutUint32(rec[0:4], math.Float32bits(p.Min))
	binary.LittleEndian.PutUint32(rec[4:8], math.Float32bits(p.Max))
	binary.LittleEndian.PutUint32(rec[8:12], math.Float32bits(p.Sum))
	binary.LittleEndian.PutUint16(rec[12:14], p.Count)
	binary.LittleEndian.PutUint16(rec[14:16], p.AnomalyCount)
	rec[16] = byte(p.Flags)
	w.buf = append(w.buf, rec[:]...)
	return len(w.buf) / tier1RecordSize
}

// Bytes returns the encoded buffer.
func (w *Tier1Writer) Bytes() []byte { return w.buf }

// Len returns the number of samples written so far.
func (w *Tier1Writer) Len() int { return len(w.buf) / tier1RecordSize }

// Tier1Reader decodes an ARRAY_TIER1 page buffer.
type Tier1Reader struct {
	buf []byte
}

// WrapTier1 wraps an existing ARRAY_TIER1 buffer for reading.
func WrapTier1(buf []byte) *Tier1Reader {
	return &Tier1Reader{buf: buf}
}

// Len returns the number of samples in the buffer.
func (r *Tier1Reader) Len() int { return len(r.buf) / tier1RecordSize }

// At decodes the i-th sample as a tier-independent Point.
func (r *Tier1Reader) At(i int) Point {
	off := i * tier1RecordSize
	rec := r.buf[off : off+tier1RecordSize]
	min := math.Float32frombits(binary.LittleEndian.Uint32(rec[0:4]))
	max := math.Float32frombits(binary.LittleEndian.Uint32(rec[4:8]))
	sum := math.Float32frombits(binary.LittleEndian.Uint32(rec[8:12]))
	count := binary.LittleEndian.Uint16(rec[12:14])
	anomaly := binary.LittleEndian.Uint16(rec[14:16])
	flags := PointFlag(rec[16])
	return Point{Min: min, Max: max, Sum: sum, Count: count, AnomalyCount: anomaly, Flags: flags}
}
