// Package datafile implements the on-disk extent log (C5) and its framing
// (C6): the append-only datafile, the journal v1 write-ahead log, the
// journal v2 immutable index, and the extent header/trailer codec of
// spec.md §6.1-§6.2.
//
// The fixed-offset marshal/unmarshal-with-CRC idiom is grounded on
// tinySQL's superblock.go and page.go (internal/storage/pager); LZ4
// framing is new, grounded on the DOMAIN STACK entry in SPEC_FULL.md.
package datafile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
)

// CompressionAlgo identifies how an extent's payload is encoded on disk
// (spec.md §4.10).
type CompressionAlgo uint8

const (
	CompressionNone CompressionAlgo = iota
	CompressionLZ4
)

// MaxPagesPerExtent bounds the 8-bit page count field (spec.md §4.2 step 1;
// SPEC_FULL.md "Extent page count encoded in 8 bits", capped per
// original_source at 64).
const MaxPagesPerExtent = 64

// MaxExtentUncompressedSize bounds the decompression buffer (spec.md §4.5
// step 5).
const MaxExtentUncompressedSize = 16 << 20

const (
	extentMagic       = "CHRNEXT\x00"
	extentHeaderFixed = 8 + 1 + 1 + 1 + 1 + 4 // magic+version+npages+algo+reserved+payloadLen
	descrSize         = 16 + 1 + 1 + 4 + 8 + 8 // uuid+type+reserved+pageLength+startTimeUT+union
	trailerSize       = 4
)

// PageType mirrors pagedata.PageType without importing it, to keep
// datafile's wire format independent of the in-memory codec package.
type PageType uint8

// Descr is one page descriptor within an extent header (spec.md §6.2).
// For Gorilla pages, EndTimeUT is unused and DeltaTimeS/Entries are set
// instead; the serializer picks the arm based on Type.
type Descr struct {
	UUID        uuid.UUID
	Type        PageType
	PageLength  uint32
	StartTimeUT uint64
	EndTimeUT   uint64 // ARRAY_* arm
	DeltaTimeS  uint32 // GORILLA arm
	Entries     uint32 // GORILLA arm
}

func (d Descr) isGorilla() bool { return d.Type == gorillaTypeTag }

// gorillaTypeTag must match pagedata.PageTypeGorilla32's numeric value;
// kept as a local constant to avoid an import cycle (pagedata has no
// reason to depend on the wire-format package).
const gorillaTypeTag PageType = 3

// Extent is a decoded extent: its descriptor table plus the decompressed
// payload; the compressed on-disk bytes are not kept.
type Extent struct {
	Algo    CompressionAlgo
	Descrs  []Descr
	Payload []byte // decompressed, concatenated raw page bytes
}

// Stats tracks compression-ratio bookkeeping (SPEC_FULL.md "Compression-
// ratio bookkeeping", grounded on original_source's dbengine-compression.c).
type Stats struct {
	CompressedBytes   int64
	UncompressedBytes int64
}

// Ratio returns the effective compression ratio (compressed/uncompressed),
// or 1.0 if nothing has been recorded yet.
func (s Stats) Ratio() float64 {
	if s.UncompressedBytes == 0 {
		return 1.0
	}
	return float64(s.CompressedBytes) / float64(s.UncompressedBytes)
}

// ErrTooManyPages is returned by Build when descrs exceeds MaxPagesPerExtent.
var ErrTooManyPages = fmt.Errorf("datafile: extent page count exceeds %d", MaxPagesPerExtent)

// ErrNoPages is returned by Build when descrs is empty.
var ErrNoPages = fmt.Errorf("datafile: extent has zero pages")

// Build frames an extent: it compresses rawPages with LZ4 (falling back to
// uncompressed storage if LZ4 doesn't shrink the payload, per spec.md
// §4.2 step 4), appends descriptors and a CRC32 trailer, and returns the
// full on-disk bytes plus updated compression stats.
func Build(descrs []Descr, rawPages []byte, stats *Stats) ([]byte, error) {
	if len(descrs) == 0 {
		return nil, ErrNoPages
	}
	if len(descrs) > MaxPagesPerExtent {
		return nil, ErrTooManyPages
	}

	algo := CompressionLZ4
	bound := lz4.CompressBlockBound(len(rawPages))
	compressed := make([]byte, bound)
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(rawPages, compressed)
	payload := compressed[:n]
	if err != nil || n == 0 || n >= len(rawPages) {
		algo = CompressionNone
		payload = rawPages
	}

	headerLen := extentHeaderFixed + descrSize*len(descrs)
	buf := make([]byte, headerLen+len(payload)+trailerSize)

	copy(buf[0:8], extentMagic)
	buf[8] = 1 // version
	buf[9] = uint8(len(descrs))
	buf[10] = uint8(algo)
	buf[11] = 0 // reserved
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(payload)))

	off := extentHeaderFixed
	for _, d := range descrs {
		copy(buf[off:off+16], d.UUID[:])
		buf[off+16] = uint8(d.Type)
		buf[off+17] = 0
		binary.LittleEndian.PutUint32(buf[off+18:off+22], d.PageLength)
		binary.LittleEndian.PutUint64(buf[off+22:off+30], d.StartTimeUT)
		if d.isGorilla() {
			binary.LittleEndian.PutUint32(buf[off+30:off+34], d.DeltaTimeS)
			binary.LittleEndian.PutUint32(buf[off+34:off+38], d.Entries)
		} else {
			binary.LittleEndian.PutUint64(buf[off+30:off+38], d.EndTimeUT)
		}
		off += descrSize
	}

	copy(buf[headerLen:], payload)

	crc := crc32.ChecksumIEEE(buf[:headerLen+len(payload)])
	binary.LittleEndian.PutUint32(buf[headerLen+len(payload):], crc)

	if stats != nil {
		stats.CompressedBytes += int64(len(payload))
		stats.UncompressedBytes += int64(len(rawPages))
	}

	return buf, nil
}

// ErrInvalidHeader covers malformed magic, page count, or length fields
// (spec.md §4.5 step 3).
var ErrInvalidHeader = fmt.Errorf("datafile: invalid extent header")

// ErrCRCMismatch is returned when the trailer checksum doesn't match
// (spec.md §4.5 step 4, §8 invariant 3).
var ErrCRCMismatch = fmt.Errorf("datafile: extent CRC mismatch")

// Parse validates and decodes an on-disk extent (spec.md §4.5 steps 3-5).
// It does not look up metrics or fill page requests; callers drive that
// from the returned Descrs and Payload.
func Parse(raw []byte) (*Extent, error) {
	if len(raw) < extentHeaderFixed+trailerSize {
		return nil, fmt.Errorf("%w: extent too short (%d bytes)", ErrInvalidHeader, len(raw))
	}
	if string(raw[0:8]) != extentMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidHeader)
	}
	numPages := int(raw[9])
	if numPages < 1 || numPages > MaxPagesPerExtent {
		return nil, fmt.Errorf("%w: page count %d out of [1,%d]", ErrInvalidHeader, numPages, MaxPagesPerExtent)
	}
	algo := CompressionAlgo(raw[10])
	if algo != CompressionNone && algo != CompressionLZ4 {
		return nil, fmt.Errorf("%w: unknown compression algorithm %d", ErrInvalidHeader, algo)
	}
	payloadLen := int(binary.LittleEndian.Uint32(raw[12:16]))

	headerLen := extentHeaderFixed + descrSize*numPages
	trailerOff := headerLen + payloadLen
	if headerLen > len(raw) || trailerOff+trailerSize != len(raw) {
		return nil, fmt.Errorf("%w: payload_length %d inconsistent with extent_size %d", ErrInvalidHeader, payloadLen, len(raw))
	}

	wantCRC := binary.LittleEndian.Uint32(raw[trailerOff:])
	gotCRC := crc32.ChecksumIEEE(raw[:trailerOff])
	if wantCRC != gotCRC {
		return nil, ErrCRCMismatch
	}

	descrs := make([]Descr, numPages)
	off := extentHeaderFixed
	for i := 0; i < numPages; i++ {
		var d Descr
		copy(d.UUID[:], raw[off:off+16])
		d.Type = PageType(raw[off+16])
		d.PageLength = binary.LittleEndian.Uint32(raw[off+18 : off+22])
		d.StartTimeUT = binary.LittleEndian.Uint64(raw[off+22 : off+30])
		if d.isGorilla() {
			d.DeltaTimeS = binary.LittleEndian.Uint32(raw[off+30 : off+34])
			d.Entries = binary.LittleEndian.Uint32(raw[off+34 : off+38])
		} else {
			d.EndTimeUT = binary.LittleEndian.Uint64(raw[off+30 : off+38])
		}
		descrs[i] = d
		off += descrSize
	}

	compressedPayload := raw[headerLen:trailerOff]
	var payload []byte
	switch algo {
	case CompressionNone:
		payload = append([]byte(nil), compressedPayload...)
	case CompressionLZ4:
		total := 0
		for _, d := range descrs {
			total += int(d.PageLength)
		}
		if total > MaxExtentUncompressedSize {
			return nil, fmt.Errorf("%w: uncompressed size %d exceeds limit", ErrInvalidHeader, total)
		}
		dst := make([]byte, total)
		n, err := lz4.UncompressBlock(compressedPayload, dst)
		if err != nil {
			return nil, fmt.Errorf("datafile: lz4 decompress: %w", err)
		}
		payload = dst[:n]
	}

	return &Extent{Algo: algo, Descrs: descrs, Payload: payload}, nil
}

// MaxCompressedSize returns the worst-case buffer size Build needs for n
// uncompressed bytes (spec.md §4.10 "max_compressed_size").
func MaxCompressedSize(n int) int {
	b := lz4.CompressBlockBound(n)
	if b < n {
		return n
	}
	return b
}
