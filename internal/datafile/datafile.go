package datafile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
)

// Superblock is the fixed header at the start of a datafile
// (spec.md §6.1 "Datafile: ... Superblock: fixed magic + version").
// Grounded on tinySQL's superblock.go (magic/version/CRC layout).
type Superblock struct {
	Magic   string
	Version uint32
	Tier    uint8
	FileNo  uint32
}

const (
	datafileMagic      = "CHRNDF\x00\x00"
	superblockSize     = 8 + 4 + 1 + 3 + 4 + 4 // magic+version+tier+pad+fileno+crc
	datafileBlockAlign = 4096
)

func marshalSuperblock(sb Superblock) []byte {
	buf := make([]byte, superblockSize)
	copy(buf[0:8], datafileMagic)
	binary.LittleEndian.PutUint32(buf[8:12], sb.Version)
	buf[12] = sb.Tier
	binary.LittleEndian.PutUint32(buf[16:20], sb.FileNo)
	crc := crc32.ChecksumIEEE(buf[:20])
	binary.LittleEndian.PutUint32(buf[20:24], crc)
	return buf
}

func unmarshalSuperblock(buf []byte) (Superblock, error) {
	if len(buf) < superblockSize {
		return Superblock{}, fmt.Errorf("datafile: superblock truncated")
	}
	if string(buf[0:8]) != datafileMagic {
		return Superblock{}, fmt.Errorf("datafile: bad superblock magic")
	}
	if crc32.ChecksumIEEE(buf[:20]) != binary.LittleEndian.Uint32(buf[20:24]) {
		return Superblock{}, fmt.Errorf("datafile: superblock CRC mismatch")
	}
	return Superblock{
		Magic:   datafileMagic,
		Version: binary.LittleEndian.Uint32(buf[8:12]),
		Tier:    buf[12],
		FileNo:  binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// File is one append-only datafile (spec.md §6.1); its journal v1 is a
// separate Journal. Position reservation uses a short spinlock-like mutex per
// spec.md §5 "Writers on a datafile hold a short spinlock only for
// position reservation."
type File struct {
	Tier   uint8
	FileNo uint32
	Path   string

	maxSize int64

	mu            sync.Mutex
	f             *os.File
	pos           int64
	writersCount  int32
	needsIndexing bool
	isLatest      bool
}

// Create makes a new datafile with its superblock written, capped at
// maxSize bytes in total (superblock included) before rotation.
func Create(path string, tier uint8, fileNo uint32, maxSize int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("datafile: create %s: %w", path, err)
	}
	sb := Superblock{Version: 1, Tier: tier, FileNo: fileNo}
	if _, err := f.Write(marshalSuperblock(sb)); err != nil {
		f.Close()
		return nil, fmt.Errorf("datafile: write superblock: %w", err)
	}
	return &File{
		Tier:     tier,
		FileNo:   fileNo,
		Path:     path,
		maxSize:  maxSize,
		f:        f,
		pos:      superblockSize,
		isLatest: true,
	}, nil
}

// Open reopens an existing datafile and validates its superblock.
func Open(path string, maxSize int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("datafile: open %s: %w", path, err)
	}
	hdr := make([]byte, superblockSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("datafile: read superblock: %w", err)
	}
	sb, err := unmarshalSuperblock(hdr)
	if err != nil {
		f.Close()
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{
		Tier:    sb.Tier,
		FileNo:  sb.FileNo,
		Path:    path,
		maxSize: maxSize,
		f:       f,
		pos:     fi.Size(),
	}, nil
}

// ErrWouldExceedMaxSize is returned by Reserve when the requested extent
// would push the datafile past its configured maximum size; the caller
// must roll over to a new datafile pair (spec.md §4.2 step 6).
var ErrWouldExceedMaxSize = fmt.Errorf("datafile: write would exceed max size")

// Reserve atomically advances pos by n bytes and returns the offset the
// caller may write n bytes at, or ErrWouldExceedMaxSize if that would
// overflow the configured cap.
func (d *File) Reserve(n int64) (offset int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.maxSize > 0 && d.pos+n > d.maxSize {
		return 0, ErrWouldExceedMaxSize
	}
	offset = d.pos
	d.pos += n
	d.writersCount++
	return offset, nil
}

// WriteAt writes an already-framed extent at offset (as returned by
// Reserve) and fsyncs it durable.
func (d *File) WriteAt(offset int64, extent []byte) error {
	if _, err := d.f.WriteAt(extent, offset); err != nil {
		return fmt.Errorf("datafile: write at %d: %w", offset, err)
	}
	return d.f.Sync()
}

// ReadAt reads exactly n bytes at offset, for the extent load path
// (spec.md §4.5 step 2).
func (d *File) ReadAt(offset int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := d.f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("datafile: read at %d: %w", offset, err)
	}
	return buf, nil
}

// FinishWrite decrements the writer count after a write completes
// (successfully or not) and marks the file needing journal-v2 indexing
// if it's no longer the latest datafile (spec.md §4.2 step 9).
func (d *File) FinishWrite() {
	d.mu.Lock()
	d.writersCount--
	if !d.isLatest {
		d.needsIndexing = true
	}
	d.mu.Unlock()
}

// WritersDrained reports whether all writers have finished, the
// precondition for journal v2 indexing (spec.md §5 "Ordering guarantees").
func (d *File) WritersDrained() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writersCount == 0
}

// MarkSuperseded flags this file as no longer the latest datafile being
// written to (a rotation happened) and queues it for journal v2 indexing
// (spec.md §4.2 step 9).
func (d *File) MarkSuperseded() {
	d.mu.Lock()
	d.isLatest = false
	d.needsIndexing = true
	d.mu.Unlock()
}

// NeedsIndexing reports whether a journal v2 build is pending for this
// file.
func (d *File) NeedsIndexing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.needsIndexing
}

// ClearNeedsIndexing is called once journal v2 has been built.
func (d *File) ClearNeedsIndexing() {
	d.mu.Lock()
	d.needsIndexing = false
	d.mu.Unlock()
}

// Size returns the current write position (logical file size).
func (d *File) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos
}

// Close closes the underlying OS file.
func (d *File) Close() error {
	return d.f.Close()
}

// AlignUp rounds n up to the datafile's block alignment, used by the
// O_DIRECT-compatible aligned extent read path (spec.md §4.5 step 2).
func AlignUp(n int64) int64 {
	rem := n % datafileBlockAlign
	if rem == 0 {
		return n
	}
	return n + (datafileBlockAlign - rem)
}
