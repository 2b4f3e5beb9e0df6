// Package writepath implements the write path (C12): batching eligible
// DIRTY pages into an extent, compressing and framing it (C6), appending
// the WAL record and datafile body (C5), and promoting the flushed pages
// back into CLEAN state in the page cache.
//
// Grounded on tinySQL's pager.go Checkpoint (collect dirty pages, write
// body, then advance the durable marker) and its WAL-before-commit
// ordering.
package writepath

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/chronolith/dbengine/internal/datafile"
	"github.com/chronolith/dbengine/internal/pagecache"
)

// MaxPagesPerExtent bounds a single flush batch (spec.md §4.2 step 1).
const MaxPagesPerExtent = datafile.MaxPagesPerExtent

// MaxAttempts and RetryBackoff bound the retry loop for EAGAIN-class
// write errors (spec.md §4.2 "Retries").
const (
	MaxAttempts  = 10
	RetryBackoff = 300 * time.Millisecond
)

// ErrAborted is returned for errors spec.md §4.2 classifies as
// non-retryable (ENOSPC/EBADF/EACCES/EROFS/EINVAL-class).
var ErrAborted = errors.New("writepath: write aborted, non-retryable error")

// Candidate is one page selected for inclusion in the next extent.
type Candidate struct {
	Page        *pagecache.Page
	MetricUUID  uuid.UUID
	Type        datafile.PageType
	StartTimeUT uint64
	EndTimeUT   uint64
	DeltaTimeS  uint32 // Gorilla arm
	Entries     uint32 // Gorilla arm
	Raw         []byte

	// UpdateEveryS is carried through to OnClean only; Flush itself never
	// reads it. The engine package uses it to rebuild point timestamps
	// when indexing a flushed page for later reads.
	UpdateEveryS int64
}

// IsRetryable reports whether err is the kind of transient I/O failure
// spec.md §4.2 says to retry (EAGAIN-class); anything else aborts the
// attempt immediately. ENOSPC, EBADF, EACCES, EROFS and EINVAL are not
// retryable, nor is ErrWouldExceedMaxSize, which the caller must handle
// by rotating rather than retrying; every other datafile error is.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, datafile.ErrWouldExceedMaxSize) {
		return false
	}
	for _, errno := range []syscall.Errno{syscall.ENOSPC, syscall.EBADF, syscall.EACCES, syscall.EROFS, syscall.EINVAL} {
		if errors.Is(err, errno) {
			return false
		}
	}
	return true
}

// Writer drives one datafile's flush pipeline.
type Writer struct {
	Cache *pagecache.Cache
	Stats *datafile.Stats

	// OnClean is the open-cache promotion hook, called once per candidate
	// after the extent and its WAL record are durable. df is the datafile
	// the extent landed in; extentOffset/extentLength locate the whole
	// framed extent on disk (as datafile.Parse expects);
	// payloadOffset/payloadLength locate c's raw page bytes within the
	// extent's *decompressed* payload, since the on-disk bytes may be LZ4
	// compressed (spec.md §4.10) and are never simply a concatenation of
	// raw pages.
	OnClean func(c Candidate, df *datafile.File, extentOffset int64, extentLength int, payloadOffset int, payloadLength int)
}

// Flush selects up to MaxPagesPerExtent candidates, builds one extent,
// writes its datafile body and then its WAL record, and promotes each
// page to CLEAN (spec.md §4.2 steps 1-9).
func (w *Writer) Flush(df *datafile.File, jr *datafile.Journal, candidates []Candidate) error {
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) > MaxPagesPerExtent {
		candidates = candidates[:MaxPagesPerExtent]
	}

	descrs := make([]datafile.Descr, len(candidates))
	var raw []byte
	for i, c := range candidates {
		descrs[i] = datafile.Descr{
			UUID:        c.MetricUUID,
			Type:        c.Type,
			PageLength:  uint32(len(c.Raw)),
			StartTimeUT: c.StartTimeUT,
			EndTimeUT:   c.EndTimeUT,
			DeltaTimeS:  c.DeltaTimeS,
			Entries:     c.Entries,
		}
		raw = append(raw, c.Raw...)
	}

	extent, err := datafile.Build(descrs, raw, w.Stats)
	if err != nil {
		return fmt.Errorf("writepath: build extent: %w", err)
	}

	var offset int64
	var writeErr error
	written := false
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		offset, writeErr = df.Reserve(int64(len(extent)))
		if writeErr == nil {
			writeErr = df.WriteAt(offset, extent)
			if writeErr == nil {
				written = true
				break
			}
			// Abandon this reservation; the unlogged gap it leaves in the
			// append-only log is invisible to readers, which only follow
			// WAL-recorded offsets.
			df.FinishWrite()
		}
		if !IsRetryable(writeErr) {
			w.markDirtyOnFailure(candidates)
			// Double-wrap so callers can both classify the abort and, for
			// ErrWouldExceedMaxSize, trigger a datafile rotation
			// (spec.md §4.2 step 6).
			return fmt.Errorf("%w: %w", ErrAborted, writeErr)
		}
		time.Sleep(RetryBackoff)
	}
	if !written {
		// Out of attempts: pages remain DIRTY, next flush retries
		// (spec.md §4.1 "Partial-failure policy").
		w.markDirtyOnFailure(candidates)
		return fmt.Errorf("writepath: write failed after %d attempts: %w", MaxAttempts, writeErr)
	}

	if err := jr.Append(datafile.Record{ExtentOffset: offset, ExtentSize: int64(len(extent))}); err != nil {
		// The extent body is durable but unlogged; treat as if it never
		// happened (spec.md §5 "an extent without its WAL record is
		// treated as nonexistent" — so the pages stay DIRTY and will be
		// rewritten, potentially to a new offset, on the next attempt).
		df.FinishWrite()
		w.markDirtyOnFailure(candidates)
		return fmt.Errorf("writepath: append WAL record: %w", err)
	}

	payloadOff := 0
	for _, c := range candidates {
		loc := extentLocation{
			Datafile:      df,
			ExtentOffset:  offset,
			ExtentLength:  len(extent),
			PayloadOffset: payloadOff,
			PayloadLength: len(c.Raw),
		}
		w.Cache.SetClean(c.Page, loc, len(c.Raw))
		if w.OnClean != nil {
			w.OnClean(c, df, offset, len(extent), payloadOff, len(c.Raw))
		}
		payloadOff += len(c.Raw)
	}
	df.FinishWrite()
	return nil
}

func (w *Writer) markDirtyOnFailure(candidates []Candidate) {
	// Pages are already DIRTY; nothing to do but leave them as-is so the
	// next flush sweep retries the whole extent (spec.md §4.1).
}

// extentLocation is the opaque "where on disk" value promoted into the
// page cache on a successful flush. ExtentOffset/ExtentLength locate the
// full framed extent (header, descriptors, payload, CRC trailer);
// PayloadOffset/PayloadLength locate the page's slice within the extent's
// decompressed payload once datafile.Parse has decoded it.
type extentLocation struct {
	Datafile      *datafile.File
	ExtentOffset  int64
	ExtentLength  int
	PayloadOffset int
	PayloadLength int
}
