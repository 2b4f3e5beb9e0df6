package dbengine

import (
	"errors"
	"math"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/chronolith/dbengine/internal/datafile"
	"github.com/chronolith/dbengine/internal/pagedata"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DBFilesPath = t.TempDir()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestStoreThenLoadRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	id := uuid.New()
	h := e.MetricGetOrCreate(id)
	defer e.MetricRelease(h)

	ch, err := e.StoreMetricInit(h, 1, "")
	if err != nil {
		t.Fatalf("StoreMetricInit: %v", err)
	}
	for ts := int64(1000); ts < 1010; ts++ {
		if err := ch.Next(ts, float64(ts), 0); err != nil {
			t.Fatalf("Next(%d): %v", ts, err)
		}
	}
	if _, err := ch.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	first, last, ok := e.MetricRetentionByUUID(id)
	if !ok || first != 1000 || last != 1009 {
		t.Fatalf("retention = (%d,%d,%v), want (1000,1009,true)", first, last, ok)
	}

	sh, err := e.LoadMetricInit(h, 1000, 1009, 1, 10, 0)
	if err != nil {
		t.Fatalf("LoadMetricInit: %v", err)
	}
	defer e.LoadMetricFinalize(sh)

	// Run emits one bucket per second strictly after `after` (spec.md §8
	// scenario 1): querying [1000,1009] yields 9 buckets, not 10.
	var n int
	for {
		b, ok := e.LoadMetricNext(sh)
		if !ok {
			break
		}
		n++
		if math.IsNaN(b.Value) {
			t.Fatalf("bucket [%d,%d) is NaN, want a real value", b.StartS, b.EndS)
		}
		wantApprox := float64(b.EndS)
		if math.Abs(b.Value-wantApprox) > 1 {
			t.Fatalf("bucket [%d,%d) = %v, want ~%v", b.StartS, b.EndS, b.Value, wantApprox)
		}
	}
	if n != 9 {
		t.Fatalf("got %d buckets, want 9", n)
	}
}

func TestStoreMetricNextRejectsPastCollection(t *testing.T) {
	e := newTestEngine(t)
	h := e.MetricGetOrCreate(uuid.New())
	defer e.MetricRelease(h)

	ch, err := e.StoreMetricInit(h, 1, "")
	if err != nil {
		t.Fatalf("StoreMetricInit: %v", err)
	}
	if err := ch.Next(100, 1, 0); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := ch.Next(100, 1, 0); err == nil {
		t.Fatalf("expected error collecting a non-advancing timestamp")
	}
}

func TestStoreMetricNextRotatesOnFullPage(t *testing.T) {
	e := newTestEngine(t)
	id := uuid.New()
	h := e.MetricGetOrCreate(id)
	defer e.MetricRelease(h)

	ch, err := e.StoreMetricInit(h, 1, "")
	if err != nil {
		t.Fatalf("StoreMetricInit: %v", err)
	}

	const n = 1030 // spills past MaxPageEntriesArray32 (1024), forcing a rotation
	for i := 0; i < n; i++ {
		if err := ch.Next(int64(1000+i), float64(i), 0); err != nil {
			t.Fatalf("Next(%d): %v", i, err)
		}
	}
	if _, err := ch.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	first, last, ok := e.MetricRetentionByUUID(id)
	if !ok || first != 1000 || last != int64(1000+n-1) {
		t.Fatalf("retention = (%d,%d,%v), want (1000,%d,true)", first, last, ok, 1000+n-1)
	}

	// The first 1024-entry page (a 5120-byte ARRAY_32BIT buffer of
	// near-sequential float32 values) is large and regular enough that
	// datafile.Build's LZ4 attempt wins comfortably, so this exercises the
	// decompress-before-decode path on the common, compressed case rather
	// than the small-page fallback TestStoreThenLoadRoundTrip covers.
	sh, err := e.LoadMetricInit(h, 1000, int64(1000+n-1), 1, n, 0)
	if err != nil {
		t.Fatalf("LoadMetricInit: %v", err)
	}
	count := 0
	for {
		b, ok := e.LoadMetricNext(sh)
		if !ok {
			break
		}
		count++
		wantValue := float64(b.EndS - 1000)
		if math.Abs(b.Value-wantValue) > 1 {
			t.Fatalf("bucket [%d,%d) = %v, want ~%v (compressed page decoded to wrong bytes?)", b.StartS, b.EndS, b.Value, wantValue)
		}
	}
	// One bucket per second strictly after `after` (spec.md §8 scenario 1).
	if want := n - 1; count != want {
		t.Fatalf("got %d buckets across the rotation boundary, want %d", count, want)
	}
}

// TestLoadMetricInitDedupsConcurrentExtentReads exercises spec.md §8
// scenario 5: several overlapping queries over a metric whose entire range
// lives in one flushed extent should fold onto a single disk read via the
// PDC/EPDL router, rather than each query reading the extent itself.
func TestLoadMetricInitDedupsConcurrentExtentReads(t *testing.T) {
	e := newTestEngine(t)
	id := uuid.New()
	h := e.MetricGetOrCreate(id)
	defer e.MetricRelease(h)

	ch, err := e.StoreMetricInit(h, 1, "")
	if err != nil {
		t.Fatalf("StoreMetricInit: %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := ch.Next(int64(1000+i), float64(i), 0); err != nil {
			t.Fatalf("Next(%d): %v", i, err)
		}
	}
	if _, err := ch.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	const queries = 8
	done := make(chan struct{}, queries)
	for q := 0; q < queries; q++ {
		q := q
		go func() {
			defer func() { done <- struct{}{} }()
			sh, err := e.LoadMetricInit(h, 1000, 1040, 1, 40, q)
			if err != nil {
				t.Errorf("LoadMetricInit: %v", err)
				return
			}
			for {
				if _, ok := e.LoadMetricNext(sh); !ok {
					break
				}
			}
		}()
	}
	for q := 0; q < queries; q++ {
		<-done
	}

	if e.router.ReadCount == 0 {
		t.Fatalf("expected at least one dispatched extent read, got ReadCount=0")
	}
	if e.router.MergedCount == 0 {
		t.Fatalf("expected concurrent queries to merge onto a shared extent read, got MergedCount=0")
	}
}

func TestMetricRetentionByUUIDUnknownMetric(t *testing.T) {
	e := newTestEngine(t)
	if _, _, ok := e.MetricRetentionByUUID(uuid.New()); ok {
		t.Fatalf("expected ok=false for a metric never created")
	}
}

func (e *Engine) fileCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.files)
}

// collectFullPages drives n full pages (n*1024 samples at 1s cadence
// starting at startS) of constant value through a collect handle, so
// every page flushes via rotation.
func collectFullPages(t *testing.T, e *Engine, h *Handle, startS int64, n int, value float64) {
	t.Helper()
	ch, err := e.StoreMetricInit(h, 1, "")
	if err != nil {
		t.Fatalf("StoreMetricInit: %v", err)
	}
	total := n * 1024
	for i := 0; i < total; i++ {
		if err := ch.Next(startS+int64(i), value, 0); err != nil {
			t.Fatalf("Next(%d): %v", i, err)
		}
	}
	if _, err := ch.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}

func TestDatafileRotationAndCrossFileQuery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBFilesPath = t.TempDir()
	cfg.MaxDatafileBytes = 240 // every extent carries >= ~78 bytes, so 4 pages must rotate
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	id := uuid.New()
	h := e.MetricGetOrCreate(id)
	defer e.MetricRelease(h)
	collectFullPages(t, e, h, 1000, 4, 1.0)

	if e.fileCount() < 2 {
		t.Fatalf("expected rotation into >= 2 datafiles, got %d", e.fileCount())
	}
	if e.TierDiskSpaceUsed() == 0 {
		t.Fatalf("expected nonzero disk space across datafiles")
	}

	last := int64(1000 + 4*1024 - 1)
	sh, err := e.LoadMetricInit(h, 1000, last, 1, 4096, 0)
	if err != nil {
		t.Fatalf("LoadMetricInit: %v", err)
	}
	count := 0
	for {
		b, ok := e.LoadMetricNext(sh)
		if !ok {
			break
		}
		count++
		if math.IsNaN(b.Value) || math.Abs(b.Value-1.0) > 1e-6 {
			t.Fatalf("bucket [%d,%d) = %v, want 1.0 across the rotation boundary", b.StartS, b.EndS, b.Value)
		}
	}
	if want := 4*1024 - 1; count != want {
		t.Fatalf("got %d buckets, want %d", count, want)
	}
}

func TestJournalIndexSweepBuildsV2(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBFilesPath = t.TempDir()
	cfg.MaxDatafileBytes = 240
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	h := e.MetricGetOrCreate(uuid.New())
	defer e.MetricRelease(h)
	collectFullPages(t, e, h, 1000, 4, 1.0)
	if e.fileCount() < 2 {
		t.Fatalf("expected rotation before the indexing sweep, got %d files", e.fileCount())
	}

	e.onJournalIndexSweep()

	e.mu.Lock()
	superseded := append([]*datafilePair(nil), e.files[:len(e.files)-1]...)
	e.mu.Unlock()
	for _, pair := range superseded {
		if pair.getJV2() == nil {
			t.Fatalf("expected journal v2 built for %s", pair.dfPath)
		}
		if pair.df.NeedsIndexing() {
			t.Fatalf("expected needs_indexing cleared for %s", pair.dfPath)
		}
		loaded, err := datafile.LoadJournalV2(pair.jv2Path)
		if err != nil {
			t.Fatalf("LoadJournalV2(%s): %v", pair.jv2Path, err)
		}
		if len(loaded.Metrics) == 0 {
			t.Fatalf("persisted journal v2 %s indexes no metrics", pair.jv2Path)
		}
	}
}

func TestRetentionDeletionRecalculatesFirstTime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBFilesPath = t.TempDir()
	// A minimal extent is 59+ bytes, so at most two fit under this cap and
	// six flushed pages spread across at least three datafiles.
	cfg.MaxDatafileBytes = 200
	cfg.MaxDiskSpaceBytes = 400
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	id := uuid.New()
	h := e.MetricGetOrCreate(id)
	defer e.MetricRelease(h)
	collectFullPages(t, e, h, 1000, 6, 1.0)

	before := e.fileCount()
	if before < 3 {
		t.Fatalf("expected >= 3 datafiles before retention enforcement, got %d", before)
	}
	e.mu.Lock()
	doomedPath := e.files[0].dfPath
	e.mu.Unlock()

	e.onJournalIndexSweep()
	e.enforceRetention()

	if after := e.fileCount(); after >= before {
		t.Fatalf("expected retention to delete datafiles (%d -> %d)", before, after)
	}
	if _, err := os.Stat(doomedPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected %s unlinked, stat err = %v", doomedPath, err)
	}
	first, last, ok := e.MetricRetentionByUUID(id)
	if !ok {
		t.Fatalf("metric vanished from the registry")
	}
	if first <= 1000 {
		t.Fatalf("first_time_s = %d, want advanced past the deleted datafile's range", first)
	}
	if last != int64(1000+6*1024-1) {
		t.Fatalf("last_time_s = %d must be untouched by retention", last)
	}

	// The surviving range still serves reads.
	sh, err := e.LoadMetricInit(h, first, last, 1, int(last-first), 0)
	if err != nil {
		t.Fatalf("LoadMetricInit after retention: %v", err)
	}
	got := 0
	for {
		b, ok := e.LoadMetricNext(sh)
		if !ok {
			break
		}
		if !math.IsNaN(b.Value) {
			got++
		}
	}
	if got == 0 {
		t.Fatalf("expected surviving buckets after retention deletion")
	}
}

func TestColdReadPromotesIntoPageCache(t *testing.T) {
	e := newTestEngine(t)
	id := uuid.New()
	h := e.MetricGetOrCreate(id)
	defer e.MetricRelease(h)
	collectFullPages(t, e, h, 1000, 2, 3.5)

	runQuery := func() {
		t.Helper()
		sh, err := e.LoadMetricInit(h, 1000, 1000+2*1024-1, 1, 2048, 0)
		if err != nil {
			t.Fatalf("LoadMetricInit: %v", err)
		}
		for {
			b, ok := e.LoadMetricNext(sh)
			if !ok {
				break
			}
			if math.Abs(b.Value-3.5) > 1e-6 {
				t.Fatalf("bucket [%d,%d) = %v, want 3.5", b.StartS, b.EndS, b.Value)
			}
		}
	}

	runQuery()
	cold := e.router.ReadCount
	if cold == 0 {
		t.Fatalf("expected the first query to read extents from disk")
	}
	runQuery()
	if e.router.ReadCount != cold {
		t.Fatalf("expected the second query served from promoted pages, reads %d -> %d", cold, e.router.ReadCount)
	}
}

func TestCrashRecoveryReopensDatafiles(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DBFilesPath = dir

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := uuid.New()
	h := e.MetricGetOrCreate(id)
	collectFullPages(t, e, h, 1000, 3, 2.0)
	e.MetricRelease(h)
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(cfg)
	if err != nil {
		t.Fatalf("New (recovery): %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	first, last, ok := reopened.MetricRetentionByUUID(id)
	wantLast := int64(1000 + 3*1024 - 1)
	if !ok || first != 1000 || last != wantLast {
		t.Fatalf("recovered retention = (%d,%d,%v), want (1000,%d,true)", first, last, ok, wantLast)
	}

	h2 := reopened.MetricGetOrCreate(id)
	defer reopened.MetricRelease(h2)
	sh, err := reopened.LoadMetricInit(h2, 1000, wantLast, 1, int(wantLast-1000), 0)
	if err != nil {
		t.Fatalf("LoadMetricInit after recovery: %v", err)
	}
	count := 0
	for {
		b, ok := reopened.LoadMetricNext(sh)
		if !ok {
			break
		}
		count++
		if math.IsNaN(b.Value) || math.Abs(b.Value-2.0) > 1e-6 {
			t.Fatalf("bucket [%d,%d) = %v after recovery, want 2.0", b.StartS, b.EndS, b.Value)
		}
	}
	if want := 3*1024 - 1; count != want {
		t.Fatalf("got %d buckets after recovery, want %d", count, want)
	}
}

func TestQueryThroughBackgroundLoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBFilesPath = t.TempDir()
	cfg.WorkerPoolSize = 2
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.StartBackground(); err != nil {
		t.Fatalf("StartBackground: %v", err)
	}
	t.Cleanup(func() {
		e.StopBackground()
		e.Close()
	})

	h := e.MetricGetOrCreate(uuid.New())
	defer e.MetricRelease(h)
	collectFullPages(t, e, h, 1000, 1, 7.0)

	sh, err := e.LoadMetricInit(h, 1000, 1000+1023, 1, 1024, 2)
	if err != nil {
		t.Fatalf("LoadMetricInit: %v", err)
	}
	count := 0
	for {
		b, ok := e.LoadMetricNext(sh)
		if !ok {
			break
		}
		count++
		if math.Abs(b.Value-7.0) > 1e-6 {
			t.Fatalf("bucket [%d,%d) = %v through the loop, want 7.0", b.StartS, b.EndS, b.Value)
		}
	}
	if count != 1023 {
		t.Fatalf("got %d buckets, want 1023", count)
	}
	if e.router.ReadCount == 0 {
		t.Fatalf("expected the extent read dispatched as an EXTENT_READ opcode")
	}
}

func TestTier1CollectAndLoad(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBFilesPath = t.TempDir()
	cfg.PageType = "tier1"
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	h := e.MetricGetOrCreate(uuid.New())
	defer e.MetricRelease(h)
	ch, err := e.StoreMetricInit(h, 1, "")
	if err != nil {
		t.Fatalf("StoreMetricInit: %v", err)
	}
	// Aggregates of two raw samples each: sum 10 over count 2 -> value 5.
	total := pagedata.MaxPageEntriesTier1 + 10 // spill into a second page
	for i := 0; i < total; i++ {
		if err := ch.NextAggregate(int64(1000+i), 4, 6, 10, 2, 0, 0); err != nil {
			t.Fatalf("NextAggregate(%d): %v", i, err)
		}
	}
	if _, err := ch.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	last := int64(1000 + total - 1)
	sh, err := e.LoadMetricInit(h, 1000, last, 1, total, 0)
	if err != nil {
		t.Fatalf("LoadMetricInit: %v", err)
	}
	count := 0
	for {
		b, ok := e.LoadMetricNext(sh)
		if !ok {
			break
		}
		count++
		if math.IsNaN(b.Value) || math.Abs(b.Value-5.0) > 1e-6 {
			t.Fatalf("bucket [%d,%d) = %v, want aggregate value 5.0", b.StartS, b.EndS, b.Value)
		}
	}
	if want := total - 1; count != want {
		t.Fatalf("got %d buckets, want %d", count, want)
	}
}

func TestGorillaCollectAndLoad(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBFilesPath = t.TempDir()
	cfg.PageType = "gorilla32"
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	h := e.MetricGetOrCreate(uuid.New())
	defer e.MetricRelease(h)
	ch, err := e.StoreMetricInit(h, 1, "")
	if err != nil {
		t.Fatalf("StoreMetricInit: %v", err)
	}
	const total = 100
	for i := 0; i < total; i++ {
		if err := ch.Next(int64(1000+i), float64(i), 0); err != nil {
			t.Fatalf("Next(%d): %v", i, err)
		}
	}
	if _, err := ch.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	sh, err := e.LoadMetricInit(h, 1000, 1000+total-1, 1, total, 0)
	if err != nil {
		t.Fatalf("LoadMetricInit: %v", err)
	}
	count := 0
	for {
		b, ok := e.LoadMetricNext(sh)
		if !ok {
			break
		}
		count++
		want := float64(b.EndS - 1000)
		if math.IsNaN(b.Value) || math.Abs(b.Value-want) > 1 {
			t.Fatalf("bucket [%d,%d) = %v, want ~%v from the gorilla stream", b.StartS, b.EndS, b.Value, want)
		}
	}
	if count != total-1 {
		t.Fatalf("got %d buckets, want %d", count, total-1)
	}
}
