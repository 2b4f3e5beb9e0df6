package writepath

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/chronolith/dbengine/internal/datafile"
	"github.com/chronolith/dbengine/internal/pagecache"
)

func TestFlushWritesExtentAndPromotesClean(t *testing.T) {
	dir := t.TempDir()
	df, err := datafile.Create(filepath.Join(dir, "datafile-0-1.ndf"), 0, 1, 1<<20)
	if err != nil {
		t.Fatalf("Create datafile: %v", err)
	}
	defer df.Close()
	jr, err := datafile.CreateJournal(filepath.Join(dir, "journalfile-0-1.njf"))
	if err != nil {
		t.Fatalf("CreateJournal: %v", err)
	}
	defer jr.Close()

	cache := pagecache.New(0)
	id := uuid.New()
	key := pagecache.Key{Section: 0, MetricUUID: id, StartTimeS: 100}
	page, _ := cache.AddAndAcquire(key, 110, 1, 12, nil)
	cache.HotToDirtyAndRelease(page)
	page, _ = cache.GetAndAcquire(key, pagecache.SearchExact)

	var stats datafile.Stats
	var promoted []int64
	w := &Writer{
		Cache: cache,
		Stats: &stats,
		OnClean: func(c Candidate, target *datafile.File, extentOffset int64, extentLength int, payloadOffset int, payloadLength int) {
			if target != df {
				t.Errorf("OnClean reported a different datafile than the one flushed to")
			}
			promoted = append(promoted, extentOffset)
		},
	}

	cand := Candidate{Page: page, MetricUUID: id, Type: 1, StartTimeUT: 100, EndTimeUT: 110, Raw: []byte("hello-page12")}
	if err := w.Flush(df, jr, []Candidate{cand}); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(promoted) != 1 {
		t.Fatalf("expected OnClean called once, got %d", len(promoted))
	}
	if page.State() != pagecache.StateClean {
		t.Fatalf("expected page promoted to CLEAN, got %v", page.State())
	}

	recs, err := jr.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 WAL record, got %d", len(recs))
	}
}

func TestFlushClampsOverMaxPages(t *testing.T) {
	dir := t.TempDir()
	df, _ := datafile.Create(filepath.Join(dir, "datafile-0-1.ndf"), 0, 1, 1<<30)
	defer df.Close()
	jr, _ := datafile.CreateJournal(filepath.Join(dir, "journalfile-0-1.njf"))
	defer jr.Close()

	cache := pagecache.New(0)
	w := &Writer{Cache: cache}

	// Build more candidates than MaxPagesPerExtent; Flush should clamp,
	// not error.
	cands := make([]Candidate, MaxPagesPerExtent+5)
	for i := range cands {
		key := pagecache.Key{Section: 0, MetricUUID: uuid.New(), StartTimeS: int64(i)}
		page, _ := cache.AddAndAcquire(key, int64(i), 1, 4, nil)
		cache.HotToDirtyAndRelease(page)
		page, _ = cache.GetAndAcquire(key, pagecache.SearchExact)
		cands[i] = Candidate{Page: page, MetricUUID: key.MetricUUID, Type: 1, StartTimeUT: uint64(i), EndTimeUT: uint64(i), Raw: []byte("abcd")}
	}

	if err := w.Flush(df, jr, cands); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}
