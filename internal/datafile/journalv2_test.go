package datafile

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestJournalV2SaveLoadRoundTrip(t *testing.T) {
	id1, id2 := uuid.New(), uuid.New()
	j := NewJournalV2Builder(1_000_000)
	j.AddPage(id1, PageEntry{DeltaStartS: 0, DeltaEndS: 59, PageOffset: 24, PageLength: 240, Type: 1})
	j.AddPage(id1, PageEntry{DeltaStartS: 60, DeltaEndS: 119, PageOffset: 300, PageLength: 240, Type: 1})
	j.AddPage(id2, PageEntry{DeltaStartS: 10, DeltaEndS: 20, PageOffset: 600, PageLength: 40, Type: 3, Entries: 5})
	j.ExtentCount = 2

	path := filepath.Join(t.TempDir(), "journalfile-0-1.njfv2")
	if err := j.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadJournalV2(path)
	if err != nil {
		t.Fatalf("LoadJournalV2: %v", err)
	}
	if loaded.StartTimeUT != 1_000_000 {
		t.Fatalf("start time not preserved")
	}
	pages := loaded.Metrics[id1]
	if len(pages) != 2 || pages[0].DeltaStartS != 0 || pages[1].DeltaStartS != 60 {
		t.Fatalf("metric id1 pages not round-tripped: %+v", pages)
	}
	if first, ok := loaded.EarliestStartS(id1); !ok || first != 1_000_000 {
		t.Fatalf("EarliestStartS(id1) = %d,%v, want 1000000,true", first, ok)
	}
	g := loaded.Metrics[id2][0]
	if g.Entries != 5 || g.Type != 3 {
		t.Fatalf("gorilla page entry not round-tripped: %+v", g)
	}
}

func TestBuildJournalV2FromDatafile(t *testing.T) {
	dir := t.TempDir()
	df, err := Create(filepath.Join(dir, "datafile-0-1.ndf"), 0, 1, 1<<20)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer df.Close()
	jr, err := CreateJournal(filepath.Join(dir, "journalfile-0-1.njf"))
	if err != nil {
		t.Fatalf("CreateJournal: %v", err)
	}
	defer jr.Close()

	id := uuid.New()
	writeExtent := func(startUT, endUT uint64, pageLen int) {
		t.Helper()
		raw := make([]byte, pageLen)
		ext, err := Build([]Descr{{UUID: id, Type: 1, PageLength: uint32(pageLen), StartTimeUT: startUT, EndTimeUT: endUT}}, raw, nil)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		off, err := df.Reserve(int64(len(ext)))
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if err := df.WriteAt(off, ext); err != nil {
			t.Fatalf("WriteAt: %v", err)
		}
		df.FinishWrite()
		if err := jr.Append(Record{ExtentOffset: off, ExtentSize: int64(len(ext))}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	writeExtent(2000, 2059, 300)
	writeExtent(1000, 1059, 300)

	jv2, err := BuildJournalV2FromDatafile(df, jr)
	if err != nil {
		t.Fatalf("BuildJournalV2FromDatafile: %v", err)
	}
	if jv2.StartTimeUT != 1000 {
		t.Fatalf("base time = %d, want the earliest page start 1000", jv2.StartTimeUT)
	}
	if jv2.ExtentCount != 2 {
		t.Fatalf("extent count = %d, want 2", jv2.ExtentCount)
	}
	pages := jv2.Metrics[id]
	if len(pages) != 2 || pages[0].DeltaStartS != 0 || pages[1].DeltaStartS != 1000 {
		t.Fatalf("pages not indexed sorted by start: %+v", pages)
	}
	if first, ok := jv2.EarliestStartS(id); !ok || first != 1000 {
		t.Fatalf("EarliestStartS = %d,%v, want 1000,true", first, ok)
	}
}

func TestFindPageBinarySearch(t *testing.T) {
	id := uuid.New()
	j := NewJournalV2Builder(0)
	for i := 0; i < 5; i++ {
		start := int64(i * 100)
		j.AddPage(id, PageEntry{DeltaStartS: start, DeltaEndS: start + 59, PageOffset: int64(i), PageLength: 1})
	}
	j.Finalize()

	pe, ok := j.FindPage(id, 250)
	if !ok || pe.PageOffset != 2 {
		t.Fatalf("FindPage(250) = %+v, %v, want offset=2", pe, ok)
	}
	if _, ok := j.FindPage(id, 10000); ok {
		t.Fatalf("expected no page found beyond range")
	}
}
