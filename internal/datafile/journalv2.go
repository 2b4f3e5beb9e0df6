package datafile

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
)

// PageEntry is one journal v2 page-list record for a metric: its time
// range and on-disk location, relative to the journal's base time
// (spec.md §6.1).
type PageEntry struct {
	DeltaStartS int64
	DeltaEndS   int64
	PageOffset  int64
	PageLength  uint32
	Type        PageType
	Entries     uint32 // only meaningful for Gorilla pages
}

// JournalV2 is the immutable, memory-mappable per-datafile index built
// asynchronously once all writers of a datafile have drained (spec.md
// §5 "Ordering guarantees"). Grounded on tinySQL's freelist.go (chained
// on-disk structure idiom), reused here for the extent/metric list
// format instead of free pages.
type JournalV2 struct {
	StartTimeUT uint64
	ExtentCount uint32
	Metrics     map[uuid.UUID][]PageEntry // each slice sorted by DeltaStartS
}

// NewJournalV2Builder starts an empty journal v2 keyed to baseTimeUT; the
// event loop's migration-to-v2 task (C11, single-flight per spec.md §4.7)
// appends one metric's pages at a time as it walks the datafile's
// extents.
func NewJournalV2Builder(baseTimeUT uint64) *JournalV2 {
	return &JournalV2{StartTimeUT: baseTimeUT, Metrics: make(map[uuid.UUID][]PageEntry)}
}

// AddPage records one page's location for metric id.
func (j *JournalV2) AddPage(id uuid.UUID, pe PageEntry) {
	j.Metrics[id] = append(j.Metrics[id], pe)
}

// Finalize sorts each metric's page list by DeltaStartS, the precondition
// for FindPage's binary search and for EarliestStartS reading the first
// entry during retention recalculation (spec.md §4.8 step 2).
func (j *JournalV2) Finalize() {
	for id, pages := range j.Metrics {
		sort.Slice(pages, func(a, b int) bool { return pages[a].DeltaStartS < pages[b].DeltaStartS })
		j.Metrics[id] = pages
	}
}

// EarliestStartS returns the smallest absolute start_time_s this metric
// has in this journal, or (0, false) if the metric isn't indexed here
// (spec.md §4.8 step 2: "take the earliest delta_start_s + journal_start_s").
func (j *JournalV2) EarliestStartS(id uuid.UUID) (int64, bool) {
	pages, ok := j.Metrics[id]
	if !ok || len(pages) == 0 {
		return 0, false
	}
	return int64(j.StartTimeUT) + pages[0].DeltaStartS, true
}

// FindPage binary-searches metric id's page list for the page covering
// atS, mirroring the journal v2 lookup the read path uses to avoid
// scanning the whole datafile.
func (j *JournalV2) FindPage(id uuid.UUID, atS int64) (PageEntry, bool) {
	pages, ok := j.Metrics[id]
	if !ok {
		return PageEntry{}, false
	}
	rel := atS - int64(j.StartTimeUT)
	i := sort.Search(len(pages), func(i int) bool { return pages[i].DeltaEndS >= rel })
	if i < len(pages) && pages[i].DeltaStartS <= rel {
		return pages[i], true
	}
	return PageEntry{}, false
}

// BuildJournalV2FromDatafile replays df's journal v1 and walks each
// journaled extent, producing the immutable per-datafile index the
// migration-to-v2 sweep persists (spec.md §6.1). An extent that fails to
// read or parse is skipped rather than aborting the build — its pages are
// simply absent from the index, the same way recovery treats an extent
// without its WAL record as nonexistent. PageEntry.PageOffset records the
// framed extent's offset within df, which is what a reader needs to fetch
// and decode the page's container.
func BuildJournalV2FromDatafile(df *File, jr *Journal) (*JournalV2, error) {
	recs, err := jr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("datafile: replay journal for v2 index: %w", err)
	}

	type pendingPage struct {
		id uuid.UUID
		pe PageEntry
		startUT, endUT uint64
	}
	var pending []pendingPage
	var extents uint32
	baseUT := ^uint64(0)

	for _, rec := range recs {
		raw, err := df.ReadAt(rec.ExtentOffset, int(rec.ExtentSize))
		if err != nil {
			continue
		}
		ext, err := Parse(raw)
		if err != nil {
			continue
		}
		extents++
		for _, d := range ext.Descrs {
			endUT := d.EndTimeUT
			entries := d.Entries
			if d.isGorilla() {
				endUT = d.StartTimeUT + uint64(d.DeltaTimeS)
			}
			if d.StartTimeUT < baseUT {
				baseUT = d.StartTimeUT
			}
			pending = append(pending, pendingPage{
				id: d.UUID,
				pe: PageEntry{
					PageOffset: rec.ExtentOffset,
					PageLength: d.PageLength,
					Type:       d.Type,
					Entries:    entries,
				},
				startUT: d.StartTimeUT,
				endUT:   endUT,
			})
		}
	}

	if len(pending) == 0 {
		baseUT = 0
	}
	j := NewJournalV2Builder(baseUT)
	j.ExtentCount = extents
	for _, p := range pending {
		p.pe.DeltaStartS = int64(p.startUT) - int64(baseUT)
		p.pe.DeltaEndS = int64(p.endUT) - int64(baseUT)
		j.AddPage(p.id, p.pe)
	}
	j.Finalize()
	return j, nil
}

const (
	journalV2Magic   = "CHRNJV2\x00"
	journalV2HdrSize = 8 + 8 + 4 + 4 // magic + startTimeUT + metricCount + extentCount
	journalV2MIdxRec = 16 + 4 + 4    // uuid + pageCount + byteOffset
	journalV2PageRec = 8 + 8 + 8 + 4 + 1 + 4
)

// Save serializes the journal v2 index to path: fixed header, a metric
// index table, then each metric's page list (spec.md §6.1).
func (j *JournalV2) Save(path string) error {
	j.Finalize()

	ids := make([]uuid.UUID, 0, len(j.Metrics))
	for id := range j.Metrics {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool {
		return string(ids[a][:]) < string(ids[b][:])
	})

	hdr := make([]byte, journalV2HdrSize)
	copy(hdr[0:8], journalV2Magic)
	binary.LittleEndian.PutUint64(hdr[8:16], j.StartTimeUT)
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(ids)))
	binary.LittleEndian.PutUint32(hdr[20:24], j.ExtentCount)

	midx := make([]byte, journalV2MIdxRec*len(ids))
	var pages []byte
	pageOff := uint32(0)
	for i, id := range ids {
		pl := j.Metrics[id]
		rec := midx[i*journalV2MIdxRec:]
		copy(rec[0:16], id[:])
		binary.LittleEndian.PutUint32(rec[16:20], uint32(len(pl)))
		binary.LittleEndian.PutUint32(rec[20:24], pageOff)
		for _, pe := range pl {
			buf := make([]byte, journalV2PageRec)
			binary.LittleEndian.PutUint64(buf[0:8], uint64(pe.DeltaStartS))
			binary.LittleEndian.PutUint64(buf[8:16], uint64(pe.DeltaEndS))
			binary.LittleEndian.PutUint64(buf[16:24], uint64(pe.PageOffset))
			binary.LittleEndian.PutUint32(buf[24:28], pe.PageLength)
			buf[28] = uint8(pe.Type)
			binary.LittleEndian.PutUint32(buf[29:33], pe.Entries)
			pages = append(pages, buf...)
		}
		pageOff += uint32(len(pl)) * journalV2PageRec
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("datafile: create journal v2 %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(hdr); err != nil {
		return err
	}
	if _, err := f.Write(midx); err != nil {
		return err
	}
	if _, err := f.Write(pages); err != nil {
		return err
	}
	return f.Sync()
}

// LoadJournalV2 parses a journal v2 file written by Save.
func LoadJournalV2(path string) (*JournalV2, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("datafile: read journal v2 %s: %w", path, err)
	}
	if len(raw) < journalV2HdrSize || string(raw[0:8]) != journalV2Magic {
		return nil, fmt.Errorf("datafile: bad journal v2 header in %s", path)
	}
	j := &JournalV2{
		StartTimeUT: binary.LittleEndian.Uint64(raw[8:16]),
		ExtentCount: binary.LittleEndian.Uint32(raw[20:24]),
		Metrics:     make(map[uuid.UUID][]PageEntry),
	}
	metricCount := int(binary.LittleEndian.Uint32(raw[16:20]))
	midxOff := journalV2HdrSize
	pagesOff := midxOff + metricCount*journalV2MIdxRec

	for i := 0; i < metricCount; i++ {
		rec := raw[midxOff+i*journalV2MIdxRec:]
		var id uuid.UUID
		copy(id[:], rec[0:16])
		pageCount := int(binary.LittleEndian.Uint32(rec[16:20]))
		byteOffset := int(binary.LittleEndian.Uint32(rec[20:24]))

		pages := make([]PageEntry, pageCount)
		base := pagesOff + byteOffset
		for k := 0; k < pageCount; k++ {
			buf := raw[base+k*journalV2PageRec:]
			pages[k] = PageEntry{
				DeltaStartS: int64(binary.LittleEndian.Uint64(buf[0:8])),
				DeltaEndS:   int64(binary.LittleEndian.Uint64(buf[8:16])),
				PageOffset:  int64(binary.LittleEndian.Uint64(buf[16:24])),
				PageLength:  binary.LittleEndian.Uint32(buf[24:28]),
				Type:        PageType(buf[28]),
				Entries:     binary.LittleEndian.Uint32(buf[29:33]),
			}
		}
		j.Metrics[id] = pages
	}
	return j, nil
}
