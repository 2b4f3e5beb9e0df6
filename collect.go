package dbengine

import (
	"fmt"

	"github.com/chronolith/dbengine/internal/datafile"
	"github.com/chronolith/dbengine/internal/pagecache"
	"github.com/chronolith/dbengine/internal/pagedata"
	"github.com/chronolith/dbengine/internal/writepath"
)

// CollectHandle batches samples for one metric into pages of the engine's
// configured page type and flushes each page once it fills or Finalize is
// called, mirroring spec.md §6.4's store_metric_init/store_metric_next/
// store_metric_finalize triple.
type CollectHandle struct {
	engine       *Engine
	h            *Handle
	updateEveryS int64
	pageType     pagedata.PageType

	page       *pagecache.Page
	a32        *pagedata.Array32Writer
	t1         *pagedata.Tier1Writer
	gor        *pagedata.GorillaEncoder
	startTimeS int64
}

// StoreMetricInit starts a new collection session for h at the given
// cadence. metricsGroup is accepted for parity with spec.md §6.4 but
// unused: multi-metric grouping belongs to a caller batching several
// StoreMetricInit sessions together, not to this single-metric type.
func (e *Engine) StoreMetricInit(h *Handle, updateEveryS int64, metricsGroup string) (*CollectHandle, error) {
	if err := h.m.SetUpdateEveryS(updateEveryS); err != nil {
		return nil, err
	}
	_ = metricsGroup
	return &CollectHandle{engine: e, h: h, updateEveryS: updateEveryS, pageType: e.pageType}, nil
}

// Next appends one raw sample at timeS, which must be strictly after
// every previously collected time for this metric (spec.md §5 "Ordering
// guarantees"). It opens a new page on first use or after a rotation, and
// rotates (flushing the filled page) once the page's type-dependent
// capacity is reached.
func (ch *CollectHandle) Next(timeS int64, value float64, flags pagedata.PointFlag) error {
	anomalyCount := uint16(0)
	if flags&pagedata.FlagAnomaly != 0 {
		anomalyCount = 1
	}
	return ch.append(timeS, pagedata.TierPoint{
		Min: float32(value), Max: float32(value), Sum: float32(value),
		Count: 1, AnomalyCount: anomalyCount, Flags: flags,
	})
}

// NextAggregate appends one pre-aggregated sample, the full
// store_metric_next shape of spec.md §6.4 (time, min, max, sum, count,
// anomaly_count, flags). On raw-tier page types the aggregate collapses
// to its representative value.
func (ch *CollectHandle) NextAggregate(timeS int64, min, max, sum float64, count, anomalyCount uint16, flags pagedata.PointFlag) error {
	return ch.append(timeS, pagedata.TierPoint{
		Min: float32(min), Max: float32(max), Sum: float32(sum),
		Count: count, AnomalyCount: anomalyCount, Flags: flags,
	})
}

func (ch *CollectHandle) append(timeS int64, pt pagedata.TierPoint) error {
	if err := ch.h.m.SetHotLatestTimeS(timeS); err != nil {
		return err
	}

	if ch.page == nil {
		if err := ch.openPage(timeS); err != nil {
			return err
		}
	}

	switch ch.pageType {
	case pagedata.PageTypeArray32:
		v := pt.Sum
		if pt.Count > 1 {
			v = pt.Sum / float32(pt.Count)
		}
		ch.a32.Append(v, pt.Flags)
		ch.page.SetData(ch.a32, len(ch.a32.Bytes()))
	case pagedata.PageTypeArrayTier1:
		ch.t1.Append(pt)
		ch.page.SetData(ch.t1, len(ch.t1.Bytes()))
	case pagedata.PageTypeGorilla32:
		v := pt.Sum
		if pt.Count > 1 {
			v = pt.Sum / float32(pt.Count)
		}
		ch.gor.Append(v)
		ch.page.SetData(ch.gor, ch.gor.ByteLen())
	}

	ch.page.SetEndTime(timeS)

	if ch.pageFull() {
		return ch.rotate()
	}
	return nil
}

// openPage reserves a fresh HOT page in the cache starting at timeS.
func (ch *CollectHandle) openPage(timeS int64) error {
	ch.startTimeS = timeS
	switch ch.pageType {
	case pagedata.PageTypeArray32:
		ch.a32 = pagedata.NewArray32Writer(pagedata.MaxPageEntriesArray32)
	case pagedata.PageTypeArrayTier1:
		ch.t1 = pagedata.NewTier1Writer(pagedata.MaxPageEntriesTier1)
	case pagedata.PageTypeGorilla32:
		ch.gor = pagedata.NewGorillaEncoder()
	}
	key := pagecache.Key{Section: uint32(ch.engine.section), MetricUUID: ch.h.id, StartTimeS: timeS}
	page, added := ch.engine.cache.AddAndAcquire(key, timeS, ch.updateEveryS, 0, ch.writerData())
	if !added {
		ch.engine.cache.Release(page)
		return fmt.Errorf("dbengine: page already open at start_time_s=%d for metric %s", timeS, ch.h.id)
	}
	ch.page = page
	return nil
}

func (ch *CollectHandle) writerData() any {
	switch ch.pageType {
	case pagedata.PageTypeArrayTier1:
		return ch.t1
	case pagedata.PageTypeGorilla32:
		return ch.gor
	default:
		return ch.a32
	}
}

func (ch *CollectHandle) entries() int {
	switch ch.pageType {
	case pagedata.PageTypeArrayTier1:
		return ch.t1.Len()
	case pagedata.PageTypeGorilla32:
		return ch.gor.Len()
	default:
		return ch.a32.Len()
	}
}

// pageFull reports whether the open page has hit its type-dependent
// capacity: a fixed entry count for the array codecs, the block-count
// byte limit for Gorilla (spec.md §3 "page_length ≤ MAX_PAGE_BYTES ...
// gorilla allows variable growth in fixed blocks"). The Gorilla headroom
// keeps one worst-case sample (44 bits) from overflowing the final block.
func (ch *CollectHandle) pageFull() bool {
	switch ch.pageType {
	case pagedata.PageTypeArrayTier1:
		return ch.t1.Len() >= pagedata.MaxPageEntriesTier1
	case pagedata.PageTypeGorilla32:
		return ch.gor.ByteLen() >= pagedata.MaxGorillaPageBytes-8
	default:
		return ch.a32.Len() >= pagedata.MaxPageEntriesArray32
	}
}

// rotate closes the current page, hands it to the write path for an
// immediate single-page flush, and clears state so the next append opens
// a fresh page.
func (ch *CollectHandle) rotate() error {
	entries := ch.entries()
	if entries == 0 {
		ch.clearPage()
		return nil
	}
	endTimeS := ch.startTimeS + int64(entries-1)*ch.updateEveryS

	cand := writepath.Candidate{
		MetricUUID:   ch.h.id,
		StartTimeUT:  uint64(ch.startTimeS),
		EndTimeUT:    uint64(endTimeS),
		UpdateEveryS: ch.updateEveryS,
	}
	switch ch.pageType {
	case pagedata.PageTypeArrayTier1:
		cand.Type = datafile.PageType(pagedata.PageTypeArrayTier1)
		cand.Raw = append([]byte(nil), ch.t1.Bytes()...)
	case pagedata.PageTypeGorilla32:
		cand.Type = datafile.PageType(pagedata.PageTypeGorilla32)
		cand.Raw = append([]byte(nil), ch.gor.Bytes()...)
		cand.Entries = uint32(entries)
		cand.DeltaTimeS = uint32(endTimeS - ch.startTimeS)
	default:
		cand.Type = datafile.PageType(pagedata.PageTypeArray32)
		cand.Raw = append([]byte(nil), ch.a32.Bytes()...)
	}

	key := ch.page.Key()
	ch.engine.cache.HotToDirtyAndRelease(ch.page)

	acquired, ok := ch.engine.cache.GetAndAcquire(key, pagecache.SearchExact)
	if !ok {
		return fmt.Errorf("dbengine: dirty page for metric %s vanished before flush", ch.h.id)
	}
	cand.Page = acquired

	if err := ch.engine.flush([]writepath.Candidate{cand}); err != nil {
		ch.engine.cache.Release(acquired)
		return err
	}
	ch.engine.cache.Release(acquired)
	ch.h.m.SetCleanLatestTimeS(endTimeS)

	ch.clearPage()
	return nil
}

func (ch *CollectHandle) clearPage() {
	ch.page = nil
	ch.a32 = nil
	ch.t1 = nil
	ch.gor = nil
}

// Finalize flushes any buffered-but-not-yet-full page and reports
// whether the metric can now be deleted (spec.md §6.4
// store_metric_finalize).
func (ch *CollectHandle) Finalize() (canDelete bool, err error) {
	if ch.page != nil {
		if err := ch.rotate(); err != nil {
			return false, err
		}
	}
	return ch.h.m.HasZeroDiskRetention(), nil
}
