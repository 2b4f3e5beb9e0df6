package dbengine

import (
	"fmt"
	"sort"

	"github.com/chronolith/dbengine/internal/evloop"
	"github.com/chronolith/dbengine/internal/pagecache"
	"github.com/chronolith/dbengine/internal/pagedata"
	"github.com/chronolith/dbengine/internal/query"
)

// SeqHandle walks a query's result buckets one at a time, mirroring
// spec.md §6.4's load_metric_init/load_metric_next/load_metric_finalize
// triple.
type SeqHandle struct {
	buckets []query.Bucket
	idx     int
}

// Next returns the next output bucket, or ok=false once exhausted.
// Idempotent after end-of-stream (spec.md §6.4).
func (s *SeqHandle) Next() (query.Bucket, bool) {
	if s.idx >= len(s.buckets) {
		return query.Bucket{}, false
	}
	b := s.buckets[s.idx]
	s.idx++
	return b, true
}

// sliceIterator adapts a pre-gathered, time-ordered slice of RawPoint to
// the query package's PointIterator interface.
type sliceIterator struct {
	pts []query.RawPoint
	i   int
}

func (it *sliceIterator) Next() (query.RawPoint, bool) {
	if it.i >= len(it.pts) {
		return query.RawPoint{}, false
	}
	p := it.pts[it.i]
	it.i++
	return p, true
}

// LoadMetricInit plans and executes a query over [afterS,beforeS],
// grouping raw points into viewUpdateEveryS-wide buckets with the
// reducer named by Config.DefaultReducer (spec.md §4.3, §4.6). Since this
// engine instance manages a single tier, the planner always pins that
// tier as the query's spine. priority feeds the PDC the read path builds
// for this query (spec.md §4.4 "Priority merging"); lower values win when
// two queries' reads get merged onto the same extent.
func (e *Engine) LoadMetricInit(h *Handle, afterS, beforeS, viewUpdateEveryS int64, pointsWanted int, priority int) (*SeqHandle, error) {
	everyS := h.m.UpdateEveryS()
	if everyS <= 0 {
		everyS = 1
	}
	first, last := h.m.Retention()
	tier := query.TierInfo{Tier: int(e.cfg.Tier), FirstTimeS: first, LastTimeS: last, UpdateEveryS: everyS}

	plans := query.BuildPlans([]query.TierInfo{tier}, afterS, beforeS, pointsWanted, int(e.cfg.Tier))

	reducer, ok := query.NewReducer(e.cfg.DefaultReducer)
	if !ok {
		return nil, fmt.Errorf("dbengine: unknown reducer %q", e.cfg.DefaultReducer)
	}

	newIter := func(p query.Plan) query.PointIterator {
		return &sliceIterator{pts: e.collectPointsInRange(h, p.ExpandedAfterS, p.ExpandedBeforeS, priority)}
	}

	buckets, err := query.Run(plans, afterS, beforeS, viewUpdateEveryS, reducer, newIter)
	if err != nil {
		return nil, err
	}
	return &SeqHandle{buckets: buckets}, nil
}

// LoadMetricNext advances s and returns its next bucket.
func (e *Engine) LoadMetricNext(s *SeqHandle) (query.Bucket, bool) { return s.Next() }

// LoadMetricFinalize releases s. There is nothing to free beyond letting
// it be garbage collected; it exists for API symmetry with spec.md §6.4.
func (e *Engine) LoadMetricFinalize(s *SeqHandle) { s.idx = len(s.buckets) }

// collectPointsInRange gathers every raw sample for h within
// [afterS,beforeS]: pages already decoded into the page cache are served
// from memory, remaining flushed pages are fetched through the PDC/EPDL
// router so concurrent queries needing the same extent share one disk
// read (spec.md §4.4, §8 scenario 5), and the metric's in-progress
// HOT/DIRTY page is read directly from the page cache. Results are
// returned in time order.
func (e *Engine) collectPointsInRange(h *Handle, afterS, beforeS int64, priority int) []query.RawPoint {
	var out []query.RawPoint

	e.mu.Lock()
	exts := append([]openExtent(nil), e.open[h.id]...)
	e.mu.Unlock()

	pdc := query.New(h.m, priority)
	groups := make(map[query.ExtentKey]*query.EPDL)
	var order []query.ExtentKey
	for _, oe := range exts {
		if oe.endTimeS < afterS || oe.startTimeS > beforeS {
			continue
		}

		// Step 1 of the read pipeline: a page another query already
		// decoded is in the page cache, CLEAN, holding its points.
		cacheKey := pagecache.Key{Section: uint32(e.section), MetricUUID: h.id, StartTimeS: oe.startTimeS}
		if cached, ok := e.cache.GetAndAcquire(cacheKey, pagecache.SearchExact); ok {
			if pts, decoded := cached.Data().([]query.RawPoint); decoded {
				out = append(out, pts...)
				e.cache.Release(cached)
				continue
			}
			e.cache.Release(cached)
		}

		pd := query.AcquirePD()
		pd.StartTimeS = oe.startTimeS
		pd.EndTimeS = oe.endTimeS
		pd.PayloadOffset = oe.payloadOffset
		pd.PayloadLength = oe.payloadLength
		pd.UpdateEveryS = oe.updateEveryS
		pd.Type = pagedata.PageType(oe.pageType)
		pd.Entries = oe.entries
		pdc.AddPD(pd)

		key := query.ExtentKey{DatafileID: oe.fileNo, Offset: oe.extentOffset}
		epdl, ok := groups[key]
		if !ok {
			epdl = &query.EPDL{Key: key, PDC: pdc, ExtentLength: oe.extentLength}
			groups[key] = epdl
			order = append(order, key)
		}
		epdl.Wanted = append(epdl.Wanted, pd)
	}
	pdc.FinishPrep()

	for _, key := range order {
		epdl := groups[key]
		_, dispatch := e.router.Submit(epdl)
		if dispatch {
			key := key
			length := epdl.ExtentLength
			if err := e.runOnLoop(evloop.OpExtentRead, loopPriority(priority), func() error {
				e.resolveExtentChain(key, length)
				return nil
			}); err != nil {
				e.logger.Printf("extent read dispatch: %v", err)
			}
			continue
		}
		if done := e.router.Wait(key); done != nil {
			<-done
		}
	}

	for _, pd := range pdc.PDs() {
		if pd.Status() == query.PDReady {
			out = append(out, pd.RawPoints...)
		}
		query.ReleasePD(pd)
	}

	out = append(out, e.hotPagePoints(h, afterS, beforeS)...)

	sort.Slice(out, func(i, j int) bool { return out[i].EndS < out[j].EndS })
	return out
}

// hotPagePoints reads the metric's in-progress (HOT/DIRTY) page straight
// from the page cache, decoding whichever collector codec it carries.
func (e *Engine) hotPagePoints(h *Handle, afterS, beforeS int64) []query.RawPoint {
	key := pagecache.Key{Section: uint32(e.section), MetricUUID: h.id, StartTimeS: beforeS}
	cur, ok := e.cache.GetAndAcquire(key, pagecache.SearchClosest)
	if !ok {
		return nil
	}
	defer e.cache.Release(cur)
	if state := cur.State(); state != pagecache.StateHot && state != pagecache.StateDirty {
		return nil
	}

	startTimeS := cur.Key().StartTimeS
	everyS := cur.UpdateEveryS()
	if everyS <= 0 {
		everyS = 1
	}

	var pts []pagedata.Point
	switch w := cur.Data().(type) {
	case *pagedata.Array32Writer:
		r := pagedata.WrapArray32(w.Bytes())
		for i := 0; i < r.Len(); i++ {
			pts = append(pts, r.At(i))
		}
	case *pagedata.Tier1Writer:
		r := pagedata.WrapTier1(w.Bytes())
		for i := 0; i < r.Len(); i++ {
			pts = append(pts, r.At(i))
		}
	case *pagedata.GorillaEncoder:
		dec := pagedata.NewGorillaDecoder(w.Bytes())
		for i := 0; i < w.Len(); i++ {
			v, ok := dec.Next()
			if !ok {
				break
			}
			pts = append(pts, pagedata.Point{Min: v, Max: v, Sum: v, Count: 1})
		}
	default:
		return nil
	}

	var out []query.RawPoint
	for i, pt := range pts {
		ts := startTimeS + int64(i)*everyS
		if ts < afterS || ts > beforeS {
			continue
		}
		out = append(out, rawPointAt(pt, startTimeS, int64(i), everyS))
	}
	return out
}
