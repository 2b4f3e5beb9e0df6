package dbengine

import (
	"fmt"

	"github.com/chronolith/dbengine/internal/datafile"
	"github.com/chronolith/dbengine/internal/metricregistry"
	"github.com/chronolith/dbengine/internal/pagecache"
	"github.com/chronolith/dbengine/internal/pagedata"
	"github.com/chronolith/dbengine/internal/query"
)

// loadExtentBytes returns one extent's full framed bytes (header,
// descriptors, payload, CRC trailer) exactly as datafile.Parse expects
// them, serving from the extent cache when present and otherwise issuing
// a cold aligned read against the owning datafile (spec.md §4.5 steps
// 1-2).
func (e *Engine) loadExtentBytes(fileNo uint32, extentOffset int64, extentLength int) ([]byte, error) {
	cacheKey := datafile.ExtentCacheKey{Section: uint32(e.section), DatafileID: fileNo, Block: extentOffset}
	if raw, ok := e.extCache.Get(cacheKey); ok {
		return raw, nil
	}

	pair := e.pairByFileNo(fileNo)
	if pair == nil {
		return nil, fmt.Errorf("dbengine: datafile %d no longer exists", fileNo)
	}
	raw, err := pair.aligned.ReadAt(extentOffset, extentLength)
	if err != nil {
		return nil, err
	}
	e.extCache.Put(cacheKey, raw)
	return raw, nil
}

// resolveExtentChain is invoked — through the event loop's EXTENT_READ
// opcode when the background loop is running — by the single goroutine a
// query.Router.Submit told to dispatch (spec.md §4.4): it reads and
// decompresses the extent once, then atomically snapshots every EPDL that
// folded onto this key (including latecomers that joined mid-read) before
// decoding their wanted pages out of the shared payload and resolving
// each PD. It never returns an error to its caller; read/parse failures
// are reported per-PD as PDFailed so one bad extent can't wedge queries
// that don't need it.
func (e *Engine) resolveExtentChain(key query.ExtentKey, extentLength int) {
	raw, readErr := e.loadExtentBytes(key.DatafileID, key.Offset, extentLength)
	var ext *datafile.Extent
	parseErr := readErr
	if readErr == nil {
		ext, parseErr = datafile.Parse(raw)
	}

	chain, done := e.router.CompleteAndChain(key)
	if chain == nil {
		// Submit guarantees the dispatcher's own EPDL is in r.head until
		// CompleteAndChain runs, so this would mean a bug in the router.
		e.logger.Printf("read extent at %d: no outstanding chain at completion", key.Offset)
		return
	}

	switch {
	case parseErr != nil:
		e.logger.Printf("read extent at %d: %v", key.Offset, parseErr)
		for _, epdl := range chain {
			for _, pd := range epdl.Wanted {
				epdl.PDC.ResolveOne(pd, query.PDFailed, nil)
			}
		}
	case !query.AnyWantsContinue(chain):
		for _, epdl := range chain {
			for _, pd := range epdl.Wanted {
				epdl.PDC.ResolveOne(pd, query.PDCancelled, nil)
			}
		}
	default:
		for _, epdl := range chain {
			for _, pd := range epdl.Wanted {
				if epdl.PDC.ShouldStop() {
					epdl.PDC.ResolveOne(pd, query.PDCancelled, nil)
					continue
				}
				pts, decodeErr := decodePagePayload(ext.Payload, pd)
				if decodeErr != nil {
					epdl.PDC.ResolveOne(pd, query.PDFailed, nil)
					continue
				}
				pd.RawPoints = pts
				status := query.PDReady
				if len(pts) == 0 {
					status = query.PDEmpty
				} else {
					e.promoteDecodedPage(epdl.PDC.Metric.Key, pd, pts)
				}
				epdl.PDC.ResolveOne(pd, status, nil)
			}
		}
	}

	if done != nil {
		close(done)
	}
}

// promoteDecodedPage admits a page decoded from a disk extent into the
// page cache in CLEAN state, so the next query over the same range is
// served from memory instead of re-walking the extent (spec.md §4.5
// steps 8-9). The write path's earlier CLEAN entry for the same key holds
// only the page's on-disk location; a collision swaps the decoded points
// in so the cached entry becomes directly readable.
func (e *Engine) promoteDecodedPage(mk metricregistry.Key, pd *query.PD, pts []query.RawPoint) {
	key := pagecache.Key{Section: uint32(mk.Section), MetricUUID: mk.UUID, StartTimeS: pd.StartTimeS}
	data := append([]query.RawPoint(nil), pts...)
	page, added := e.cache.AddCleanAndAcquire(key, pd.EndTimeS, pd.UpdateEveryS, pd.PayloadLength, data)
	if !added {
		if _, decoded := page.Data().([]query.RawPoint); !decoded {
			page.SetData(data, pd.PayloadLength)
		}
	}
	e.cache.Release(page)
}

// decodePagePayload slices pd's page out of an extent's decompressed
// payload and decodes it into timestamped samples using the page's
// declared codec (spec.md §4.5 steps 6-7, §6.3).
func decodePagePayload(payload []byte, pd *query.PD) ([]query.RawPoint, error) {
	end := pd.PayloadOffset + pd.PayloadLength
	if pd.PayloadOffset < 0 || end > len(payload) {
		return nil, fmt.Errorf("dbengine: page payload [%d:%d] out of bounds (extent payload is %d bytes)", pd.PayloadOffset, end, len(payload))
	}
	everyS := pd.UpdateEveryS
	if everyS <= 0 {
		everyS = 1
	}
	slice := payload[pd.PayloadOffset:end]

	switch pd.Type {
	case pagedata.PageTypeArrayTier1:
		r := pagedata.WrapTier1(slice)
		out := make([]query.RawPoint, 0, r.Len())
		for i := 0; i < r.Len(); i++ {
			out = append(out, rawPointAt(r.At(i), pd.StartTimeS, int64(i), everyS))
		}
		return out, nil
	case pagedata.PageTypeGorilla32:
		dec := pagedata.NewGorillaDecoder(slice)
		out := make([]query.RawPoint, 0, pd.Entries)
		for i := 0; i < pd.Entries; i++ {
			v, ok := dec.Next()
			if !ok {
				return nil, fmt.Errorf("dbengine: gorilla stream truncated at entry %d of %d", i, pd.Entries)
			}
			pt := pagedata.Point{Min: v, Max: v, Sum: v, Count: 1}
			out = append(out, rawPointAt(pt, pd.StartTimeS, int64(i), everyS))
		}
		return out, nil
	default:
		r := pagedata.WrapArray32(slice)
		out := make([]query.RawPoint, 0, r.Len())
		for i := 0; i < r.Len(); i++ {
			out = append(out, rawPointAt(r.At(i), pd.StartTimeS, int64(i), everyS))
		}
		return out, nil
	}
}

// rawPointAt maps a decoded sample and its index within the page onto the
// executor's point shape.
func rawPointAt(pt pagedata.Point, startTimeS, idx, everyS int64) query.RawPoint {
	ts := startTimeS + idx*everyS
	return query.RawPoint{
		StartS:    ts - everyS,
		EndS:      ts,
		Value:     float64(pt.Value()),
		Empty:     pt.Flags&pagedata.FlagEmpty != 0,
		Reset:     pt.Flags&pagedata.FlagReset != 0,
		Anomalous: pt.AnomalyRate() > 0,
	}
}
