package datafile

import (
	"github.com/google/uuid"

	"github.com/chronolith/dbengine/internal/metricregistry"
)

// RetentionMaxDatafiles and RetentionMaxPages bound the retention
// recalculation walk (spec.md §4.8 step 2: "Stop a metric once it has
// been found in three datafiles or has accumulated > 5 pages"). Named
// and tunable per spec.md's Open Question about these heuristic
// constants (SPEC_FULL.md "SUPPLEMENTED FEATURES" #3).
const (
	RetentionMaxDatafiles = 3
	RetentionMaxPages     = 5
)

// OpenCacheLookup resolves whether a metric still has a clean page live
// in the open cache, used as the last resort before declaring zero disk
// retention (spec.md §4.8 step 3).
type OpenCacheLookup func(id uuid.UUID) (firstTimeS int64, ok bool)

// RecalculateRetention implements spec.md §4.8's retention recalculation,
// run when doomed's datafile is queued for deletion. remaining must be
// ordered the same way the engine orders datafiles (oldest-first is
// conventional, but the walk here only needs "in order").
//
// For each metric present in doomed, it acquires the metric from reg,
// searches remaining datafiles' journal v2 indexes for the metric's new
// earliest start time, and falls back to lookup (the open cache) before
// concluding the metric has zero on-disk retention.
func RecalculateRetention(doomed *JournalV2, remaining []*JournalV2, reg *metricregistry.Registry, section metricregistry.Section, lookup OpenCacheLookup) {
	for id := range doomed.Metrics {
		m := reg.AcquireByUUID(section, id)

		found := false
		datafilesChecked := 0
		pagesAccumulated := 0

		var newFirst int64
		for _, jv2 := range remaining {
			if datafilesChecked >= RetentionMaxDatafiles || pagesAccumulated > RetentionMaxPages {
				break
			}
			pages, ok := jv2.Metrics[id]
			if !ok {
				continue
			}
			datafilesChecked++
			pagesAccumulated += len(pages)
			if t, ok := jv2.EarliestStartS(id); ok {
				if !found || t < newFirst {
					newFirst = t
					found = true
				}
			}
		}

		if found {
			m.SetFirstTimeS(newFirst)
			reg.MarkZeroDiskRetention(m, false)
			reg.Release(m)
			continue
		}

		if t, ok := lookup(id); ok {
			m.SetFirstTimeS(t)
			reg.MarkZeroDiskRetention(m, false)
			reg.Release(m)
			continue
		}

		reg.MarkZeroDiskRetention(m, true)
		reg.ReleaseAndDelete(m, false)
	}
}
