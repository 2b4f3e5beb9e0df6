// Package pagedata implements the compact in-memory representation of a
// page's samples (C4 "Page Data") together with the per-type codecs that
// pack points into the opaque byte buffer a Page carries, and the page
// validation rules of spec.md §4.9.
package pagedata

import "fmt"

// PointFlag is a bitmask carried per sample.
type PointFlag uint8

const (
	FlagEmpty PointFlag = 1 << iota
	FlagReset
	FlagAnomaly
)

// PageType identifies which tier-specific point representation a page's
// opaque data holds (spec.md §6.3).
type PageType uint8

const (
	// PageTypeArray32 is the raw-tier representation: one float32 plus
	// one flags byte per sample.
	PageTypeArray32 PageType = iota + 1
	// PageTypeArrayTier1 is the downsampled-tier representation:
	// {min,max,sum float32, count,anomaly_count uint16, flags byte} per
	// sample.
	PageTypeArrayTier1
	// PageTypeGorilla32 is a variable-length delta-of-delta (XOR) stream
	// growing in 512-byte blocks.
	PageTypeGorilla32
)

func (pt PageType) String() string {
	switch pt {
	case PageTypeArray32:
		return "ARRAY_32BIT"
	case PageTypeArrayTier1:
		return "ARRAY_TIER1"
	case PageTypeGorilla32:
		return "GORILLA_32BIT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(pt))
	}
}

// PointSize returns the fixed on-disk size of one sample for fixed-size
// tiers. Gorilla pages have no fixed point size (returns 0).
func (pt PageType) PointSize() int {
	switch pt {
	case PageTypeArray32:
		return 5 // 4 bytes float32 + 1 byte flags
	case PageTypeArrayTier1:
		return 17 // 4+4+4 float32 + 2+2 uint16 + 1 flags
	case PageTypeGorilla32:
		return 0
	default:
		return 0
	}
}

// GorillaBlockSize is the granularity a Gorilla page's buffer grows by.
const GorillaBlockSize = 512

// MaxPageEntriesArray32 bounds how many raw-tier samples fit in one page
// before the collector must rotate to a new page.
const MaxPageEntriesArray32 = 1024

// MaxPageEntriesTier1 bounds how many downsampled samples fit in one page.
const MaxPageEntriesTier1 = 1024

// MaxGorillaPageBytes is the largest a Gorilla page's buffer may grow to
// before the collector rotates (spec.md §3 "page_length ≤ MAX_PAGE_BYTES").
const MaxGorillaPageBytes = 4096

// MaxPageBytes returns the type-dependent upper bound on a page's opaque
// data length (spec.md §3 invariant "page_length ≤ MAX_PAGE_BYTES").
func MaxPageBytes(pt PageType) int {
	switch pt {
	case PageTypeArray32:
		return MaxPageEntriesArray32 * 5
	case PageTypeArrayTier1:
		return MaxPageEntriesTier1 * 17
	case PageTypeGorilla32:
		return MaxGorillaPageBytes
	default:
		return 0
	}
}

// TierPoint is the ARRAY_TIER1 sample shape: an aggregate over the
// underlying raw points collected during one update_every window.
type TierPoint struct {
	Min, Max, Sum float32
	Count         uint16
	AnomalyCount  uint16
	Flags         PointFlag
}

// Point is a decoded sample independent of its on-disk tier: Min==Max==Sum
// and Count==1 for raw-tier points.
type Point struct {
	Min, Max, Sum float32
	Count         uint16
	AnomalyCount  uint16
	Flags         PointFlag
}

// Value returns the representative value of a point (Sum/Count for
// aggregates, the raw value for tier-0 points where Count==1).
func (p Point) Value() float32 {
	if p.Count == 0 {
		return 0
	}
	return p.Sum / float32(p.Count)
}

// AnomalyRate returns the fraction of underlying raw points flagged
// anomalous, in [0,1].
func (p Point) AnomalyRate() float64 {
	if p.Count == 0 {
		return 0
	}
	return float64(p.AnomalyCount) / float64(p.Count)
}
