package pagedata

import "fmt"

// Page is the compact in-memory representation of a contiguous run of
// points for one metric at one update interval (spec.md §3 "Page").
type Page struct {
	StartTimeS   int64
	EndTimeS     int64
	UpdateEveryS int64
	Entries      int
	PointSize    int // 0 for variable-length (Gorilla) pages
	Type         PageType
	Data         []byte // opaque, per-Type encoded bytes
}

// Len returns the number of points this page holds, as declared by Entries.
func (p *Page) Len() int { return p.Entries }

// PointAt decodes the i-th point using the page's declared Type.
func (p *Page) PointAt(i int) (Point, error) {
	if i < 0 || i >= p.Entries {
		return Point{}, fmt.Errorf("pagedata: index %d out of range [0,%d)", i, p.Entries)
	}
	switch p.Type {
	case PageTypeArray32:
		return WrapArray32(p.Data).At(i), nil
	case PageTypeArrayTier1:
		return WrapTier1(p.Data).At(i), nil
	case PageTypeGorilla32:
		dec := NewGorillaDecoder(p.Data)
		var pt Point
		for j := 0; j <= i; j++ {
			v, ok := dec.Next()
			if !ok {
				return Point{}, fmt.Errorf("pagedata: gorilla stream truncated at entry %d", j)
			}
			pt = Point{Min: v, Max: v, Sum: v, Count: 1}
		}
		return pt, nil
	default:
		return Point{}, fmt.Errorf("pagedata: unknown page type %v", p.Type)
	}
}

// Points decodes every point in the page, in order. Gorilla pages are
// decoded once end-to-end since the stream is only sequentially readable.
func (p *Page) Points() ([]Point, error) {
	out := make([]Point, 0, p.Entries)
	switch p.Type {
	case PageTypeArray32:
		r := WrapArray32(p.Data)
		for i := 0; i < p.Entries; i++ {
			out = append(out, r.At(i))
		}
	case PageTypeArrayTier1:
		r := WrapTier1(p.Data)
		for i := 0; i < p.Entries; i++ {
			out = append(out, r.At(i))
		}
	case PageTypeGorilla32:
		dec := NewGorillaDecoder(p.Data)
		for i := 0; i < p.Entries; i++ {
			v, ok := dec.Next()
			if !ok {
				return nil, fmt.Errorf("pagedata: gorilla stream truncated at entry %d", i)
			}
			out = append(out, Point{Min: v, Max: v, Sum: v, Count: 1})
		}
	default:
		return nil, fmt.Errorf("pagedata: unknown page type %v", p.Type)
	}
	return out, nil
}

// ByteLength returns the declared length of Data, used when validating
// against MaxPageBytes.
func (p *Page) ByteLength() int { return len(p.Data) }
