package query

import "sync"

// ExtentKey identifies one (datafile, extent_offset) pair, the
// deduplication granularity for concurrent readers (spec.md §4.4, §8
// invariant 4).
type ExtentKey struct {
	DatafileID uint32
	Offset     int64
}

// EPDL (Extent Page Details List) is one query's request for the pages it
// needs out of a single extent. Multiple EPDLs for the same ExtentKey are
// chained behind a single head, which is the only one that triggers an
// actual disk read (spec.md §3 "EPDL", §4.4).
type EPDL struct {
	Key ExtentKey
	PDC *PDC

	// ExtentLength is the framed extent's total on-disk size, needed by
	// the dispatcher to read the whole extent body (header, descriptors,
	// payload, CRC trailer) in one shot before decoding any of Wanted.
	ExtentLength int

	Wanted []*PD // the subset of PDC's PDs that fall inside this extent

	next *EPDL // sibling chained behind the head for the same ExtentKey
}

// Router buckets concurrent EPDLs by ExtentKey and exposes whether a
// caller must dispatch a new read or has been folded into an existing
// one (spec.md §4.4 "the router buckets by datafile -> extent_offset ->
// EPDL").
type Router struct {
	mu   sync.Mutex
	head map[ExtentKey]*EPDL
	tail map[ExtentKey]*EPDL
	done map[ExtentKey]chan struct{}

	MergedCount int64 // pages_load_extent_merged
	ReadCount   int64 // extents_loaded_from_disk
}

// NewRouter creates an empty per-context router. Create one per engine
// instance.
func NewRouter() *Router {
	return &Router{
		head: make(map[ExtentKey]*EPDL),
		tail: make(map[ExtentKey]*EPDL),
		done: make(map[ExtentKey]chan struct{}),
	}
}

// Submit registers e under its ExtentKey. If no EPDL is currently
// outstanding for that key, e becomes the head and the caller must
// dispatch a real read (dispatch=true). Otherwise e is chained behind the
// existing head and the caller must not re-dispatch; if e's PDC outranks
// the head's, Submit itself lowers the head PDC's Priority value via
// bumpPriority (spec.md §4.4 "Priority merging").
func (r *Router) Submit(e *EPDL) (head *EPDL, dispatch bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.head[e.Key]; ok {
		r.tail[e.Key].next = e
		r.tail[e.Key] = e
		r.MergedCount += int64(len(e.Wanted))
		if e.PDC.Priority < h.PDC.Priority {
			// lower integer = higher priority in this engine's convention
			h.bumpPriority(e.PDC.Priority)
		}
		return h, false
	}
	r.head[e.Key] = e
	r.tail[e.Key] = e
	r.done[e.Key] = make(chan struct{})
	r.ReadCount++
	return e, true
}

// Wait returns the channel a caller folded into an existing EPDL chain
// (Submit's dispatch=false case) must block on; the dispatching goroutine
// closes it after CompleteAndChain, by which point every chained
// EPDL's Wanted PDs have already been resolved (spec.md §5 "suspends...
// and resumes on the PDC's page-completion signal", generalized here to
// the per-extent read that fills many PDCs at once). Returns nil if key
// has no outstanding read, which a correct caller only does right after
// Submit returned dispatch=false for that same key.
func (r *Router) Wait(key ExtentKey) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done[key]
}

// bumpPriority lowers the head PDC's Priority value to newPriority. The
// EXTENT_READ command already submitted for the head keeps its event-loop
// queue; the event loop (C11) does not read this field.
func (e *EPDL) bumpPriority(newPriority int) {
	if newPriority < e.PDC.Priority {
		e.PDC.Priority = newPriority
	}
}

// Chain returns the full list of EPDLs sharing h's ExtentKey, starting
// from the head.
func (h *EPDL) Chain() []*EPDL {
	out := []*EPDL{h}
	for n := h.next; n != nil; n = n.next {
		out = append(out, n)
	}
	return out
}

// CompleteAndChain atomically snapshots the full chain of EPDLs that
// folded onto key (including any that joined after dispatch but before
// this call) and removes the key's outstanding-read bookkeeping, so any
// EPDL submitted from this point on starts a fresh read rather than
// folding onto one already being processed. It returns nil, nil if key
// has no outstanding read. The caller is responsible for resolving every
// chained EPDL's Wanted PDs and then closing the returned channel to wake
// goroutines blocked in Wait — closing it before resolution would let a
// waiter observe PDs that are still PDPending.
func (r *Router) CompleteAndChain(key ExtentKey) ([]*EPDL, chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	head, ok := r.head[key]
	if !ok {
		return nil, nil
	}
	chain := head.Chain()
	ch := r.done[key]
	delete(r.head, key)
	delete(r.tail, key)
	delete(r.done, key)
	return chain, ch
}

// AnyWantsContinue reports whether at least one EPDL in the chain belongs
// to a PDC that has not been cancelled (spec.md §4.4 "Cancellation": "if
// all chained EPDLs are cancelled, the read is skipped").
func AnyWantsContinue(chain []*EPDL) bool {
	for _, e := range chain {
		if !e.PDC.ShouldStop() {
			return true
		}
	}
	return false
}
