// Package query implements the read-path machinery above the page cache:
// the per-query page request list (C7 PDC), the per-extent request
// aggregation and dedup (C8 EPDL), the tier/plan selection (C9 Query
// Planner), and the point-by-point executor with its reducer contract
// (C10 Query Executor).
//
// The refcount/completion idiom (PDC) is grounded on tinySQL's
// WorkRequest/WorkResult atomic-counter pattern
// (internal/storage/concurrency.go, ConcurrencyStats); the dedup idiom
// (EPDL) is grounded on the same file's FanIn (many producers onto one
// consumer), adapted to "many requesters dedup onto one read".
package query

import (
	"sync"
	"sync/atomic"

	"github.com/chronolith/dbengine/internal/arena"
	"github.com/chronolith/dbengine/internal/metricregistry"
	"github.com/chronolith/dbengine/internal/pagecache"
	"github.com/chronolith/dbengine/internal/pagedata"
)

// PDStatus is a single page-detail's terminal or in-flight state.
type PDStatus uint8

const (
	PDPending PDStatus = iota
	PDReady
	PDFailed
	PDCancelled
	PDEmpty
	PDInvalid
)

// IsTerminal reports whether s is one of the terminal states spec.md §8
// invariant 5 requires every PD to reach once pages_done fires.
func (s PDStatus) IsTerminal() bool {
	return s != PDPending
}

// PD is one required page within a query's plan.
type PD struct {
	StartTimeS int64
	EndTimeS   int64

	// PayloadOffset/PayloadLength locate this page's raw bytes within the
	// decompressed payload of the extent it lives in (spec.md §6.2
	// descriptor table); UpdateEveryS, Type, and Entries are carried
	// alongside so the reader that eventually decodes the slice doesn't
	// need a second lookup. Left zero for PDs resolved straight out of
	// the page cache rather than from a disk extent.
	PayloadOffset int
	PayloadLength int
	UpdateEveryS  int64
	Type          pagedata.PageType
	Entries       int

	// RawPoints is filled in by whichever goroutine actually decodes this
	// PD's extent (the dispatcher of the EPDL chain it belongs to,
	// spec.md §4.4) once Status reaches PDReady.
	RawPoints []RawPoint

	mu     sync.Mutex
	status PDStatus
	page   *pagecache.Page
}

// Status returns the PD's current status.
func (pd *PD) Status() PDStatus {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.status
}

// Page returns the resolved page, if Status is PDReady.
func (pd *PD) Page() *pagecache.Page {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.page
}

// Resolve sets the PD's terminal status and, for PDReady, its page.
func (pd *PD) Resolve(status PDStatus, page *pagecache.Page) {
	pd.mu.Lock()
	pd.status = status
	pd.page = page
	pd.mu.Unlock()
}

// pdPool recycles PD records across queries; a busy instance allocates
// one PD per required page per query, which is exactly the fixed-size,
// high-frequency record shape the arena package exists for.
var pdPool = arena.New[PD]()

// AcquirePD returns a pooled, zeroed PD.
func AcquirePD() *PD {
	pd := pdPool.Get()
	*pd = PD{}
	return pd
}

// ReleasePD returns pd to the pool. The caller must have copied out any
// RawPoints it needs and must hold the only remaining reference — for a
// query that means after its PDC's pages-done completion has fired and
// the result points have been gathered.
func ReleasePD(pd *PD) {
	*pd = PD{}
	pdPool.Put(pd)
}

// PDC (Page Details Control) is one query's collection of required pages
// (spec.md §3 "PDC"). It is shared between the issuing query goroutine and
// every worker that resolves one of its EPDLs; PrepDone/PagesDone signal
// completion of planning and of all page resolution respectively.
type PDC struct {
	Metric   *metricregistry.Metric
	Priority int

	mu   sync.Mutex
	pds  []*PD
	refs int32

	stop atomic.Bool

	prepDone  chan struct{}
	pagesDone chan struct{}
	prepOnce  sync.Once
	pagesOnce sync.Once

	pending atomic.Int32 // count of PDs not yet terminal
}

// New creates a PDC with one initial reference held by the caller.
func New(metric *metricregistry.Metric, priority int) *PDC {
	return &PDC{
		Metric:    metric,
		Priority:  priority,
		refs:      1,
		prepDone:  make(chan struct{}),
		pagesDone: make(chan struct{}),
	}
}

// AddPD appends a required page to the plan. Must be called before
// FinishPrep.
func (p *PDC) AddPD(pd *PD) {
	p.mu.Lock()
	p.pds = append(p.pds, pd)
	p.mu.Unlock()
	p.pending.Add(1)
}

// PDs returns the full list of page details, in plan order.
func (p *PDC) PDs() []*PD {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*PD, len(p.pds))
	copy(out, p.pds)
	return out
}

// FinishPrep signals that the PD list is final (spec.md §3 "two
// completions (prep-done, pages-done)").
func (p *PDC) FinishPrep() {
	p.prepOnce.Do(func() { close(p.prepDone) })
}

// WaitPrep blocks until FinishPrep has been called.
func (p *PDC) WaitPrep() { <-p.prepDone }

// ResolveOne marks one PD terminal and, if it was the last pending PD,
// signals PagesDone.
func (p *PDC) ResolveOne(pd *PD, status PDStatus, page *pagecache.Page) {
	pd.Resolve(status, page)
	if p.pending.Add(-1) == 0 {
		p.pagesOnce.Do(func() { close(p.pagesDone) })
	}
}

// WaitPagesDone blocks until every PD has reached a terminal state.
func (p *PDC) WaitPagesDone() { <-p.pagesDone }

// PagesDoneChan exposes the completion channel for select-based callers
// (spec.md §5 "suspends ... and resumes on the PDC's page-completion
// signal").
func (p *PDC) PagesDoneChan() <-chan struct{} { return p.pagesDone }

// Stop sets workers_should_stop; cooperative, checked by workers at the
// start of each EPDL (spec.md §4.4 "Cancellation").
func (p *PDC) Stop() { p.stop.Store(true) }

// ShouldStop reports whether the query has been cancelled.
func (p *PDC) ShouldStop() bool { return p.stop.Load() }

// Acquire increments the PDC's reference count.
func (p *PDC) Acquire() {
	p.mu.Lock()
	p.refs++
	p.mu.Unlock()
}

// Release decrements the PDC's reference count; per spec.md §3 "PDC is
// freed only when refcount reaches zero", the caller stops using p once
// this returns true.
func (p *PDC) Release() (freed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs--
	return p.refs <= 0
}

// CancelRemaining resolves every PD not yet terminal as PDCancelled,
// used when Stop is observed mid-flight (spec.md §4.4).
func (p *PDC) CancelRemaining() {
	for _, pd := range p.PDs() {
		pd.mu.Lock()
		terminal := pd.status.IsTerminal()
		pd.mu.Unlock()
		if !terminal {
			p.ResolveOne(pd, PDCancelled, nil)
		}
	}
}
