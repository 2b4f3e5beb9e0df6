// Package pagecache implements the page cache (C2): a keyed cache over
// (section, metric, start_time) with HOT/DIRTY/CLEAN/EVICTED states,
// reference counting, a flush queue, and size-bounded eviction
// (spec.md §4.1).
//
// The LRU-list-plus-pin-count structure is grounded on tinySQL's
// PageBufferPool (internal/storage/pager/pager.go); the size-bounded
// eviction knobs (threshold, batch size, stats) are grounded on
// tinySQL's MemoryPolicy/CacheStats (internal/storage/bufferpool.go).
package pagecache

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// State is a page's lifecycle stage within the cache.
type State uint8

const (
	// StateHot: reserved by a collector, not yet on disk.
	StateHot State = iota
	// StateDirty: full, queued for flush, counted against the dirty quota.
	StateDirty
	// StateClean: on disk and cached, eligible for eviction.
	StateClean
	// StateEvicted: data freed; any page in this state must have refs==0.
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateHot:
		return "HOT"
	case StateDirty:
		return "DIRTY"
	case StateClean:
		return "CLEAN"
	case StateEvicted:
		return "EVICTED"
	default:
		return "UNKNOWN"
	}
}

// SearchMode selects how GetAndAcquire resolves a StartTimeS that doesn't
// match exactly.
type SearchMode uint8

const (
	SearchExact SearchMode = iota
	SearchFirst
	SearchNext
	SearchClosest
)

// Key identifies a cache entry by (section, metric, start_time).
type Key struct {
	Section    uint32
	MetricUUID uuid.UUID
	StartTimeS int64
}

type metricKey struct {
	Section    uint32
	MetricUUID uuid.UUID
}

// Page is an acquired handle on one cache entry. Callers must call
// Release exactly once per handle they hold (including the one returned
// by a successful Add/Get) and must not touch Data concurrently with
// another mutator without their own synchronization.
type Page struct {
	cache *Cache
	e     *entry
}

// Key returns the page's cache key.
func (p *Page) Key() Key { return p.e.key }

// State returns the page's current lifecycle state.
func (p *Page) State() State {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	return p.e.state
}

// EndTimeS returns the page's current end time.
func (p *Page) EndTimeS() int64 {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	return p.e.endTimeS
}

// UpdateEveryS returns the page's collection interval.
func (p *Page) UpdateEveryS() int64 { return p.e.updateEveryS }

// Size returns the page's accounted byte size.
func (p *Page) Size() int {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	return p.e.size
}

// Data returns the opaque payload the caller stored.
func (p *Page) Data() any {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	return p.e.data
}

// SetData replaces the opaque payload and its accounted size.
//
// Lock order throughout the cache is Cache.mu before entry.mu; every
// mutator that needs both follows it, so readers holding Cache.mu.RLock
// can safely take entry.mu without a cycle.
func (p *Page) SetData(data any, size int) {
	c := p.cache
	e := p.e
	c.mu.Lock()
	e.mu.Lock()
	delta := int64(size) - int64(e.size)
	switch e.state {
	case StateHot:
		c.hotBytes += delta
	case StateDirty:
		c.dirtyBytes += delta
	case StateClean:
		c.cleanBytes += delta
	}
	e.data = data
	e.size = size
	e.mu.Unlock()
	c.mu.Unlock()
}

// SetEndTime grows the page's end time monotonically (HOT state only);
// spec.md §4.1 "end time grows monotonically via set_end_time".
func (p *Page) SetEndTime(t int64) {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	if t > p.e.endTimeS {
		p.e.endTimeS = t
	}
}

type entry struct {
	key Key

	mu           sync.Mutex
	endTimeS     int64
	updateEveryS int64
	size         int
	data         any
	state        State
	refs         int32

	// LRU links, valid only while state == StateClean and the entry is
	// linked into Cache.cleanList. Guarded by Cache.mu.
	prev, next *entry
}

// Stats mirrors tinySQL's CacheStats for the page cache (spec.md §9
// "global state... explicit init").
type Stats struct {
	Entries       int64
	DirtyBytes    int64
	CleanBytes    int64
	HotBytes      int64
	Evictions     int64
	Collisions    int64
	FlushRequests int64
}

// Cache is a concurrency-safe page cache. Create one per engine instance
// (or per test) with New.
type Cache struct {
	mu sync.RWMutex

	byKey  map[Key]*entry
	byName map[metricKey][]*entry // sorted by StartTimeS, for SearchFirst/Next/Closest

	cleanHead, cleanTail *entry // LRU list: head = most-recently-clean
	cleanBytes           int64
	dirtyBytes           int64
	hotBytes             int64

	targetCleanBytes int64
	stats            Stats

	flushCh chan *Page // pages handed off at hot_to_dirty time
}

// New creates an empty cache. targetCleanBytes bounds how much CLEAN data
// the cache retains before background eviction must run (0 = unbounded,
// relying entirely on explicit Evict calls).
func New(targetCleanBytes int64) *Cache {
	return &Cache{
		byKey:            make(map[Key]*entry),
		byName:           make(map[metricKey][]*entry),
		targetCleanBytes: targetCleanBytes,
		flushCh:          make(chan *Page, 1024),
	}
}

// Stats returns a snapshot of the cache's bookkeeping counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// AddAndAcquire atomically inserts a new HOT entry, or returns the
// existing one if the key collides. In both cases the caller holds one
// reference. Collisions are reported via added=false, never silently
// overwritten (spec.md §4.1).
func (c *Cache) AddAndAcquire(key Key, endTimeS, updateEveryS int64, size int, data any) (page *Page, added bool) {
	c.mu.Lock()
	if e, ok := c.byKey[key]; ok {
		e.mu.Lock()
		e.refs++
		e.mu.Unlock()
		c.stats.Collisions++
		c.mu.Unlock()
		return &Page{cache: c, e: e}, false
	}

	e := &entry{
		key:          key,
		endTimeS:     endTimeS,
		updateEveryS: updateEveryS,
		size:         size,
		data:         data,
		state:        StateHot,
		refs:         1,
	}
	c.byKey[key] = e
	mk := metricKey{key.Section, key.MetricUUID}
	list := c.byName[mk]
	i := sort.Search(len(list), func(i int) bool { return list[i].key.StartTimeS >= key.StartTimeS })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	c.byName[mk] = list

	c.hotBytes += int64(size)
	c.stats.Entries++
	c.mu.Unlock()

	return &Page{cache: c, e: e}, true
}

// AddCleanAndAcquire inserts an entry directly in CLEAN state, used by the
// read path to admit a page decoded from a disk extent (spec.md §4.5
// steps 8-9). On collision the cached entry is reused and the just-decoded
// data discarded by the caller, per spec.md §7 "Cache collision on
// insert"; the Collisions counter stands in for
// pages_load_ok_loaded_but_cache_hit_while_inserting. In both cases the
// caller holds one reference.
func (c *Cache) AddCleanAndAcquire(key Key, endTimeS, updateEveryS int64, size int, data any) (page *Page, added bool) {
	c.mu.Lock()
	if e, ok := c.byKey[key]; ok {
		e.mu.Lock()
		e.refs++
		e.mu.Unlock()
		c.stats.Collisions++
		c.mu.Unlock()
		return &Page{cache: c, e: e}, false
	}

	e := &entry{
		key:          key,
		endTimeS:     endTimeS,
		updateEveryS: updateEveryS,
		size:         size,
		data:         data,
		state:        StateClean,
		refs:         1,
	}
	c.byKey[key] = e
	mk := metricKey{key.Section, key.MetricUUID}
	list := c.byName[mk]
	i := sort.Search(len(list), func(i int) bool { return list[i].key.StartTimeS >= key.StartTimeS })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	c.byName[mk] = list

	c.cleanBytes += int64(size)
	c.pushFrontLocked(e)
	c.stats.Entries++
	c.mu.Unlock()

	return &Page{cache: c, e: e}, true
}

// GetAndAcquire returns an acquired reference matching key under mode, or
// (nil, false) if nothing qualifies.
func (c *Cache) GetAndAcquire(key Key, mode SearchMode) (*Page, bool) {
	c.mu.RLock()
	var e *entry
	switch mode {
	case SearchExact:
		e = c.byKey[key]
	default:
		mk := metricKey{key.Section, key.MetricUUID}
		list := c.byName[mk]
		e = searchList(list, key.StartTimeS, mode)
	}
	if e == nil {
		c.mu.RUnlock()
		return nil, false
	}
	e.mu.Lock()
	if e.state == StateEvicted {
		e.mu.Unlock()
		c.mu.RUnlock()
		return nil, false
	}
	e.refs++
	clean := e.state == StateClean
	e.mu.Unlock()
	c.mu.RUnlock()
	if clean {
		c.touch(e)
	}
	return &Page{cache: c, e: e}, true
}

func searchList(list []*entry, t int64, mode SearchMode) *entry {
	if len(list) == 0 {
		return nil
	}
	switch mode {
	case SearchFirst:
		i := sort.Search(len(list), func(i int) bool { return list[i].key.StartTimeS >= t })
		if i < len(list) {
			return list[i]
		}
	case SearchNext:
		i := sort.Search(len(list), func(i int) bool { return list[i].key.StartTimeS > t })
		if i < len(list) {
			return list[i]
		}
	case SearchClosest:
		i := sort.Search(len(list), func(i int) bool { return list[i].key.StartTimeS >= t })
		if i == 0 {
			return list[0]
		}
		if i == len(list) {
			return list[len(list)-1]
		}
		before, after := list[i-1], list[i]
		if t-before.key.StartTimeS <= after.key.StartTimeS-t {
			return before
		}
		return after
	}
	return nil
}

// Release drops one reference. If it was the last reference and the
// entry is EVICTED, its data is dropped for GC.
func (c *Cache) Release(p *Page) {
	e := p.e
	e.mu.Lock()
	e.refs--
	if e.refs < 0 {
		e.refs = 0
	}
	shouldFree := e.refs == 0 && e.state == StateEvicted
	if shouldFree {
		e.data = nil
	}
	e.mu.Unlock()
}

// HotToDirtyAndRelease transitions a HOT page to DIRTY (queueing it for
// flush) and releases the caller's reference, per spec.md §4.1's
// hot_to_dirty transition.
func (c *Cache) HotToDirtyAndRelease(p *Page) {
	e := p.e
	c.mu.Lock()
	e.mu.Lock()
	if e.state == StateHot {
		c.hotBytes -= int64(e.size)
		c.dirtyBytes += int64(e.size)
		c.stats.FlushRequests++
		e.state = StateDirty
	}
	e.refs--
	if e.refs < 0 {
		e.refs = 0
	}
	e.mu.Unlock()
	c.mu.Unlock()

	select {
	case c.flushCh <- p:
	default:
		// Flush queue full: the entry stays DIRTY but is not queued, so
		// DrainFlushQueue never returns it; nothing scans for it later.
	}
}

// PageToCleanEvictOrRelease is used for pages that turned out to carry no
// data (e.g. an empty extent write): mark CLEAN-then-immediately-evicted,
// or if still referenced elsewhere, just drop this reference
// (spec.md §4.1).
func (c *Cache) PageToCleanEvictOrRelease(p *Page) {
	e := p.e
	e.mu.Lock()
	e.refs--
	if e.refs < 0 {
		e.refs = 0
	}
	remaining := e.refs
	e.mu.Unlock()

	if remaining > 0 {
		return
	}
	c.setClean(e, nil, 0)
	c.evictEntry(e)
}

// SetClean transitions a DIRTY page to CLEAN once its extent has been
// durably written, replacing its opaque data with the caller's
// representation of "on disk at (datafile, offset, length)" and linking
// it into the LRU list.
func (c *Cache) SetClean(p *Page, data any, size int) {
	c.setClean(p.e, data, size)
}

func (c *Cache) setClean(e *entry, data any, size int) {
	c.mu.Lock()
	e.mu.Lock()
	prevSize := e.size
	switch e.state {
	case StateDirty:
		c.dirtyBytes -= int64(prevSize)
	case StateHot:
		c.hotBytes -= int64(prevSize)
	}
	e.state = StateClean
	e.data = data
	e.size = size
	c.cleanBytes += int64(size)
	c.pushFrontLocked(e)
	e.mu.Unlock()
	c.mu.Unlock()
}

// pushFrontLocked links e at the head of the CLEAN LRU list. Caller must
// hold c.mu.
func (c *Cache) pushFrontLocked(e *entry) {
	e.prev, e.next = nil, c.cleanHead
	if c.cleanHead != nil {
		c.cleanHead.prev = e
	}
	c.cleanHead = e
	if c.cleanTail == nil {
		c.cleanTail = e
	}
}

func (c *Cache) unlinkLocked(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if c.cleanHead == e {
		c.cleanHead = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if c.cleanTail == e {
		c.cleanTail = e.prev
	}
	e.prev, e.next = nil, nil
}

// touch moves e to the front of the CLEAN LRU list (most recently used).
// Entries not currently linked (evicted between the caller's state check
// and this call) are left alone.
func (c *Cache) touch(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleanHead == e {
		return
	}
	if e.prev == nil && e.next == nil && c.cleanTail != e {
		return
	}
	c.unlinkLocked(e)
	c.pushFrontLocked(e)
}

// EvictUntil drains CLEAN pages from the tail of the LRU list until total
// CLEAN bytes drop to targetBytes or no more unreferenced CLEAN pages
// remain. It returns the number of pages evicted. Dirty pages are never
// evicted directly (spec.md §4.1).
func (c *Cache) EvictUntil(targetBytes int64) int {
	evicted := 0
	for {
		c.mu.Lock()
		if c.cleanBytes <= targetBytes || c.cleanTail == nil {
			c.mu.Unlock()
			break
		}
		e := c.cleanTail
		c.mu.Unlock()

		if c.evictEntry(e) {
			evicted++
		} else {
			// Tail entry is referenced; try the one before it instead of
			// spinning. Walk forward a fixed number of times before
			// giving up this pass.
			moved := false
			c.mu.Lock()
			cur := e.prev
			for i := 0; i < 32 && cur != nil; i++ {
				cand := cur
				cur = cur.prev
				c.mu.Unlock()
				if c.evictEntry(cand) {
					evicted++
					moved = true
					c.mu.Lock()
					break
				}
				c.mu.Lock()
			}
			c.mu.Unlock()
			if !moved {
				break
			}
		}
	}
	return evicted
}

// evictEntry removes e from the cache if unreferenced, freeing its data
// (or marking it EVICTED for a delayed free if still referenced).
func (c *Cache) evictEntry(e *entry) bool {
	c.mu.Lock()
	e.mu.Lock()
	if e.state != StateClean || e.refs > 0 {
		e.mu.Unlock()
		c.mu.Unlock()
		return false
	}
	size := e.size
	e.state = StateEvicted
	e.data = nil
	e.mu.Unlock()

	c.unlinkLocked(e)
	c.cleanBytes -= int64(size)
	delete(c.byKey, e.key)
	mk := metricKey{e.key.Section, e.key.MetricUUID}
	list := c.byName[mk]
	for i, cand := range list {
		if cand == e {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.byName, mk)
	} else {
		c.byName[mk] = list
	}
	c.stats.Evictions++
	c.stats.Entries--
	c.mu.Unlock()
	return true
}

// DrainFlushQueue returns up to n pages that transitioned to DIRTY
// without blocking; the result is empty when none are queued.
func (c *Cache) DrainFlushQueue(n int) []*Page {
	out := make([]*Page, 0, n)
	for len(out) < n {
		select {
		case p := <-c.flushCh:
			out = append(out, p)
		default:
			return out
		}
	}
	return out
}

// ErrNotFound is returned by lookups with no qualifying entry, for
// callers that prefer an error over a bool.
var ErrNotFound = fmt.Errorf("pagecache: no entry found")
