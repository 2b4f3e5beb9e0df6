// Package metricregistry implements the metric registry (C3): a
// reference-counted map from (section, uuid) to metric handle, tracking
// each metric's retention window and update cadence (spec.md §4.8).
//
// The map+mutex registry pattern and acquire/release lifecycle are
// grounded on tinySQL's CatalogManager (catalog.go); UUID handling reuses
// the teacher's uuid_helpers.go conventions via github.com/google/uuid.
package metricregistry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Section is a per-tier namespace, effectively (instance, tier).
type Section uint32

// Key uniquely identifies a metric within the registry.
type Key struct {
	Section Section
	UUID    uuid.UUID
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s", k.Section, k.UUID)
}

// Metric is the registry's record for one (section, uuid). Fields are
// guarded by the Metric's own mu except where noted.
type Metric struct {
	Key Key

	mu             sync.Mutex
	firstTimeS     int64
	lastTimeS      int64
	updateEveryS   int64
	hotLatestS     int64
	cleanLatestS   int64
	zeroRetention  bool
	refs           int
}

// FirstTimeS returns the metric's earliest retained sample time.
func (m *Metric) FirstTimeS() int64 { m.mu.Lock(); defer m.mu.Unlock(); return m.firstTimeS }

// LastTimeS returns the metric's most recent retained sample time.
func (m *Metric) LastTimeS() int64 { m.mu.Lock(); defer m.mu.Unlock(); return m.lastTimeS }

// UpdateEveryS returns the collection interval, or 0 if never collected.
func (m *Metric) UpdateEveryS() int64 { m.mu.Lock(); defer m.mu.Unlock(); return m.updateEveryS }

// Retention returns (first, last), the metric's current retention window.
func (m *Metric) Retention() (first, last int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstTimeS, m.lastTimeS
}

// HasZeroDiskRetention reports whether the metric has no persisted data
// left (spec.md §4.8 step 3).
func (m *Metric) HasZeroDiskRetention() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zeroRetention
}

// SetFirstTimeSIfBigger raises first_time_s only if t is larger,
// preserving the monotonic-growth property of §4.8.
func (m *Metric) SetFirstTimeSIfBigger(t int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t > m.firstTimeS {
		m.firstTimeS = t
	}
}

// SetFirstTimeS unconditionally sets first_time_s (used by retention
// recalculation when a metric loses all prior extents).
func (m *Metric) SetFirstTimeS(t int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firstTimeS = t
}

// SetHotLatestTimeS advances the in-memory collection cursor. Collectors
// only ever advance this value (spec.md §4.8 "safe under concurrent
// collectors").
func (m *Metric) SetHotLatestTimeS(t int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t <= m.hotLatestS && m.hotLatestS != 0 {
		return fmt.Errorf("metricregistry: %w: new=%d last=%d", ErrPastCollection, t, m.hotLatestS)
	}
	m.hotLatestS = t
	if t > m.lastTimeS {
		m.lastTimeS = t
	}
	if m.firstTimeS == 0 {
		m.firstTimeS = t
	}
	return nil
}

// UpdateRetention widens the metric's retention window, used when
// populating the registry from on-disk indexes during startup recovery.
func (m *Metric) UpdateRetention(first, last int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.firstTimeS == 0 || first < m.firstTimeS {
		m.firstTimeS = first
	}
	if last > m.lastTimeS {
		m.lastTimeS = last
	}
}

// SetCleanLatestTimeS records the most recent time flushed to disk.
func (m *Metric) SetCleanLatestTimeS(t int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanLatestS = t
}

// SetUpdateEveryS sets the collection interval the first time it becomes
// known; later calls with a differing value are accepted (granularity can
// change across collector restarts) but never silently zeroed.
func (m *Metric) SetUpdateEveryS(everyS int64) error {
	if everyS <= 0 {
		return fmt.Errorf("metricregistry: update_every_s must be > 0, got %d", everyS)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateEveryS = everyS
	return nil
}

func (m *Metric) markZeroDiskRetention(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zeroRetention = v
}

// ErrPastCollection is returned when a collected point is not strictly
// after the metric's current latest time (spec.md §5 "Ordering
// guarantees").
var ErrPastCollection = fmt.Errorf("collection point is not after last collected time")

// ErrUnknownMetric names the error for a metric absent from the registry;
// no Registry method returns it.
var ErrUnknownMetric = fmt.Errorf("metricregistry: unknown metric")

// Registry is the process-wide (section, uuid) -> *Metric map, with
// reference counting so a metric is only ever freed once no collector or
// query holds it and its retention has gone to zero (spec.md §4.8 step 3).
type Registry struct {
	mu      sync.RWMutex
	byKey   map[Key]*Metric
}

// New creates an empty registry. Tests typically create one per private
// instance (spec.md §9 "Global state").
func New() *Registry {
	return &Registry{byKey: make(map[Key]*Metric)}
}

// AcquireByUUID returns the metric for (section, id), creating it if
// absent, and increments its reference count. Mirrors
// `metric_get_or_create` (spec.md §6.4).
func (r *Registry) AcquireByUUID(section Section, id uuid.UUID) *Metric {
	key := Key{Section: section, UUID: id}

	r.mu.RLock()
	m, ok := r.byKey[key]
	r.mu.RUnlock()
	if ok {
		m.mu.Lock()
		m.refs++
		m.mu.Unlock()
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok = r.byKey[key]; ok {
		m.mu.Lock()
		m.refs++
		m.mu.Unlock()
		return m
	}
	m = &Metric{Key: key, refs: 1}
	r.byKey[key] = m
	return m
}

// Release drops one reference to m. It never deletes the metric on its
// own; deletion only happens via ReleaseAndDelete or retention
// recalculation (spec.md §4.8).
func (r *Registry) Release(m *Metric) {
	m.mu.Lock()
	if m.refs > 0 {
		m.refs--
	}
	m.mu.Unlock()
}

// ReleaseAndDelete drops a reference and, if it was the last one and the
// metric has zero disk and main-cache retention, removes it from the
// registry (spec.md §4.8 step 3).
func (r *Registry) ReleaseAndDelete(m *Metric, mainCacheRetained bool) {
	m.mu.Lock()
	if m.refs > 0 {
		m.refs--
	}
	refs := m.refs
	zero := m.zeroRetention
	m.mu.Unlock()

	if refs != 0 || mainCacheRetained || !zero {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byKey[m.Key]; ok && cur == m {
		delete(r.byKey, m.Key)
	}
}

// MarkZeroDiskRetention records that no datafile holds any page for m any
// longer (spec.md §4.8 step 3); the open cache is checked by the caller
// before calling this.
func (r *Registry) MarkZeroDiskRetention(m *Metric, v bool) {
	m.markZeroDiskRetention(v)
}

// Lookup returns the metric for (section, id) without acquiring a
// reference, or (nil, false) if absent.
func (r *Registry) Lookup(section Section, id uuid.UUID) (*Metric, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byKey[Key{Section: section, UUID: id}]
	return m, ok
}

// Len returns the number of metrics currently registered, for tests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Each calls fn for every registered metric. fn must not call back into
// the registry's mutating methods.
func (r *Registry) Each(fn func(*Metric)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.byKey {
		fn(m)
	}
}
