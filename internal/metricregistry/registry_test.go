package metricregistry

import (
	"testing"

	"github.com/google/uuid"
)

func TestAcquireCreatesAndRefcounts(t *testing.T) {
	r := New()
	id := uuid.New()

	m1 := r.AcquireByUUID(1, id)
	m2 := r.AcquireByUUID(1, id)
	if m1 != m2 {
		t.Fatalf("expected same metric handle for repeated acquire")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 registered metric, got %d", r.Len())
	}

	r.Release(m1)
	r.Release(m2)
	// N acquires + N releases returns the registry to its pre-call state
	// (still present, refs back to 0, not yet deleted since deletion is
	// explicit).
	if r.Len() != 1 {
		t.Fatalf("release alone must not delete the metric")
	}
}

func TestSetHotLatestTimeSMonotonic(t *testing.T) {
	r := New()
	m := r.AcquireByUUID(0, uuid.New())

	if err := m.SetHotLatestTimeS(100); err != nil {
		t.Fatalf("first collection: %v", err)
	}
	if err := m.SetHotLatestTimeS(100); err == nil {
		t.Fatalf("expected ErrPastCollection for repeated time")
	}
	if err := m.SetHotLatestTimeS(99); err == nil {
		t.Fatalf("expected ErrPastCollection for earlier time")
	}
	if last := m.LastTimeS(); last != 100 {
		t.Fatalf("last_time_s should remain 100, got %d", last)
	}
}

func TestFirstLessEqualLast(t *testing.T) {
	r := New()
	m := r.AcquireByUUID(0, uuid.New())
	for _, ts := range []int64{10, 20, 30} {
		if err := m.SetHotLatestTimeS(ts); err != nil {
			t.Fatalf("SetHotLatestTimeS(%d): %v", ts, err)
		}
		first, last := m.Retention()
		if first > last {
			t.Fatalf("invariant violated: first=%d > last=%d", first, last)
		}
	}
}

func TestReleaseAndDeleteRemovesOnZeroRetention(t *testing.T) {
	r := New()
	id := uuid.New()
	m := r.AcquireByUUID(0, id)
	r.MarkZeroDiskRetention(m, true)

	r.ReleaseAndDelete(m, false)
	if _, ok := r.Lookup(0, id); ok {
		t.Fatalf("expected metric to be deleted once unreferenced with zero retention")
	}
}

func TestReleaseAndDeleteKeepsReferencedMetric(t *testing.T) {
	r := New()
	id := uuid.New()
	m := r.AcquireByUUID(0, id)
	_ = r.AcquireByUUID(0, id) // second reference
	r.MarkZeroDiskRetention(m, true)

	r.ReleaseAndDelete(m, false)
	if _, ok := r.Lookup(0, id); !ok {
		t.Fatalf("metric with outstanding reference must not be deleted")
	}
}
