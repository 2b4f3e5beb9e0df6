package datafile

import (
	"testing"

	"github.com/google/uuid"

	"github.com/chronolith/dbengine/internal/metricregistry"
)

func TestRecalculateRetentionFindsEarliestRemaining(t *testing.T) {
	reg := metricregistry.New()
	id := uuid.New()
	m := reg.AcquireByUUID(0, id)
	_ = m.SetHotLatestTimeS(5000)
	reg.Release(m)

	doomed := NewJournalV2Builder(0)
	doomed.AddPage(id, PageEntry{DeltaStartS: 0, DeltaEndS: 99})

	remaining := NewJournalV2Builder(1000)
	remaining.AddPage(id, PageEntry{DeltaStartS: 50, DeltaEndS: 149})
	remaining.Finalize()

	noOpenCache := func(uuid.UUID) (int64, bool) { return 0, false }
	RecalculateRetention(doomed, []*JournalV2{remaining}, reg, 0, noOpenCache)

	first, _ := m.Retention()
	if first != 1050 {
		t.Fatalf("expected first_time_s=1050 (journal start + delta), got %d", first)
	}
	if m.HasZeroDiskRetention() {
		t.Fatalf("metric still has retention in a remaining datafile")
	}
}

func TestRecalculateRetentionFallsBackToOpenCache(t *testing.T) {
	reg := metricregistry.New()
	id := uuid.New()
	m := reg.AcquireByUUID(0, id)
	reg.Release(m)

	doomed := NewJournalV2Builder(0)
	doomed.AddPage(id, PageEntry{DeltaStartS: 0, DeltaEndS: 99})

	openCache := func(got uuid.UUID) (int64, bool) {
		if got == id {
			return 4242, true
		}
		return 0, false
	}
	RecalculateRetention(doomed, nil, reg, 0, openCache)

	first, _ := m.Retention()
	if first != 4242 {
		t.Fatalf("expected open-cache fallback to set first_time_s=4242, got %d", first)
	}
}

func TestRecalculateRetentionDeletesUnreferencedMetric(t *testing.T) {
	reg := metricregistry.New()
	id := uuid.New()
	m := reg.AcquireByUUID(0, id)
	reg.Release(m) // no outstanding references

	doomed := NewJournalV2Builder(0)
	doomed.AddPage(id, PageEntry{DeltaStartS: 0, DeltaEndS: 99})

	noOpenCache := func(uuid.UUID) (int64, bool) { return 0, false }
	RecalculateRetention(doomed, nil, reg, 0, noOpenCache)

	if _, ok := reg.Lookup(0, id); ok {
		t.Fatalf("expected metric with zero retention and no references to be deleted")
	}
}
