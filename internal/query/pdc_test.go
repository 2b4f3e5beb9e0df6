package query

import "testing"

func TestPDCResolveAllTerminal(t *testing.T) {
	pdc := New(nil, 0)
	pd1, pd2 := &PD{StartTimeS: 1}, &PD{StartTimeS: 2}
	pdc.AddPD(pd1)
	pdc.AddPD(pd2)
	pdc.FinishPrep()

	pdc.ResolveOne(pd1, PDReady, nil)
	select {
	case <-pdc.PagesDoneChan():
		t.Fatalf("pages-done must not fire before all PDs resolve")
	default:
	}
	pdc.ResolveOne(pd2, PDEmpty, nil)

	pdc.WaitPagesDone()
	for _, pd := range pdc.PDs() {
		if !pd.Status().IsTerminal() {
			t.Fatalf("expected terminal status for %+v", pd)
		}
	}
}

func TestPDCRefcount(t *testing.T) {
	pdc := New(nil, 0)
	pdc.Acquire()
	if freed := pdc.Release(); freed {
		t.Fatalf("should not free with one outstanding reference")
	}
	if freed := pdc.Release(); !freed {
		t.Fatalf("should free once refcount reaches zero")
	}
}

func TestPDCCancelRemaining(t *testing.T) {
	pdc := New(nil, 0)
	pd1, pd2 := &PD{}, &PD{}
	pdc.AddPD(pd1)
	pdc.AddPD(pd2)
	pdc.ResolveOne(pd1, PDReady, nil)
	pdc.Stop()
	pdc.CancelRemaining()

	if pd2.Status() != PDCancelled {
		t.Fatalf("expected remaining PD to be cancelled, got %v", pd2.Status())
	}
	if pd1.Status() != PDReady {
		t.Fatalf("resolved PD must not be overwritten by cancellation")
	}
}
