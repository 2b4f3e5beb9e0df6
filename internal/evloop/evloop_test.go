package evloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitAndDispatch(t *testing.T) {
	l := New(2, 1)
	if err := l.Start("", "", nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	var ran atomic.Bool
	cmd := &Command{
		Op:       OpQuery,
		Priority: PriorityNormal,
		Handler: func(ctx context.Context, payload any) error {
			ran.Store(true)
			return nil
		},
	}
	l.Submit(cmd)
	if err := cmd.Wait(); err != nil {
		t.Fatalf("command failed: %v", err)
	}
	if !ran.Load() {
		t.Fatalf("expected handler to run")
	}
}

func TestPriorityOrdering(t *testing.T) {
	l := New(1, 1)
	if err := l.Start("", "", nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	var order []int
	done := make(chan struct{}, 3)
	record := func(n int) func(ctx context.Context, payload any) error {
		return func(ctx context.Context, payload any) error {
			order = append(order, n)
			done <- struct{}{}
			return nil
		}
	}

	// Submit low-priority first, then high, before the single worker
	// picks anything up.
	l.queues[PriorityLow].push(&Command{Op: OpNoop, Priority: PriorityLow, Handler: record(3), done: make(chan error, 1)})
	l.queues[PriorityHigh].push(&Command{Op: OpNoop, Priority: PriorityHigh, Handler: record(1), done: make(chan error, 1)})
	l.queues[PriorityNormal].push(&Command{Op: OpNoop, Priority: PriorityNormal, Handler: record(2), done: make(chan error, 1)})
	select {
	case l.notify <- struct{}{}:
	default:
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for commands to run")
		}
	}
	if len(order) != 3 || order[0] != 1 {
		t.Fatalf("expected high priority first, got %v", order)
	}
}

func TestFlushMainRespectsMaxFlushers(t *testing.T) {
	l := New(4, 1)
	if err := l.Start("", "", nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	var concurrent atomic.Int32
	var maxSeen atomic.Int32
	block := make(chan struct{})

	handler := func(ctx context.Context, payload any) error {
		n := concurrent.Add(1)
		for {
			old := maxSeen.Load()
			if n <= old || maxSeen.CompareAndSwap(old, n) {
				break
			}
		}
		<-block
		concurrent.Add(-1)
		return nil
	}

	c1 := &Command{Op: OpFlushMain, Priority: PriorityNormal, Handler: handler}
	c2 := &Command{Op: OpFlushMain, Priority: PriorityNormal, Handler: handler}
	l.Submit(c1)
	l.Submit(c2)

	time.Sleep(200 * time.Millisecond)
	close(block)
	c1.Wait()
	c2.Wait()

	if maxSeen.Load() > 1 {
		t.Fatalf("expected at most 1 concurrent flush-main worker, saw %d", maxSeen.Load())
	}
}
