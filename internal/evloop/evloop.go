// Package evloop implements the event loop and worker pool (C11): an
// opcode queue with per-priority ordering and anti-starvation, dispatch
// to a bounded worker pool, back-pressure levels, and the two
// cron-scheduled background sweeps (rotation, journal v2 indexing)
// spec.md §4.7 calls for.
//
// The worker pool / semaphore-bounded dispatch is grounded on tinySQL's
// ConcurrencyManager/WorkerPool (internal/storage/concurrency.go); the
// periodic sweeps reuse tinySQL's Scheduler (internal/storage/
// scheduler.go), which already wraps github.com/robfig/cron/v3.
package evloop

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
)

// Opcode identifies the kind of work a Command represents (spec.md §4.7).
type Opcode uint8

const (
	OpQuery Opcode = iota
	OpExtentRead
	OpExtentWrite
	OpFlushMain
	OpEvictMain
	OpEvictOpen
	OpEvictExtent
	OpDatabaseRotate
	OpJournalIndex
	OpCtxPopulateMRG
	OpCtxFlushDirty
	OpCtxFlushHotDirty
	OpCtxQuiesce
	OpCtxShutdown
	OpCleanup
	OpShutdownEvloop
	OpNoop
)

// Priority is one of the six STORAGE_PRIORITY levels spec.md's
// SUPPLEMENTED FEATURES collapses the original seven into (lower value =
// served first).
type Priority int

const (
	PriorityInternal Priority = iota
	PrioritySynchronous
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBestEffort
	numPriorities
)

// Command is one unit of work dispatched through the event loop.
type Command struct {
	Op       Opcode
	Priority Priority
	Payload  any
	Handler  func(ctx context.Context, payload any) error

	done chan error
}

// Wait blocks until the command's handler has run and returns its error.
func (c *Command) Wait() error {
	if c.done == nil {
		return nil
	}
	return <-c.done
}

// BackPressure is the loop's current load classification (spec.md §4.7
// "Worker back-pressure").
type BackPressure int

const (
	Relaxed BackPressure = iota
	Stressed
	Critical
)

// anti-starvation: every this many dequeues at one priority, the loop
// skips once if lower-priority work exists (spec.md §4.7).
const antiStarvationWindow = 50

type priorityQueue struct {
	mu    sync.Mutex
	items []*Command
}

func (q *priorityQueue) push(c *Command) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
}

func (q *priorityQueue) pop() (*Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	c := q.items[0]
	q.items = q.items[1:]
	return c, true
}

func (q *priorityQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Loop is the single-threaded-conceptually event loop: it owns opcode
// dispatch and hands work to a fixed-size worker pool. It never itself
// blocks on disk I/O (spec.md §5 "Scheduling model").
type Loop struct {
	queues      [numPriorities]*priorityQueue
	dequeueHits [numPriorities]atomic.Int32

	poolSize   int
	dispatched atomic.Int64

	sem chan struct{}
	wg  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	cron *cron.Cron

	pendingRotate         atomic.Bool
	migrationToV2Running  atomic.Bool
	flushersRunning       atomic.Int32
	maxFlushers           int32

	notify chan struct{}
}

// New creates a Loop with poolSize worker goroutines and maxFlushers
// concurrent flush-main workers (spec.md §4.7 "Single-flight invariants:
// at most one flush-main worker per max_flushers cap").
func New(poolSize, maxFlushers int) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		poolSize:    poolSize,
		sem:         make(chan struct{}, poolSize),
		ctx:         ctx,
		cancel:      cancel,
		cron:        cron.New(cron.WithSeconds()),
		maxFlushers: int32(maxFlushers),
		notify:      make(chan struct{}, 1024),
	}
	for i := range l.queues {
		l.queues[i] = &priorityQueue{}
	}
	return l
}

// BackPressure classifies current load: dispatched-in-flight work vs.
// pool size (spec.md §4.7).
func (l *Loop) BackPressure() BackPressure {
	d := l.dispatched.Load()
	size := int64(l.poolSize)
	if size <= 0 {
		return Relaxed
	}
	switch {
	case d >= size:
		return Critical
	case d*2 >= size:
		return Stressed
	default:
		return Relaxed
	}
}

// Submit enqueues cmd. QUERY and EXTENT_READ opcodes are refused (left
// queued, not dropped) while back-pressure is Critical, per spec.md §4.7;
// every other opcode is always accepted.
func (l *Loop) Submit(cmd *Command) {
	cmd.done = make(chan error, 1)
	l.queues[cmd.Priority].push(cmd)
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Start launches the worker pool and the two background sweeps.
func (l *Loop) Start(rotateSpec, journalIndexSpec string, onRotate, onJournalIndex func()) error {
	for i := 0; i < l.poolSize; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	if rotateSpec != "" && onRotate != nil {
		if _, err := l.cron.AddFunc(rotateSpec, func() {
			if l.pendingRotate.CompareAndSwap(false, true) {
				defer l.pendingRotate.Store(false)
				onRotate()
			}
		}); err != nil {
			return err
		}
	}
	if journalIndexSpec != "" && onJournalIndex != nil {
		if _, err := l.cron.AddFunc(journalIndexSpec, func() {
			if l.migrationToV2Running.CompareAndSwap(false, true) {
				defer l.migrationToV2Running.Store(false)
				onJournalIndex()
			}
		}); err != nil {
			return err
		}
	}
	l.cron.Start()
	return nil
}

// Stop drains SHUTDOWN_EVLOOP semantics: stop accepting new cron fires,
// cancel worker context, and wait for in-flight work to finish.
func (l *Loop) Stop() {
	cronCtx := l.cron.Stop()
	<-cronCtx.Done()
	l.cancel()
	l.wg.Wait()
}

func (l *Loop) worker() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.notify:
		}
		for {
			cmd, ok := l.dequeue()
			if !ok {
				break
			}
			l.runCommand(cmd)
		}
	}
}

func (l *Loop) runCommand(cmd *Command) {
	if cmd.Op == OpFlushMain {
		for {
			cur := l.flushersRunning.Load()
			if cur >= l.maxFlushers {
				// Cap reached: requeue and let another dequeue pass
				// pick it up once a slot frees.
				l.queues[cmd.Priority].push(cmd)
				return
			}
			if l.flushersRunning.CompareAndSwap(cur, cur+1) {
				break
			}
		}
		defer l.flushersRunning.Add(-1)
	}

	l.dispatched.Add(1)
	defer l.dispatched.Add(-1)

	var err error
	if cmd.Handler != nil {
		err = cmd.Handler(l.ctx, cmd.Payload)
	}
	select {
	case cmd.done <- err:
	default:
	}
}

// dequeue walks priorities high to low, applying the anti-starvation rule:
// every antiStarvationWindow consecutive dequeues at one priority, skip
// once if a lower-priority item is waiting (spec.md §4.7).
func (l *Loop) dequeue() (*Command, bool) {
	for p := Priority(0); p < numPriorities; p++ {
		// QUERY/EXTENT_READ are held back entirely under CRITICAL
		// back-pressure (spec.md §4.7); PullQueryOrRead refuses them
		// too while CRITICAL holds.
		if l.BackPressure() == Critical {
			if cmd, ok := l.peekNonBlocking(p); ok && (cmd.Op == OpQuery || cmd.Op == OpExtentRead) {
				continue
			}
		}

		if l.dequeueHits[p].Load() >= antiStarvationWindow && l.hasLowerPriorityWork(p) {
			l.dequeueHits[p].Store(0)
			continue
		}
		if cmd, ok := l.queues[p].pop(); ok {
			l.dequeueHits[p].Add(1)
			return cmd, true
		}
	}
	return nil, false
}

func (l *Loop) peekNonBlocking(p Priority) (*Command, bool) {
	q := l.queues[p]
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

func (l *Loop) hasLowerPriorityWork(p Priority) bool {
	for q := p + 1; q < numPriorities; q++ {
		if l.queues[q].len() > 0 {
			return true
		}
	}
	return false
}

// PullQueryOrRead lets a worker, once its primary job has completed,
// amortize its context by executing one more QUERY or EXTENT_READ opcode
// directly, as long as back-pressure is not CRITICAL (spec.md §4.7
// "Re-entrancy from workers").
func (l *Loop) PullQueryOrRead() bool {
	if l.BackPressure() == Critical {
		return false
	}
	for _, p := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		q := l.queues[p]
		q.mu.Lock()
		idx := -1
		for i, c := range q.items {
			if c.Op == OpQuery || c.Op == OpExtentRead {
				idx = i
				break
			}
		}
		var cmd *Command
		if idx >= 0 {
			cmd = q.items[idx]
			q.items = append(q.items[:idx], q.items[idx+1:]...)
		}
		q.mu.Unlock()
		if cmd != nil {
			l.runCommand(cmd)
			return true
		}
	}
	return false
}

// QueueLen returns the number of items queued at priority p, for tests
// and metrics.
func (l *Loop) QueueLen(p Priority) int { return l.queues[p].len() }
