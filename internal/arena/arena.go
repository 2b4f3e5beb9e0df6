// Package arena provides slab pools for the fixed-size records the engine
// allocates at high frequency: page cache entries, page-detail descriptors,
// and command envelopes dispatched on the event loop.
//
// Each pool hands out a pointer to a zeroed T and expects the caller to
// return it with Put once the record's last reference drops. Reuse avoids
// repeated heap allocation/GC pressure on the write and read hot paths.
package arena

import "sync"

// Pool is a typed slab allocator backed by sync.Pool. It is safe for
// concurrent use.
type Pool[T any] struct {
	pool sync.Pool
}

// New creates a Pool whose Get returns a freshly zeroed *T when the
// underlying sync.Pool is empty.
func New[T any]() *Pool[T] {
	p := &Pool[T]{}
	p.pool.New = func() any {
		return new(T)
	}
	return p
}

// Get returns a record from the pool, zeroed if freshly allocated, or
// carrying whatever state a prior Put left in it (callers must reset
// fields they care about).
func (p *Pool[T]) Get() *T {
	return p.pool.Get().(*T)
}

// Put returns a record to the pool for reuse. The caller must not retain
// any other reference to v after calling Put.
func (p *Pool[T]) Put(v *T) {
	p.pool.Put(v)
}
