package buildcache

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Entry is a cached Result that exclusively owns one native handle.
//
// Entries are reference counted. The cache map holds one reference and every
// entry handed out by GetOrInsert* or GetOrBuild* carries another one, which
// the caller gives back with Release. When the last reference is dropped the
// handle is released through the Adapter, exactly once and only if non-null.
// An entry removed by Reset therefore stays usable by whoever still holds it.
type Entry[T any] struct {
	Result[T]

	refs      atomic.Int64
	destroyed atomic.Bool

	// use serializes users of the built artifact, e.g. setting kernel
	// arguments before a launch.
	use sync.Mutex

	free   func(T) (handle uintptr, err error)
	what   string
	report func(*ReleaseError)
}

type (
	ProgramEntry = Entry[ProgramHandle]
	KernelEntry  = Entry[KernelValue]
)

func newEntry[T any](what string, state BuildState, free func(T) (uintptr, error), report func(*ReleaseError)) *Entry[T] {
	e := &Entry[T]{free: free, what: what, report: report}
	e.init(state)
	e.refs.Store(1)
	return e
}

// Mutex returns the mutex that guards use of the built artifact.
func (e *Entry[T]) Mutex() *sync.Mutex { return &e.use }

// Release drops one reference. It must be called once for every entry
// obtained from the cache.
func (e *Entry[T]) Release() {
	switch n := e.refs.Add(-1); {
	case n > 0:
		return
	case n < 0:
		panic("buildcache: entry released more times than acquired")
	}
	e.destroy()
}

func (e *Entry[T]) retain() { e.refs.Add(1) }

func (e *Entry[T]) destroy() {
	if !e.destroyed.CompareAndSwap(false, true) || e.free == nil {
		return
	}
	h, err := e.safeFree()
	if err != nil && e.report != nil {
		e.report(&ReleaseError{What: e.what, Handle: h, Err: err})
	}
}

// safeFree turns an adapter panic into an error; teardown must not fail.
func (e *Entry[T]) safeFree() (h uintptr, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.free(e.val)
}
