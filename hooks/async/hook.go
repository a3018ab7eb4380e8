// usage:
//
//	raw := tracehooks.New(tracehooks.Options{Out: os.Stderr})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache, _ := buildcache.New(buildcache.Options{
//	    Adapter: adapter,
//	    Hooks:   hooks, // or `raw` if you don't want async
//	})
//
// Events are dropped when the queue is full. Hooks run on the goroutine that
// triggered them, so a sink doing I/O (tracehooks) should sit behind this.
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/buildcache"
)

type Hooks struct {
	inner buildcache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ buildcache.Hooks = (*Hooks)(nil)

func New(inner buildcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. No events may be sent
// after Close.
func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) ProgramInserted(k buildcache.ProgramKey) { h.try(func() { h.inner.ProgramInserted(k) }) }
func (h *Hooks) ProgramFetched(k buildcache.ProgramKey)  { h.try(func() { h.inner.ProgramFetched(k) }) }
func (h *Hooks) KernelInserted(n string, fast bool)      { h.try(func() { h.inner.KernelInserted(n, fast) }) }
func (h *Hooks) KernelFetched(n string, fast bool)       { h.try(func() { h.inner.KernelFetched(n, fast) }) }
func (h *Hooks) BuildRetry(attempt int, err error)       { h.try(func() { h.inner.BuildRetry(attempt, err) }) }
func (h *Hooks) CacheReset(programs, kernels int) {
	h.try(func() { h.inner.CacheReset(programs, kernels) })
}
func (h *Hooks) ReleaseFailed(what string, err error) {
	h.try(func() { h.inner.ReleaseFailed(what, err) })
}
