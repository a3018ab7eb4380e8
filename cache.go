package buildcache

import (
	"context"
	"sync/atomic"

	fs "github.com/unkn0wn-root/buildcache/faststore"
)

// Cache owns the program cache, the kernel cache and the fast kernel lookup
// and coordinates builds through GetOrBuild. It is safe for concurrent use.
//
// Lock domains: each structure has its own lock, held only across a lookup or
// insert. Builders and waiters block on the per-entry signal of the entry they
// care about, never on a structural lock.
type Cache struct {
	adapter Adapter
	log     Logger
	hooks   Hooks

	programs *programCache
	kernels  *kernelCache
	fast     fs.Store

	stats counters
}

type counters struct {
	builds          atomic.Uint64
	waits           atomic.Uint64
	retries         atomic.Uint64
	resets          atomic.Uint64
	releaseFailures atomic.Uint64
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Builds          uint64 // build functions started
	Waits           uint64 // callers that blocked on another caller's in-flight build
	Retries         uint64 // resource-exhaustion resets triggered by a build
	Resets          uint64 // total resets, including explicit Reset calls
	ReleaseFailures uint64
	Programs        int
	Kernels         int
}

func newCache(opts Options) (*Cache, error) {
	if opts.Adapter == nil {
		return nil, ErrNilAdapter
	}
	c := &Cache{
		adapter:  opts.Adapter,
		programs: newProgramCache(),
		kernels:  newKernelCache(),
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.fast = coalesce[fs.Store](opts.FastStore, fs.NewMap())
	return c, nil
}

// GetOrInsertProgram returns the entry for key, creating an Initial one when
// absent. inserted is true only for the caller that created it.
// The caller must Release the entry.
func (c *Cache) GetOrInsertProgram(key ProgramKey) (e *ProgramEntry, inserted bool) {
	e, inserted = c.programs.getOrInsert(key, func() *ProgramEntry { return c.newProgramEntry(StateInitial) })
	if inserted {
		c.hooks.ProgramInserted(key)
	} else {
		c.hooks.ProgramFetched(key)
	}
	return e, inserted
}

// InsertBuiltProgram caches a program that was built elsewhere, e.g. one of the
// keys of a multi-device build. On true the cache owns program; on false the
// key was already present and the caller keeps ownership.
func (c *Cache) InsertBuiltProgram(key ProgramKey, program ProgramHandle) bool {
	e := c.newProgramEntry(StateDone)
	e.setValue(program)
	if c.programs.insert(key, e) {
		c.hooks.ProgramInserted(key)
		return true
	}
	c.hooks.ProgramFetched(key)
	e.free = nil // not ours to release
	e.Release()
	return false
}

// GetOrInsertKernel returns the entry for (program, name), creating an
// Initial one when absent. The caller must Release the entry.
func (c *Cache) GetOrInsertKernel(program ProgramHandle, name string) (e *KernelEntry, inserted bool) {
	e, inserted = c.kernels.getOrInsert(program, name, c.newKernelEntry)
	if inserted {
		c.hooks.KernelInserted(name, false)
	} else {
		c.hooks.KernelFetched(name, false)
	}
	return e, inserted
}

// TryFastKernel looks key up in the fast path. A miss is not an error; fall
// back to GetOrInsertKernel.
func (c *Cache) TryFastKernel(key FastKey) (FastKernel, bool) {
	v, ok := c.fast.Get(key.storageKey())
	if !ok {
		return FastKernel{}, false
	}
	fk, ok := v.(FastKernel)
	if !ok {
		return FastKernel{}, false
	}
	c.hooks.KernelFetched(key.Name, true)
	return fk, true
}

// PutFastKernel records val for key. An existing value is kept.
//
// val must come from FastKernelOf. It is stored only while its kernel entry is
// still cached under (val.Program, key.Name); once a Reset dropped the entry
// its handle may already be released, and PutFastKernel reports false.
// The check and the store happen under the kernel cache lock, which Reset
// also holds while clearing the fast store.
func (c *Cache) PutFastKernel(key FastKey, val FastKernel) bool {
	c.kernels.mu.Lock()
	ok := c.kernels.holdsLocked(val.Program, key.Name, val.Mutex)
	if ok {
		c.fast.Set(key.storageKey(), val)
	}
	c.kernels.mu.Unlock()

	if ok {
		c.hooks.KernelInserted(key.Name, true)
	}
	return ok
}

// FastKernelOf builds the fast-path value for a Done kernel entry.
func FastKernelOf(e *KernelEntry, program ProgramHandle) (FastKernel, bool) {
	v, ok := e.Value()
	if !ok {
		return FastKernel{}, false
	}
	return FastKernel{Kernel: v.Kernel, Mutex: e.Mutex(), ArgMask: v.ArgMask, Program: program}, true
}

// ProgramKeysFor returns every ProgramKey inserted under ck.
func (c *Cache) ProgramKeysFor(ck CommonKey) []ProgramKey { return c.programs.keysFor(ck) }

// KernelNames returns the names of the kernels cached for program, sorted.
func (c *Cache) KernelNames(program ProgramHandle) []string { return c.kernels.names(program) }

func (c *Cache) ProgramCount() int { return c.programs.size() }
func (c *Cache) KernelCount() int  { return c.kernels.size() }

func (c *Cache) Stats() Stats {
	return Stats{
		Builds:          c.stats.builds.Load(),
		Waits:           c.stats.waits.Load(),
		Retries:         c.stats.retries.Load(),
		Resets:          c.stats.resets.Load(),
		ReleaseFailures: c.stats.releaseFailures.Load(),
		Programs:        c.programs.size(),
		Kernels:         c.kernels.size(),
	}
}

// Reset clears the program, kernel and fast caches. All structural locks are
// held while clearing so no insert races the clear. Entries whose build is in
// flight stay valid for their builder and waiters; the cache only drops its
// own reference. Kernels are released before programs.
func (c *Cache) Reset() {
	c.programs.mu.Lock()
	c.kernels.mu.Lock()
	progs := c.programs.takeLocked()
	kerns := c.kernels.takeLocked()
	c.fast.Clear()
	c.kernels.mu.Unlock()
	c.programs.mu.Unlock()

	for _, e := range kerns {
		e.Release()
	}
	for _, e := range progs {
		e.Release()
	}

	c.stats.resets.Add(1)
	c.hooks.CacheReset(len(progs), len(kerns))
	c.log.Info("cache reset", Fields{"programs": len(progs), "kernels": len(kerns)})
}

// Close tears the cache down: every entry not held elsewhere is released and
// the fast store is closed. The Cache must not be used afterwards.
func (c *Cache) Close(_ context.Context) error {
	c.Reset()
	return c.fast.Close()
}

func (c *Cache) newProgramEntry(state BuildState) *ProgramEntry {
	return newEntry[ProgramHandle]("program", state, c.releaseProgram, c.reportRelease)
}

func (c *Cache) newKernelEntry() *KernelEntry {
	return newEntry[KernelValue]("kernel", StateInitial, c.releaseKernel, c.reportRelease)
}

func (c *Cache) releaseProgram(p ProgramHandle) (uintptr, error) {
	if p == 0 {
		return 0, nil
	}
	return uintptr(p), c.adapter.ReleaseProgram(p)
}

func (c *Cache) releaseKernel(v KernelValue) (uintptr, error) {
	if v.Kernel == 0 {
		return 0, nil
	}
	return uintptr(v.Kernel), c.adapter.ReleaseKernel(v.Kernel)
}

func (c *Cache) reportRelease(err *ReleaseError) {
	c.stats.releaseFailures.Add(1)
	c.hooks.ReleaseFailed(err.What, err)
	c.log.Error("release failed", Fields{"what": err.What, "handle": err.Handle, "err": err.Err})
}
