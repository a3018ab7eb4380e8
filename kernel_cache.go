package buildcache

import (
	"sort"
	"sync"
)

// kernelCache maps program -> kernel name -> entry.
type kernelCache struct {
	mu    sync.Mutex
	cache map[ProgramHandle]map[string]*KernelEntry
}

func newKernelCache() *kernelCache {
	return &kernelCache{cache: make(map[ProgramHandle]map[string]*KernelEntry)}
}

func (k *kernelCache) getOrInsert(program ProgramHandle, name string, create func() *KernelEntry) (*KernelEntry, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	byName, ok := k.cache[program]
	if !ok {
		byName = make(map[string]*KernelEntry)
		k.cache[program] = byName
	}
	if e, ok := byName[name]; ok {
		e.retain()
		return e, false
	}
	e := create()
	byName[name] = e
	e.retain()
	return e, true
}

// holdsLocked reports whether the entry owning mu is still cached under
// (program, name) and Done. Caller must hold k.mu.
func (k *kernelCache) holdsLocked(program ProgramHandle, name string, mu *sync.Mutex) bool {
	e, ok := k.cache[program][name]
	return ok && mu != nil && e.Mutex() == mu && e.State() == StateDone
}

// names returns the kernel names cached for program, sorted.
func (k *kernelCache) names(program ProgramHandle) []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	byName := k.cache[program]
	out := make([]string, 0, len(byName))
	for n := range byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (k *kernelCache) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for _, byName := range k.cache {
		n += len(byName)
	}
	return n
}

// takeLocked empties the cache and returns the dropped entries.
// Caller must hold mu.
func (k *kernelCache) takeLocked() []*KernelEntry {
	var out []*KernelEntry
	for _, byName := range k.cache {
		for _, e := range byName {
			out = append(out, e)
		}
	}
	k.cache = make(map[ProgramHandle]map[string]*KernelEntry)
	return out
}
