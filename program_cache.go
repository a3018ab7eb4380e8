package buildcache

import "sync"

// programCache maps a ProgramKey to its entry, and each CommonKey to every
// ProgramKey inserted under it. mu covers map mutation only, never a build.
type programCache struct {
	mu     sync.Mutex
	cache  map[ProgramKey]*ProgramEntry
	keyMap map[CommonKey][]ProgramKey
}

func newProgramCache() *programCache {
	return &programCache{
		cache:  make(map[ProgramKey]*ProgramEntry),
		keyMap: make(map[CommonKey][]ProgramKey),
	}
}

// getOrInsert returns the entry for key with an extra reference taken for the
// caller. create runs under mu only when key is absent; the new entry and its
// CommonKey mapping are inserted together.
func (p *programCache) getOrInsert(key ProgramKey, create func() *ProgramEntry) (*ProgramEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.cache[key]; ok {
		e.retain()
		return e, false
	}
	e := create()
	p.cache[key] = e
	ck := key.Common()
	p.keyMap[ck] = append(p.keyMap[ck], key)
	e.retain()
	return e, true
}

// insert stores an already-built entry. It reports false, and does not take
// ownership of e, when key is present.
func (p *programCache) insert(key ProgramKey, e *ProgramEntry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.cache[key]; ok {
		return false
	}
	p.cache[key] = e
	ck := key.Common()
	p.keyMap[ck] = append(p.keyMap[ck], key)
	return true
}

func (p *programCache) keysFor(ck CommonKey) []ProgramKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := p.keyMap[ck]
	out := make([]ProgramKey, len(keys))
	copy(out, keys)
	return out
}

func (p *programCache) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cache)
}

// takeLocked empties the cache and returns the dropped entries.
// Caller must hold mu.
func (p *programCache) takeLocked() []*ProgramEntry {
	out := make([]*ProgramEntry, 0, len(p.cache))
	for _, e := range p.cache {
		out = append(out, e)
	}
	p.cache = make(map[ProgramKey]*ProgramEntry)
	p.keyMap = make(map[CommonKey][]ProgramKey)
	return out
}
