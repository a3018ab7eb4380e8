package faststore

import (
	"sync"

	"github.com/unkn0wn-root/buildcache/internal/util"
)

const numShards = 16

// Map is the default in-process Store: a map split into shards, each with
// its own mutex, selected by xxhash of the key.
type Map struct {
	shards [numShards]mapShard
}

type mapShard struct {
	mu sync.Mutex
	m  map[string]any
}

var _ Store = (*Map)(nil)

func NewMap() *Map {
	s := &Map{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]any)
	}
	return s
}

func (s *Map) shard(key string) *mapShard {
	return &s.shards[util.Hash64(key)%numShards]
}

func (s *Map) Get(key string) (any, bool) {
	sh := s.shard(key)
	sh.mu.Lock()
	v, ok := sh.m[key]
	sh.mu.Unlock()
	return v, ok
}

func (s *Map) Set(key string, value any) {
	sh := s.shard(key)
	sh.mu.Lock()
	if _, ok := sh.m[key]; !ok {
		sh.m[key] = value
	}
	sh.mu.Unlock()
}

// Clear locks every shard before dropping any, so no Set lands between
// shards being cleared.
func (s *Map) Clear() {
	for i := range s.shards {
		s.shards[i].mu.Lock()
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]any)
	}
	for i := range s.shards {
		s.shards[i].mu.Unlock()
	}
}

// Len returns the number of stored keys.
func (s *Map) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

func (s *Map) Close() error { return nil }
