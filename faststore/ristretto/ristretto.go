package ristretto

import (
	"errors"

	rc "github.com/dgraph-io/ristretto"

	fs "github.com/unkn0wn-root/buildcache/faststore"
)

// Store backs the fast kernel path with Ristretto. Ristretto buffers writes
// and may refuse them under its admission policy; both only cause fast-path
// misses. Keep MaxCost well above the expected kernel count: the build cache
// itself never evicts.
type Store struct {
	c *rc.Cache
}

var _ fs.Store = (*Store)(nil)

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool
	// Every Set has cost 1.
}

func New(cfg Config) (*Store, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Store{c: c}, nil
}

func (s *Store) Get(key string) (any, bool) {
	return s.c.Get(key)
}

func (s *Store) Set(key string, value any) {
	if _, ok := s.c.Get(key); ok {
		return
	}
	s.c.Set(key, value, 1)
}

// Clear applies buffered writes first so none of them lands after the clear.
func (s *Store) Clear() {
	s.c.Wait()
	s.c.Clear()
}

// Wait blocks until buffered writes are applied. Mostly useful in tests.
func (s *Store) Wait() { s.c.Wait() }

func (s *Store) Close() error {
	s.c.Close()
	return nil
}

// Metrics exposes Ristretto's counters (nil unless Config.Metrics).
func (s *Store) Metrics() *rc.Metrics { return s.c.Metrics }
