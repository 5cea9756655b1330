package server

import (
	"sync"

	"github.com/kvd/kvd/internal/cache"
	"github.com/kvd/kvd/internal/metrics"
)

// instrumentedStorage adapts cache.Cache to protocol.Storage, adding
// the single exclusive lock spec.md §4.A requires ("the data structure
// itself is NOT thread-safe — concurrency is provided by the Server
// wrapping it") and recording prometheus counters around Get.
type instrumentedStorage struct {
	mu sync.Mutex
	c  *cache.Cache
	m  *metrics.Metrics
}

func newInstrumentedStorage(c *cache.Cache, m *metrics.Metrics) *instrumentedStorage {
	return &instrumentedStorage{c: c, m: m}
}

func (s *instrumentedStorage) Put(key string, value []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.c.Len()
	ok := s.c.Put(key, value)
	s.countEvictions(before)
	return ok
}

func (s *instrumentedStorage) PutIfAbsent(key string, value []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.c.Len()
	ok := s.c.PutIfAbsent(key, value)
	s.countEvictions(before)
	return ok
}

func (s *instrumentedStorage) Set(key string, value []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.c.Len()
	ok := s.c.Set(key, value)
	s.countEvictions(before)
	return ok
}

func (s *instrumentedStorage) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.Delete(key)
}

func (s *instrumentedStorage) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.c.Get(key)
	if ok {
		s.m.CacheHits.Inc()
	} else {
		s.m.CacheMisses.Inc()
	}
	return v, ok
}

// countEvictions estimates evictions by the drop in live entry count
// that isn't explained by the operation itself (an upsert never
// decreases Len by more than the evictions it triggered).
func (s *instrumentedStorage) countEvictions(before int) {
	after := s.c.Len()
	if after < before {
		s.m.CacheEvictions.Add(float64(before - after))
	}
}
