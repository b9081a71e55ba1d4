// Package nonce implements the replay-defense table of observed signature
// nonces. Every signature verification funnels through CheckAndMark, which
// admits a given nonce exactly once inside its validity window.
package nonce

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"paykit/crypto"
)

const (
	// DefaultTTL matches the default signature lifetime.
	DefaultTTL      = 7 * 24 * time.Hour
	janitorInterval = time.Minute
)

// Store is the in-memory nonce set. A single mutex serialises all access;
// poisoning the set by continuing past an inconsistent state would defeat
// replay defense, so there is no recovery path for internal invariant
// violations.
type Store struct {
	ttl time.Duration
	mu  sync.Mutex
	// entries maps nonce -> expiry.
	entries map[[crypto.NonceSize]byte]time.Time
	now     func() time.Time

	janitorStop chan struct{}
	stopOnce    sync.Once
	janitorWG   sync.WaitGroup

	metrics *storeMetrics
}

// NewStore builds a store with the given default TTL and starts the expiry
// janitor. Close stops the janitor.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		ttl:         ttl,
		entries:     make(map[[crypto.NonceSize]byte]time.Time),
		now:         time.Now,
		janitorStop: make(chan struct{}),
		metrics:     getStoreMetrics(),
	}
	s.metrics.observeSize(0)
	s.janitorWG.Add(1)
	go s.runJanitor()
	return s
}

// SetClock overrides the time source for deterministic tests.
func (s *Store) SetClock(now func() time.Time) {
	if s == nil || now == nil {
		return
	}
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// CheckAndMark atomically admits the nonce. The first caller gets
// NonceAccepted and the entry is recorded with expiry now+ttl; every later
// caller gets NonceDuplicate until the entry expires. A non-positive ttl
// falls back to the store default.
func (s *Store) CheckAndMark(nonce [crypto.NonceSize]byte, ttl time.Duration) crypto.NonceOutcome {
	if ttl <= 0 {
		ttl = s.ttl
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiry, seen := s.entries[nonce]; seen && now.Before(expiry) {
		s.metrics.observeDuplicate()
		return crypto.NonceDuplicate
	}
	s.entries[nonce] = now.Add(ttl)
	s.metrics.observeSize(len(s.entries))
	return crypto.NonceAccepted
}

// CleanupExpired removes entries whose expiry is at or before now and
// returns the count removed. Safe to call concurrently with CheckAndMark.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for nonce, expiry := range s.entries {
		if !expiry.After(now) {
			delete(s.entries, nonce)
			removed++
		}
	}
	if removed > 0 {
		s.metrics.observeEvicted(removed)
		s.metrics.observeSize(len(s.entries))
	}
	return removed
}

// Size returns the number of live entries.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) runJanitor() {
	defer s.janitorWG.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.CleanupExpired()
		case <-s.janitorStop:
			return
		}
	}
}

// Close stops the background janitor. The store remains usable afterwards;
// expiry then only happens through explicit CleanupExpired calls.
func (s *Store) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.janitorStop)
		s.janitorWG.Wait()
	})
}

type storeMetrics struct {
	size       prometheus.Gauge
	evicted    prometheus.Counter
	duplicates prometheus.Counter
}

var (
	storeMetricsOnce sync.Once
	storeMetricsInst *storeMetrics
)

func getStoreMetrics() *storeMetrics {
	storeMetricsOnce.Do(func() {
		storeMetricsInst = &storeMetrics{
			size: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "paykit_nonce_store_size",
				Help: "Number of live entries in the signature nonce store.",
			}),
			evicted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "paykit_nonce_store_evicted_total",
				Help: "Number of nonce entries removed after TTL expiry.",
			}),
			duplicates: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "paykit_nonce_store_duplicates_total",
				Help: "Number of nonce admissions rejected as replays.",
			}),
		}
		prometheus.MustRegister(storeMetricsInst.size, storeMetricsInst.evicted, storeMetricsInst.duplicates)
	})
	return storeMetricsInst
}

func (m *storeMetrics) observeSize(size int) {
	if m == nil {
		return
	}
	m.size.Set(float64(size))
}

func (m *storeMetrics) observeEvicted(delta int) {
	if m == nil || delta <= 0 {
		return
	}
	m.evicted.Add(float64(delta))
}

func (m *storeMetrics) observeDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}
