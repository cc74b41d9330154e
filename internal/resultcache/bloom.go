// ABOUTME: Bloom filter over result cache keys with atomic swap on reset
// ABOUTME: Rejects lookups for keys never stored without touching the disk

package resultcache

import (
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
)

// BloomConfig holds configuration for the key filter.
type BloomConfig struct {
	// ExpectedItems is the number of keys the filter is sized for.
	ExpectedItems uint

	// FalsePositiveRate is the target false positive rate (e.g. 0.01).
	FalsePositiveRate float64
}

func (c BloomConfig) withDefaults() BloomConfig {
	if c.ExpectedItems == 0 {
		c.ExpectedItems = 100_000
	}
	if c.FalsePositiveRate <= 0 || c.FalsePositiveRate >= 1 {
		c.FalsePositiveRate = 0.01
	}
	return c
}

// BloomStats describes the key filter.
type BloomStats struct {
	Capacity          uint    `json:"capacity"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
	BitSetSize        uint64  `json:"bitset_bytes"`
	HashFunctions     uint    `json:"hash_functions"`
	ApproxItems       uint32  `json:"approx_items"`
}

// keyFilter wraps a Bloom filter; Clear swaps in an empty one.
type keyFilter struct {
	filter atomic.Pointer[bloom.BloomFilter]
	mu     sync.RWMutex
	config BloomConfig
}

func newKeyFilter(cfg BloomConfig) *keyFilter {
	kf := &keyFilter{config: cfg.withDefaults()}
	kf.filter.Store(bloom.NewWithEstimates(kf.config.ExpectedItems, kf.config.FalsePositiveRate))
	return kf
}

func (kf *keyFilter) Add(key []byte) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.filter.Load().Add(key)
}

// Test reports whether key may have been added. False is definite.
func (kf *keyFilter) Test(key []byte) bool {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.filter.Load().Test(key)
}

func (kf *keyFilter) Clear() {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.filter.Store(bloom.NewWithEstimates(kf.config.ExpectedItems, kf.config.FalsePositiveRate))
}

func (kf *keyFilter) Stats() BloomStats {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	f := kf.filter.Load()
	return BloomStats{
		Capacity:          kf.config.ExpectedItems,
		FalsePositiveRate: kf.config.FalsePositiveRate,
		BitSetSize:        uint64(f.Cap() / 8),
		HashFunctions:     f.K(),
		ApproxItems:       f.ApproximatedSize(),
	}
}
