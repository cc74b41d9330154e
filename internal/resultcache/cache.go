// ABOUTME: Analysis result cache in BadgerDB keyed by database checksum
// ABOUTME: TTL'd entries behind a Bloom filter, dropped whenever the database is recovered

package resultcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "result:"

// Name identifies the cache as derived state.
const Name = "result-cache"

// ErrNoChecksum is returned when an entry is addressed without a database
// checksum.
var ErrNoChecksum = errors.New("database checksum required")

// Config holds configuration for the result cache.
type Config struct {
	// Path is the badger directory. Required unless InMemory is true.
	Path string

	// InMemory keeps everything in memory (for tests).
	InMemory bool

	// TTL expires entries. Zero keeps them until reset.
	TTL time.Duration

	// Bloom sizes the key filter.
	Bloom BloomConfig

	// Logger receives badger and cache events.
	Logger *slog.Logger
}

// Stats counts cache traffic.
type Stats struct {
	Hits          int64      `json:"hits"`
	Misses        int64      `json:"misses"`
	FilterRejects int64      `json:"filter_rejects"`
	Puts          int64      `json:"puts"`
	Resets        int64      `json:"resets"`
	Filter        BloomStats `json:"filter"`
}

// Cache stores analysis results per database version. A key is only
// meaningful together with the checksum of the database it was computed
// from, so a refreshed database never serves stale results.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	filter *keyFilter
	logger *slog.Logger

	hits, misses, rejects, puts, resets atomic.Int64
}

// Open opens or creates the cache and seeds the key filter from disk.
func Open(cfg Config) (*Cache, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "resultcache"))

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}

	c := &Cache{
		db:     db,
		ttl:    cfg.TTL,
		filter: newKeyFilter(cfg.Bloom),
		logger: logger,
	}
	if err := c.seedFilter(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func entryKey(checksum, key string) []byte {
	return []byte(keyPrefix + checksum + ":" + key)
}

// Put stores value for key under the given database checksum.
func (c *Cache) Put(ctx context.Context, checksum, key string, value any) error {
	if checksum == "" {
		return ErrNoChecksum
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	k := entryKey(checksum, key)
	err = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(k, data)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("storing result: %w", err)
	}

	c.filter.Add(k)
	c.puts.Add(1)
	return nil
}

// Get loads the value for key under checksum into out. It reports whether
// an entry was found.
func (c *Cache) Get(ctx context.Context, checksum, key string, out any) (bool, error) {
	if checksum == "" {
		return false, ErrNoChecksum
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	k := entryKey(checksum, key)
	if !c.filter.Test(k) {
		c.rejects.Add(1)
		c.misses.Add(1)
		return false, nil
	}

	found := false
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("getting cache entry: %w", err)
		}
		found = true
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, out); err != nil {
				return fmt.Errorf("unmarshaling result: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return false, err
	}

	if found {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return found, nil
}

// Count returns the number of live entries.
func (c *Cache) Count(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// Name implements integrity.DerivedState.
func (c *Cache) Name() string {
	return Name
}

// Reset drops every entry. Recovery calls it whenever the database it was
// derived from is replaced or backed up.
func (c *Cache) Reset(ctx context.Context) error {
	if err := c.db.DropPrefix([]byte(keyPrefix)); err != nil {
		return fmt.Errorf("dropping results: %w", err)
	}
	c.filter.Clear()
	c.resets.Add(1)
	c.logger.InfoContext(ctx, "result cache cleared")
	return nil
}

// Stats returns traffic counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		FilterRejects: c.rejects.Load(),
		Puts:          c.puts.Load(),
		Resets:        c.resets.Load(),
		Filter:        c.filter.Stats(),
	}
}

// seedFilter adds every stored key to the filter.
func (c *Cache) seedFilter() error {
	var n int
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			c.filter.Add(it.Item().KeyCopy(nil))
			n++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seeding key filter: %w", err)
	}
	if n > 0 {
		c.logger.Debug("key filter seeded", slog.Int("keys", n))
	}
	return nil
}

// badgerLogger routes badger's printf logging into slog.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(f string, args ...any) {
	b.l.Error(fmt.Sprintf(f, args...))
}

func (b badgerLogger) Warningf(f string, args ...any) {
	b.l.Warn(fmt.Sprintf(f, args...))
}

func (b badgerLogger) Infof(f string, args ...any) {
	b.l.Debug(fmt.Sprintf(f, args...))
}

func (b badgerLogger) Debugf(f string, args ...any) {
	b.l.Debug(fmt.Sprintf(f, args...))
}
