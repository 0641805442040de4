// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

package cache

import (
	"context"
	"sync"
	"time"

	"github.com/veylan/edgehome/internal/logging"
	"github.com/veylan/edgehome/internal/metrics"
)

// EntryStore is the durable tier beneath the memory cache.
// Implementations must be safe for concurrent use.
type EntryStore interface {
	// GetByKey returns the entry, or (nil, nil) when absent.
	GetByKey(ctx context.Context, key string) (*Entry, error)

	// Insert stores an entry, replacing any previous row for the key.
	Insert(ctx context.Context, entry *Entry) error

	// UpdateLastAccessed advances the access stamp for a key.
	UpdateLastAccessed(ctx context.Context, key string, accessed time.Time) error

	// DeleteLeastRecentlyAccessed removes the n entries with the oldest
	// access stamps.
	DeleteLeastRecentlyAccessed(ctx context.Context, n int64) error

	// TotalSize returns total stored bytes; zero when empty or on failure.
	TotalSize(ctx context.Context) int64

	// AverageSize returns mean entry size in bytes; zero when empty or
	// on failure.
	AverageSize(ctx context.Context) int64

	// EntryCount returns the number of stored entries.
	EntryCount(ctx context.Context) (int64, error)

	// Checkpoint flushes store WAL state to the main database file.
	Checkpoint(ctx context.Context) error

	// Close releases the store and its connections.
	Close() error
}

// evictionSafetyFactor over-deletes relative to the size-based estimate
// so a single consolidation pass lands under the ceiling even when the
// oldest entries are smaller than average.
const evictionSafetyFactor = 2

// ManagerConfig tunes the tiered cache.
type ManagerConfig struct {
	// MaxCacheBytes is the durable store ceiling.
	MaxCacheBytes int64

	// MemoryEntries bounds the hot tier. Default 100.
	MemoryEntries int

	// MemoryTTL is the hot tier's sliding expiration. Default 1h.
	MemoryTTL time.Duration

	// FlushInterval paces write-behind drains and consolidation.
	// Default 10s.
	FlushInterval time.Duration
}

type opKind int

const (
	opInsert opKind = iota
	opTouch
)

// writeOp is one queued write-behind operation.
type writeOp struct {
	kind     opKind
	entry    *Entry
	key      string
	accessed time.Time
}

// Manager is the tiered cache: reads hit the memory tier first and fall
// through to the durable store; writes land in memory immediately and
// reach the store asynchronously through an ordered write-behind queue.
// A periodic consolidation pass keeps the store under MaxCacheBytes.
type Manager struct {
	store EntryStore
	mem   *MemoryCache
	cfg   ManagerConfig

	mu     sync.Mutex
	queue  []writeOp
	signal chan struct{}
	closed bool
}

// NewManager wires the memory tier over the store. The memory tier's
// evictions feed the write-behind queue so the store keeps accurate
// recency for entries that lived only in memory.
func NewManager(store EntryStore, cfg ManagerConfig) *Manager {
	if cfg.MemoryEntries <= 0 {
		cfg.MemoryEntries = 100
	}
	if cfg.MemoryTTL <= 0 {
		cfg.MemoryTTL = time.Hour
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	m := &Manager{
		store:  store,
		cfg:    cfg,
		signal: make(chan struct{}, 1),
	}
	m.mem = NewMemoryCache(cfg.MemoryEntries, cfg.MemoryTTL, func(entry *Entry) {
		m.enqueue(writeOp{kind: opTouch, key: entry.Key, accessed: entry.LastAccessed()})
	})
	return m
}

// Get returns the entry for key, or nil on a miss. A memory hit stamps
// recency in place; a store hit promotes the entry into the memory
// tier. Store failures degrade to a miss.
func (m *Manager) Get(ctx context.Context, key string) *Entry {
	now := time.Now()

	if entry, ok := m.mem.Get(key, now); ok {
		metrics.CacheHits.WithLabelValues("memory").Inc()
		return entry
	}

	entry, err := m.store.GetByKey(ctx, key)
	if err != nil {
		logging.Debug().Err(err).Str("key", key).Msg("store lookup failed, treating as miss")
		return nil
	}
	if entry == nil {
		return nil
	}

	entry.Touch(now)
	m.mem.Put(entry, now)
	metrics.CacheHits.WithLabelValues("store").Inc()
	return entry
}

// Put caches a freshly fetched entry: visible to readers immediately
// through the memory tier, persisted asynchronously.
func (m *Manager) Put(entry *Entry) {
	now := time.Now()
	m.mem.Put(entry, now)
	m.enqueue(writeOp{kind: opInsert, entry: entry})
}

// enqueue appends an operation and nudges the drain loop. Operations
// are applied in arrival order; after Close they are dropped.
func (m *Manager) enqueue(op writeOp) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, op)
	depth := len(m.queue)
	m.mu.Unlock()

	metrics.WriteQueueDepth.Set(float64(depth))

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// takeQueue swaps out the pending operations.
func (m *Manager) takeQueue() []writeOp {
	m.mu.Lock()
	ops := m.queue
	m.queue = nil
	m.mu.Unlock()
	metrics.WriteQueueDepth.Set(0)
	return ops
}

// Run drains the write-behind queue until ctx is canceled, running a
// consolidation pass every FlushInterval. Intended to be run as a
// supervised service; it only returns the context's error.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.signal:
			m.drain(ctx)
		case <-ticker.C:
			m.drain(ctx)
			m.mem.PurgeExpired(time.Now())
			m.consolidate(ctx)
		}
	}
}

// drain applies pending operations to the store in order. Failures are
// logged and skipped; the cache must keep serving without its durable
// tier.
func (m *Manager) drain(ctx context.Context) {
	for _, op := range m.takeQueue() {
		var err error
		switch op.kind {
		case opInsert:
			err = m.store.Insert(ctx, op.entry)
		case opTouch:
			err = m.store.UpdateLastAccessed(ctx, op.key, op.accessed)
		}
		if err != nil {
			logging.Warn().Err(err).Msg("write-behind operation failed")
		}
	}
}

// consolidate evicts least-recently-accessed entries when the store has
// grown past the ceiling plus a 1% tolerance band, then checkpoints.
// The eviction count is estimated from the average entry size and
// padded by evictionSafetyFactor; overshooting is acceptable, a store
// left above the ceiling is not.
func (m *Manager) consolidate(ctx context.Context) {
	total := m.store.TotalSize(ctx)
	metrics.CacheStoredBytes.Set(float64(total))

	if total > m.cfg.MaxCacheBytes+m.cfg.MaxCacheBytes/100 {
		avg := m.store.AverageSize(ctx)
		count, err := m.store.EntryCount(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("entry count failed, skipping eviction")
		} else if count > 0 && avg > 0 {
			excess := total - m.cfg.MaxCacheBytes
			n := (excess + avg - 1) / avg * evictionSafetyFactor
			if n < 1 {
				n = 1
			}
			if err := m.store.DeleteLeastRecentlyAccessed(ctx, n); err != nil {
				logging.Error().Err(err).Int64("entries", n).Msg("cache eviction failed")
			} else {
				metrics.CacheEvictedEntries.Add(float64(n))
				logging.Info().
					Int64("entries", n).
					Int64("stored_bytes", total).
					Msg("evicted least recently accessed entries")
			}
		}
	}

	// Checkpoint regardless of whether anything was evicted, so WAL
	// growth stays bounded under write-heavy load.
	if err := m.store.Checkpoint(ctx); err != nil {
		logging.Warn().Err(err).Msg("store checkpoint failed")
	}
}

// Close flushes the memory tier, drains outstanding writes, runs a
// final consolidation and releases the store. After Close the manager
// accepts no further writes.
func (m *Manager) Close(ctx context.Context) error {
	m.mem.Flush()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	ops := m.queue
	m.queue = nil
	m.closed = true
	m.mu.Unlock()

	for _, op := range ops {
		var err error
		switch op.kind {
		case opInsert:
			err = m.store.Insert(ctx, op.entry)
		case opTouch:
			err = m.store.UpdateLastAccessed(ctx, op.key, op.accessed)
		}
		if err != nil {
			logging.Warn().Err(err).Msg("final write-behind flush failed")
		}
	}

	m.consolidate(ctx)
	return m.store.Close()
}
