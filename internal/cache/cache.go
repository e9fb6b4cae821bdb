package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// ProgressFunc receives initialization progress. stage is one of
// "connect", "schema", "validity" and "index".
type ProgressFunc func(stage string, done, total int)

// TileCache is the two-tier tile cache: a memory layer in front of a persistent
// layer, with background persistence, startup invalidation and garbage collection.
type TileCache struct {
	opts   Options
	ds     DataStore
	checks []Check
	memory *MemoryCache
	tasks  *TaskSupervisor
	logger *zap.Logger
	now    func() time.Time

	mu          sync.RWMutex
	store       persister
	persistent  bool
	gc          *GarbageCollector
	initialized bool
	closed      atomic.Bool
	shutdown    sync.Once

	memoryHits     atomic.Int64
	persistentHits atomic.Int64
	misses         atomic.Int64
}

var _ Cache = (*TileCache)(nil)

// Initialize opens the persistent layer, runs the validity checks, loads the
// index and starts garbage collection. If the persistent layer cannot be set
// up the failure is logged and the cache keeps running from memory only.
func (c *TileCache) Initialize(ctx context.Context, progress ProgressFunc) error {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.initialized {
		c.mu.Unlock()
		return errors.New("cache already initialized")
	}
	c.initialized = true
	c.mu.Unlock()

	if progress == nil {
		progress = func(string, int, int) {}
	}

	if c.opts.DiskBudget <= 0 {
		c.logger.Info("Persistent tile cache disabled",
			zap.String("memory_budget", humanize.IBytes(uint64(c.opts.MemoryBudget))),
		)
		return nil
	}

	store, err := c.openStore(ctx, progress)
	if err != nil {
		c.logger.Error("Failed to initialize persistent tile cache, using memory only",
			zap.String("path", c.opts.DBPath),
			zap.Error(err),
		)
		return nil
	}

	gc := NewGarbageCollector(store, c.opts.DiskBudget, c.opts.Lifetime, c.opts.GCInterval, c.logger.Named("gc"))
	gc.now = func() time.Time { return c.now() }
	gc.onExpired = func(keys []string) { c.memory.Remove(keys...) }

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return errors.Join(ErrClosed, store.Close())
	}
	c.store = store
	c.persistent = true
	c.gc = gc
	c.gc.Start(context.Background())

	c.logger.Info("Tile cache initialized",
		zap.String("path", c.opts.DBPath),
		zap.Int("persistent_entries", store.Len()),
		zap.String("persistent_bytes", humanize.IBytes(uint64(store.Bytes()))),
		zap.String("disk_budget", humanize.IBytes(uint64(c.opts.DiskBudget))),
		zap.String("memory_budget", humanize.IBytes(uint64(c.opts.MemoryBudget))),
		zap.Duration("lifetime", c.opts.Lifetime),
	)
	return nil
}

func (c *TileCache) openStore(ctx context.Context, progress ProgressFunc) (*Store, error) {
	progress("connect", 0, 1)
	store, err := OpenStore(ctx, c.opts.DBPath, c.logger.Named("store"))
	if err != nil {
		return nil, err
	}
	progress("connect", 1, 1)
	progress("schema", 1, 1)

	checker := NewValidityChecker(store, c.checks, c.logger.Named("validity"))
	report, err := checker.Run(ctx, func(done, total int) { progress("validity", done, total) })
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("validity check: %w", err)
	}
	if len(report.Triggered) > 0 {
		c.logger.Info("Cache invalidated",
			zap.Strings("fingerprints", report.Triggered),
			zap.Int("purged", report.Purged),
		)
	}

	loaded, invalid, err := store.LoadIndex(ctx, func(done, total int) { progress("index", done, total) })
	if err != nil {
		store.Close()
		return nil, err
	}
	if invalid > 0 {
		c.logger.Warn("Dropped invalid cache rows", zap.Int("count", invalid))
	}
	progress("index", loaded, loaded)
	return store, nil
}

// persistence returns the current persistent layer, or nil when there is none
func (c *TileCache) persistence() persister {
	if c.closed.Load() {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.persistent {
		return nil
	}
	return c.store
}

// Lookup returns the payload for key from memory or, failing that, from the
// persistent layer, promoting it into memory. Faults read as a miss.
func (c *TileCache) Lookup(ctx context.Context, key string) ([]byte, bool) {
	store := c.persistence()

	if data, ok := c.memory.Get(key); ok {
		c.memoryHits.Add(1)
		if store != nil {
			if _, ok := store.Metadata(key); ok {
				c.markUsed(store, key)
			}
		}
		return data, true
	}

	if store == nil {
		c.misses.Add(1)
		return nil, false
	}

	data, found, err := store.Payload(ctx, key)
	if err != nil {
		c.misses.Add(1)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			c.logger.Debug("Cached tile read abandoned", zap.String("key", key), zap.Error(err))
		case errors.Is(err, ErrCorruptEntry):
			c.logger.Warn("Dropped corrupt cached tile", zap.String("key", key), zap.Error(err))
		default:
			c.logger.Warn("Failed to read cached tile", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	if !found {
		c.misses.Add(1)
		return nil, false
	}

	c.persistentHits.Add(1)
	c.memory.Set(key, data)
	c.markUsed(store, key)
	return data, true
}

func (c *TileCache) markUsed(store persister, key string) {
	t := c.now()
	c.tasks.Go("mark_used", key, func(ctx context.Context) error {
		_, err := store.MarkUsed(ctx, key, t)
		return err
	})
}

// Add stores a freshly rendered tile in memory and, when toDisk is set,
// schedules a background write to the persistent layer. A write already in
// flight for key makes the new write request a no-op.
func (c *TileCache) Add(ctx context.Context, key string, payload []byte, meta Metadata, toDisk bool) {
	c.memory.Set(key, payload)

	if !toDisk {
		return
	}
	store := c.persistence()
	if store == nil {
		return
	}

	size := int64(len(payload))
	if size > c.opts.DiskBudget {
		c.logger.Debug("Tile larger than disk budget, keeping in memory only",
			zap.String("key", key),
			zap.Int64("bytes", size),
		)
		return
	}

	entry := newEntry(key, size, meta, c.now())
	c.tasks.GoUnique("insert", key, func(ctx context.Context) error {
		return store.Insert(ctx, entry, payload)
	})
}

// ClearAll empties both layers. A write still in flight may land afterwards.
func (c *TileCache) ClearAll(ctx context.Context) (memoryCleared, persistentCleared int) {
	memoryCleared = c.memory.Clear()

	if store := c.persistence(); store != nil {
		n, err := store.DeleteAll(ctx)
		if err != nil {
			c.logger.Error("Failed to clear persistent tile cache", zap.Error(err))
		}
		persistentCleared = n
	}

	c.logger.Info("Tile cache cleared",
		zap.Int("memory_entries", memoryCleared),
		zap.Int("persistent_entries", persistentCleared),
	)
	return memoryCleared, persistentCleared
}

// CollectGarbage runs one garbage collection cycle immediately
func (c *TileCache) CollectGarbage(ctx context.Context) GCResult {
	c.mu.RLock()
	gc := c.gc
	c.mu.RUnlock()
	if gc == nil || c.closed.Load() {
		return GCResult{}
	}
	return gc.RunOnce(ctx)
}

// Flush waits until every background write started so far has finished
func (c *TileCache) Flush() {
	c.tasks.Wait()
}

// Shutdown stops garbage collection, drains background writes and closes
// the persistent layer. It is safe to call more than once.
func (c *TileCache) Shutdown() error {
	var err error
	c.shutdown.Do(func() {
		c.closed.Store(true)

		c.mu.Lock()
		defer c.mu.Unlock()

		if c.gc != nil {
			c.gc.Stop()
		}
		c.tasks.Shutdown()
		err = c.store.Close()
		c.store = noopStore{}
		c.persistent = false

		c.logger.Info("Tile cache shut down")
	})
	return err
}

// Stats is a point-in-time view of the cache
type Stats struct {
	MemoryEntries     int   `json:"memory_entries"`
	MemoryBytes       int64 `json:"memory_bytes"`
	MemoryBudget      int64 `json:"memory_budget"`
	PersistentEnabled bool  `json:"persistent_enabled"`
	PersistentEntries int   `json:"persistent_entries"`
	PersistentBytes   int64 `json:"persistent_bytes"`
	DiskBudget        int64 `json:"disk_budget"`
	PendingTasks      int   `json:"pending_tasks"`
	MemoryHits        int64 `json:"memory_hits"`
	PersistentHits    int64 `json:"persistent_hits"`
	Misses            int64 `json:"misses"`
}

func (c *TileCache) Stats() Stats {
	s := Stats{
		MemoryEntries:  c.memory.Len(),
		MemoryBytes:    c.memory.Bytes(),
		MemoryBudget:   c.memory.Budget(),
		DiskBudget:     c.opts.DiskBudget,
		PendingTasks:   c.tasks.Running(),
		MemoryHits:     c.memoryHits.Load(),
		PersistentHits: c.persistentHits.Load(),
		Misses:         c.misses.Load(),
	}
	if store := c.persistence(); store != nil {
		s.PersistentEnabled = true
		s.PersistentEntries = store.Len()
		s.PersistentBytes = store.Bytes()
	}
	return s
}
