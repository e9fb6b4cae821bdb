package cache

import (
	"time"

	"go.uber.org/zap"
)

// Options configures a TileCache
type Options struct {
	// DBPath is the SQLite file backing the persistent layer
	DBPath string
	// MemoryBudget bounds the memory layer in payload bytes
	MemoryBudget int64
	// DiskBudget bounds the persistent layer in payload bytes. Zero disables it.
	DiskBudget int64
	// Lifetime is the maximum age of a persisted tile. Zero disables expiry.
	Lifetime time.Duration
	// GCInterval is the garbage collection cadence. Zero disables the loop.
	GCInterval time.Duration
	// SourceID identifies the upstream tiles are rendered from
	SourceID string
	// VectorEnabled is the renderer capability flag that changes tile output
	VectorEnabled bool
	// CustomPolicy decides what a custom data change purges
	CustomPolicy CustomPolicy
}

// DefaultOptions returns options for a 256MB memory / 1GB disk cache
func DefaultOptions(dbPath string) Options {
	return Options{
		DBPath:       dbPath,
		MemoryBudget: 256 << 20,
		DiskBudget:   1 << 30,
		Lifetime:     30 * 24 * time.Hour,
		GCInterval:   5 * time.Minute,
		CustomPolicy: CustomPurgeAll,
	}
}

// New creates a tile cache. It serves from memory only until Initialize runs.
func New(opts Options, ds DataStore, log *zap.Logger) *TileCache {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CustomPolicy == "" {
		opts.CustomPolicy = CustomPurgeAll
	}

	c := &TileCache{
		opts:   opts,
		ds:     ds,
		memory: NewMemoryCache(opts.MemoryBudget, log.Named("memory")),
		store:  noopStore{},
		tasks:  NewTaskSupervisor(log.Named("tasks")),
		logger: log,
		now:    time.Now,
	}
	c.checks = DefaultChecks(opts, ds)
	return c
}
