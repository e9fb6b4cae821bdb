package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"tilecache/internal/cache"
)

type Config struct {
	Port            int    `env:"PORT"              envDefault:"8080"`
	DataDir         string `env:"DATA_DIR"          envDefault:"/data"`
	WarmupLevels    int    `env:"WARMUP_LEVELS"     envDefault:"1"`
	WarmupWorkers   int    `env:"WARMUP_WORKERS"    envDefault:"1"`
	VipsMaxCacheMB  int    `env:"VIPS_MAX_CACHE_MB" envDefault:"256"`
	VipsConcurrency int    `env:"VIPS_CONCURRENCY"  envDefault:"1"`
	LogLevel        string `env:"LOG_LEVEL"         envDefault:"info"`
	LogFormat       string `env:"LOG_FORMAT"        envDefault:"json"` // json or console
	UploadToken     string `env:"UPLOAD_TOKEN"`
	MaxUploadSize   int64  `env:"MAX_UPLOAD_SIZE"   envDefault:"4294967296"` // 4GB
	AllowedOrigin   string `env:"ALLOWED_ORIGIN"`
	PublicBaseURL   string `env:"PUBLIC_BASE_URL"   envDefault:"http://localhost:8080"`

	// Tile cache. An empty CacheDBPath resolves to {DataDir}/cache/tiles.db.
	CacheDBPath             string        `env:"CACHE_DB_PATH"`
	CacheMemoryBytes        int64         `env:"CACHE_MEMORY_BYTES"        envDefault:"268435456"`
	CacheDiskBytes          int64         `env:"CACHE_DISK_BYTES"          envDefault:"1073741824"`
	CacheLifetimeDays       int           `env:"CACHE_LIFETIME_DAYS"       envDefault:"30"`
	CacheGCInterval         time.Duration `env:"CACHE_GC_INTERVAL"         envDefault:"5m"`
	CacheSourceID           string        `env:"CACHE_SOURCE_ID"`
	CacheCustomInvalidation string        `env:"CACHE_CUSTOM_INVALIDATION" envDefault:"all"`
	VipsVectorEnabled       bool          `env:"VIPS_VECTOR_ENABLED"       envDefault:"true"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.CacheDBPath == "" {
		cfg.CacheDBPath = filepath.Join(cfg.DataDir, "cache", "tiles.db")
	}
	if cfg.CacheSourceID == "" {
		cfg.CacheSourceID = cfg.PublicBaseURL
	}

	switch cache.CustomPolicy(cfg.CacheCustomInvalidation) {
	case cache.CustomPurgeAll, cache.CustomPurgeSelective:
	default:
		return nil, fmt.Errorf("invalid CACHE_CUSTOM_INVALIDATION %q: want %q or %q",
			cfg.CacheCustomInvalidation, cache.CustomPurgeAll, cache.CustomPurgeSelective)
	}
	if cfg.CacheMemoryBytes < 0 || cfg.CacheDiskBytes < 0 || cfg.CacheLifetimeDays < 0 {
		return nil, fmt.Errorf("cache budgets and lifetime must not be negative")
	}

	return &cfg, nil
}

func (c *Config) IsUploadPublic() bool {
	return strings.TrimSpace(c.UploadToken) == ""
}

// CacheOptions maps the cache settings onto cache.Options
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{
		DBPath:        c.CacheDBPath,
		MemoryBudget:  c.CacheMemoryBytes,
		DiskBudget:    c.CacheDiskBytes,
		Lifetime:      time.Duration(c.CacheLifetimeDays) * 24 * time.Hour,
		GCInterval:    c.CacheGCInterval,
		SourceID:      c.CacheSourceID,
		VectorEnabled: c.VipsVectorEnabled,
		CustomPolicy:  cache.CustomPolicy(c.CacheCustomInvalidation),
	}
}
