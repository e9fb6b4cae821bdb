package cache

import (
	"context"
	"time"
)

// Cache is what a renderer needs from the tile cache
type Cache interface {
	Lookup(ctx context.Context, key string) ([]byte, bool)
	Add(ctx context.Context, key string, payload []byte, meta Metadata, toDisk bool)
}

// DataStore exposes the current versions of the upstream data tiles are rendered from
type DataStore interface {
	// UniverseVersion identifies the stock dataset
	UniverseVersion(ctx context.Context) (string, error)
	// CustomDataVersion identifies the user-editable overlay data
	CustomDataVersion(ctx context.Context) (string, error)
}

// persister is the persistent layer as the cache and the garbage collector use it
type persister interface {
	Metadata(key string) (*Entry, bool)
	Payload(ctx context.Context, key string) ([]byte, bool, error)
	Insert(ctx context.Context, e *Entry, payload []byte) error
	MarkUsed(ctx context.Context, key string, t time.Time) (bool, error)
	DeleteMany(ctx context.Context, keys []string) (int, error)
	DeleteWhereOverlapNot(ctx context.Context, class OverlapClass) ([]string, error)
	DeleteWhereCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	DeleteAll(ctx context.Context) (int, error)
	Victims(budget int64) ([]string, int64)
	Len() int
	Bytes() int64
	Close() error
}

// fingerprintStore is what the validity checker needs
type fingerprintStore interface {
	Fingerprint(ctx context.Context, name string) (string, bool, error)
	SetFingerprint(ctx context.Context, name, value string) error
	DeleteWhereOverlapNot(ctx context.Context, class OverlapClass) ([]string, error)
	DeleteAll(ctx context.Context) (int, error)
}
