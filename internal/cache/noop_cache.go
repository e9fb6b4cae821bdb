package cache

import (
	"context"
	"time"
)

// noopStore stands in for the persistent layer when it is disabled or failed
// to open. Every read misses and every write is dropped.
type noopStore struct{}

func (noopStore) Metadata(string) (*Entry, bool) { return nil, false }

func (noopStore) Payload(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (noopStore) Insert(context.Context, *Entry, []byte) error { return nil }

func (noopStore) MarkUsed(context.Context, string, time.Time) (bool, error) { return false, nil }

func (noopStore) DeleteMany(context.Context, []string) (int, error) { return 0, nil }

func (noopStore) DeleteWhereOverlapNot(context.Context, OverlapClass) ([]string, error) {
	return nil, nil
}

func (noopStore) DeleteWhereCreatedBefore(context.Context, time.Time) ([]string, error) {
	return nil, nil
}

func (noopStore) DeleteAll(context.Context) (int, error) { return 0, nil }

func (noopStore) Victims(int64) ([]string, int64) { return nil, 0 }

func (noopStore) Len() int { return 0 }

func (noopStore) Bytes() int64 { return 0 }

func (noopStore) Close() error { return nil }
