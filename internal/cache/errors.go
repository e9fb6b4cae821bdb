package cache

import "errors"

var (
	// ErrCorruptEntry means the metadata row exists but its payload cannot be decoded
	ErrCorruptEntry = errors.New("corrupt cache entry")
	// ErrInvalidRow means a stored metadata row could not be parsed
	ErrInvalidRow = errors.New("invalid cache row")
	// ErrCacheLocked means another process holds the cache database
	ErrCacheLocked = errors.New("cache database is locked by another process")
	// ErrClosed means the cache has been shut down
	ErrClosed = errors.New("cache is closed")
)
