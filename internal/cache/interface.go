package cache

import (
	"context"
	"time"
)

// MemoryTier is a bounded in-process map of decoded entries.
type MemoryTier[K comparable, V any] interface {
	Get(key K) (V, bool)
	Put(key K, value V)
	Clear()
	Len() int
}

// DiskTier persists encoded entries. Reads never fail loudly: any problem is
// reported as a miss. Writes must be atomic from a reader's point of view.
type DiskTier interface {
	Read(ctx context.Context, key string) ([]byte, bool)
	Write(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	ClearAll(ctx context.Context) error
}

// Usage is a summary of what a disk tier currently holds.
type Usage struct {
	Entries int
	Bytes   int64
}

// UsageReporter is implemented by disk tiers that can report their size.
type UsageReporter interface {
	Usage(ctx context.Context) (Usage, error)
}

// DiskFile describes one persisted entry of a FileCache.
type DiskFile struct {
	Key     string
	Bytes   int64
	ModTime time.Time
}
