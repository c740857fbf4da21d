package vfs

import (
	"context"
	"time"
)

// Backend is the contract every storage adapter implements (§4.1). It is
// the multi-backend generalization of the teacher's object-store-only
// Backend interface in pkg/types/interfaces.go.
type Backend interface {
	// Read returns the full contents of path.
	Read(ctx context.Context, path Path) ([]byte, *Entry, error)
	// ReadRange returns a byte range of path's contents.
	ReadRange(ctx context.Context, path Path, offset, size int64) ([]byte, *Entry, error)
	// Write creates or overwrites path unconditionally and returns the new
	// entry's CAS token.
	Write(ctx context.Context, path Path, data []byte) (*Entry, error)
	// CompareAndSwap writes path only if its current CAS token equals
	// expected; a zero-value expected means "path must not currently exist."
	CompareAndSwap(ctx context.Context, path Path, data []byte, expected CASToken) (*Entry, error)
	// Append adds data to the end of path, creating it if absent.
	Append(ctx context.Context, path Path, data []byte) (*Entry, error)
	// Delete removes path. Deleting a path that does not exist is not an
	// error (idempotent delete).
	Delete(ctx context.Context, path Path) error
	// Exists reports whether path currently has an entry.
	Exists(ctx context.Context, path Path) (bool, error)
	// Head returns path's entry without reading its contents.
	Head(ctx context.Context, path Path) (*Entry, error)
	// List enumerates entries under prefix.
	List(ctx context.Context, prefix Path, opts ListOptions) (*ListPage, error)
	// Rename moves src to dst within this backend. Callers must ensure src
	// and dst resolve to the same backend; cross-backend rename is rejected
	// by the router before this method is ever called.
	Rename(ctx context.Context, src, dst Path) (*Entry, error)
	// HealthCheck reports whether the backend is currently reachable.
	HealthCheck(ctx context.Context) error
}

// SparseVector is a coordinate/value pair list used by sparse-encoded
// queries and upserts, grounded on original_source's chroma_http.rs wire
// shape (_sparse_indices / _sparse_values).
type SparseVector struct {
	Indices []int64
	Values  []float64
}

// VectorRecord is one upserted vector-store row.
type VectorRecord struct {
	ID       string
	Dense    []float32
	Sparse   *SparseVector
	Metadata map[string]string
}

// VectorMatch is one scored query result.
type VectorMatch struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// VectorQuery describes a similarity search.
type VectorQuery struct {
	Dense  []float32
	Sparse *SparseVector
	TopK   int
	Filter map[string]string
}

// VectorBackend is the specialization a Backend additionally implements when
// it backs a vector-store mount (§4.1's "Backend specialization," expressed
// as a Go interface rather than a tagged enum per the teacher's dynamic
// dispatch idiom).
type VectorBackend interface {
	Backend
	Upsert(ctx context.Context, collection string, records []VectorRecord) error
	Query(ctx context.Context, collection string, q VectorQuery) ([]VectorMatch, error)
	DeleteByMetadata(ctx context.Context, collection string, filter map[string]string) (int, error)
}

// Cache is the interface a cached backend wrapper's storage tier implements.
// Generalized from pkg/types/interfaces.go's byte-range object cache to
// whole-Entry caching.
type Cache interface {
	Get(path Path) (*Entry, []byte, bool)
	Put(path Path, entry *Entry, data []byte)
	Delete(path Path)
	Evict(targetSize int64) bool
	Size() int64
	Stats() CacheStats
}

// CacheStats mirrors pkg/types/types.go's CacheStats.
type CacheStats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Size        int64
	Capacity    int64
	HitRate     float64
	Utilization float64
}

// HealthStatus mirrors pkg/types/types.go's HealthStatus, generalized to
// report on a backend or mount rather than an object-store connection.
type HealthStatus struct {
	Status     string
	LastCheck  time.Time
	Response   time.Duration
	ErrorCount int64
	Message    string
	Details    map[string]string
}
