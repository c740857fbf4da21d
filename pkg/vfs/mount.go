package vfs

// SyncMode controls how writes against a mount are propagated to its
// backend. Mirrors original_source/ax-remote/src/sync.rs's SyncMode.
type SyncMode string

const (
	// SyncNone performs every operation synchronously against the backend;
	// there is no pending-write queue and no outbox involvement.
	SyncNone SyncMode = "none"
	// SyncWriteThrough applies the write to the backend synchronously and
	// then updates the cache. The write is not recorded in the WAL or the
	// outbox.
	SyncWriteThrough SyncMode = "write_through"
	// SyncWriteBack queues the write in memory (and the WAL) and flushes it
	// to the backend asynchronously.
	SyncWriteBack SyncMode = "write_back"
	// SyncPullMirror treats the backend as authoritative and only mirrors
	// reads locally; local writes are rejected unless explicitly routed
	// through a write-through bypass.
	SyncPullMirror SyncMode = "pull_mirror"
)

// Mount binds a path prefix in the virtual namespace to a backend instance.
type Mount struct {
	Prefix    Path
	BackendID string
	ReadOnly  bool
	Sync      SyncMode
	Profile   SyncProfile
	Cache     CacheProfile
}

// CacheProfile carries the tunables of a mount's cached backend wrapper
// (§4.5): TTL, capacity, and the admission bias against very large objects.
type CacheProfile struct {
	// Enabled is carried with the profile but is not read by
	// internal/cachedbackend: a cached backend always caches, whatever its
	// value.
	Enabled bool
	// TTL is how long an entry may go unrefreshed before a read treats it
	// as stale, in seconds. Zero means entries never expire by age.
	TTL int64
	// MaxSize bounds the cache's total cached byte count.
	MaxSize int64
	// MaxEntries bounds the cache's entry count, independent of MaxSize.
	MaxEntries int
	// SweepInterval is how often the periodic TTL sweep runs, in seconds.
	SweepInterval int64
}

// DefaultCacheProfile mirrors the teacher's CacheConfig defaults
// (internal/cache/lru.go's NewLRUCache), scaled down from the teacher's
// whole-object-store defaults to a per-mount hot set.
func DefaultCacheProfile() CacheProfile {
	return CacheProfile{
		Enabled:       true,
		TTL:           300,
		MaxSize:       256 * 1024 * 1024,
		MaxEntries:    10000,
		SweepInterval: 60,
	}
}

// SyncProfile carries the tunables of a mount's sync engine, grounded on
// original_source/ax-remote/src/sync.rs's SyncConfig.
type SyncProfile struct {
	MaxPendingWrites int
	FlushInterval    int64 // seconds
	MaxRetries       int
	Backoff          BackoffStrategy
}

// BackoffStrategy is the named retry-delay shape used by the sync engine's
// flush loop.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// DefaultSyncProfile mirrors the original's SyncConfig::default().
func DefaultSyncProfile() SyncProfile {
	return SyncProfile{
		MaxPendingWrites: 1000,
		FlushInterval:    5,
		MaxRetries:       3,
		Backoff:          BackoffExponential,
	}
}
