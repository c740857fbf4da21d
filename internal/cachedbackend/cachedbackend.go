// Package cachedbackend wraps a vfs.Backend with the §4.5 cached backend:
// an in-memory hot cache (lru.go) and a per-mount sync engine, dispatching
// each operation according to the mount's SyncMode.
package cachedbackend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/agentvfs/internal/metrics"
	"github.com/objectfs/agentvfs/internal/syncengine"
	"github.com/objectfs/agentvfs/internal/verrors"
	"github.com/objectfs/agentvfs/internal/walstore"
	"github.com/objectfs/agentvfs/pkg/vfs"
)

// Backend implements vfs.Backend by fronting an inner backend with a cache
// and (for write-back mounts) a syncengine.Engine.
type Backend struct {
	mountPath string
	inner     vfs.Backend
	mode      vfs.SyncMode
	cache     *lruCache
	engine    *syncengine.Engine
	profile   vfs.CacheProfile
	log       *slog.Logger
	metrics   *metrics.Collector

	sweepShutdown chan struct{}
}

// SetCollector wires an optional metrics collector into the backend. A nil
// collector (the default) disables recording.
func (b *Backend) SetCollector(c *metrics.Collector) {
	b.metrics = c
}

// New builds a cached backend wrapper for one mount. engine may be nil for
// SyncNone mounts with no durability requirement.
func New(mountPath string, inner vfs.Backend, mode vfs.SyncMode, profile vfs.CacheProfile, engine *syncengine.Engine) *Backend {
	return &Backend{
		mountPath:     mountPath,
		inner:         inner,
		mode:          mode,
		cache:         newLRUCache(profile),
		engine:        engine,
		profile:       profile,
		log:           slog.Default().With("component", "cachedbackend", "mount", mountPath),
		sweepShutdown: make(chan struct{}),
	}
}

// Start launches the engine's flush/outbox-drain loops (write-back mounts
// only) and the cache's periodic TTL sweep.
func (b *Backend) Start(ctx context.Context) {
	if b.mode == vfs.SyncWriteBack && b.engine != nil {
		b.engine.Start(ctx, b.flushToBackend)
		b.engine.StartOutboxDrain(ctx, b.applyToBackend)
	}

	interval := time.Duration(b.profile.SweepInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := b.cache.sweepExpired(); n > 0 {
					b.log.Debug("swept expired cache entries", "count", n)
				}
			case <-b.sweepShutdown:
				return
			}
		}
	}()
}

// Shutdown stops the cache sweep and, for write-back mounts, the engine.
func (b *Backend) Shutdown() {
	close(b.sweepShutdown)
	if b.mode == vfs.SyncWriteBack && b.engine != nil {
		b.engine.Shutdown()
	}
}

// flushToBackend is the engine's FlushFunc: it applies one queued write to
// the inner backend unconditionally (Write semantics), since the pending
// queue already folds deletes/appends into either a tombstone or a
// coalesced write payload before a flush ever sees it.
func (b *Backend) flushToBackend(ctx context.Context, path string, content []byte) error {
	p, err := vfs.NormalizePath(path)
	if err != nil {
		return err
	}
	entry, err := b.inner.Write(ctx, p, content)
	if err != nil {
		return err
	}
	b.cache.Put(p, entry, content)
	return nil
}

// applyToBackend is the engine's SyncFunc for outbox replay: it dispatches
// on the WAL op kind rather than assuming Write, since an outbox entry may
// be a delete with no payload to coalesce.
func (b *Backend) applyToBackend(ctx context.Context, op walstore.OpType, path string, content []byte) error {
	p, err := vfs.NormalizePath(path)
	if err != nil {
		return err
	}
	switch op {
	case walstore.OpDelete:
		if err := b.inner.Delete(ctx, p); err != nil {
			return err
		}
		b.cache.Delete(p)
		return nil
	default:
		entry, err := b.inner.Write(ctx, p, content)
		if err != nil {
			return err
		}
		b.cache.Put(p, entry, content)
		return nil
	}
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// localEntry synthesizes an Entry for a write-back write that hasn't yet
// reached the backend: its CAS token is a locally generated placeholder,
// good for "don't clobber a write that hasn't landed yet" local CAS checks
// but never compared against the backend's own token.
func localEntry(path vfs.Path, data []byte) *vfs.Entry {
	return &vfs.Entry{
		Path:         path,
		Kind:         vfs.KindFile,
		Size:         int64(len(data)),
		CAS:          vfs.CASToken("pending-" + uuid.NewString()),
		LastModified: time.Now(),
		ContentHash:  contentHash(data),
	}
}

// Read consults the cache first; on miss it reads through the inner
// backend and populates the cache, honoring TTL and capacity (§4.5).
func (b *Backend) Read(ctx context.Context, path vfs.Path) ([]byte, *vfs.Entry, error) {
	if entry, data, ok := b.cache.Get(path); ok {
		b.metrics.RecordCacheHit(b.mountPath)
		return data, entry, nil
	}
	b.metrics.RecordCacheMiss(b.mountPath)
	data, entry, err := b.inner.Read(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	b.cache.Put(path, entry, data)
	return data, entry, nil
}

func (b *Backend) ReadRange(ctx context.Context, path vfs.Path, offset, size int64) ([]byte, *vfs.Entry, error) {
	data, entry, err := b.Read(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	if offset < 0 || offset > int64(len(data)) {
		return nil, nil, verrors.InvalidPath("range offset out of bounds", map[string]string{"path": string(path)})
	}
	end := offset + size
	if size < 0 || end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end], entry, nil
}

// Write hands off according to the mount's SyncMode. Write-back updates the
// cache with a locally built entry first, then queues the write. None and
// write-through write the inner backend first and update the cache only
// after that succeeds, so a failed write leaves the cache unchanged.
// Pull-mirror mounts reject writes.
func (b *Backend) Write(ctx context.Context, path vfs.Path, data []byte) (*vfs.Entry, error) {
	switch b.mode {
	case vfs.SyncPullMirror:
		return nil, verrors.ReadOnly("mount is a pull-mirror; writes must go through the backend directly", map[string]string{"path": string(path)})

	case vfs.SyncWriteBack:
		entry := localEntry(path, data)
		b.cache.Put(path, entry, data)
		if b.engine != nil {
			if err := b.engine.QueueWrite(ctx, string(path), data); err != nil {
				return nil, err
			}
		}
		return entry, nil

	default: // SyncNone, SyncWriteThrough
		if b.engine != nil {
			b.engine.AcquirePathLock(ctx, string(path))
			defer b.engine.ReleasePathLock(string(path))
		}
		entry, err := b.inner.Write(ctx, path, data)
		if err != nil {
			return nil, err
		}
		b.cache.Put(path, entry, data)
		return entry, nil
	}
}

// CompareAndSwap always behaves write-through, the resolution to §4.5's
// open question on write-back CAS semantics: a write-back mount cannot
// satisfy a caller's CAS locally without risking a cache-local token that
// has diverged from the backend, so CAS bypasses the pending queue and the
// outbox entirely and is applied synchronously, serialized against any
// in-flight flush of the same path.
func (b *Backend) CompareAndSwap(ctx context.Context, path vfs.Path, data []byte, expected vfs.CASToken) (*vfs.Entry, error) {
	if b.engine != nil {
		b.engine.AcquirePathLock(ctx, string(path))
		defer b.engine.ReleasePathLock(string(path))
	}
	entry, err := b.inner.CompareAndSwap(ctx, path, data, expected)
	if err != nil {
		return nil, err
	}
	b.cache.Put(path, entry, data)
	return entry, nil
}

func (b *Backend) Append(ctx context.Context, path vfs.Path, data []byte) (*vfs.Entry, error) {
	switch b.mode {
	case vfs.SyncPullMirror:
		return nil, verrors.ReadOnly("mount is a pull-mirror; writes must go through the backend directly", map[string]string{"path": string(path)})

	case vfs.SyncWriteBack:
		var combined []byte
		if _, cached, ok := b.cache.Get(path); ok {
			combined = append(append([]byte(nil), cached...), data...)
		} else {
			// Cache miss: the path may still hold durable content from an
			// earlier flush, so the base has to come from the backend
			// itself rather than being assumed empty (§4.1 atomic
			// read-modify-write).
			base, _, err := b.inner.Read(ctx, path)
			if err != nil && !verrors.Is(err, verrors.KindNotFound) {
				return nil, err
			}
			combined = append(append([]byte(nil), base...), data...)
		}
		entry := localEntry(path, combined)
		b.cache.Put(path, entry, combined)
		if b.engine != nil {
			// QueueAppend only coalesces onto an existing pending entry; if
			// none exists yet, the new entry it creates must carry the full
			// combined content, not just this call's delta, or the next
			// flush would overwrite the path with the delta alone.
			queued := data
			if !b.engine.PendingContains(string(path)) {
				queued = combined
			}
			if err := b.engine.QueueAppend(ctx, string(path), queued); err != nil {
				return nil, err
			}
		}
		return entry, nil

	default:
		if b.engine != nil {
			b.engine.AcquirePathLock(ctx, string(path))
			defer b.engine.ReleasePathLock(string(path))
		}
		entry, err := b.inner.Append(ctx, path, data)
		if err != nil {
			return nil, err
		}
		b.cache.Delete(path) // size/content changed; re-read on next access rather than re-fetch here
		return entry, nil
	}
}

func (b *Backend) Delete(ctx context.Context, path vfs.Path) error {
	switch b.mode {
	case vfs.SyncPullMirror:
		return verrors.ReadOnly("mount is a pull-mirror; writes must go through the backend directly", map[string]string{"path": string(path)})

	case vfs.SyncWriteBack:
		b.cache.Delete(path)
		if b.engine != nil {
			return b.engine.QueueDelete(ctx, string(path))
		}
		return nil

	default:
		if b.engine != nil {
			b.engine.AcquirePathLock(ctx, string(path))
			defer b.engine.ReleasePathLock(string(path))
		}
		if err := b.inner.Delete(ctx, path); err != nil {
			return err
		}
		b.cache.Delete(path)
		return nil
	}
}

func (b *Backend) Exists(ctx context.Context, path vfs.Path) (bool, error) {
	if _, _, ok := b.cache.Get(path); ok {
		return true, nil
	}
	return b.inner.Exists(ctx, path)
}

func (b *Backend) Head(ctx context.Context, path vfs.Path) (*vfs.Entry, error) {
	if entry, _, ok := b.cache.Get(path); ok {
		return entry, nil
	}
	return b.inner.Head(ctx, path)
}

func (b *Backend) List(ctx context.Context, prefix vfs.Path, opts vfs.ListOptions) (*vfs.ListPage, error) {
	return b.inner.List(ctx, prefix, opts)
}

func (b *Backend) Rename(ctx context.Context, src, dst vfs.Path) (*vfs.Entry, error) {
	if b.mode == vfs.SyncPullMirror {
		return nil, verrors.ReadOnly("mount is a pull-mirror; writes must go through the backend directly", map[string]string{"path": string(src)})
	}
	entry, err := b.inner.Rename(ctx, src, dst)
	if err != nil {
		return nil, err
	}
	b.cache.Delete(src)
	b.cache.Delete(dst)
	return entry, nil
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	return b.inner.HealthCheck(ctx)
}

// Prefetch reads paths from the inner backend into the cache, used by
// batch tools and the indexing pipeline (§4.5).
func (b *Backend) Prefetch(ctx context.Context, paths []vfs.Path) (successCount, errorCount int) {
	var g errgroup.Group
	results := make([]error, len(paths))
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			data, entry, err := b.inner.Read(ctx, p)
			if err != nil {
				results[i] = err
				return nil
			}
			b.cache.Put(p, entry, data)
			return nil
		})
	}
	_ = g.Wait()
	for _, err := range results {
		if err != nil {
			errorCount++
		} else {
			successCount++
		}
	}
	return successCount, errorCount
}

// CacheStats exposes the wrapper's cache statistics for observability.
func (b *Backend) CacheStats() vfs.CacheStats { return b.cache.Stats() }

// Evict drops path's cache entry without touching the backend, used to
// simulate a TTL/capacity eviction of already-durable content in tests.
func (b *Backend) Evict(path vfs.Path) { b.cache.Delete(path) }
