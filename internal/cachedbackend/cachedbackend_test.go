package cachedbackend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/agentvfs/internal/backend/memory"
	"github.com/objectfs/agentvfs/internal/metrics"
	"github.com/objectfs/agentvfs/internal/syncengine"
	"github.com/objectfs/agentvfs/internal/walstore"
	"github.com/objectfs/agentvfs/pkg/vfs"
)

func mustPath(t *testing.T, raw string) vfs.Path {
	t.Helper()
	p, err := vfs.NormalizePath(raw)
	require.NoError(t, err)
	return p
}

func testCacheProfile() vfs.CacheProfile {
	return vfs.CacheProfile{Enabled: true, MaxSize: 1 << 20, MaxEntries: 100, TTL: 0, SweepInterval: 3600}
}

func TestReadPopulatesCacheOnMiss(t *testing.T) {
	inner := memory.New()
	ctx := context.Background()
	path := mustPath(t, "/a.txt")
	_, err := inner.Write(ctx, path, []byte("hello"))
	require.NoError(t, err)

	b := New("/", inner, vfs.SyncNone, testCacheProfile(), nil)

	data, _, err := b.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, uint64(0), b.CacheStats().Hits)

	data, _, err = b.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, uint64(1), b.CacheStats().Hits)
}

func TestWriteThroughAppliesToInnerImmediately(t *testing.T) {
	inner := memory.New()
	ctx := context.Background()
	path := mustPath(t, "/a.txt")

	b := New("/", inner, vfs.SyncWriteThrough, testCacheProfile(), nil)
	_, err := b.Write(ctx, path, []byte("v1"))
	require.NoError(t, err)

	data, _, err := inner.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)
}

func newTestWAL(t *testing.T) *walstore.Store {
	t.Helper()
	cfg := walstore.DefaultConfig()
	cfg.BaseBackoff = 0
	s, err := walstore.Open(":memory:", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteBackQueuesAndEventuallyFlushes(t *testing.T) {
	inner := memory.New()
	wal := newTestWAL(t)
	ctx := context.Background()
	path := mustPath(t, "/a.txt")

	profile := vfs.DefaultSyncProfile()
	profile.FlushInterval = 1
	engine := syncengine.New("/", profile, wal)

	b := New("/", inner, vfs.SyncWriteBack, testCacheProfile(), engine)
	b.Start(ctx)
	defer b.Shutdown()

	entry, err := b.Write(ctx, path, []byte("v1"))
	require.NoError(t, err)
	assert.Contains(t, string(entry.CAS), "pending-")

	data, _, err := b.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)

	_, _, err = inner.Read(ctx, path)
	require.Error(t, err) // not yet flushed

	require.Eventually(t, func() bool {
		_, _, err := inner.Read(ctx, path)
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)
}

// TestWriteBackAppendAfterCacheEvictionPreservesBaseContent guards the §4.1
// read-modify-write invariant: an append against a path whose write already
// flushed and whose cache entry was since evicted must still combine with
// the durable base content, not overwrite it with the delta alone.
func TestWriteBackAppendAfterCacheEvictionPreservesBaseContent(t *testing.T) {
	inner := memory.New()
	wal := newTestWAL(t)
	ctx := context.Background()
	path := mustPath(t, "/a.txt")

	profile := vfs.DefaultSyncProfile()
	profile.FlushInterval = 1
	engine := syncengine.New("/", profile, wal)

	b := New("/", inner, vfs.SyncWriteBack, testCacheProfile(), engine)
	b.Start(ctx)
	defer b.Shutdown()

	_, err := b.Write(ctx, path, []byte("00"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, err := inner.Read(ctx, path)
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)

	b.Evict(path) // simulate the entry aging out of cache post-flush

	_, err = b.Append(ctx, path, []byte("aa"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		data, _, err := inner.Read(ctx, path)
		return err == nil && string(data) == "00aa"
	}, 3*time.Second, 50*time.Millisecond)
}

func TestReadRecordsCacheHitAndMissMetrics(t *testing.T) {
	inner := memory.New()
	ctx := context.Background()
	path := mustPath(t, "/a.txt")
	_, err := inner.Write(ctx, path, []byte("hello"))
	require.NoError(t, err)

	b := New("/", inner, vfs.SyncNone, testCacheProfile(), nil)
	b.SetCollector(metrics.NewCollector("cachedbackend_test"))

	_, _, err = b.Read(ctx, path)
	require.NoError(t, err)
	_, _, err = b.Read(ctx, path)
	require.NoError(t, err)

	families, err := b.metrics.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "cachedbackend_test_cache_requests_total" {
			found = true
		}
	}
	assert.True(t, found, "expected cache_requests_total family to be registered")
}

func TestCompareAndSwapBypassesQueueEvenOnWriteBack(t *testing.T) {
	inner := memory.New()
	wal := newTestWAL(t)
	ctx := context.Background()
	path := mustPath(t, "/a.txt")

	engine := syncengine.New("/", vfs.DefaultSyncProfile(), wal)
	b := New("/", inner, vfs.SyncWriteBack, testCacheProfile(), engine)
	b.Start(ctx)
	defer b.Shutdown()

	entry, err := b.CompareAndSwap(ctx, path, []byte("v1"), "")
	require.NoError(t, err)

	data, _, err := inner.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)
	assert.Equal(t, entry.CAS, data2CAS(t, inner, path))
}

func data2CAS(t *testing.T, b *memory.Backend, path vfs.Path) vfs.CASToken {
	t.Helper()
	entry, err := b.Head(context.Background(), path)
	require.NoError(t, err)
	return entry.CAS
}

func TestPullMirrorRejectsWrites(t *testing.T) {
	inner := memory.New()
	b := New("/", inner, vfs.SyncPullMirror, testCacheProfile(), nil)

	_, err := b.Write(context.Background(), mustPath(t, "/a.txt"), []byte("x"))
	require.Error(t, err)
}

func TestPrefetchReportsSuccessAndErrorCounts(t *testing.T) {
	inner := memory.New()
	ctx := context.Background()
	ok := mustPath(t, "/ok.txt")
	_, err := inner.Write(ctx, ok, []byte("ok"))
	require.NoError(t, err)
	missing := mustPath(t, "/missing.txt")

	b := New("/", inner, vfs.SyncNone, testCacheProfile(), nil)
	successCount, errorCount := b.Prefetch(ctx, []vfs.Path{ok, missing})
	assert.Equal(t, 1, successCount)
	assert.Equal(t, 1, errorCount)

	_, _, ok2 := b.cache.Get(ok)
	assert.True(t, ok2)
}

func TestEvictionFreesCapacity(t *testing.T) {
	profile := vfs.CacheProfile{Enabled: true, MaxSize: 10, MaxEntries: 100}
	c := newLRUCache(profile)
	p1 := mustPath(t, "/a")
	p2 := mustPath(t, "/b")
	c.Put(p1, &vfs.Entry{Path: p1}, []byte("0123456789"))
	c.Put(p2, &vfs.Entry{Path: p2}, []byte("0123456789"))
	assert.LessOrEqual(t, c.Size(), int64(10))
}

func TestTTLSweepRemovesExpiredEntries(t *testing.T) {
	profile := vfs.CacheProfile{Enabled: true, MaxSize: 1 << 20, MaxEntries: 100, TTL: 0}
	c := newLRUCache(profile)
	p := mustPath(t, "/a")
	c.Put(p, &vfs.Entry{Path: p}, []byte("x"))
	c.ttl = time.Nanosecond
	time.Sleep(time.Millisecond)
	assert.Equal(t, 1, c.sweepExpired())
}
