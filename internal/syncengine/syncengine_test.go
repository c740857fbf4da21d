package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/agentvfs/internal/metrics"
	"github.com/objectfs/agentvfs/internal/walstore"
	"github.com/objectfs/agentvfs/pkg/vfs"
)

func newTestWAL(t *testing.T) *walstore.Store {
	t.Helper()
	cfg := walstore.DefaultConfig()
	cfg.BaseBackoff = 0
	s, err := walstore.Open(":memory:", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testProfile() vfs.SyncProfile {
	return vfs.SyncProfile{
		MaxPendingWrites: 10,
		FlushInterval:    1,
		MaxRetries:       3,
		Backoff:          vfs.BackoffFixed,
	}
}

func TestQueueWriteThenFlush(t *testing.T) {
	wal := newTestWAL(t)
	e := New("/data", testProfile(), wal)
	ctx := context.Background()

	flushed := make(map[string][]byte)
	var mu sync.Mutex
	e.Start(ctx, func(_ context.Context, path string, content []byte) error {
		mu.Lock()
		flushed[path] = content
		mu.Unlock()
		return nil
	})
	defer e.Shutdown()

	require.NoError(t, e.QueueWrite(ctx, "/data/a.txt", []byte("hello")))
	assert.True(t, e.PendingContains("/data/a.txt"))

	e.flushPending(ctx, func(_ context.Context, path string, content []byte) error {
		mu.Lock()
		flushed[path] = content
		mu.Unlock()
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte("hello"), flushed["/data/a.txt"])
	assert.False(t, e.PendingContains("/data/a.txt"))
}

func TestQueueDeleteDominatesPendingWrite(t *testing.T) {
	wal := newTestWAL(t)
	e := New("/data", testProfile(), wal)
	ctx := context.Background()
	e.started.Store(true)

	require.NoError(t, e.QueueWrite(ctx, "/data/a.txt", []byte("v1")))
	require.NoError(t, e.QueueDelete(ctx, "/data/a.txt"))

	assert.False(t, e.PendingContains("/data/a.txt"))
	assert.Contains(t, e.tomb, "/data/a.txt")
}

func TestQueueAppendCoalesces(t *testing.T) {
	wal := newTestWAL(t)
	e := New("/data", testProfile(), wal)
	ctx := context.Background()
	e.started.Store(true)

	require.NoError(t, e.QueueWrite(ctx, "/data/log", []byte("a")))
	require.NoError(t, e.QueueAppend(ctx, "/data/log", []byte("b")))

	e.mu.Lock()
	require.Len(t, e.pending, 1)
	assert.Equal(t, []byte("ab"), e.pending[0].content)
	e.mu.Unlock()
}

func TestQueueFullRejectsWrite(t *testing.T) {
	wal := newTestWAL(t)
	profile := testProfile()
	profile.MaxPendingWrites = 1
	e := New("/data", profile, wal)
	ctx := context.Background()
	e.started.Store(true)

	require.NoError(t, e.QueueWrite(ctx, "/data/a", []byte("1")))
	err := e.QueueWrite(ctx, "/data/b", []byte("2"))
	require.Error(t, err)
}

func TestAcquireReleasePathLockSerializes(t *testing.T) {
	e := New("/data", testProfile(), nil)
	ctx := context.Background()

	e.AcquirePathLock(ctx, "/data/x")

	unblocked := make(chan struct{})
	go func() {
		e.AcquirePathLock(ctx, "/data/x")
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("second acquire should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	e.ReleasePathLock("/data/x")
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("second acquire never unblocked after release")
	}
}

func TestRecoverFromWALReplaysUnapplied(t *testing.T) {
	wal := newTestWAL(t)
	ctx := context.Background()

	_, err := wal.LogWrite(ctx, walstore.OpWrite, "/data/crashed", []byte("v"), "/data")
	require.NoError(t, err)

	e := New("/data", testProfile(), wal)
	var replayed []string
	n, err := e.RecoverFromWAL(ctx, func(_ context.Context, op walstore.OpType, path string, content []byte) error {
		replayed = append(replayed, path)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"/data/crashed"}, replayed)

	unapplied, err := wal.GetUnapplied(ctx)
	require.NoError(t, err)
	assert.Empty(t, unapplied)
}

func TestOutboxDrainAppliesAndCompletes(t *testing.T) {
	wal := newTestWAL(t)
	ctx := context.Background()
	e := New("/data", testProfile(), wal)

	_, err := wal.EnqueueOutbox(ctx, walstore.OpWrite, "/data/a", []byte("v"), "/data")
	require.NoError(t, err)

	var synced []string
	e.drainOutboxOnce(ctx, func(_ context.Context, op walstore.OpType, path string, content []byte) error {
		synced = append(synced, path)
		return nil
	})

	assert.Equal(t, []string{"/data/a"}, synced)
	stats, err := wal.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestOutboxDrainRecordsDeadLetterMetric(t *testing.T) {
	cfg := walstore.DefaultConfig()
	cfg.BaseBackoff = 0
	cfg.MaxRetries = 1
	wal, err := walstore.Open(":memory:", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })
	ctx := context.Background()
	e := New("/data", testProfile(), wal)
	collector := metrics.NewCollector("syncengine_test")
	e.SetCollector(collector)

	_, err = wal.EnqueueOutbox(ctx, walstore.OpWrite, "/data/a", []byte("v"), "/data")
	require.NoError(t, err)

	e.drainOutboxOnce(ctx, func(_ context.Context, op walstore.OpType, path string, content []byte) error {
		return assert.AnError
	})

	families, err := collector.Registry().Gather()
	require.NoError(t, err)
	var sawDeadLetter bool
	for _, f := range families {
		if f.GetName() == "syncengine_test_outbox_dead_letter_total" {
			sawDeadLetter = true
		}
	}
	assert.True(t, sawDeadLetter, "expected dead-letter counter to be registered and incremented")
}
