// Package sim is the deterministic multi-client simulation/oracle harness
// (§8): it wires a full mount stack (router + cached backend + sync engine
// + WAL/outbox per mount) the way a real process would, then drives it
// through the invariants, round-trip laws, and named end-to-end scenarios
// the rest of the system must satisfy regardless of which backend or sync
// mode a mount happens to use.
//
// Grounded on internal/backend/memory/memory.go (the in-memory vfs.Backend
// used here as the oracle's durable store) and internal/syncengine's own
// test harness shape (a *walstore.Store opened at ":memory:", a
// vfs.SyncProfile with a short FlushInterval, require.Eventually for
// write-back observation). Nothing here is exported outside the package;
// it exists to be shared by the _test.go files in this package.
package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectfs/agentvfs/internal/backend/memory"
	"github.com/objectfs/agentvfs/internal/cachedbackend"
	"github.com/objectfs/agentvfs/internal/router"
	"github.com/objectfs/agentvfs/internal/syncengine"
	"github.com/objectfs/agentvfs/internal/vfsfacade"
	"github.com/objectfs/agentvfs/internal/walstore"
	"github.com/objectfs/agentvfs/pkg/vfs"
)

// mount bundles one mount's full stack: the router entry that describes
// it, the durable backend behind it, the WAL/outbox store backing its
// engine (nil for SyncNone mounts), the engine itself (nil for SyncNone),
// and the cached backend the facade actually talks to.
type mount struct {
	Prefix  vfs.Path
	Sync    vfs.SyncMode
	Backend *memory.Backend
	WAL     *walstore.Store
	Engine  *syncengine.Engine
	Cached  *cachedbackend.Backend
}

// stack is one complete simulated VFS process: a router, one mount per
// prefix, and the facade composing them.
type stack struct {
	t      *testing.T
	Facade *vfsfacade.Facade
	Router *router.Router
	Mounts map[vfs.Path]*mount
}

func mustPath(t *testing.T, raw string) vfs.Path {
	t.Helper()
	p, err := vfs.NormalizePath(raw)
	require.NoError(t, err)
	return p
}

func testCacheProfile() vfs.CacheProfile {
	return vfs.CacheProfile{Enabled: true, MaxSize: 8 << 20, MaxEntries: 10000, SweepInterval: 3600}
}

// fastSyncProfile shortens FlushInterval so write-back scenarios settle in
// test time, mirroring cachedbackend_test.go's TestWriteBackQueuesAndEventuallyFlushes.
func fastSyncProfile() vfs.SyncProfile {
	p := vfs.DefaultSyncProfile()
	p.FlushInterval = 1
	p.Backoff = vfs.BackoffFixed
	return p
}

// mountSpec is the harness-level description of one mount to build,
// independent of the underlying vfs.Mount wire type so callers don't have
// to pre-build backends/engines themselves.
type mountSpec struct {
	Prefix   string
	Sync     vfs.SyncMode
	ReadOnly bool
	// FlushInterval overrides fastSyncProfile's 1-second default. Crash
	// scenarios set this high so the background flush ticker can never
	// race the test's own crash-before-flush assertion.
	FlushInterval int64
}

// newStack builds a stack with one fresh memory.Backend, WAL store (for
// SyncWriteBack/SyncWriteThrough mounts), and cached backend per spec, then
// starts every cached backend and registers cleanup to shut them down.
func newStack(t *testing.T, specs ...mountSpec) *stack {
	t.Helper()
	ctx := context.Background()

	mounts := make(map[vfs.Path]*mount, len(specs))
	vfsMounts := make([]vfs.Mount, 0, len(specs))
	backends := make(map[vfs.Path]*cachedbackend.Backend, len(specs))

	for _, spec := range specs {
		prefix := mustPath(t, spec.Prefix)
		backend := memory.New()

		var wal *walstore.Store
		var engine *syncengine.Engine
		if spec.Sync == vfs.SyncWriteBack || spec.Sync == vfs.SyncWriteThrough {
			cfg := walstore.DefaultConfig()
			cfg.BaseBackoff = 0
			var err error
			wal, err = walstore.Open(":memory:", cfg)
			require.NoError(t, err)
			profile := fastSyncProfile()
			if spec.FlushInterval > 0 {
				profile.FlushInterval = spec.FlushInterval
			}
			engine = syncengine.New(string(prefix), profile, wal)
		}

		cached := cachedbackend.New(string(prefix), backend, spec.Sync, testCacheProfile(), engine)
		cached.Start(ctx)

		mounts[prefix] = &mount{Prefix: prefix, Sync: spec.Sync, Backend: backend, WAL: wal, Engine: engine, Cached: cached}
		backends[prefix] = cached
		vfsMounts = append(vfsMounts, vfs.Mount{Prefix: prefix, BackendID: string(prefix), Sync: spec.Sync, ReadOnly: spec.ReadOnly})
	}

	r, err := router.New(vfsMounts)
	require.NoError(t, err)

	s := &stack{t: t, Router: r, Mounts: mounts, Facade: vfsfacade.New(r, backends, nil)}
	t.Cleanup(func() {
		for _, m := range s.Mounts {
			m.Cached.Shutdown()
			if m.WAL != nil {
				m.WAL.Close()
			}
		}
	})
	return s
}

// crash simulates the mount at prefix dying without a graceful shutdown:
// unlike a deliberate Shutdown (which flushes once more before closing),
// this deliberately does NOT flush the old engine's in-memory pending
// queue, so anything that never made it into the WAL before the crash is
// genuinely lost, exactly as a killed process would lose it. It then
// builds a fresh cached backend and engine against the SAME durable
// backend and WAL store, as a process restart would reopen the same
// on-disk state. The caller is responsible for driving recovery
// (RecoverFromWAL) against the returned mount.
func (s *stack) crash(prefix vfs.Path) *mount {
	s.t.Helper()
	old := s.Mounts[prefix]

	var engine *syncengine.Engine
	if old.WAL != nil {
		engine = syncengine.New(string(prefix), fastSyncProfile(), old.WAL)
	}
	cached := cachedbackend.New(string(prefix), old.Backend, old.Sync, testCacheProfile(), engine)

	fresh := &mount{Prefix: prefix, Sync: old.Sync, Backend: old.Backend, WAL: old.WAL, Engine: engine, Cached: cached}
	s.Mounts[prefix] = fresh
	return fresh
}

// replayToBackend builds a syncengine.SyncFunc that applies a replayed WAL
// or outbox row directly to m's durable backend, the same dispatch
// cachedbackend.Backend.applyToBackend uses internally but reimplemented
// here since that method is unexported and this harness replays recovery
// independently of any live cachedbackend.Backend.
func replayToBackend(m *mount) syncengine.SyncFunc {
	return func(ctx context.Context, op walstore.OpType, path string, content []byte) error {
		p, err := vfs.NormalizePath(path)
		if err != nil {
			return err
		}
		switch op {
		case walstore.OpDelete:
			return m.Backend.Delete(ctx, p)
		case walstore.OpAppend:
			_, err = m.Backend.Append(ctx, p, content)
		default:
			_, err = m.Backend.Write(ctx, p, content)
		}
		return err
	}
}
