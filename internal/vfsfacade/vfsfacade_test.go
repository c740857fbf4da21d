package vfsfacade

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/agentvfs/internal/backend/memory"
	"github.com/objectfs/agentvfs/internal/cachedbackend"
	"github.com/objectfs/agentvfs/internal/router"
	"github.com/objectfs/agentvfs/internal/searchdir"
	"github.com/objectfs/agentvfs/pkg/vfs"
)

func mustPath(t *testing.T, raw string) vfs.Path {
	t.Helper()
	p, err := vfs.NormalizePath(raw)
	require.NoError(t, err)
	return p
}

func testCacheProfile() vfs.CacheProfile {
	return vfs.CacheProfile{Enabled: true, MaxSize: 1 << 20, MaxEntries: 100, SweepInterval: 3600}
}

func newTestFacade(t *testing.T) (*Facade, *memory.Backend, *memory.Backend) {
	t.Helper()
	root := memory.New()
	readonly := memory.New()

	r, err := router.New([]vfs.Mount{
		{Prefix: "/", BackendID: "root", Sync: vfs.SyncNone},
		{Prefix: "/ro", BackendID: "readonly", Sync: vfs.SyncNone, ReadOnly: true},
	})
	require.NoError(t, err)

	backends := map[vfs.Path]*cachedbackend.Backend{
		"/":   cachedbackend.New("/", root, vfs.SyncNone, testCacheProfile(), nil),
		"/ro": cachedbackend.New("/ro", readonly, vfs.SyncNone, testCacheProfile(), nil),
	}
	return New(r, backends, nil), root, readonly
}

func TestSearchPathListsAndReadsMaterializedHits(t *testing.T) {
	_, root, _ := newTestFacade(t)
	r, err := router.New([]vfs.Mount{{Prefix: "/", BackendID: "root", Sync: vfs.SyncNone}})
	require.NoError(t, err)
	backends := map[vfs.Path]*cachedbackend.Backend{
		"/": cachedbackend.New("/", root, vfs.SyncNone, testCacheProfile(), nil),
	}
	sd := searchdir.New(searchdir.Config{
		Query: func(context.Context, string) ([]searchdir.Hit, error) {
			return []searchdir.Hit{{SourcePath: "/workspace/auth.py", Start: 1, End: 5, Snippet: "hit"}}, nil
		},
	})
	f := New(r, backends, sd)
	ctx := context.Background()

	page, err := f.List(ctx, mustPath(t, "/.search/query/auth"), vfs.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)

	data, _, err := f.Read(ctx, page.Entries[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "hit", string(data))
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	f, _, _ := newTestFacade(t)
	ctx := context.Background()
	path := mustPath(t, "/notes/a.txt")

	_, err := f.Write(ctx, path, []byte("hello"))
	require.NoError(t, err)

	data, _, err := f.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestWriteToReadOnlyMountIsRejected(t *testing.T) {
	f, _, _ := newTestFacade(t)
	_, err := f.Write(context.Background(), mustPath(t, "/ro/a.txt"), []byte("x"))
	require.Error(t, err)
}

func TestWriteToSearchPrefixIsRejected(t *testing.T) {
	f, _, _ := newTestFacade(t)
	_, err := f.Write(context.Background(), mustPath(t, "/.search/q/hit-1"), []byte("x"))
	require.Error(t, err)
}

func TestWriteBatchReportsPartialFailure(t *testing.T) {
	f, _, _ := newTestFacade(t)
	ctx := context.Background()

	results := f.WriteBatch(ctx, map[vfs.Path][]byte{
		mustPath(t, "/ok.txt"):     []byte("ok"),
		mustPath(t, "/ro/bad.txt"): []byte("bad"),
	})
	require.Len(t, results, 2)

	var sawOK, sawErr bool
	for _, r := range results {
		if r.Error == nil {
			sawOK = true
		} else {
			sawErr = true
		}
	}
	assert.True(t, sawOK)
	assert.True(t, sawErr)
}

func TestReadBatchFansOutAcrossPaths(t *testing.T) {
	f, _, _ := newTestFacade(t)
	ctx := context.Background()

	paths := []vfs.Path{mustPath(t, "/a.txt"), mustPath(t, "/b.txt")}
	for _, p := range paths {
		_, err := f.Write(ctx, p, []byte(string(p)))
		require.NoError(t, err)
	}

	results := f.ReadBatch(ctx, paths)
	require.Len(t, results, 2)
	for _, r := range results {
		require.NoError(t, r.Error)
		assert.Equal(t, string(r.Path), string(r.Data))
	}
}

func TestEffectiveConfigReturnsMountTable(t *testing.T) {
	f, _, _ := newTestFacade(t)
	mounts := f.EffectiveConfig()
	assert.Len(t, mounts, 2)
}
