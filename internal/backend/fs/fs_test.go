package fs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/agentvfs/internal/verrors"
	"github.com/objectfs/agentvfs/pkg/vfs"
)

func mustPath(t *testing.T, raw string) vfs.Path {
	t.Helper()
	p, err := vfs.NormalizePath(raw)
	require.NoError(t, err)
	return p
}

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(t.TempDir())
	require.NoError(t, err)
	return b
}

func TestWriteReadRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	p := mustPath(t, "/nested/file.txt")

	entry, err := b.Write(ctx, p, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), entry.Size)

	data, got, err := b.Read(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, entry.ContentHash, got.ContentHash)
}

func TestReadRangeReturnsSlice(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	p := mustPath(t, "/a.txt")

	_, err := b.Write(ctx, p, []byte("0123456789"))
	require.NoError(t, err)

	data, _, err := b.ReadRange(ctx, p, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("2345"), data)
}

func TestCompareAndSwapRequiresMatchingToken(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	p := mustPath(t, "/a")

	entry, err := b.Write(ctx, p, []byte("v1"))
	require.NoError(t, err)

	_, err = b.CompareAndSwap(ctx, p, []byte("v2"), "bogus")
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.KindPrecondition))

	_, err = b.CompareAndSwap(ctx, p, []byte("v2"), entry.CAS)
	require.NoError(t, err)
}

func TestDeleteThenExists(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	p := mustPath(t, "/a")

	_, err := b.Write(ctx, p, []byte("v"))
	require.NoError(t, err)
	require.NoError(t, b.Delete(ctx, p))

	exists, err := b.Exists(ctx, p)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, b.Delete(ctx, p)) // idempotent
}

func TestListNonRecursive(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for _, p := range []string{"/dir/a.txt", "/dir/b/c.txt"} {
		_, err := b.Write(ctx, mustPath(t, p), []byte("v"))
		require.NoError(t, err)
	}

	page, err := b.List(ctx, mustPath(t, "/dir"), vfs.ListOptions{})
	require.NoError(t, err)

	var names []string
	for _, e := range page.Entries {
		names = append(names, string(e.Path))
	}
	assert.ElementsMatch(t, []string{"/dir/a.txt", "/dir/b"}, names)
}

func TestRenameMovesFile(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	src, dst := mustPath(t, "/src"), mustPath(t, "/dst/renamed")

	_, err := b.Write(ctx, src, []byte("v"))
	require.NoError(t, err)

	_, err = b.Rename(ctx, src, dst)
	require.NoError(t, err)

	exists, _ := b.Exists(ctx, src)
	assert.False(t, exists)
	data, _, err := b.Read(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
}

func TestHealthCheckOK(t *testing.T) {
	b := newTestBackend(t)
	assert.NoError(t, b.HealthCheck(context.Background()))
}
