package memory

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

func TestWriteReadRoundTrip(t *testing.T) {
	b := New()
	ctx := context.Background()
	p := mustPath(t, "/a/b.txt")

	entry, err := b.Write(ctx, p, []byte("hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, entry.CAS)

	data, got, err := b.Read(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, entry.CAS, got.CAS)
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	b := New()
	_, _, err := b.Read(context.Background(), mustPath(t, "/missing"))
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.KindNotFound))
}

func TestCompareAndSwapMismatch(t *testing.T) {
	b := New()
	ctx := context.Background()
	p := mustPath(t, "/a")

	_, err := b.Write(ctx, p, []byte("v1"))
	require.NoError(t, err)

	_, err = b.CompareAndSwap(ctx, p, []byte("v2"), vfs.CASToken("wrong"))
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.KindPrecondition))
}

func TestCompareAndSwapOnAbsentRequiresZeroToken(t *testing.T) {
	b := New()
	ctx := context.Background()
	p := mustPath(t, "/new")

	entry, err := b.CompareAndSwap(ctx, p, []byte("v1"), vfs.CASToken(""))
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Size)
}

func TestAppendCreatesThenExtends(t *testing.T) {
	b := New()
	ctx := context.Background()
	p := mustPath(t, "/log")

	_, err := b.Append(ctx, p, []byte("a"))
	require.NoError(t, err)
	_, err = b.Append(ctx, p, []byte("b"))
	require.NoError(t, err)

	data, _, err := b.Read(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), data)
}

func TestDeleteIsIdempotent(t *testing.T) {
	b := New()
	ctx := context.Background()
	p := mustPath(t, "/gone")

	require.NoError(t, b.Delete(ctx, p))
	_, err := b.Write(ctx, p, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, b.Delete(ctx, p))
	require.NoError(t, b.Delete(ctx, p))

	exists, err := b.Exists(ctx, p)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestListNonRecursiveReturnsImmediateChildren(t *testing.T) {
	b := New()
	ctx := context.Background()

	for _, p := range []string{"/dir/a.txt", "/dir/b.txt", "/dir/sub/c.txt", "/other.txt"} {
		_, err := b.Write(ctx, mustPath(t, p), []byte("v"))
		require.NoError(t, err)
	}

	page, err := b.List(ctx, mustPath(t, "/dir"), vfs.ListOptions{})
	require.NoError(t, err)

	var names []string
	for _, e := range page.Entries {
		names = append(names, string(e.Path))
	}
	assert.ElementsMatch(t, []string{"/dir/a.txt", "/dir/b.txt", "/dir/sub"}, names)
}

func TestRenameMovesEntry(t *testing.T) {
	b := New()
	ctx := context.Background()
	src, dst := mustPath(t, "/a"), mustPath(t, "/b")

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
