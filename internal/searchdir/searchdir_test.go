package searchdir

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/agentvfs/pkg/vfs"
)

func mustPath(t *testing.T, raw string) vfs.Path {
	t.Helper()
	p, err := vfs.NormalizePath(raw)
	require.NoError(t, err)
	return p
}

func fixedQuery(hits []Hit) QueryFunc {
	return func(context.Context, string) ([]Hit, error) { return hits, nil }
}

func TestListRootShowsQueryDir(t *testing.T) {
	sd := New(Config{Query: fixedQuery(nil)})
	page, err := sd.List(context.Background(), sd.Prefix(), vfs.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, vfs.KindDir, page.Entries[0].Kind)
}

func TestListQueryDirEmptyBeforeAnyQuery(t *testing.T) {
	sd := New(Config{Query: fixedQuery(nil)})
	page, err := sd.List(context.Background(), sd.Prefix()+"/query", vfs.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
}

func TestListQueryPathResolvesAndMaterializesHits(t *testing.T) {
	hits := []Hit{
		{SourcePath: "/workspace/auth.py", Start: 10, End: 20, Score: 0.95, Snippet: "auth code"},
		{SourcePath: "/workspace/login.py", Start: 5, End: 15, Score: 0.85, Snippet: "login code"},
	}
	sd := New(Config{Query: fixedQuery(hits)})
	ctx := context.Background()

	page, err := sd.List(ctx, mustPath(t, "/.search/query/auth"), vfs.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Contains(t, string(page.Entries[0].Path), "01_auth.py:10-20")
	assert.Contains(t, string(page.Entries[1].Path), "02_login.py:5-15")
}

func TestListQueryDirShowsResolvedQueries(t *testing.T) {
	sd := New(Config{Query: fixedQuery([]Hit{{SourcePath: "/a.py", Snippet: "x"}})})
	ctx := context.Background()

	_, err := sd.List(ctx, mustPath(t, "/.search/query/auth"), vfs.ListOptions{})
	require.NoError(t, err)

	page, err := sd.List(ctx, sd.Prefix()+"/query", vfs.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Contains(t, string(page.Entries[0].Path), "auth")
}

func TestReadReturnsSnippetContent(t *testing.T) {
	hits := []Hit{{SourcePath: "/workspace/auth.py", Start: 10, End: 20, Snippet: "the auth snippet"}}
	sd := New(Config{Query: fixedQuery(hits)})
	ctx := context.Background()

	data, entry, err := sd.Read(ctx, mustPath(t, "/.search/query/auth/01_auth.py:10-20"))
	require.NoError(t, err)
	assert.Equal(t, "the auth snippet", string(data))
	assert.Equal(t, int64(len("the auth snippet")), entry.Size)
}

func TestReadMissingResultEntryIsNotFound(t *testing.T) {
	sd := New(Config{Query: fixedQuery([]Hit{{SourcePath: "/a.py", Snippet: "x"}})})
	_, _, err := sd.Read(context.Background(), mustPath(t, "/.search/query/auth/99_missing.py:0-0"))
	require.Error(t, err)
}

func TestQueryResultIsCachedAcrossCalls(t *testing.T) {
	calls := 0
	sd := New(Config{Query: func(context.Context, string) ([]Hit, error) {
		calls++
		return []Hit{{SourcePath: "/a.py", Snippet: "x"}}, nil
	}})
	ctx := context.Background()

	_, err := sd.List(ctx, mustPath(t, "/.search/query/auth"), vfs.ListOptions{})
	require.NoError(t, err)
	_, err = sd.List(ctx, mustPath(t, "/.search/query/auth"), vfs.ListOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestRegexPrefixRoutesToRegexFunc(t *testing.T) {
	var seenByRegex, seenByQuery string
	sd := New(Config{
		Query: func(_ context.Context, q string) ([]Hit, error) { seenByQuery = q; return nil, nil },
		Regex: func(_ context.Context, q string) ([]Hit, error) { seenByRegex = q; return nil, nil },
	})
	_, err := sd.List(context.Background(), mustPath(t, "/.search/query/re%3Afunc%5C%28%29"), vfs.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, "func\\()", seenByRegex)
	assert.Empty(t, seenByQuery)
}

func TestMemoryCacheExpiresEntriesAfterTTL(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	c.Set(ctx, "q", []Hit{{SourcePath: "/a"}}, time.Nanosecond)
	time.Sleep(time.Millisecond)

	_, ok := c.Get(ctx, "q")
	assert.False(t, ok)
}

func TestMemoryCacheSweepRemovesExpired(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	c.Set(ctx, "q", []Hit{{SourcePath: "/a"}}, time.Nanosecond)
	time.Sleep(time.Millisecond)

	assert.Equal(t, 1, c.Sweep(ctx))
	assert.Empty(t, c.Keys(ctx))
}

func TestWriteIsNotSupportedBySearchDir(t *testing.T) {
	// SearchDir exposes no Write method at all; read-only enforcement for
	// the reserved prefix happens one layer up in the facade (vfsfacade),
	// which this package doesn't depend on.
	sd := New(Config{Query: fixedQuery(nil)})
	assert.True(t, sd.IsSearchPath(mustPath(t, "/.search/query/x")))
	assert.False(t, sd.IsSearchPath(mustPath(t, "/workspace/x")))
}
