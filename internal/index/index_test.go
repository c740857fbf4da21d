package index

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/agentvfs/internal/backend/memory"
	"github.com/objectfs/agentvfs/pkg/vfs"
)

// fakeVectorBackend layers Upsert/Query/DeleteByMetadata over an in-memory
// vfs.Backend, enough to exercise the pipeline without the HTTP client.
type fakeVectorBackend struct {
	*memory.Backend

	mu      sync.Mutex
	records map[string]vfs.VectorRecord
}

func newFakeVectorBackend() *fakeVectorBackend {
	return &fakeVectorBackend{Backend: memory.New(), records: make(map[string]vfs.VectorRecord)}
}

func (f *fakeVectorBackend) Upsert(_ context.Context, _ string, records []vfs.VectorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range records {
		f.records[r.ID] = r
	}
	return nil
}

func (f *fakeVectorBackend) Query(_ context.Context, _ string, _ vfs.VectorQuery) ([]vfs.VectorMatch, error) {
	return nil, nil
}

func (f *fakeVectorBackend) DeleteByMetadata(_ context.Context, _ string, filter map[string]string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deleted := 0
	for id, rec := range f.records {
		match := true
		for k, v := range filter {
			if rec.Metadata[k] != v {
				match = false
				break
			}
		}
		if match {
			delete(f.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func newTestPipeline(vector *fakeVectorBackend) *Pipeline {
	cfg := DefaultConfig()
	cfg.ChunkSize = 16
	cfg.ChunkOverlap = 0
	cfg.EmbeddingDimensions = 8
	return New(cfg, vector, FixedSizeChunker{Size: cfg.ChunkSize}, MockEmbedder{Dimensions: cfg.EmbeddingDimensions}, nil)
}

func mustPath(t *testing.T, raw string) vfs.Path {
	t.Helper()
	p, err := vfs.NormalizePath(raw)
	require.NoError(t, err)
	return p
}

func TestIndexFileUpsertsChunksWithMetadata(t *testing.T) {
	vector := newFakeVectorBackend()
	p := newTestPipeline(vector)
	path := mustPath(t, "/a.go")

	result, err := p.IndexFile(context.Background(), path, []byte("0123456789abcdef0123456789abcdef"), "t0")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Indexed)
	assert.Equal(t, 0, result.Skipped)

	vector.mu.Lock()
	defer vector.mu.Unlock()
	assert.Len(t, vector.records, 2)
	for _, rec := range vector.records {
		assert.Equal(t, string(path), rec.Metadata["source_path"])
		assert.NotEmpty(t, rec.Metadata["content_hash"])
		assert.Equal(t, "t0", rec.Metadata["updated_at"])
	}
}

func TestIndexFileSkipsUnchangedChunksOnReindex(t *testing.T) {
	vector := newFakeVectorBackend()
	p := newTestPipeline(vector)
	path := mustPath(t, "/a.go")
	content := []byte("0123456789abcdef0123456789abcdef")

	_, err := p.IndexFile(context.Background(), path, content, "t0")
	require.NoError(t, err)

	result, err := p.IndexFile(context.Background(), path, content, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Indexed)
	assert.Equal(t, 2, result.Skipped)
}

func TestIndexFileReembedsOnlyChangedChunks(t *testing.T) {
	vector := newFakeVectorBackend()
	p := newTestPipeline(vector)
	path := mustPath(t, "/a.go")

	_, err := p.IndexFile(context.Background(), path, []byte("0123456789abcdef0123456789abcdef"), "t0")
	require.NoError(t, err)

	// Only the first 16-byte chunk changes; the rest stay identical.
	result, err := p.IndexFile(context.Background(), path, []byte("XXXXXXXXXXXXXXXX0123456789abcdef"), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Indexed)
	assert.Equal(t, 1, result.Skipped)
}

func TestRemoveFileDeletesByMetadata(t *testing.T) {
	vector := newFakeVectorBackend()
	p := newTestPipeline(vector)
	path := mustPath(t, "/a.go")

	_, err := p.IndexFile(context.Background(), path, []byte("0123456789abcdef"), "t0")
	require.NoError(t, err)

	require.NoError(t, p.RemoveFile(context.Background(), path))

	vector.mu.Lock()
	defer vector.mu.Unlock()
	assert.Empty(t, vector.records)
}

func TestRenameFileMovesVectorsToNewPath(t *testing.T) {
	vector := newFakeVectorBackend()
	p := newTestPipeline(vector)
	src := mustPath(t, "/a.go")
	dst := mustPath(t, "/b.go")
	content := []byte("0123456789abcdef")

	_, err := p.IndexFile(context.Background(), src, content, "t0")
	require.NoError(t, err)

	_, err = p.RenameFile(context.Background(), src, dst, content, "t1")
	require.NoError(t, err)

	vector.mu.Lock()
	defer vector.mu.Unlock()
	for _, rec := range vector.records {
		assert.Equal(t, string(dst), rec.Metadata["source_path"])
	}
}

func TestReconcileClassifiesAddedModifiedUnchangedRemoved(t *testing.T) {
	vector := newFakeVectorBackend()
	p := newTestPipeline(vector)
	a := mustPath(t, "/a.go")
	b := mustPath(t, "/b.go")

	_, err := p.Reconcile(context.Background(), map[vfs.Path][]byte{
		a: []byte("0123456789abcdef"),
		b: []byte("fedcba9876543210"),
	}, "t0")
	require.NoError(t, err)

	c := mustPath(t, "/c.go")
	result, err := p.Reconcile(context.Background(), map[vfs.Path][]byte{
		a: []byte("0123456789abcdef"), // unchanged
		b: []byte("zzzzzzzzzzzzzzzz"), // modified
		c: []byte("new chunk content here"), // added
	}, "t1")
	require.NoError(t, err)

	assert.ElementsMatch(t, []vfs.Path{c}, result.Added)
	assert.ElementsMatch(t, []vfs.Path{b}, result.Modified)
	assert.ElementsMatch(t, []vfs.Path{a}, result.Unchanged)
	assert.Empty(t, result.Removed)
}

func TestReconcileIsIdempotent(t *testing.T) {
	vector := newFakeVectorBackend()
	p := newTestPipeline(vector)
	files := map[vfs.Path][]byte{mustPath(t, "/a.go"): []byte("0123456789abcdef")}

	_, err := p.Reconcile(context.Background(), files, "t0")
	require.NoError(t, err)
	vector.mu.Lock()
	firstCount := len(vector.records)
	vector.mu.Unlock()

	result, err := p.Reconcile(context.Background(), files, "t1")
	require.NoError(t, err)
	assert.Empty(t, result.Added)
	assert.Empty(t, result.Modified)
	assert.Empty(t, result.Removed)

	vector.mu.Lock()
	defer vector.mu.Unlock()
	assert.Equal(t, firstCount, len(vector.records))
}

func TestReconcileDeletesRemovedFiles(t *testing.T) {
	vector := newFakeVectorBackend()
	p := newTestPipeline(vector)
	a := mustPath(t, "/a.go")

	_, err := p.Reconcile(context.Background(), map[vfs.Path][]byte{a: []byte("0123456789abcdef")}, "t0")
	require.NoError(t, err)

	result, err := p.Reconcile(context.Background(), map[vfs.Path][]byte{}, "t1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []vfs.Path{a}, result.Removed)

	vector.mu.Lock()
	defer vector.mu.Unlock()
	assert.Empty(t, vector.records)
}

func TestIndexFileRejectsOversizedFile(t *testing.T) {
	vector := newFakeVectorBackend()
	cfg := DefaultConfig()
	cfg.MaxFileSizeBytes = 4
	p := New(cfg, vector, FixedSizeChunker{Size: 16}, MockEmbedder{Dimensions: 8}, nil)

	_, err := p.IndexFile(context.Background(), mustPath(t, "/a.go"), []byte("0123456789abcdef"), "t0")
	require.Error(t, err)
}

func TestFixedSizeChunkerProducesExpectedSpans(t *testing.T) {
	c := FixedSizeChunker{Size: 4}
	chunks, err := c.Chunk(context.Background(), mustPath(t, "/a.go"), []byte("0123456789"))
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, int64(0), chunks[0].Start)
	assert.Equal(t, int64(4), chunks[0].End)
	assert.Equal(t, int64(8), chunks[2].Start)
	assert.Equal(t, int64(10), chunks[2].End)
}

func TestMockEmbedderIsDeterministic(t *testing.T) {
	e := MockEmbedder{Dimensions: 16}
	v1, err := e.EmbedDense(context.Background(), []string{"hello"})
	require.NoError(t, err)
	v2, err := e.EmbedDense(context.Background(), []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}
