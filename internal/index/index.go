// Package index implements the §4.7 indexing pipeline: the VFS-facing
// orchestration around a vector store (chunk → sparse-encode → dense-embed
// → upsert, content-hash dedup, and incremental reconciliation). Chunker and
// embedder internals are out of scope; the pipeline accepts them as
// interfaces, grounded on the ingestion pipeline's pluggable
// ParserMode/EmbeddingProvider shape in
// other_examples/6e265968_vjache-cie__pkg-ingestion-config.go.go.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/objectfs/agentvfs/pkg/vfs"
)

// Config controls pipeline behavior, a trimmed IngestionConfig: batching and
// size knobs survive, the gRPC/Primary-Hub/checkpoint-transport fields that
// ingestion-config.go carries for its own distributed write path do not,
// since upsert here goes straight to vfs.VectorBackend.
type Config struct {
	Collection          string
	ChunkSize           int
	ChunkOverlap        int
	EmbeddingDimensions int
	MaxFileSizeBytes    int64
	FileWorkers         int
}

// DefaultConfig mirrors ingestion-config.go's DefaultConfig defaults that
// still apply once gRPC/checkpoint/resume-policy fields are dropped.
func DefaultConfig() Config {
	return Config{
		Collection:          "default",
		ChunkSize:           2048,
		ChunkOverlap:        128,
		EmbeddingDimensions: 768,
		MaxFileSizeBytes:    1048576,
		FileWorkers:         4,
	}
}

// chunkKey identifies one chunk slot for dedup purposes: a chunk's content
// hash is only meaningful compared against the hash previously stored for
// the same source_path and chunk_index (§4.7).
type chunkKey struct {
	sourcePath vfs.Path
	chunkIndex int
}

// Pipeline is the VFS-facing indexing orchestrator. It tracks two kinds of
// state for dedup and reconciliation: per-chunk content hashes (fine-grained
// dedup before embedding) and per-file content hashes (the IndexState used
// by Reconcile to compute added/modified/unchanged/removed).
type Pipeline struct {
	cfg      Config
	vector   vfs.VectorBackend
	chunker  Chunker
	embedder Embedder
	sparse   SparseEncoder
	log      *slog.Logger

	mu          sync.Mutex
	chunkHashes map[chunkKey]string
	fileHashes  map[vfs.Path]string
}

// New builds a Pipeline. sparse may be nil to skip sparse encoding entirely.
func New(cfg Config, vector vfs.VectorBackend, chunker Chunker, embedder Embedder, sparse SparseEncoder) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		vector:      vector,
		chunker:     chunker,
		embedder:    embedder,
		sparse:      sparse,
		log:         slog.Default().With("component", "index", "collection", cfg.Collection),
		chunkHashes: make(map[chunkKey]string),
		fileHashes:  make(map[vfs.Path]string),
	}
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func vectorID(path vfs.Path, chunkIndex int) string {
	return fmt.Sprintf("%s#%d", path, chunkIndex)
}

// IndexResult reports how many of a file's chunks were embedded versus
// skipped by content-hash dedup.
type IndexResult struct {
	Indexed int
	Skipped int
}

// IndexFile chunks content, skips chunks whose content hash already matches
// the last indexed hash for the same (source_path, chunk_index), embeds the
// rest, and upserts them with the §4.7 metadata shape. It records the
// whole-file content hash for later use by Reconcile.
func (p *Pipeline) IndexFile(ctx context.Context, path vfs.Path, content []byte, updatedAt string) (IndexResult, error) {
	if p.cfg.MaxFileSizeBytes > 0 && int64(len(content)) > p.cfg.MaxFileSizeBytes {
		return IndexResult{}, fmt.Errorf("index: %s exceeds max file size %d bytes", path, p.cfg.MaxFileSizeBytes)
	}

	chunks, err := p.chunker.Chunk(ctx, path, content)
	if err != nil {
		return IndexResult{}, fmt.Errorf("index: chunk %s: %w", path, err)
	}

	p.mu.Lock()
	var fresh []Chunk
	var freshHashes []string
	result := IndexResult{}
	for _, c := range chunks {
		hash := contentHash([]byte(c.Text))
		key := chunkKey{sourcePath: path, chunkIndex: c.Index}
		if existing, ok := p.chunkHashes[key]; ok && existing == hash {
			result.Skipped++
			continue
		}
		fresh = append(fresh, c)
		freshHashes = append(freshHashes, hash)
	}
	p.mu.Unlock()

	if len(fresh) == 0 {
		p.recordFileHash(path, content)
		return result, nil
	}

	texts := make([]string, len(fresh))
	for i, c := range fresh {
		texts[i] = c.Text
	}
	dense, err := p.embedder.EmbedDense(ctx, texts)
	if err != nil {
		return result, fmt.Errorf("index: embed %s: %w", path, err)
	}
	if len(dense) != len(fresh) {
		return result, fmt.Errorf("index: embedder returned %d vectors for %d chunks", len(dense), len(fresh))
	}

	records := make([]vfs.VectorRecord, len(fresh))
	for i, c := range fresh {
		var sparse *vfs.SparseVector
		if p.sparse != nil {
			sparse, err = p.sparse.EncodeSparse(ctx, c.Text)
			if err != nil {
				return result, fmt.Errorf("index: sparse-encode %s chunk %d: %w", path, c.Index, err)
			}
		}
		records[i] = vfs.VectorRecord{
			ID:     vectorID(path, c.Index),
			Dense:  dense[i],
			Sparse: sparse,
			Metadata: map[string]string{
				"source_path":  string(path),
				"chunk_index":  fmt.Sprintf("%d", c.Index),
				"start":        fmt.Sprintf("%d", c.Start),
				"end":          fmt.Sprintf("%d", c.End),
				"content_hash": freshHashes[i],
				"updated_at":   updatedAt,
			},
		}
	}

	if err := p.vector.Upsert(ctx, p.cfg.Collection, records); err != nil {
		return result, fmt.Errorf("index: upsert %s: %w", path, err)
	}

	p.mu.Lock()
	for i, c := range fresh {
		p.chunkHashes[chunkKey{sourcePath: path, chunkIndex: c.Index}] = freshHashes[i]
	}
	p.mu.Unlock()
	p.recordFileHash(path, content)

	result.Indexed = len(fresh)
	return result, nil
}

func (p *Pipeline) recordFileHash(path vfs.Path, content []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fileHashes[path] = contentHash(content)
}

// RemoveFile reconciles a deleted source file: all its chunks are removed
// from the vector store by metadata filter, and local dedup/reconciliation
// state for the path is dropped.
func (p *Pipeline) RemoveFile(ctx context.Context, path vfs.Path) error {
	if _, err := p.vector.DeleteByMetadata(ctx, p.cfg.Collection, map[string]string{"source_path": string(path)}); err != nil {
		return fmt.Errorf("index: delete_by_metadata %s: %w", path, err)
	}
	p.mu.Lock()
	delete(p.fileHashes, path)
	for key := range p.chunkHashes {
		if key.sourcePath == path {
			delete(p.chunkHashes, key)
		}
	}
	p.mu.Unlock()
	return nil
}

// RenameFile reconciles a source rename: the old path's chunks are deleted
// by metadata filter and the new path is indexed fresh, since vector IDs and
// metadata embed the source path.
func (p *Pipeline) RenameFile(ctx context.Context, src, dst vfs.Path, content []byte, updatedAt string) (IndexResult, error) {
	if err := p.RemoveFile(ctx, src); err != nil {
		return IndexResult{}, err
	}
	return p.IndexFile(ctx, dst, content, updatedAt)
}

// ReconcileResult partitions a reconciliation pass's file set.
type ReconcileResult struct {
	Added     []vfs.Path
	Modified  []vfs.Path
	Unchanged []vfs.Path
	Removed   []vfs.Path
}

// Reconcile compares the given current file set against the stored
// IndexState (the per-file content-hash snapshot recorded by IndexFile) and
// applies the delta: added and modified files are (re-)indexed, removed
// files are deleted by metadata. The pass is idempotent — re-running it
// against an unchanged file set indexes and deletes nothing.
func (p *Pipeline) Reconcile(ctx context.Context, files map[vfs.Path][]byte, updatedAt string) (ReconcileResult, error) {
	p.mu.Lock()
	previous := make(map[vfs.Path]string, len(p.fileHashes))
	for path, hash := range p.fileHashes {
		previous[path] = hash
	}
	p.mu.Unlock()

	var result ReconcileResult
	toIndex := make([]vfs.Path, 0, len(files))
	for path, content := range files {
		hash := contentHash(content)
		switch prev, ok := previous[path]; {
		case !ok:
			result.Added = append(result.Added, path)
			toIndex = append(toIndex, path)
		case prev != hash:
			result.Modified = append(result.Modified, path)
			toIndex = append(toIndex, path)
		default:
			result.Unchanged = append(result.Unchanged, path)
		}
	}
	for path := range previous {
		if _, ok := files[path]; !ok {
			result.Removed = append(result.Removed, path)
		}
	}

	workers := p.cfg.FileWorkers
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, path := range toIndex {
		path, content := path, files[path]
		g.Go(func() error {
			_, err := p.IndexFile(gctx, path, content, updatedAt)
			return err
		})
	}
	for _, path := range result.Removed {
		path := path
		g.Go(func() error {
			return p.RemoveFile(gctx, path)
		})
	}
	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("index: reconcile: %w", err)
	}

	p.log.Debug("reconciled", "added", len(result.Added), "modified", len(result.Modified),
		"unchanged", len(result.Unchanged), "removed", len(result.Removed))
	return result, nil
}
