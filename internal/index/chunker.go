package index

import (
	"context"

	"github.com/objectfs/agentvfs/pkg/vfs"
)

// Chunk is one extracted span of a source file, addressed by byte offset
// so the virtual search directory (§4.8) can render a source_path:start-end
// marker back to the caller.
type Chunk struct {
	SourcePath vfs.Path
	Index      int
	Start      int64
	End        int64
	Text       string
}

// Chunker splits file content into chunks. Chunker/embedder internals are
// out of scope (spec.md line 11); FixedSizeChunker below is a minimal
// default, not a production text splitter.
type Chunker interface {
	Chunk(ctx context.Context, path vfs.Path, content []byte) ([]Chunk, error)
}

// FixedSizeChunker splits on byte boundaries with optional overlap, the
// simplest chunker that satisfies the pipeline's {start, end} contract.
type FixedSizeChunker struct {
	Size    int
	Overlap int
}

func (c FixedSizeChunker) Chunk(_ context.Context, path vfs.Path, content []byte) ([]Chunk, error) {
	size := c.Size
	if size <= 0 {
		size = 2048
	}
	overlap := c.Overlap
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	if len(content) == 0 {
		return nil, nil
	}

	var chunks []Chunk
	stride := size - overlap
	idx := 0
	for start := 0; start < len(content); start += stride {
		end := start + size
		if end > len(content) {
			end = len(content)
		}
		chunks = append(chunks, Chunk{
			SourcePath: path,
			Index:      idx,
			Start:      int64(start),
			End:        int64(end),
			Text:       string(content[start:end]),
		})
		idx++
		if end == len(content) {
			break
		}
	}
	return chunks, nil
}
