package index

import (
	"context"
	"crypto/sha256"
	"math"

	"github.com/objectfs/agentvfs/pkg/vfs"
)

// Embedder produces dense embeddings for chunk text. Real providers (nomic,
// ollama, openai) are out of scope; MockEmbedder below mirrors the
// ingestion pipeline's own "mock" provider default, used for tests and for
// standalone deployments with no embedding provider configured.
type Embedder interface {
	EmbedDense(ctx context.Context, texts []string) ([][]float32, error)
}

// SparseEncoder optionally computes a sparse encoding alongside the dense
// embedding (§4.7's "optionally compute sparse encoding"). A nil
// SparseEncoder on the Pipeline means sparse encoding is skipped entirely.
type SparseEncoder interface {
	EncodeSparse(ctx context.Context, text string) (*vfs.SparseVector, error)
}

// MockEmbedder derives a deterministic, normalized pseudo-embedding from a
// SHA-256 digest of the input text. It produces no semantic signal; it
// exists so the pipeline is exercisable without a real provider wired in.
type MockEmbedder struct {
	Dimensions int
}

func (e MockEmbedder) EmbedDense(_ context.Context, texts []string) ([][]float32, error) {
	dims := e.Dimensions
	if dims <= 0 {
		dims = 768
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = mockVector(text, dims)
	}
	return out, nil
}

func mockVector(text string, dims int) []float32 {
	digest := sha256.Sum256([]byte(text))
	vec := make([]float32, dims)
	var normSq float64
	for i := range vec {
		b := digest[i%len(digest)]
		v := float64(b)/127.5 - 1.0
		vec[i] = float32(v)
		normSq += v * v
	}
	norm := math.Sqrt(normSq)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
