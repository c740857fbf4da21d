// Package vector implements vfs.VectorBackend against a Chroma-compatible
// HTTP vector store: collections are created get-or-create on first use, and
// plain vfs.Backend file operations are layered on top of the same
// documents-as-records model a Chroma collection already provides.
//
// Grounded on original_source/openfs-remote/chroma_http.rs's wire shape
// (tenant/database-scoped v2 collection URLs, with no v1 fallback here, upsert
// request with ids/embeddings/documents/metadatas, get-by-id /
// get-by-where / query / delete request bodies, and the sparse-vector
// dot-product fallback scorer for stores with no native sparse index) and
// on original_source/ax-backends/chroma.rs's higher-level framing of a
// vector store as just another Backend. No example repo ships a vector
// database client, so this is a hand-rolled net/http + encoding/json
// wrapper in the same vein as the teacher's own internal/storage/s3 client
// existed before an official SDK was available for it.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/agentvfs/internal/verrors"
	"github.com/objectfs/agentvfs/pkg/vfs"
)

const (
	defaultTenant   = "default_tenant"
	defaultDatabase = "default_database"
)

// Config configures a Backend.
type Config struct {
	Endpoint          string
	DefaultCollection string
	Tenant            string
	Database          string
	APIKey            string
	HTTPTimeout       time.Duration
}

// Backend implements vfs.VectorBackend against a Chroma-compatible HTTP API.
// Plain vfs.Backend calls operate against DefaultCollection; VectorBackend
// calls take an explicit collection name, created get-or-create on first
// use.
type Backend struct {
	client            *http.Client
	endpoint          string
	tenant            string
	database          string
	apiKey            string
	defaultCollection string

	mu          sync.Mutex
	collections map[string]string // name -> collection id
}

// New builds a Backend and resolves cfg.DefaultCollection.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Endpoint == "" {
		return nil, verrors.Config("vector backend requires an endpoint", nil)
	}
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	b := &Backend{
		client:            &http.Client{Timeout: timeout},
		endpoint:          strings.TrimRight(cfg.Endpoint, "/"),
		tenant:            firstNonEmpty(cfg.Tenant, defaultTenant),
		database:          firstNonEmpty(cfg.Database, defaultDatabase),
		apiKey:            cfg.APIKey,
		defaultCollection: firstNonEmpty(cfg.DefaultCollection, "vfs"),
		collections:       make(map[string]string),
	}
	if _, err := b.resolveCollection(ctx, b.defaultCollection); err != nil {
		return nil, err
	}
	return b, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func pathToID(path vfs.Path) string {
	return strings.TrimPrefix(strings.ReplaceAll(string(path), "/", "_"), "_")
}

type createCollectionRequest struct {
	Name        string `json:"name"`
	GetOrCreate bool   `json:"get_or_create"`
}

type collectionResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (b *Backend) collectionsURL() string {
	return fmt.Sprintf("%s/api/v2/tenants/%s/databases/%s/collections", b.endpoint, b.tenant, b.database)
}

func (b *Backend) collectionOpURL(id, op string) string {
	return fmt.Sprintf("%s/api/v2/tenants/%s/databases/%s/collections/%s/%s", b.endpoint, b.tenant, b.database, id, op)
}

// resolveCollection get-or-creates name and caches its server-assigned id.
func (b *Backend) resolveCollection(ctx context.Context, name string) (string, error) {
	b.mu.Lock()
	if id, ok := b.collections[name]; ok {
		b.mu.Unlock()
		return id, nil
	}
	b.mu.Unlock()

	var resp collectionResponse
	if err := b.doJSON(ctx, http.MethodPost, b.collectionsURL(), createCollectionRequest{
		Name:        name,
		GetOrCreate: true,
	}, &resp); err != nil {
		return "", verrors.Transient("failed to create or fetch collection", err).WithContext("collection", name)
	}

	b.mu.Lock()
	b.collections[name] = resp.ID
	b.mu.Unlock()
	return resp.ID, nil
}

type addDocumentsRequest struct {
	IDs        []string            `json:"ids"`
	Embeddings [][]float32         `json:"embeddings,omitempty"`
	Documents  []string            `json:"documents,omitempty"`
	Metadatas  []map[string]string `json:"metadatas,omitempty"`
}

type getDocumentsRequest struct {
	IDs     []string          `json:"ids,omitempty"`
	Where   map[string]string `json:"where,omitempty"`
	Include []string          `json:"include,omitempty"`
}

type getDocumentsResponse struct {
	IDs        []string            `json:"ids"`
	Documents  []*string           `json:"documents"`
	Metadatas  []map[string]string `json:"metadatas"`
	Embeddings [][]float32         `json:"embeddings"`
}

type queryRequest struct {
	QueryEmbeddings [][]float32       `json:"query_embeddings,omitempty"`
	NResults        int               `json:"n_results"`
	Where           map[string]string `json:"where,omitempty"`
	Include         []string          `json:"include,omitempty"`
}

type queryResponse struct {
	IDs       [][]string            `json:"ids"`
	Documents [][]*string           `json:"documents"`
	Metadatas [][]map[string]string `json:"metadatas"`
	Distances [][]float32           `json:"distances"`
}

// encodeSparse folds a vfs.SparseVector into metadata the same way
// chroma_http.rs's upsert_document stashes _sparse_indices/_sparse_values,
// since a plain Chroma collection has no native sparse-vector column.
func encodeSparse(meta map[string]string, sparse *vfs.SparseVector) map[string]string {
	if sparse == nil {
		return meta
	}
	out := make(map[string]string, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	idx := make([]string, len(sparse.Indices))
	for i, v := range sparse.Indices {
		idx[i] = strconv.FormatInt(v, 10)
	}
	val := make([]string, len(sparse.Values))
	for i, v := range sparse.Values {
		val[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	out["_sparse_indices"] = strings.Join(idx, ",")
	out["_sparse_values"] = strings.Join(val, ",")
	return out
}

func decodeSparse(meta map[string]string) *vfs.SparseVector {
	idxRaw, ok1 := meta["_sparse_indices"]
	valRaw, ok2 := meta["_sparse_values"]
	if !ok1 || !ok2 || idxRaw == "" {
		return nil
	}
	idxParts := strings.Split(idxRaw, ",")
	valParts := strings.Split(valRaw, ",")
	sv := &vfs.SparseVector{Indices: make([]int64, 0, len(idxParts)), Values: make([]float64, 0, len(valParts))}
	for i := range idxParts {
		iv, err := strconv.ParseInt(idxParts[i], 10, 64)
		if err != nil {
			continue
		}
		var fv float64
		if i < len(valParts) {
			fv, _ = strconv.ParseFloat(valParts[i], 64)
		}
		sv.Indices = append(sv.Indices, iv)
		sv.Values = append(sv.Values, fv)
	}
	return sv
}

// sparseDotProduct scores two sparse vectors, used as the fallback ranker
// when a query supplies only a sparse vector: ported from chroma_http.rs's
// sparse_dot_product.
func sparseDotProduct(a, b *vfs.SparseVector) float64 {
	if a == nil || b == nil {
		return 0
	}
	bMap := make(map[int64]float64, len(b.Indices))
	for i, idx := range b.Indices {
		bMap[idx] = b.Values[i]
	}
	var score float64
	for i, idx := range a.Indices {
		if bv, ok := bMap[idx]; ok {
			score += a.Values[i] * bv
		}
	}
	return score
}

// Upsert writes records into collection, creating it if absent.
func (b *Backend) Upsert(ctx context.Context, collection string, records []vfs.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	id, err := b.resolveCollection(ctx, collection)
	if err != nil {
		return err
	}

	req := addDocumentsRequest{
		IDs:       make([]string, len(records)),
		Metadatas: make([]map[string]string, len(records)),
	}
	anyDense := false
	for i, r := range records {
		req.IDs[i] = r.ID
		meta := encodeSparse(r.Metadata, r.Sparse)
		if meta == nil {
			meta = map[string]string{}
		}
		req.Metadatas[i] = meta
		if r.Dense != nil {
			anyDense = true
		}
	}
	if anyDense {
		req.Embeddings = make([][]float32, len(records))
		for i, r := range records {
			req.Embeddings[i] = r.Dense
		}
	}

	if err := b.doJSON(ctx, http.MethodPost, b.collectionOpURL(id, "upsert"), req, nil); err != nil {
		return verrors.Transient("vector upsert failed", err).WithContext("collection", collection)
	}
	return nil
}

// Query runs a similarity search against collection, falling back to a
// local sparse dot-product scorer when q carries only a sparse vector (the
// same fallback chroma_http.rs's query_by_sparse_embedding uses against
// stores without native sparse indexing).
func (b *Backend) Query(ctx context.Context, collection string, q vfs.VectorQuery) ([]vfs.VectorMatch, error) {
	id, err := b.resolveCollection(ctx, collection)
	if err != nil {
		return nil, err
	}

	if q.Dense != nil {
		return b.queryDense(ctx, id, collection, q)
	}
	if q.Sparse != nil {
		return b.querySparseFallback(ctx, id, collection, q)
	}
	return nil, verrors.InvalidPath("vector query requires a dense or sparse vector", nil)
}

func (b *Backend) queryDense(ctx context.Context, id, collection string, q vfs.VectorQuery) ([]vfs.VectorMatch, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = 10
	}
	req := queryRequest{
		QueryEmbeddings: [][]float32{q.Dense},
		NResults:        topK,
		Where:           q.Filter,
		Include:         []string{"metadatas", "distances"},
	}
	var resp queryResponse
	if err := b.doJSON(ctx, http.MethodPost, b.collectionOpURL(id, "query"), req, &resp); err != nil {
		return nil, verrors.Transient("vector query failed", err).WithContext("collection", collection)
	}
	if len(resp.IDs) == 0 {
		return nil, nil
	}
	ids := resp.IDs[0]
	matches := make([]vfs.VectorMatch, 0, len(ids))
	for i, docID := range ids {
		var dist float32
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			dist = resp.Distances[0][i]
		}
		var meta map[string]string
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			meta = resp.Metadatas[0][i]
		}
		matches = append(matches, vfs.VectorMatch{ID: docID, Score: 1 - float64(dist), Metadata: meta})
	}
	return matches, nil
}

func (b *Backend) querySparseFallback(ctx context.Context, id, collection string, q vfs.VectorQuery) ([]vfs.VectorMatch, error) {
	req := getDocumentsRequest{Include: []string{"metadatas"}}
	var resp getDocumentsResponse
	if err := b.doJSON(ctx, http.MethodPost, b.collectionOpURL(id, "get"), req, &resp); err != nil {
		return nil, verrors.Transient("vector sparse fallback scan failed", err).WithContext("collection", collection)
	}

	type scored struct {
		m     vfs.VectorMatch
		score float64
	}
	var hits []scored
	for i, docID := range resp.IDs {
		var meta map[string]string
		if i < len(resp.Metadatas) {
			meta = resp.Metadatas[i]
		}
		docSparse := decodeSparse(meta)
		if docSparse == nil {
			continue
		}
		score := sparseDotProduct(q.Sparse, docSparse)
		if score <= 0 {
			continue
		}
		hits = append(hits, scored{m: vfs.VectorMatch{ID: docID, Score: score, Metadata: meta}, score: score})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	topK := q.TopK
	if topK <= 0 || topK > len(hits) {
		topK = len(hits)
	}
	matches := make([]vfs.VectorMatch, topK)
	for i := 0; i < topK; i++ {
		matches[i] = hits[i].m
	}
	return matches, nil
}

// DeleteByMetadata deletes every record in collection matching filter,
// two-step (get-then-delete-by-id) the way chroma_http.rs's
// delete_by_metadata does, since Chroma's delete endpoint wants explicit
// ids to report an accurate count.
func (b *Backend) DeleteByMetadata(ctx context.Context, collection string, filter map[string]string) (int, error) {
	id, err := b.resolveCollection(ctx, collection)
	if err != nil {
		return 0, err
	}

	var resp getDocumentsResponse
	if err := b.doJSON(ctx, http.MethodPost, b.collectionOpURL(id, "get"), getDocumentsRequest{Where: filter}, &resp); err != nil {
		return 0, verrors.Transient("vector delete-by-metadata scan failed", err).WithContext("collection", collection)
	}
	if len(resp.IDs) == 0 {
		return 0, nil
	}

	if err := b.doJSON(ctx, http.MethodPost, b.collectionOpURL(id, "delete"), map[string][]string{"ids": resp.IDs}, nil); err != nil {
		return 0, verrors.Transient("vector delete-by-metadata failed", err).WithContext("collection", collection)
	}
	return len(resp.IDs), nil
}

// --- vfs.Backend, layered on the default collection's documents ---

func (b *Backend) Read(ctx context.Context, path vfs.Path) ([]byte, *vfs.Entry, error) {
	id, err := b.resolveCollection(ctx, b.defaultCollection)
	if err != nil {
		return nil, nil, err
	}
	docID := pathToID(path)

	var resp getDocumentsResponse
	if err := b.doJSON(ctx, http.MethodPost, b.collectionOpURL(id, "get"), getDocumentsRequest{
		IDs:     []string{docID},
		Include: []string{"documents", "metadatas"},
	}, &resp); err != nil {
		return nil, nil, verrors.Transient("vector read failed", err).WithContext("path", string(path))
	}
	if len(resp.IDs) == 0 || resp.Documents[0] == nil {
		return nil, nil, verrors.NotFound("path not found", map[string]string{"path": string(path)})
	}

	data := []byte(*resp.Documents[0])
	entry := &vfs.Entry{
		Path: path, Kind: vfs.KindFile, Size: int64(len(data)),
		LastModified: time.Now(),
	}
	if len(resp.Metadatas) > 0 {
		entry.Metadata = resp.Metadatas[0]
	}
	return data, entry, nil
}

func (b *Backend) ReadRange(ctx context.Context, path vfs.Path, offset, size int64) ([]byte, *vfs.Entry, error) {
	data, entry, err := b.Read(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	if offset < 0 || offset > int64(len(data)) {
		return nil, nil, verrors.InvalidPath("range offset out of bounds", map[string]string{"path": string(path)})
	}
	end := offset + size
	if size < 0 || end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end], entry, nil
}

func (b *Backend) writeDocument(ctx context.Context, path vfs.Path, data []byte) (*vfs.Entry, error) {
	id, err := b.resolveCollection(ctx, b.defaultCollection)
	if err != nil {
		return nil, err
	}
	docID := pathToID(path)
	req := addDocumentsRequest{
		IDs:       []string{docID},
		Documents: []string{string(data)},
		Metadatas: []map[string]string{{"path": string(path)}},
	}
	if err := b.doJSON(ctx, http.MethodPost, b.collectionOpURL(id, "upsert"), req, nil); err != nil {
		return nil, verrors.Transient("vector write failed", err).WithContext("path", string(path))
	}
	return &vfs.Entry{Path: path, Kind: vfs.KindFile, Size: int64(len(data)), LastModified: time.Now()}, nil
}

func (b *Backend) Write(ctx context.Context, path vfs.Path, data []byte) (*vfs.Entry, error) {
	return b.writeDocument(ctx, path, data)
}

// CompareAndSwap has no native CAS support against a plain Chroma document
// store (chroma_http.rs's version field is only available against a
// self-hosted v1 server, never against Chroma Cloud); callers get an
// existence check only: an empty expected token requires the document to be
// absent, a non-empty one requires it to exist (its value is not compared),
// and the write itself is unconditional.
func (b *Backend) CompareAndSwap(ctx context.Context, path vfs.Path, data []byte, expected vfs.CASToken) (*vfs.Entry, error) {
	exists, err := b.Exists(ctx, path)
	if err != nil {
		return nil, err
	}
	if expected == "" && exists {
		return nil, verrors.Precondition("", "exists")
	}
	if expected != "" && !exists {
		return nil, verrors.Precondition(string(expected), "")
	}
	return b.writeDocument(ctx, path, data)
}

func (b *Backend) Append(ctx context.Context, path vfs.Path, data []byte) (*vfs.Entry, error) {
	existing, _, err := b.Read(ctx, path)
	if err != nil && !verrors.Is(err, verrors.KindNotFound) {
		return nil, err
	}
	combined := append(append([]byte(nil), existing...), data...)
	return b.writeDocument(ctx, path, combined)
}

func (b *Backend) Delete(ctx context.Context, path vfs.Path) error {
	id, err := b.resolveCollection(ctx, b.defaultCollection)
	if err != nil {
		return err
	}
	if err := b.doJSON(ctx, http.MethodPost, b.collectionOpURL(id, "delete"), map[string][]string{"ids": {pathToID(path)}}, nil); err != nil {
		return verrors.Transient("vector delete failed", err).WithContext("path", string(path))
	}
	return nil
}

func (b *Backend) Exists(ctx context.Context, path vfs.Path) (bool, error) {
	_, _, err := b.Read(ctx, path)
	if err != nil {
		if verrors.Is(err, verrors.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *Backend) Head(ctx context.Context, path vfs.Path) (*vfs.Entry, error) {
	_, entry, err := b.Read(ctx, path)
	return entry, err
}

// List scans the full default collection and reconstructs a directory tree
// from each document's "path" metadata field, the way chroma_http.rs's
// list does for a store with no native hierarchy.
func (b *Backend) List(ctx context.Context, prefix vfs.Path, opts vfs.ListOptions) (*vfs.ListPage, error) {
	id, err := b.resolveCollection(ctx, b.defaultCollection)
	if err != nil {
		return nil, err
	}
	var resp getDocumentsResponse
	if err := b.doJSON(ctx, http.MethodPost, b.collectionOpURL(id, "get"), getDocumentsRequest{Include: []string{"metadatas"}}, &resp); err != nil {
		return nil, verrors.Transient("vector list failed", err).WithContext("prefix", string(prefix))
	}

	prefixStr := string(prefix)
	if !strings.HasSuffix(prefixStr, "/") {
		prefixStr += "/"
	}
	if prefix.IsRoot() {
		prefixStr = "/"
	}

	var entries []vfs.Entry
	seenDirs := make(map[string]bool)
	for i := range resp.IDs {
		var meta map[string]string
		if i < len(resp.Metadatas) {
			meta = resp.Metadatas[i]
		}
		filePath, ok := meta["path"]
		if !ok {
			continue
		}
		if !strings.HasPrefix(filePath, prefixStr) && filePath != prefixStr {
			continue
		}
		rel := strings.TrimPrefix(filePath, prefixStr)
		if rel == "" {
			continue
		}
		if idx := strings.Index(rel, "/"); idx >= 0 && !opts.Recursive {
			dir := rel[:idx]
			if !seenDirs[dir] {
				seenDirs[dir] = true
				dirPath, err := prefix.Join(dir)
				if err == nil {
					entries = append(entries, vfs.Entry{Path: dirPath, Kind: vfs.KindDir})
				}
			}
			continue
		}
		vp, err := vfs.NormalizePath(filePath)
		if err != nil {
			continue
		}
		size := 0
		if i < len(resp.Documents) && resp.Documents[i] != nil {
			size = len(*resp.Documents[i])
		}
		entries = append(entries, vfs.Entry{Path: vp, Kind: vfs.KindFile, Size: int64(size), Metadata: meta})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	if opts.Limit > 0 && len(entries) > opts.Limit {
		return &vfs.ListPage{Entries: entries[:opts.Limit], HasMore: true}, nil
	}
	return &vfs.ListPage{Entries: entries}, nil
}

func (b *Backend) Rename(ctx context.Context, src, dst vfs.Path) (*vfs.Entry, error) {
	data, _, err := b.Read(ctx, src)
	if err != nil {
		return nil, err
	}
	entry, err := b.writeDocument(ctx, dst, data)
	if err != nil {
		return nil, err
	}
	if err := b.Delete(ctx, src); err != nil {
		return nil, err
	}
	return entry, nil
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	if _, err := b.resolveCollection(ctx, b.defaultCollection); err != nil {
		return verrors.Transient("vector store unreachable", err)
	}
	return nil
}

func (b *Backend) doJSON(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("X-Chroma-Token", b.apiKey)
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("vector store request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vector store returned %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
