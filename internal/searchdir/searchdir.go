// Package searchdir implements the §4.8 virtual search directory: a
// read-only, in-memory-backed subtree (conventionally mounted at /.search)
// that materializes saved query results as directories and their hits as
// entries.
//
// Grounded on original_source/ax-remote/src/fuse/search_dir.rs's path
// taxonomy (search root / query dir / query path / result entry) and
// numbered-entry naming, adapted from a FUSE inode table to vfs.Entry: a
// result here is a content snippet rather than a symlink to the real file,
// per spec.md §4.8's "entries within each result directory are content
// snippets with source_path:start-end markers."
package searchdir

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/objectfs/agentvfs/internal/verrors"
	"github.com/objectfs/agentvfs/pkg/vfs"
)

// Hit is one search result: a content snippet from a source file.
type Hit struct {
	SourcePath vfs.Path
	Start      int64
	End        int64
	Score      float64
	Snippet    string
}

// QueryFunc executes a query and returns its hits. Chunker/embedder/search
// ranking internals live elsewhere (internal/index, a vector backend); the
// search directory only caches and materializes whatever QueryFunc returns.
type QueryFunc func(ctx context.Context, query string) ([]Hit, error)

// SearchDir materializes query results under a reserved path prefix.
type SearchDir struct {
	prefix    vfs.Path
	queryDir  vfs.Path
	ttl       time.Duration
	cache     ResultCache
	query     QueryFunc
	regex     QueryFunc
}

// Config configures a SearchDir.
type Config struct {
	// Prefix is the reserved subtree root, e.g. "/.search".
	Prefix vfs.Path
	// TTL is how long a query's cached result set stays valid.
	TTL time.Duration
	// Cache stores query results. NewMemoryCache() is used if nil.
	Cache ResultCache
	// Query runs a semantic search.
	Query QueryFunc
	// Regex runs a regex/grep-style search. Queries prefixed "re:" are
	// routed here with the prefix stripped; if Regex is nil, "re:" queries
	// fall back to Query.
	Regex QueryFunc
}

// New builds a SearchDir under cfg.Prefix (default "/.search").
func New(cfg Config) *SearchDir {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "/.search"
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &SearchDir{
		prefix:   prefix,
		queryDir: prefix + "/query",
		ttl:      cfg.TTL,
		cache:    cache,
		query:    cfg.Query,
		regex:    cfg.Regex,
	}
}

// Prefix returns the subtree root this SearchDir materializes under.
func (s *SearchDir) Prefix() vfs.Path { return s.prefix }

// IsSearchPath reports whether p falls under the reserved subtree.
func (s *SearchDir) IsSearchPath(p vfs.Path) bool {
	return p == s.prefix || p.HasPrefix(s.prefix)
}

func (s *SearchDir) isQueryDir(p vfs.Path) bool { return p == s.queryDir }

func (s *SearchDir) isQueryPath(p vfs.Path) bool {
	prefix := string(s.queryDir) + "/"
	return strings.HasPrefix(string(p), prefix) && len(p) > len(prefix)
}

// extractQuery splits a /.search/query/<encoded>[/<entry>] path into the
// decoded query string and, if present, the trailing entry name.
func (s *SearchDir) extractQuery(p vfs.Path) (query string, entry string, err error) {
	rest := strings.TrimPrefix(string(p), string(s.queryDir)+"/")
	parts := strings.SplitN(rest, "/", 2)
	decoded, decodeErr := url.QueryUnescape(parts[0])
	if decodeErr != nil {
		return "", "", verrors.InvalidPath("search query is not valid URL encoding", map[string]string{"path": string(p)})
	}
	if len(parts) == 2 {
		entry = parts[1]
	}
	return decoded, entry, nil
}

func entryName(i int, h Hit) string {
	return fmt.Sprintf("%02d_%s:%d-%d", i+1, path.Base(string(h.SourcePath)), h.Start, h.End)
}

// resolve runs (or reuses a cached) query and returns its hits.
func (s *SearchDir) resolve(ctx context.Context, query string) ([]Hit, error) {
	if hits, ok := s.cache.Get(ctx, query); ok {
		return hits, nil
	}

	fn := s.query
	q := query
	if rest, isRegex := strings.CutPrefix(query, "re:"); isRegex {
		q = rest
		if s.regex != nil {
			fn = s.regex
		}
	}
	if fn == nil {
		return nil, verrors.Config("search directory has no query function configured", nil)
	}

	hits, err := fn(ctx, q)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, query, hits, s.ttl)
	return hits, nil
}

// List enumerates one level of the search subtree: the root lists "query",
// the query dir lists previously-resolved query names, and a query path
// lists its hits.
func (s *SearchDir) List(ctx context.Context, p vfs.Path, opts vfs.ListOptions) (*vfs.ListPage, error) {
	switch {
	case p == s.prefix:
		return &vfs.ListPage{Entries: []vfs.Entry{{Path: s.queryDir, Kind: vfs.KindDir}}}, nil

	case s.isQueryDir(p):
		keys := s.cache.Keys(ctx)
		entries := make([]vfs.Entry, 0, len(keys))
		for _, key := range keys {
			entries = append(entries, vfs.Entry{
				Path: s.queryDir + "/" + vfs.Path(url.QueryEscape(key)),
				Kind: vfs.KindDir,
			})
		}
		return &vfs.ListPage{Entries: entries}, nil

	case s.isQueryPath(p):
		query, entry, err := s.extractQuery(p)
		if err != nil {
			return nil, err
		}
		if entry != "" {
			return nil, verrors.NotFound("search result entries have no children", map[string]string{"path": string(p)})
		}
		hits, err := s.resolve(ctx, query)
		if err != nil {
			return nil, err
		}
		entries := make([]vfs.Entry, len(hits))
		for i, h := range hits {
			entries[i] = vfs.Entry{
				Path: p + "/" + vfs.Path(entryName(i, h)),
				Kind: vfs.KindFile,
				Size: int64(len(h.Snippet)),
			}
		}
		return &vfs.ListPage{Entries: entries}, nil

	default:
		return nil, verrors.NotFound("not a search directory path", map[string]string{"path": string(p)})
	}
}

// Read returns a single hit's snippet content, resolving (and caching) the
// owning query's result set if it isn't cached yet.
func (s *SearchDir) Read(ctx context.Context, p vfs.Path) ([]byte, *vfs.Entry, error) {
	if !s.isQueryPath(p) {
		return nil, nil, verrors.NotFound("not a search result path", map[string]string{"path": string(p)})
	}
	query, entry, err := s.extractQuery(p)
	if err != nil {
		return nil, nil, err
	}
	if entry == "" {
		return nil, nil, verrors.NotFound("query directories have no content", map[string]string{"path": string(p)})
	}
	hits, err := s.resolve(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	for i, h := range hits {
		if entryName(i, h) == entry {
			data := []byte(h.Snippet)
			return data, &vfs.Entry{Path: p, Kind: vfs.KindFile, Size: int64(len(data))}, nil
		}
	}
	return nil, nil, verrors.NotFound("no such search result", map[string]string{"path": string(p)})
}

// Head reports a search path's entry without its content.
func (s *SearchDir) Head(ctx context.Context, p vfs.Path) (*vfs.Entry, error) {
	if p == s.prefix || s.isQueryDir(p) {
		return &vfs.Entry{Path: p, Kind: vfs.KindDir}, nil
	}
	if s.isQueryPath(p) {
		query, entry, err := s.extractQuery(p)
		if err != nil {
			return nil, err
		}
		if entry == "" {
			if _, err := s.resolve(ctx, query); err != nil {
				return nil, err
			}
			return &vfs.Entry{Path: p, Kind: vfs.KindDir}, nil
		}
		_, e, err := s.Read(ctx, p)
		return e, err
	}
	return nil, verrors.NotFound("not a search directory path", map[string]string{"path": string(p)})
}

// Sweep removes expired cached query results, run periodically alongside
// the cache's own lazy per-access expiry check.
func (s *SearchDir) Sweep(ctx context.Context) int {
	return s.cache.Sweep(ctx)
}

// StartSweep launches a goroutine that sweeps expired entries on interval
// until ctx is cancelled.
func (s *SearchDir) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}
