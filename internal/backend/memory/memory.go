// Package memory implements an in-process, map-backed vfs.Backend used by
// tests and the simulation/oracle harness (§4.1, §8). It offers the same
// CAS and rename semantics as a durable backend without touching disk.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objectfs/agentvfs/internal/verrors"
	"github.com/objectfs/agentvfs/pkg/vfs"
)

type node struct {
	entry vfs.Entry
	data  []byte
}

// Backend is a sync.RWMutex-guarded map of path to node.
type Backend struct {
	mu    sync.RWMutex
	nodes map[vfs.Path]*node
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{nodes: make(map[vfs.Path]*node)}
}

func newCAS() vfs.CASToken { return vfs.CASToken(uuid.NewString()) }

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (b *Backend) Read(_ context.Context, path vfs.Path) ([]byte, *vfs.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, ok := b.nodes[path]
	if !ok {
		return nil, nil, verrors.NotFound("path not found", map[string]string{"path": string(path)})
	}
	out := make([]byte, len(n.data))
	copy(out, n.data)
	entry := n.entry
	return out, &entry, nil
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

func (b *Backend) Write(_ context.Context, path vfs.Path, data []byte) (*vfs.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeLocked(path, data)
}

func (b *Backend) writeLocked(path vfs.Path, data []byte) (*vfs.Entry, error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	entry := vfs.Entry{
		Path:         path,
		Kind:         vfs.KindFile,
		Size:         int64(len(buf)),
		CAS:          newCAS(),
		LastModified: time.Now(),
		ContentHash:  contentHash(buf),
	}
	b.nodes[path] = &node{entry: entry, data: buf}
	out := entry
	return &out, nil
}

func (b *Backend) CompareAndSwap(_ context.Context, path vfs.Path, data []byte, expected vfs.CASToken) (*vfs.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.nodes[path]
	var actual vfs.CASToken
	if ok {
		actual = existing.entry.CAS
	}
	if actual != expected {
		return nil, verrors.Precondition(string(expected), string(actual))
	}
	return b.writeLocked(path, data)
}

func (b *Backend) Append(_ context.Context, path vfs.Path, data []byte) (*vfs.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.nodes[path]
	var combined []byte
	if ok {
		combined = append(append([]byte(nil), existing.data...), data...)
	} else {
		combined = append([]byte(nil), data...)
	}
	return b.writeLocked(path, combined)
}

func (b *Backend) Delete(_ context.Context, path vfs.Path) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, path)
	return nil
}

func (b *Backend) Exists(_ context.Context, path vfs.Path) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.nodes[path]
	return ok, nil
}

func (b *Backend) Head(_ context.Context, path vfs.Path) (*vfs.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, ok := b.nodes[path]
	if !ok {
		return nil, verrors.NotFound("path not found", map[string]string{"path": string(path)})
	}
	entry := n.entry
	return &entry, nil
}

func (b *Backend) List(_ context.Context, prefix vfs.Path, opts vfs.ListOptions) (*vfs.ListPage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []vfs.Entry
	seenDirs := make(map[vfs.Path]bool)
	for p, n := range b.nodes {
		if !p.HasPrefix(prefix) {
			continue
		}
		if opts.Recursive || p.Parent() == prefix || (prefix.IsRoot() && len(p.Segments()) == 1) {
			matched = append(matched, n.entry)
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(string(p), string(prefix)), "/")
		if idx := strings.Index(rel, "/"); idx >= 0 {
			dirPath, err := prefix.Join(rel[:idx])
			if err == nil && !seenDirs[dirPath] {
				seenDirs[dirPath] = true
				matched = append(matched, vfs.Entry{Path: dirPath, Kind: vfs.KindDir})
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Path < matched[j].Path })

	if opts.Limit > 0 && len(matched) > opts.Limit {
		return &vfs.ListPage{Entries: matched[:opts.Limit], HasMore: true}, nil
	}
	return &vfs.ListPage{Entries: matched}, nil
}

func (b *Backend) Rename(_ context.Context, src, dst vfs.Path) (*vfs.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.nodes[src]
	if !ok {
		return nil, verrors.NotFound("rename source not found", map[string]string{"path": string(src)})
	}
	moved := *n
	moved.entry.Path = dst
	moved.entry.CAS = newCAS()
	b.nodes[dst] = &moved
	delete(b.nodes, src)
	out := moved.entry
	return &out, nil
}

func (b *Backend) HealthCheck(_ context.Context) error { return nil }
