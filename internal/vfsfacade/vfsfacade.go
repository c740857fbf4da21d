// Package vfsfacade implements the §4.6 VFS facade: the single entry point
// a client call enters, composing the router with a cached backend per
// mount and enforcing read-only mounts ahead of dispatch.
//
// Grounded on the teacher's pkg/types/interfaces.go Backend contract (the
// facade's internal seam mirrors its GetObject/PutObject/batch shape, one
// level up from a single object store to a routed set of mounts) and on
// internal/storage/s3/backend.go's goroutine-per-item GetObjects/PutObjects
// batch pattern (read before that file's deletion — see DESIGN.md),
// rebuilt here on golang.org/x/sync/errgroup for partial-failure reporting.
package vfsfacade

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/objectfs/agentvfs/internal/cachedbackend"
	"github.com/objectfs/agentvfs/internal/router"
	"github.com/objectfs/agentvfs/internal/searchdir"
	"github.com/objectfs/agentvfs/internal/verrors"
	"github.com/objectfs/agentvfs/pkg/vfs"
)

// defaultSearchPrefix is the reserved, always-read-only virtual subtree the
// semantic search directory materializes into (§4.8). The facade treats it
// as read-only even if no mount happens to exist at that prefix.
const defaultSearchPrefix = vfs.Path("/.search")

// Facade owns the router and one cached backend per mount.
type Facade struct {
	router       *router.Router
	backends     map[vfs.Path]*cachedbackend.Backend
	searchPrefix vfs.Path
	search       *searchdir.SearchDir
}

// New builds a Facade. backends must have one entry per mount in r,
// keyed by the mount's Prefix. search may be nil, in which case the
// reserved subtree is still rejected for writes but List/Read/Head against
// it return NotFound rather than materializing query results.
func New(r *router.Router, backends map[vfs.Path]*cachedbackend.Backend, search *searchdir.SearchDir) *Facade {
	prefix := defaultSearchPrefix
	if search != nil {
		prefix = search.Prefix()
	}
	return &Facade{router: r, backends: backends, searchPrefix: prefix, search: search}
}

// resolve returns the mount and its cached backend for path, rejecting
// mutation against read-only mounts and the reserved search subtree. A
// read-only check here is the enforcement point spec.md §4.6 describes as
// "reject writes on read-only mounts," run before the cached backend ever
// sees the call.
func (f *Facade) resolve(path vfs.Path, mutating bool) (*vfs.Mount, *cachedbackend.Backend, error) {
	if mutating && path.HasPrefix(f.searchPrefix) {
		return nil, nil, verrors.ReadOnly("the search directory is read-only", map[string]string{"path": string(path)})
	}
	mount, err := f.router.Resolve(path)
	if err != nil {
		return nil, nil, err
	}
	if mutating && mount.ReadOnly {
		return nil, nil, verrors.ReadOnly("mount is read-only", map[string]string{"path": string(path), "mount": string(mount.Prefix)})
	}
	backend, ok := f.backends[mount.Prefix]
	if !ok {
		return nil, nil, verrors.Config("no cached backend wired for mount", map[string]string{"mount": string(mount.Prefix)})
	}
	return mount, backend, nil
}

func (f *Facade) Read(ctx context.Context, path vfs.Path) ([]byte, *vfs.Entry, error) {
	if f.search != nil && f.search.IsSearchPath(path) {
		return f.search.Read(ctx, path)
	}
	_, backend, err := f.resolve(path, false)
	if err != nil {
		return nil, nil, err
	}
	return backend.Read(ctx, path)
}

func (f *Facade) ReadRange(ctx context.Context, path vfs.Path, offset, size int64) ([]byte, *vfs.Entry, error) {
	if f.search != nil && f.search.IsSearchPath(path) {
		data, entry, err := f.search.Read(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return sliceRange(data, offset, size), entry, nil
	}
	_, backend, err := f.resolve(path, false)
	if err != nil {
		return nil, nil, err
	}
	return backend.ReadRange(ctx, path, offset, size)
}

func (f *Facade) Write(ctx context.Context, path vfs.Path, data []byte) (*vfs.Entry, error) {
	_, backend, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}
	return backend.Write(ctx, path, data)
}

func (f *Facade) CompareAndSwap(ctx context.Context, path vfs.Path, data []byte, expected vfs.CASToken) (*vfs.Entry, error) {
	_, backend, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}
	return backend.CompareAndSwap(ctx, path, data, expected)
}

func (f *Facade) Append(ctx context.Context, path vfs.Path, data []byte) (*vfs.Entry, error) {
	_, backend, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}
	return backend.Append(ctx, path, data)
}

func (f *Facade) Delete(ctx context.Context, path vfs.Path) error {
	_, backend, err := f.resolve(path, true)
	if err != nil {
		return err
	}
	return backend.Delete(ctx, path)
}

func (f *Facade) Exists(ctx context.Context, path vfs.Path) (bool, error) {
	_, backend, err := f.resolve(path, false)
	if err != nil {
		return false, err
	}
	return backend.Exists(ctx, path)
}

func (f *Facade) Head(ctx context.Context, path vfs.Path) (*vfs.Entry, error) {
	if f.search != nil && f.search.IsSearchPath(path) {
		return f.search.Head(ctx, path)
	}
	_, backend, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}
	return backend.Head(ctx, path)
}

func (f *Facade) List(ctx context.Context, prefix vfs.Path, opts vfs.ListOptions) (*vfs.ListPage, error) {
	if f.search != nil && f.search.IsSearchPath(prefix) {
		return f.search.List(ctx, prefix, opts)
	}
	_, backend, err := f.resolve(prefix, false)
	if err != nil {
		return nil, err
	}
	return backend.List(ctx, prefix, opts)
}

func (f *Facade) Rename(ctx context.Context, src, dst vfs.Path) (*vfs.Entry, error) {
	mount, err := f.router.ResolvePair(src, dst)
	if err != nil {
		return nil, err
	}
	if mount.ReadOnly {
		return nil, verrors.ReadOnly("mount is read-only", map[string]string{"path": string(src), "mount": string(mount.Prefix)})
	}
	backend, ok := f.backends[mount.Prefix]
	if !ok {
		return nil, verrors.Config("no cached backend wired for mount", map[string]string{"mount": string(mount.Prefix)})
	}
	return backend.Rename(ctx, src, dst)
}

// BatchResult is one path's outcome within a batch operation; partial
// failures are reported per-entry rather than aborting the whole batch.
type BatchResult struct {
	Path  vfs.Path
	Entry *vfs.Entry
	Data  []byte
	Error error
}

// ReadBatch dispatches a parallel Read per path, grounded on the teacher's
// GetObjects goroutine-per-key fan-out.
func (f *Facade) ReadBatch(ctx context.Context, paths []vfs.Path) []BatchResult {
	results := make([]BatchResult, len(paths))
	var g errgroup.Group
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			data, entry, err := f.Read(ctx, p)
			results[i] = BatchResult{Path: p, Entry: entry, Data: data, Error: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// WriteBatch dispatches a parallel Write per (path, data) pair.
func (f *Facade) WriteBatch(ctx context.Context, writes map[vfs.Path][]byte) []BatchResult {
	paths := make([]vfs.Path, 0, len(writes))
	for p := range writes {
		paths = append(paths, p)
	}
	results := make([]BatchResult, len(paths))
	var g errgroup.Group
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			entry, err := f.Write(ctx, p, writes[p])
			results[i] = BatchResult{Path: p, Entry: entry, Error: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// DeleteBatch dispatches a parallel Delete per path.
func (f *Facade) DeleteBatch(ctx context.Context, paths []vfs.Path) []BatchResult {
	results := make([]BatchResult, len(paths))
	var g errgroup.Group
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			err := f.Delete(ctx, p)
			results[i] = BatchResult{Path: p, Error: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// EffectiveConfig reports the live router+mount view for observability.
func (f *Facade) EffectiveConfig() []vfs.Mount {
	return f.router.Mounts()
}

// sliceRange applies an offset/size range over data the way a Backend's own
// ReadRange would, used for the search subtree which has no native range
// read of its own (its entries are whole in-memory snippets).
func sliceRange(data []byte, offset, size int64) []byte {
	if offset < 0 || offset > int64(len(data)) {
		return nil
	}
	end := offset + size
	if size < 0 || end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end]
}
