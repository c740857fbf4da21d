// Package router implements the namespace router (§4.2): a mount table
// binding path prefixes to named backends, with construction-time
// validation and longest-prefix resolution.
//
// Grounded on original_source/ax-config/src/validation.rs's VfsConfig
// validation rules, translated to Go, and on the teacher's pkg/utils/path.go
// path-walking style for the resolve loop.
package router

import (
	"sort"
	"strings"
	"sync"

	"github.com/objectfs/agentvfs/internal/verrors"
	"github.com/objectfs/agentvfs/pkg/vfs"
)

// Router holds the validated mount table and resolves paths to the mount
// that owns them.
type Router struct {
	mu     sync.RWMutex
	mounts []vfs.Mount // sorted by Prefix length, descending
}

// New builds a Router from a set of mounts, validating the table before
// returning it.
func New(mounts []vfs.Mount) (*Router, error) {
	if err := Validate(mounts); err != nil {
		return nil, err
	}
	sorted := make([]vfs.Mount, len(mounts))
	copy(sorted, mounts)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Router{mounts: sorted}, nil
}

// Validate checks mount-table-level structural invariants: no duplicate or
// overlapping prefixes (a root "/" mount does not count as overlapping the
// mounts beneath it), every prefix absolute. Backend-existence and
// per-backend-type checks live in internal/config.Configuration.Validate,
// which runs before a Router is constructed from its mounts.
func Validate(mounts []vfs.Mount) error {
	seen := make(map[vfs.Path]bool, len(mounts))
	for _, m := range mounts {
		if !strings.HasPrefix(string(m.Prefix), "/") {
			return verrors.Config("mount prefix must be absolute", map[string]string{"prefix": string(m.Prefix)})
		}
		if seen[m.Prefix] {
			return verrors.Config("duplicate mount prefix", map[string]string{"prefix": string(m.Prefix)})
		}
		seen[m.Prefix] = true
	}
	for i, a := range mounts {
		for j, b := range mounts {
			if i == j {
				continue
			}
			if a.Prefix != "/" && b.Prefix.HasPrefix(a.Prefix) && b.Prefix != a.Prefix {
				return verrors.Config("overlapping mount prefixes", map[string]string{
					"outer": string(a.Prefix), "inner": string(b.Prefix),
				})
			}
		}
	}
	return nil
}

// Resolve returns the mount owning path: the mount whose prefix is the
// longest match. Because mounts are kept sorted by prefix length descending,
// the first matching entry is the longest-prefix match. The lookup is a
// linear scan, O(mounts) per call.
func (r *Router) Resolve(path vfs.Path) (*vfs.Mount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.mounts {
		if path.HasPrefix(r.mounts[i].Prefix) {
			m := r.mounts[i]
			return &m, nil
		}
	}
	return nil, verrors.NotFound("no mount covers path", map[string]string{"path": string(path)})
}

// ResolvePair resolves both paths of a two-path operation (rename) and
// returns an InvalidPath error if they land on different mounts, per the
// cross-mount-rename Open Question resolution in DESIGN.md.
func (r *Router) ResolvePair(src, dst vfs.Path) (*vfs.Mount, error) {
	srcMount, err := r.Resolve(src)
	if err != nil {
		return nil, err
	}
	dstMount, err := r.Resolve(dst)
	if err != nil {
		return nil, err
	}
	if srcMount.BackendID != dstMount.BackendID || srcMount.Prefix != dstMount.Prefix {
		return nil, verrors.InvalidPath("rename cannot cross mount boundaries", map[string]string{
			"src": string(src), "dst": string(dst),
		})
	}
	return srcMount, nil
}

// Mounts returns a snapshot of the mount table.
func (r *Router) Mounts() []vfs.Mount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]vfs.Mount, len(r.mounts))
	copy(out, r.mounts)
	return out
}
