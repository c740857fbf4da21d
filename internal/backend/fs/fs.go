// Package fs implements a vfs.Backend rooted at a local directory.
//
// Grounded on pkg/utils/path.go's SecureJoin/ValidatePathWithinBase idiom
// for confining every operation under Root, translated to vfs.Path's
// already-normalized segments rather than raw strings.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/objectfs/agentvfs/internal/verrors"
	"github.com/objectfs/agentvfs/pkg/vfs"
)

// Backend maps the virtual namespace onto files under Root.
type Backend struct {
	root string
}

// New returns a Backend rooted at root. The directory must already exist.
func New(root string) (*Backend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, verrors.Config("invalid fs backend root", map[string]string{"root": root}).WithCause(err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, verrors.Config("fs backend root is not a directory", map[string]string{"root": abs})
	}
	return &Backend{root: abs}, nil
}

// resolve maps a vfs.Path onto an absolute filesystem path, rejecting any
// result that would escape Root even though vfs.Path is already
// traversal-free by construction — a second independent check here is the
// same belt-and-suspenders posture as pkg/utils.ValidatePathWithinBase.
func (b *Backend) resolve(path vfs.Path) (string, error) {
	joined := filepath.Join(b.root, filepath.FromSlash(string(path)))
	if joined != b.root && !strings.HasPrefix(joined, b.root+string(filepath.Separator)) {
		return "", verrors.InvalidPath("path escapes backend root", map[string]string{"path": string(path)})
	}
	return joined, nil
}

func casFor(info os.FileInfo) vfs.CASToken {
	return vfs.CASToken(fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size()))
}

func (b *Backend) statEntry(path vfs.Path, full string) (*vfs.Entry, error) {
	info, err := os.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, verrors.NotFound("path not found", map[string]string{"path": string(path)})
	}
	if err != nil {
		return nil, verrors.Other("stat failed", err)
	}
	kind := vfs.KindFile
	if info.IsDir() {
		kind = vfs.KindDir
	}
	return &vfs.Entry{
		Path:         path,
		Kind:         kind,
		Size:         info.Size(),
		CAS:          casFor(info),
		LastModified: info.ModTime(),
	}, nil
}

func (b *Backend) Read(_ context.Context, path vfs.Path) ([]byte, *vfs.Entry, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, verrors.NotFound("path not found", map[string]string{"path": string(path)})
	}
	if err != nil {
		return nil, nil, verrors.Other("read failed", err)
	}
	entry, err := b.statEntry(path, full)
	if err != nil {
		return nil, nil, err
	}
	entry.ContentHash = hashBytes(data)
	return data, entry, nil
}

func (b *Backend) ReadRange(ctx context.Context, path vfs.Path, offset, size int64) ([]byte, *vfs.Entry, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, verrors.NotFound("path not found", map[string]string{"path": string(path)})
	}
	if err != nil {
		return nil, nil, verrors.Other("open failed", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, nil, verrors.InvalidPath("invalid range offset", map[string]string{"path": string(path)})
	}
	buf := make([]byte, size)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, nil, verrors.Other("range read failed", err)
	}
	entry, err := b.statEntry(path, full)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], entry, nil
}

func (b *Backend) Write(_ context.Context, path vfs.Path, data []byte) (*vfs.Entry, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, verrors.Other("mkdir failed", err)
	}
	if err := writeAtomic(full, data); err != nil {
		return nil, verrors.Other("write failed", err)
	}
	entry, err := b.statEntry(path, full)
	if err != nil {
		return nil, err
	}
	entry.ContentHash = hashBytes(data)
	return entry, nil
}

func (b *Backend) CompareAndSwap(ctx context.Context, path vfs.Path, data []byte, expected vfs.CASToken) (*vfs.Entry, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, err
	}

	var actual vfs.CASToken
	if info, statErr := os.Stat(full); statErr == nil {
		actual = casFor(info)
	}
	if actual != expected {
		return nil, verrors.Precondition(string(expected), string(actual))
	}
	return b.Write(ctx, path, data)
}

func (b *Backend) Append(ctx context.Context, path vfs.Path, data []byte) (*vfs.Entry, error) {
	existing, _, err := b.Read(ctx, path)
	if err != nil && !verrors.Is(err, verrors.KindNotFound) {
		return nil, err
	}
	combined := append(append([]byte(nil), existing...), data...)
	return b.Write(ctx, path, combined)
}

func (b *Backend) Delete(_ context.Context, path vfs.Path) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return verrors.Other("delete failed", err)
	}
	return nil
}

func (b *Backend) Exists(_ context.Context, path vfs.Path) (bool, error) {
	full, err := b.resolve(path)
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(full)
	if errors.Is(statErr, os.ErrNotExist) {
		return false, nil
	}
	if statErr != nil {
		return false, verrors.Other("stat failed", statErr)
	}
	return true, nil
}

func (b *Backend) Head(_ context.Context, path vfs.Path) (*vfs.Entry, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	return b.statEntry(path, full)
}

func (b *Backend) List(_ context.Context, prefix vfs.Path, opts vfs.ListOptions) (*vfs.ListPage, error) {
	full, err := b.resolve(prefix)
	if err != nil {
		return nil, err
	}

	var entries []vfs.Entry
	walk := func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if p == full {
			return nil
		}
		if !opts.Recursive && filepath.Dir(p) != full {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel := filepath.ToSlash(strings.TrimPrefix(strings.TrimPrefix(p, full), string(filepath.Separator)))
		vp, joinErr := prefix.Join(rel)
		if joinErr != nil {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		kind := vfs.KindFile
		if info.IsDir() {
			kind = vfs.KindDir
		}
		entries = append(entries, vfs.Entry{
			Path:         vp,
			Kind:         kind,
			Size:         info.Size(),
			CAS:          casFor(info),
			LastModified: info.ModTime(),
		})
		return nil
	}

	if err := filepath.WalkDir(full, walk); err != nil {
		return nil, verrors.Other("list failed", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	if opts.Limit > 0 && len(entries) > opts.Limit {
		return &vfs.ListPage{Entries: entries[:opts.Limit], HasMore: true}, nil
	}
	return &vfs.ListPage{Entries: entries}, nil
}

func (b *Backend) Rename(_ context.Context, src, dst vfs.Path) (*vfs.Entry, error) {
	fullSrc, err := b.resolve(src)
	if err != nil {
		return nil, err
	}
	fullDst, err := b.resolve(dst)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(fullSrc); errors.Is(err, os.ErrNotExist) {
		return nil, verrors.NotFound("rename source not found", map[string]string{"path": string(src)})
	}
	if err := os.MkdirAll(filepath.Dir(fullDst), 0o755); err != nil {
		return nil, verrors.Other("mkdir failed", err)
	}
	if err := os.Rename(fullSrc, fullDst); err != nil {
		return nil, verrors.Other("rename failed", err)
	}
	return b.statEntry(dst, fullDst)
}

func (b *Backend) HealthCheck(_ context.Context) error {
	if info, err := os.Stat(b.root); err != nil || !info.IsDir() {
		return verrors.Other("backend root unavailable", err)
	}
	return nil
}

// writeAtomic writes data to a temp file in the same directory, then
// renames it into place, so a reader never observes a partial write.
func writeAtomic(full string, data []byte) error {
	tmp := full + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, full)
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
