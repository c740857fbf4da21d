// Package sqlbackend implements a vfs.Backend backed by a Postgres table,
// for mounts that want a relational store rather than an object store
// (e.g. structured metadata or small, frequently-updated files).
//
// Grounded on other_examples's mycelian-memory outbox-worker.go for the
// idiomatic database/sql query/transaction shape, and on
// etalazz-vsa/internal/ratelimiter/persistence/postgres.go's
// INSERT ... ON CONFLICT idempotent-upsert pattern, adapted here from
// counter commits to whole-object CAS: a row's cas column is compared and
// swapped inside one transaction rather than relying on Postgres's own
// MVCC visibility rules.
package sqlbackend

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/objectfs/agentvfs/internal/verrors"
	"github.com/objectfs/agentvfs/pkg/vfs"
)

const schema = `
CREATE TABLE IF NOT EXISTS %s (
	path TEXT PRIMARY KEY,
	kind TEXT NOT NULL DEFAULT 'file',
	data BYTEA NOT NULL DEFAULT ''::bytea,
	size BIGINT NOT NULL DEFAULT 0,
	cas TEXT NOT NULL,
	content_hash TEXT,
	last_modified TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Backend implements vfs.Backend against a Postgres table.
type Backend struct {
	db    *sql.DB
	table string
}

// New opens a connection to connURL (a postgres:// DSN) and ensures table
// exists.
func New(ctx context.Context, connURL, table string) (*Backend, error) {
	if table == "" {
		table = "vfs_objects"
	}
	db, err := sql.Open("pgx", connURL)
	if err != nil {
		return nil, verrors.Config("failed to open postgres connection", nil).WithCause(err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, verrors.Transient("postgres ping failed", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(schema, table)); err != nil {
		db.Close()
		return nil, verrors.Other("failed to create schema", err)
	}
	return &Backend{db: db, table: table}, nil
}

func (b *Backend) Close() error { return b.db.Close() }

func newCAS() string { return uuid.NewString() }

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (b *Backend) Read(ctx context.Context, path vfs.Path) ([]byte, *vfs.Entry, error) {
	var data []byte
	var cas, contentHash, kind string
	var size int64
	var lastModified time.Time

	q := fmt.Sprintf(`SELECT data, size, cas, content_hash, kind, last_modified FROM %s WHERE path = $1`, b.table)
	err := b.db.QueryRowContext(ctx, q, string(path)).Scan(&data, &size, &cas, &contentHash, &kind, &lastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, verrors.NotFound("path not found", map[string]string{"path": string(path)})
	}
	if err != nil {
		return nil, nil, verrors.Other("read failed", err)
	}
	entry := &vfs.Entry{
		Path:         path,
		Kind:         vfs.EntryKind(kind),
		Size:         size,
		CAS:          vfs.CASToken(cas),
		LastModified: lastModified,
		ContentHash:  contentHash,
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

func (b *Backend) upsert(ctx context.Context, path vfs.Path, data []byte) (*vfs.Entry, error) {
	cas := newCAS()
	hash := hashBytes(data)
	q := fmt.Sprintf(`
		INSERT INTO %s (path, kind, data, size, cas, content_hash, last_modified)
		VALUES ($1, 'file', $2, $3, $4, $5, now())
		ON CONFLICT (path) DO UPDATE SET
			data = EXCLUDED.data, size = EXCLUDED.size, cas = EXCLUDED.cas,
			content_hash = EXCLUDED.content_hash, last_modified = now()
		RETURNING last_modified`, b.table)

	var lastModified time.Time
	if err := b.db.QueryRowContext(ctx, q, string(path), data, int64(len(data)), cas, hash).Scan(&lastModified); err != nil {
		return nil, verrors.Other("upsert failed", err)
	}
	return &vfs.Entry{
		Path: path, Kind: vfs.KindFile, Size: int64(len(data)),
		CAS: vfs.CASToken(cas), LastModified: lastModified, ContentHash: hash,
	}, nil
}

func (b *Backend) Write(ctx context.Context, path vfs.Path, data []byte) (*vfs.Entry, error) {
	return b.upsert(ctx, path, data)
}

// CompareAndSwap runs the check-then-write inside one transaction so a
// concurrent writer can never observe a torn compare, the Go analogue of
// postgres.go's "UPDATE ... WHERE NOT EXISTS" idempotence guard.
func (b *Backend) CompareAndSwap(ctx context.Context, path vfs.Path, data []byte, expected vfs.CASToken) (*vfs.Entry, error) {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, verrors.Other("begin tx failed", err)
	}
	defer tx.Rollback()

	var actual sql.NullString
	q := fmt.Sprintf(`SELECT cas FROM %s WHERE path = $1 FOR UPDATE`, b.table)
	err = tx.QueryRowContext(ctx, q, string(path)).Scan(&actual)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, verrors.Other("cas lookup failed", err)
	}
	if vfs.CASToken(actual.String) != expected {
		return nil, verrors.Precondition(string(expected), actual.String)
	}

	cas := newCAS()
	hash := hashBytes(data)
	upsertQ := fmt.Sprintf(`
		INSERT INTO %s (path, kind, data, size, cas, content_hash, last_modified)
		VALUES ($1, 'file', $2, $3, $4, $5, now())
		ON CONFLICT (path) DO UPDATE SET
			data = EXCLUDED.data, size = EXCLUDED.size, cas = EXCLUDED.cas,
			content_hash = EXCLUDED.content_hash, last_modified = now()
		RETURNING last_modified`, b.table)
	var lastModified time.Time
	if err := tx.QueryRowContext(ctx, upsertQ, string(path), data, int64(len(data)), cas, hash).Scan(&lastModified); err != nil {
		return nil, verrors.Other("upsert failed", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, verrors.Other("commit failed", err)
	}
	return &vfs.Entry{
		Path: path, Kind: vfs.KindFile, Size: int64(len(data)),
		CAS: vfs.CASToken(cas), LastModified: lastModified, ContentHash: hash,
	}, nil
}

func (b *Backend) Append(ctx context.Context, path vfs.Path, data []byte) (*vfs.Entry, error) {
	existing, _, err := b.Read(ctx, path)
	if err != nil && !verrors.Is(err, verrors.KindNotFound) {
		return nil, err
	}
	combined := append(append([]byte(nil), existing...), data...)
	return b.upsert(ctx, path, combined)
}

func (b *Backend) Delete(ctx context.Context, path vfs.Path) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE path = $1`, b.table)
	_, err := b.db.ExecContext(ctx, q, string(path))
	if err != nil {
		return verrors.Other("delete failed", err)
	}
	return nil
}

func (b *Backend) Exists(ctx context.Context, path vfs.Path) (bool, error) {
	var exists bool
	q := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE path = $1)`, b.table)
	if err := b.db.QueryRowContext(ctx, q, string(path)).Scan(&exists); err != nil {
		return false, verrors.Other("exists check failed", err)
	}
	return exists, nil
}

func (b *Backend) Head(ctx context.Context, path vfs.Path) (*vfs.Entry, error) {
	var cas, contentHash, kind string
	var size int64
	var lastModified time.Time
	q := fmt.Sprintf(`SELECT size, cas, content_hash, kind, last_modified FROM %s WHERE path = $1`, b.table)
	err := b.db.QueryRowContext(ctx, q, string(path)).Scan(&size, &cas, &contentHash, &kind, &lastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, verrors.NotFound("path not found", map[string]string{"path": string(path)})
	}
	if err != nil {
		return nil, verrors.Other("head failed", err)
	}
	return &vfs.Entry{
		Path: path, Kind: vfs.EntryKind(kind), Size: size,
		CAS: vfs.CASToken(cas), LastModified: lastModified, ContentHash: contentHash,
	}, nil
}

func (b *Backend) List(ctx context.Context, prefix vfs.Path, opts vfs.ListOptions) (*vfs.ListPage, error) {
	q := fmt.Sprintf(`SELECT path, size, cas, content_hash, kind, last_modified FROM %s WHERE path = $1 OR path LIKE $2 ORDER BY path`, b.table)
	likePrefix := string(prefix)
	if !strings.HasSuffix(likePrefix, "/") {
		likePrefix += "/"
	}
	rows, err := b.db.QueryContext(ctx, q, string(prefix), likePrefix+"%")
	if err != nil {
		return nil, verrors.Other("list failed", err)
	}
	defer rows.Close()

	var entries []vfs.Entry
	seenDirs := make(map[string]bool)
	for rows.Next() {
		var p, cas, contentHash, kind string
		var size int64
		var lastModified time.Time
		if err := rows.Scan(&p, &size, &cas, &contentHash, &kind, &lastModified); err != nil {
			return nil, verrors.Other("scan failed", err)
		}
		if p == string(prefix) {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, string(prefix)), "/")
		if !opts.Recursive {
			if idx := strings.Index(rel, "/"); idx >= 0 {
				dir := rel[:idx]
				if !seenDirs[dir] {
					seenDirs[dir] = true
					dirPath, joinErr := prefix.Join(dir)
					if joinErr == nil {
						entries = append(entries, vfs.Entry{Path: dirPath, Kind: vfs.KindDir})
					}
				}
				continue
			}
		}
		vp, perr := vfs.NormalizePath(p)
		if perr != nil {
			continue
		}
		entries = append(entries, vfs.Entry{
			Path: vp, Kind: vfs.EntryKind(kind), Size: size,
			CAS: vfs.CASToken(cas), LastModified: lastModified, ContentHash: contentHash,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	if opts.Limit > 0 && len(entries) > opts.Limit {
		return &vfs.ListPage{Entries: entries[:opts.Limit], HasMore: true}, nil
	}
	return &vfs.ListPage{Entries: entries}, rows.Err()
}

func (b *Backend) Rename(ctx context.Context, src, dst vfs.Path) (*vfs.Entry, error) {
	data, _, err := b.Read(ctx, src)
	if err != nil {
		return nil, err
	}
	entry, err := b.upsert(ctx, dst, data)
	if err != nil {
		return nil, err
	}
	if err := b.Delete(ctx, src); err != nil {
		return nil, err
	}
	return entry, nil
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return verrors.Transient("postgres ping failed", err)
	}
	return nil
}
