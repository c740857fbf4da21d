// Package s3 implements a vfs.Backend backed by an S3-compatible object
// store.
//
// Adapted from internal/storage/s3/backend.go (teacher): kept the
// ConnectionPool, slog logging, and NoSuchKey/NoSuchBucket error
// translation; dropped the CargoShip transporter integration (see
// SPEC_FULL.md §11 — no SPEC_FULL component models upload-throughput
// optimization) and switched the batch helpers from ad-hoc
// channel+semaphore fan-out to golang.org/x/sync/errgroup.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	teachers3 "github.com/objectfs/agentvfs/internal/storage/s3"
	"github.com/objectfs/agentvfs/internal/verrors"
	"github.com/objectfs/agentvfs/pkg/vfs"
)

// Config configures the S3 vfs.Backend.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	Prefix          string
	MaxRetries      int
	PoolSize        int
}

// Backend implements vfs.Backend against an S3-compatible bucket.
type Backend struct {
	client *s3.Client
	pool   *teachers3.ConnectionPool
	bucket string
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	metrics BackendMetrics
}

// BackendMetrics tracks request counters, mirroring the teacher's shape.
type BackendMetrics struct {
	Requests        int64
	Errors          int64
	BytesUploaded   int64
	BytesDownloaded int64
}

// New creates an S3 backend and verifies connectivity via HeadBucket.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, verrors.Config("s3 backend requires a bucket", nil)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 8
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	)
	if err != nil {
		return nil, verrors.Other("failed to load AWS config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	pool, err := teachers3.NewConnectionPool(cfg.PoolSize, func() (*s3.Client, error) {
		return s3.NewFromConfig(awsCfg), nil
	})
	if err != nil {
		return nil, verrors.Other("failed to create connection pool", err)
	}

	b := &Backend{
		client: client,
		pool:   pool,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: slog.Default().With("component", "s3-backend", "bucket", cfg.Bucket),
	}

	if err := b.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// key maps a vfs.Path onto an S3 object key under the configured Prefix.
func (b *Backend) key(path vfs.Path) string {
	trimmed := strings.TrimPrefix(string(path), "/")
	if b.prefix == "" {
		return trimmed
	}
	return b.prefix + "/" + trimmed
}

func (b *Backend) recordRequest(isError bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.Requests++
	if isError {
		b.metrics.Errors++
	}
}

func (b *Backend) translateError(err error, path vfs.Path) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err):
		return verrors.NotFound("object not found", map[string]string{"path": string(path)})
	case isErrorType[*s3types.NoSuchBucket](err):
		return verrors.Config("bucket not found", map[string]string{"bucket": b.bucket})
	default:
		return verrors.Transient("s3 request failed", err)
	}
}

func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

func (b *Backend) Read(ctx context.Context, path vfs.Path) ([]byte, *vfs.Entry, error) {
	return b.readRange(ctx, path, nil)
}

func (b *Backend) ReadRange(ctx context.Context, path vfs.Path, offset, size int64) ([]byte, *vfs.Entry, error) {
	var rng *string
	if offset > 0 || size > 0 {
		if size > 0 {
			rng = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
		} else {
			rng = aws.String(fmt.Sprintf("bytes=%d-", offset))
		}
	}
	return b.readRange(ctx, path, rng)
}

func (b *Backend) readRange(ctx context.Context, path vfs.Path, rangeHeader *string) ([]byte, *vfs.Entry, error) {
	client := b.pool.Get()
	defer b.pool.Put(client)

	key := b.key(path)
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Range:  rangeHeader,
	})
	b.recordRequest(err != nil)
	if err != nil {
		return nil, nil, b.translateError(err, path)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, nil, verrors.Other("failed to read object body", err)
	}

	b.mu.Lock()
	b.metrics.BytesDownloaded += int64(len(data))
	b.mu.Unlock()

	entry := &vfs.Entry{
		Path:         path,
		Kind:         vfs.KindFile,
		Size:         aws.ToInt64(result.ContentLength),
		CAS:          vfs.CASToken(aws.ToString(result.ETag)),
		LastModified: aws.ToTime(result.LastModified),
		ContentType:  aws.ToString(result.ContentType),
	}
	return data, entry, nil
}

func (b *Backend) put(ctx context.Context, path vfs.Path, data []byte, ifNoneMatch bool) (*vfs.Entry, error) {
	client := b.pool.Get()
	defer b.pool.Put(client)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key(path)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(detectContentType(path.Base())),
	}
	if ifNoneMatch {
		input.IfNoneMatch = aws.String("*")
	}

	result, err := client.PutObject(ctx, input)
	b.recordRequest(err != nil)
	if err != nil {
		return nil, b.translateError(err, path)
	}

	b.mu.Lock()
	b.metrics.BytesUploaded += int64(len(data))
	b.mu.Unlock()

	return &vfs.Entry{
		Path:         path,
		Kind:         vfs.KindFile,
		Size:         int64(len(data)),
		CAS:          vfs.CASToken(aws.ToString(result.ETag)),
		LastModified: time.Now(),
		ContentType:  detectContentType(path.Base()),
	}, nil
}

func (b *Backend) Write(ctx context.Context, path vfs.Path, data []byte) (*vfs.Entry, error) {
	return b.put(ctx, path, data, false)
}

// CompareAndSwap uses S3's conditional-write headers: If-Match for an
// existing object, If-None-Match: * for "must not exist."
func (b *Backend) CompareAndSwap(ctx context.Context, path vfs.Path, data []byte, expected vfs.CASToken) (*vfs.Entry, error) {
	if expected == "" {
		entry, err := b.put(ctx, path, data, true)
		if err != nil && isErrorType[*s3types.NoSuchBucket](err) {
			return nil, err
		}
		if err != nil {
			return nil, verrors.Precondition("", "exists")
		}
		return entry, nil
	}

	_, head, err := b.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	if head.CAS != expected {
		return nil, verrors.Precondition(string(expected), string(head.CAS))
	}
	return b.put(ctx, path, data, false)
}

func (b *Backend) Append(ctx context.Context, path vfs.Path, data []byte) (*vfs.Entry, error) {
	existing, _, err := b.Read(ctx, path)
	if err != nil && !verrors.Is(err, verrors.KindNotFound) {
		return nil, err
	}
	combined := append(append([]byte(nil), existing...), data...)
	return b.put(ctx, path, combined, false)
}

func (b *Backend) Delete(ctx context.Context, path vfs.Path) error {
	client := b.pool.Get()
	defer b.pool.Put(client)

	_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(path)),
	})
	b.recordRequest(err != nil)
	if err != nil && !isErrorType[*s3types.NoSuchKey](err) {
		return b.translateError(err, path)
	}
	return nil
}

func (b *Backend) Exists(ctx context.Context, path vfs.Path) (bool, error) {
	_, err := b.Head(ctx, path)
	if err != nil {
		if verrors.Is(err, verrors.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *Backend) Head(ctx context.Context, path vfs.Path) (*vfs.Entry, error) {
	client := b.pool.Get()
	defer b.pool.Put(client)

	result, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(path)),
	})
	b.recordRequest(err != nil)
	if err != nil {
		return nil, b.translateError(err, path)
	}

	return &vfs.Entry{
		Path:         path,
		Kind:         vfs.KindFile,
		Size:         aws.ToInt64(result.ContentLength),
		CAS:          vfs.CASToken(aws.ToString(result.ETag)),
		LastModified: aws.ToTime(result.LastModified),
		ContentType:  aws.ToString(result.ContentType),
	}, nil
}

func (b *Backend) List(ctx context.Context, prefix vfs.Path, opts vfs.ListOptions) (*vfs.ListPage, error) {
	client := b.pool.Get()
	defer b.pool.Put(client)

	listPrefix := b.key(prefix)
	if !strings.HasSuffix(listPrefix, "/") && listPrefix != "" {
		listPrefix += "/"
	}

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(listPrefix),
	}
	if !opts.Recursive {
		input.Delimiter = aws.String("/")
	}
	if opts.Limit > 0 && opts.Limit <= 0x7FFFFFFF {
		input.MaxKeys = aws.Int32(int32(opts.Limit))
	}
	if opts.ContinuationToken != "" {
		input.ContinuationToken = aws.String(opts.ContinuationToken)
	}

	result, err := client.ListObjectsV2(ctx, input)
	b.recordRequest(err != nil)
	if err != nil {
		return nil, b.translateError(err, prefix)
	}

	entries := make([]vfs.Entry, 0, len(result.Contents)+len(result.CommonPrefixes))
	for _, obj := range result.Contents {
		relKey := strings.TrimPrefix(aws.ToString(obj.Key), b.prefix)
		p, perr := vfs.NormalizePath("/" + strings.TrimPrefix(relKey, "/"))
		if perr != nil {
			continue
		}
		entries = append(entries, vfs.Entry{
			Path:         p,
			Kind:         vfs.KindFile,
			Size:         aws.ToInt64(obj.Size),
			CAS:          vfs.CASToken(aws.ToString(obj.ETag)),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	for _, cp := range result.CommonPrefixes {
		relKey := strings.TrimPrefix(aws.ToString(cp.Prefix), b.prefix)
		p, perr := vfs.NormalizePath("/" + strings.TrimSuffix(strings.TrimPrefix(relKey, "/"), "/"))
		if perr != nil {
			continue
		}
		entries = append(entries, vfs.Entry{Path: p, Kind: vfs.KindDir})
	}

	return &vfs.ListPage{
		Entries:          entries,
		NextContinuation: aws.ToString(result.NextContinuationToken),
		HasMore:          aws.ToBool(result.IsTruncated),
	}, nil
}

// Rename has no native S3 primitive: copy then delete, run under an
// errgroup-free sequential path since S3 offers no atomic rename.
func (b *Backend) Rename(ctx context.Context, src, dst vfs.Path) (*vfs.Entry, error) {
	data, _, err := b.Read(ctx, src)
	if err != nil {
		return nil, err
	}
	entry, err := b.put(ctx, dst, data, false)
	if err != nil {
		return nil, err
	}
	if err := b.Delete(ctx, src); err != nil {
		return nil, err
	}
	return entry, nil
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	client := b.pool.Get()
	defer b.pool.Put(client)

	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return verrors.Transient("s3 health check failed", err)
	}
	return nil
}

// Metrics returns a snapshot of request counters.
func (b *Backend) Metrics() BackendMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// Close releases the underlying connection pool.
func (b *Backend) Close() error { return b.pool.Close() }

// BatchRead reads multiple paths concurrently via errgroup, returning a
// partial result set plus the first error encountered (§4.6 batch
// semantics are enforced one layer up, in internal/vfsfacade).
func (b *Backend) BatchRead(ctx context.Context, paths []vfs.Path) (map[vfs.Path][]byte, error) {
	results := make(map[vfs.Path][]byte, len(paths))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range paths {
		p := p
		g.Go(func() error {
			data, _, err := b.Read(gctx, p)
			if err != nil {
				return err
			}
			mu.Lock()
			results[p] = data
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func detectContentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	case strings.HasSuffix(name, ".xml"):
		return "application/xml"
	case strings.HasSuffix(name, ".html"):
		return "text/html"
	case strings.HasSuffix(name, ".txt"):
		return "text/plain"
	case strings.HasSuffix(name, ".png"):
		return "image/png"
	case strings.HasSuffix(name, ".jpg"), strings.HasSuffix(name, ".jpeg"):
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
