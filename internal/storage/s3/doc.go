// Package s3 provides the connection pool shared by internal/backend/s3's
// vfs.Backend implementation: a bounded set of reusable *s3.Client
// instances with a background health checker that evicts connections the
// AWS SDK reports as unhealthy. Evicted connections are not replaced by the
// checker; new ones are created on demand when a connection is requested.
package s3
