// Package cache implements the content-addressed blob cache: a store
// keyed by digest, written via temp-file-then-atomic-rename, shared
// across materializations of different images. Two backends are
// provided: a local filesystem store (FSStore, the default) and an S3
// store (S3Store) for shared-cluster deployments, where a blob fetched by
// one node can be reused by another without re-hitting the origin
// registry. The compositor reads tar layers from whichever backend is the
// primary Store.
package cache

import (
	"context"
	"io"

	"github.com/ociassemble/ociassemble/internal/digest"
)

// Store is the interface both blob cache backends satisfy.
type Store interface {
	Init(ctx context.Context) error
	// Head reports whether a blob for d is present, without fetching it.
	Head(ctx context.Context, d digest.Digest) (bool, error)
	// Get opens a blob for reading. Callers must Close the result.
	Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error)
	// Put uploads a blob already verified by the caller against d.
	Put(ctx context.Context, d digest.Digest, body io.Reader, size int64) error
}

// Mirror is the optional interface a Store can implement to serve as a
// secondary, best-effort source/sink layered in front of the local
// FSStore — e.g. an S3Store shared by a cluster of materializer workers.
// Failures talking to a Mirror are never fatal to a pull.
type Mirror interface {
	Store
}
