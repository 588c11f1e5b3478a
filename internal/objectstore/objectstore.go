// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package objectstore is the blob-storage side of the segment lifecycle:
// segment tar blobs live here, content-addressed by the catalog's segment
// id, and the catalog row is never considered authoritative until the
// blob upload it describes has completed (see internal/catalog's
// CreateSegment/MarkSegmentsReady split).
package objectstore

import (
	"context"
	"io"
)

// Store is the minimal blob operations the indexer, searcher and merge
// executor need against segment storage. It is intentionally narrower
// than a general-purpose object store client: nidx never lists a bucket,
// never sets ACLs, and never needs range reads, so Store doesn't expose
// them.
type Store interface {
	// Put uploads data under key, replacing any existing object at that
	// key. size is the exact number of bytes data will yield; backends
	// that require Content-Length (e.g. S3-compatible ones behind R2)
	// depend on it being accurate.
	Put(ctx context.Context, key string, data io.Reader, size int64) error

	// Get opens a reader for the object at key. Callers must Close it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object at key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error
}
