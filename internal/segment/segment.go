// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package segment defines the contract every index kind (text, paragraph,
// relation, vector) implements, mirroring the four operations nidx's Rust
// index crates each expose (nidx_paragraph, nidx_text, nidx_relation,
// nidx_vector): create, deletion_keys, merge and open. internal/indexer,
// internal/merge and internal/searcher depend only on this interface, never
// on a specific index kind, the same way storj's satellite/metabase is the
// only thing that knows about SQL while everything above it works with
// plain structs.
package segment

import (
	"context"
	"encoding/json"
)

// Metadata is what building or merging a segment returns: how many
// records it holds, plus kind-specific details (e.g. vector dimension,
// HNSW entry point) serialized as the catalog's segments.index_metadata
// column.
type Metadata struct {
	Records       int64
	IndexMetadata json.RawMessage
}

// Input is one segment being read for a merge or a search: its metadata
// (as stored in the catalog) and the on-disk directory it was unpacked
// into by the searcher sync loop or merge executor.
type Input struct {
	Seq           int64
	Dir           string
	Records       int64
	IndexMetadata json.RawMessage
}

// DeletionEntry is one deletion record relative to an index: keys with
// this prefix are masked out of any Input whose Seq is less than Seq.
type DeletionEntry struct {
	Seq  int64
	Keys []string
}

// Builder creates and merges segments of one kind. A Builder is
// stateless; output_dir/work_dir are supplied per call so the same
// Builder instance is reused across resources and merges.
type Builder interface {
	// Create builds a fresh segment directory under outputDir from
	// resource. Returns (nil, nil) if resource contributes nothing of
	// this kind (e.g. a resource with no relations for the relation
	// index).
	Create(ctx context.Context, outputDir string, resource *Resource) (*Metadata, error)

	// DeletionKeys returns the prefix keys this kind records in the
	// deletion log on behalf of resource (almost always just the
	// resource uuid, see spec for per-kind exceptions).
	DeletionKeys(resource *Resource) []string

	// Merge rewrites inputs into a single output directory under
	// workDir, dropping any record whose deletion-masking key appears
	// in deletions with a seq greater than the record's source Input.Seq.
	Merge(ctx context.Context, workDir string, inputs []Input, deletions []DeletionEntry) (*Metadata, error)
}

// Opener produces a read-only Searcher over the union of a set of
// segment directories, masked by the deletion log. Every kind's Opener
// is handed directories the searcher sync loop has already downloaded
// and unpacked (or a merge executor has produced); neither touches the
// object store.
type Opener interface {
	Open(inputs []Input, deletions []DeletionEntry) (Searcher, error)
}

// Searcher is a closeable, read-only view over one index's live
// segments. Kind-specific search methods live on the concrete type the
// Opener returns (e.g. *paragraphindex.Searcher.Search); Searcher only
// carries lifecycle.
type Searcher interface {
	Close() error
}
