// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package catalog is the single authority for shard/index/segment/deletion
// metadata. It mirrors storj.io/storj/satellite/metabase's role for nidx:
// every multi-row mutation goes through an explicit transaction, rows are
// plain structs, and each kind of write is its own narrowly-scoped method
// rather than a generic CRUD surface.
package catalog

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// IndexKind identifies which of the four index kinds a row belongs to.
type IndexKind string

// Recognized index kinds.
const (
	KindText      IndexKind = "text"
	KindParagraph IndexKind = "paragraph"
	KindRelation  IndexKind = "relation"
	KindVector    IndexKind = "vector"
)

// Valid reports whether k is one of the recognized kinds.
func (k IndexKind) Valid() bool {
	switch k {
	case KindText, KindParagraph, KindRelation, KindVector:
		return true
	default:
		return false
	}
}

// Seq is the per-shard, externally assigned, strictly increasing sequence
// number that totally orders ingestions and deletions.
type Seq int64

// Shard is the unit of isolation for one knowledge-base partition.
type Shard struct {
	ID        uuid.UUID
	KnowledgeBaseID uuid.UUID
	DeletedAt *time.Time
}

// Index is a kind-specific search structure belonging to a shard.
type Index struct {
	ID            int64
	ShardID       uuid.UUID
	Kind          IndexKind
	Name          *string // non-nil only for vector indexes ("vectorset")
	Configuration json.RawMessage
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// IsVectorSet reports whether this is a named vector index.
func (i Index) IsVectorSet() bool {
	return i.Kind == KindVector && i.Name != nil
}

// Segment is an immutable, content-addressed unit of an index.
type Segment struct {
	ID            int64
	IndexID       int64
	Seq           Seq
	Records       int64
	SizeBytes     *int64
	IndexMetadata json.RawMessage
	MergeJobID    *int64
	DeleteAt      *time.Time
}

// Live reports whether the segment is part of the current logical view
// (i.e. not pending deletion and not an unconfirmed upload).
func (s Segment) Live() bool {
	return s.DeleteAt == nil
}

// StorageKey is the object-store key this segment's tar blob lives under.
func (s Segment) StorageKey() string {
	return SegmentStorageKey(s.ID)
}

// SegmentStorageKey computes the object-store key for a segment id.
func SegmentStorageKey(id int64) string {
	return "segment/" + strconv.FormatInt(id, 10)
}

// Deletion is a per-index ordered mask: keys carrying prefix key
// should be hidden from any segment of this index with seq < Seq.
type Deletion struct {
	IndexID int64
	Seq     Seq
	Keys    []string
}

// MergeJob is a claim on a set of segments being rewritten into one output.
type MergeJob struct {
	ID        int64
	IndexID   int64
	StartedAt time.Time
}
