// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SeqMetadata is one row of the diff the searcher sync loop consumes: all
// segments produced at a given seq, plus any deletion keys recorded at
// that seq, for one index. It mirrors nidx's sync_index query
// ("ready_segments NATURAL FULL OUTER JOIN deletions").
type SeqMetadata struct {
	Seq          Seq
	SegmentIDs   []int64
	DeletedKeys  []string
}

// Catalog is the full surface the indexer, searcher, merge planner/executor
// and purge tasks use against the metadata store. catalog.DB implements it
// against PostgreSQL via pgx; catalogtest.Fake implements it in memory for
// unit tests that don't need a live database.
type Catalog interface {
	// Shards.
	CreateShard(ctx context.Context, kbid uuid.UUID) (Shard, error)
	GetShard(ctx context.Context, id uuid.UUID) (Shard, error)
	MarkShardDeleted(ctx context.Context, id uuid.UUID) error
	ListShardIDs(ctx context.Context) ([]uuid.UUID, error)

	// Indexes.
	CreateIndex(ctx context.Context, shardID uuid.UUID, kind IndexKind, name *string, configuration []byte) (Index, error)
	FindIndex(ctx context.Context, shardID uuid.UUID, kind IndexKind, name *string) (Index, error)
	IndexesForShard(ctx context.Context, shardID uuid.UUID) ([]Index, error)
	GetIndex(ctx context.Context, id int64) (Index, error)
	MarkIndexDeleted(ctx context.Context, id int64) error
	RecentlyUpdatedIndexes(ctx context.Context, since time.Time) ([]Index, error)

	// Segments. CreateSegment stages a row (delete_at set, the
	// upload-in-progress marker); MarkSegmentsReady clears delete_at and
	// records size once the blob is confirmed uploaded.
	CreateSegment(ctx context.Context, indexID int64, seq Seq, records int64, indexMetadata []byte) (Segment, error)
	MarkSegmentsReady(ctx context.Context, sizes map[int64]int64) error
	AbandonSegments(ctx context.Context, segmentIDs []int64) error
	SegmentsForIndex(ctx context.Context, indexID int64) ([]Segment, error)
	LiveSegmentsAndDeletions(ctx context.Context, indexID int64) ([]SeqMetadata, error)
	SegmentsMarkedDeleted(ctx context.Context) ([]Segment, error)
	DeleteSegments(ctx context.Context, segmentIDs []int64) error

	// CommitIndexResource is spec.md §4.6 step 4's single commit
	// transaction: clear delete_at (and record size) for every staged
	// segment id in sizes, insert deletions, and bump updated_at for
	// every index in touchedIndexIDs, all atomically so no intermediate
	// state (a segment visible without its deletion, or an index not
	// bumped) is ever observable.
	CommitIndexResource(ctx context.Context, sizes map[int64]int64, deletions []Deletion, touchedIndexIDs []int64) error

	// Deletions.
	CreateDeletion(ctx context.Context, indexID int64, seq Seq, keys []string) error
	PurgeDeletions(ctx context.Context, oldestPendingSeq Seq) error

	// Merge jobs. ClaimMergeJob selects the smallest live segments of
	// indexID while their total records stay within maxRecords (always at
	// least two, even past maxRecords) and marks them as claimed by a
	// fresh job. AllocateSegmentID reserves an id (and its storage key)
	// before the blob exists, so the output can be uploaded under its
	// final key before CommitMerge makes the row visible, preserving the
	// same "blob before row" ordering CreateSegment gives fresh segments.
	// CommitMerge atomically inserts the output row under that id,
	// deletes the input rows and deletes the job.
	ClaimMergeJob(ctx context.Context, indexID int64, maxRecords int64) (MergeJob, []Segment, error)
	AllocateSegmentID(ctx context.Context) (int64, error)
	CommitMerge(ctx context.Context, job MergeJob, inputIDs []int64, outputSegmentID, outputIndexID int64, outputSeq Seq, outputRecords int64, outputIndexMetadata []byte, outputSizeBytes int64) (Segment, error)
	AbandonExpiredMergeJobs(ctx context.Context, lease time.Duration) error

	// Purge of tombstoned shards/indexes once their children are gone.
	PurgeDeletedShardsAndIndexes(ctx context.Context) error

	// BumpIndexUpdatedAt is called whenever a segment or deletion changes
	// for idx, so the searcher sync loop's polling query notices it.
	BumpIndexUpdatedAt(ctx context.Context, indexID int64) error

	Close() error
}

// ErrNoSegmentsEligible is returned by ClaimMergeJob when no segment of
// the index is eligible for merging (e.g. the index has 0 or 1 live
// segments).
var ErrNoSegmentsEligible = errNoSegmentsEligible{}

type errNoSegmentsEligible struct{}

func (errNoSegmentsEligible) Error() string { return "no segments eligible for merge" }
