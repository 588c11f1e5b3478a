// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"storj.io/nidx/internal/nidxerr"
)

// DB is the PostgreSQL-backed Catalog implementation. It holds a
// connection pool and applies the schema once at construction, mirroring
// storj.io/storj/satellite/metabase.DB's role as the single authority
// over shard/index/segment state.
type DB struct {
	log  *zap.Logger
	pool *pgxpool.Pool
}

var _ Catalog = (*DB)(nil)

// Open connects to databaseURL, ensures the schema exists and returns a
// ready-to-use catalog.
func Open(ctx context.Context, log *zap.Logger, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nidxerr.Wrap(&nidxerr.StorageTransient, err)
	}
	db := &DB{log: log, pool: pool}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, nidxerr.Wrap(&nidxerr.Internal, err)
	}
	return db, nil
}

// Close releases the connection pool.
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// withTx runs fn inside a single transaction, mirroring the teacher's
// explicit-transaction pattern for every multi-row catalog change (see
// spec.md invariant 4: a merge commits in one transaction, no
// intermediate state observable).
func (db *DB) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nidxerr.Wrap(&nidxerr.StorageTransient, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return nidxerr.Wrap(&nidxerr.StorageTransient, err)
	}
	return nil
}

func classifyNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return nidxerr.NotFound.Wrap(err)
	}
	return nidxerr.Wrap(&nidxerr.Internal, err)
}

// --- Shards ---------------------------------------------------------------

// CreateShard inserts a new shard for kbid. Callers are responsible for
// creating its companion indexes (text, paragraph, relation, one-or-more
// vector) as spec.md §3 requires.
func (db *DB) CreateShard(ctx context.Context, kbid uuid.UUID) (Shard, error) {
	id := uuid.New()
	_, err := db.pool.Exec(ctx, `INSERT INTO shards (id, kbid) VALUES ($1, $2)`, id, kbid)
	if err != nil {
		return Shard{}, nidxerr.Wrap(&nidxerr.Internal, err)
	}
	return Shard{ID: id, KnowledgeBaseID: kbid}, nil
}

// GetShard looks up a live (non-deleted) shard by id.
func (db *DB) GetShard(ctx context.Context, id uuid.UUID) (Shard, error) {
	var s Shard
	err := db.pool.QueryRow(ctx,
		`SELECT id, kbid, deleted_at FROM shards WHERE id = $1 AND deleted_at IS NULL`, id,
	).Scan(&s.ID, &s.KnowledgeBaseID, &s.DeletedAt)
	if err != nil {
		return Shard{}, classifyNotFound(err)
	}
	return s, nil
}

// MarkShardDeleted tombstones a shard; purge reclaims it once its
// indexes are gone.
func (db *DB) MarkShardDeleted(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx, `UPDATE shards SET deleted_at = now() WHERE id = $1`, id)
	if err != nil {
		return nidxerr.Wrap(&nidxerr.Internal, err)
	}
	return nil
}

// ListShardIDs returns every live shard id.
func (db *DB) ListShardIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx, `SELECT id FROM shards WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, nidxerr.Wrap(&nidxerr.Internal, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, nidxerr.Wrap(&nidxerr.Internal, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Indexes ----------------------------------------------------------------

// CreateIndex inserts a new index of kind for shardID. name must be
// non-nil only for vector indexes, where it identifies the vectorset.
func (db *DB) CreateIndex(ctx context.Context, shardID uuid.UUID, kind IndexKind, name *string, configuration []byte) (Index, error) {
	if !kind.Valid() {
		return Index{}, nidxerr.InvalidQuery.New("unknown index kind %q", kind)
	}
	if configuration == nil {
		configuration = []byte(`{}`)
	}
	var idx Index
	err := db.pool.QueryRow(ctx,
		`INSERT INTO indexes (shard_id, kind, name, configuration)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, shard_id, kind, name, configuration, updated_at, deleted_at`,
		shardID, string(kind), name, configuration,
	).Scan(&idx.ID, &idx.ShardID, &idx.Kind, &idx.Name, &idx.Configuration, &idx.UpdatedAt, &idx.DeletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Index{}, nidxerr.Conflict.New("index already exists for shard %s kind %s name %v", shardID, kind, name)
		}
		return Index{}, nidxerr.Wrap(&nidxerr.Internal, err)
	}
	return idx, nil
}

// FindIndex looks up one index by its (shard, kind, name) identity.
func (db *DB) FindIndex(ctx context.Context, shardID uuid.UUID, kind IndexKind, name *string) (Index, error) {
	var idx Index
	err := db.pool.QueryRow(ctx,
		`SELECT id, shard_id, kind, name, configuration, updated_at, deleted_at
		 FROM indexes WHERE shard_id = $1 AND kind = $2 AND name IS NOT DISTINCT FROM $3 AND deleted_at IS NULL`,
		shardID, string(kind), name,
	).Scan(&idx.ID, &idx.ShardID, &idx.Kind, &idx.Name, &idx.Configuration, &idx.UpdatedAt, &idx.DeletedAt)
	if err != nil {
		return Index{}, classifyNotFound(err)
	}
	return idx, nil
}

// IndexesForShard returns every live index belonging to shardID.
func (db *DB) IndexesForShard(ctx context.Context, shardID uuid.UUID) ([]Index, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, shard_id, kind, name, configuration, updated_at, deleted_at
		 FROM indexes WHERE shard_id = $1 AND deleted_at IS NULL`, shardID)
	if err != nil {
		return nil, nidxerr.Wrap(&nidxerr.Internal, err)
	}
	defer rows.Close()

	var indexes []Index
	for rows.Next() {
		var idx Index
		if err := rows.Scan(&idx.ID, &idx.ShardID, &idx.Kind, &idx.Name, &idx.Configuration, &idx.UpdatedAt, &idx.DeletedAt); err != nil {
			return nil, nidxerr.Wrap(&nidxerr.Internal, err)
		}
		indexes = append(indexes, idx)
	}
	return indexes, rows.Err()
}

// GetIndex looks up an index by id, including deleted ones (purge and
// merge executors need to see indexes mid-tombstone).
func (db *DB) GetIndex(ctx context.Context, id int64) (Index, error) {
	var idx Index
	err := db.pool.QueryRow(ctx,
		`SELECT id, shard_id, kind, name, configuration, updated_at, deleted_at FROM indexes WHERE id = $1`, id,
	).Scan(&idx.ID, &idx.ShardID, &idx.Kind, &idx.Name, &idx.Configuration, &idx.UpdatedAt, &idx.DeletedAt)
	if err != nil {
		return Index{}, classifyNotFound(err)
	}
	return idx, nil
}

// MarkIndexDeleted tombstones an index; purge reclaims it once its
// segments and deletions are gone.
func (db *DB) MarkIndexDeleted(ctx context.Context, id int64) error {
	_, err := db.pool.Exec(ctx, `UPDATE indexes SET deleted_at = now() WHERE id = $1`, id)
	if err != nil {
		return nidxerr.Wrap(&nidxerr.Internal, err)
	}
	return nil
}

// RecentlyUpdatedIndexes returns indexes whose updated_at is strictly
// after since, the query the searcher sync loop polls with (spec.md
// §4.7).
func (db *DB) RecentlyUpdatedIndexes(ctx context.Context, since time.Time) ([]Index, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, shard_id, kind, name, configuration, updated_at, deleted_at
		 FROM indexes WHERE updated_at > $1 ORDER BY updated_at ASC`, since)
	if err != nil {
		return nil, nidxerr.Wrap(&nidxerr.Internal, err)
	}
	defer rows.Close()

	var indexes []Index
	for rows.Next() {
		var idx Index
		if err := rows.Scan(&idx.ID, &idx.ShardID, &idx.Kind, &idx.Name, &idx.Configuration, &idx.UpdatedAt, &idx.DeletedAt); err != nil {
			return nil, nidxerr.Wrap(&nidxerr.Internal, err)
		}
		indexes = append(indexes, idx)
	}
	return indexes, rows.Err()
}

// BumpIndexUpdatedAt touches updated_at so the sync loop's polling query
// notices the index changed.
func (db *DB) BumpIndexUpdatedAt(ctx context.Context, indexID int64) error {
	_, err := db.pool.Exec(ctx, `UPDATE indexes SET updated_at = now() WHERE id = $1`, indexID)
	if err != nil {
		return nidxerr.Wrap(&nidxerr.Internal, err)
	}
	return nil
}

// --- Segments -----------------------------------------------------------

// CreateSegment stages a segment row with delete_at set to the
// upload-in-progress marker (spec.md §3, §4.6 step 2b). The caller must
// call MarkSegmentsReady once the blob upload is confirmed, or leave it
// to purge to reclaim.
func (db *DB) CreateSegment(ctx context.Context, indexID int64, seq Seq, records int64, indexMetadata []byte) (Segment, error) {
	if indexMetadata == nil {
		indexMetadata = []byte(`{}`)
	}
	var s Segment
	deleteAt := time.Now().Add(uploadGracePeriod)
	err := db.pool.QueryRow(ctx,
		`INSERT INTO segments (index_id, seq, records, index_metadata, delete_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, index_id, seq, records, size_bytes, index_metadata, merge_job_id, delete_at`,
		indexID, int64(seq), records, indexMetadata, deleteAt,
	).Scan(&s.ID, &s.IndexID, &s.Seq, &s.Records, &s.SizeBytes, &s.IndexMetadata, &s.MergeJobID, &s.DeleteAt)
	if err != nil {
		return Segment{}, nidxerr.Wrap(&nidxerr.Internal, err)
	}
	return s, nil
}

// uploadGracePeriod bounds how long a staged segment may sit without
// being confirmed ready before purge reclaims it as an orphan.
const uploadGracePeriod = time.Hour

// MarkSegmentsReady clears delete_at and records the uploaded size for
// every segment id in sizes, in one transaction (spec.md §4.6 step 4).
func (db *DB) MarkSegmentsReady(ctx context.Context, sizes map[int64]int64) error {
	if len(sizes) == 0 {
		return nil
	}
	return db.withTx(ctx, func(tx pgx.Tx) error {
		for id, size := range sizes {
			if _, err := tx.Exec(ctx,
				`UPDATE segments SET delete_at = NULL, size_bytes = $1 WHERE id = $2`, size, id,
			); err != nil {
				return nidxerr.Wrap(&nidxerr.Internal, err)
			}
		}
		return nil
	})
}

// CommitIndexResource folds spec.md §4.6 step 4's three writes — clearing
// delete_at on every staged segment, inserting the deletion rows, and
// bumping each touched index's updated_at — into one transaction, the
// same atomicity CommitMerge gives the merge path. A crash between
// separate commits would otherwise leave a segment visible without its
// corresponding deletion, or an index not bumped to reflect a change the
// sync loop needs to notice.
func (db *DB) CommitIndexResource(ctx context.Context, sizes map[int64]int64, deletions []Deletion, touchedIndexIDs []int64) error {
	if len(sizes) == 0 && len(deletions) == 0 && len(touchedIndexIDs) == 0 {
		return nil
	}
	return db.withTx(ctx, func(tx pgx.Tx) error {
		for id, size := range sizes {
			if _, err := tx.Exec(ctx,
				`UPDATE segments SET delete_at = NULL, size_bytes = $1 WHERE id = $2`, size, id,
			); err != nil {
				return nidxerr.Wrap(&nidxerr.Internal, err)
			}
		}
		for _, d := range deletions {
			if len(d.Keys) == 0 {
				continue
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO deletions (index_id, seq, keys) VALUES ($1, $2, $3)
				 ON CONFLICT (index_id, seq) DO UPDATE SET keys = deletions.keys || EXCLUDED.keys`,
				d.IndexID, int64(d.Seq), d.Keys); err != nil {
				return nidxerr.Wrap(&nidxerr.Internal, err)
			}
		}
		for _, indexID := range touchedIndexIDs {
			if _, err := tx.Exec(ctx, `UPDATE indexes SET updated_at = now() WHERE id = $1`, indexID); err != nil {
				return nidxerr.Wrap(&nidxerr.Internal, err)
			}
		}
		return nil
	})
}

// AbandonSegments marks staged segments as immediately reclaimable,
// called when the indexer fails before its commit transaction (spec.md
// §4.6 step 5).
func (db *DB) AbandonSegments(ctx context.Context, segmentIDs []int64) error {
	if len(segmentIDs) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx, `UPDATE segments SET delete_at = now() WHERE id = ANY($1)`, segmentIDs)
	if err != nil {
		return nidxerr.Wrap(&nidxerr.Internal, err)
	}
	return nil
}

// SegmentsForIndex returns every segment (live or not) of indexID.
func (db *DB) SegmentsForIndex(ctx context.Context, indexID int64) ([]Segment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, index_id, seq, records, size_bytes, index_metadata, merge_job_id, delete_at
		 FROM segments WHERE index_id = $1`, indexID)
	if err != nil {
		return nil, nidxerr.Wrap(&nidxerr.Internal, err)
	}
	defer rows.Close()
	return scanSegments(rows)
}

func scanSegments(rows pgx.Rows) ([]Segment, error) {
	var segments []Segment
	for rows.Next() {
		var s Segment
		if err := rows.Scan(&s.ID, &s.IndexID, &s.Seq, &s.Records, &s.SizeBytes, &s.IndexMetadata, &s.MergeJobID, &s.DeleteAt); err != nil {
			return nil, nidxerr.Wrap(&nidxerr.Internal, err)
		}
		segments = append(segments, s)
	}
	return segments, rows.Err()
}

// LiveSegmentsAndDeletions returns, per seq, the segments produced and
// deletion keys recorded for indexID, the query nidx's searcher sync
// loop runs (nidx/src/searcher/sync.rs: ready_segments NATURAL FULL
// OUTER JOIN deletions).
func (db *DB) LiveSegmentsAndDeletions(ctx context.Context, indexID int64) ([]SeqMetadata, error) {
	rows, err := db.pool.Query(ctx, `
		WITH ready_segments AS (
			SELECT index_id, seq, array_agg(id) AS segment_ids
			FROM segments
			WHERE delete_at IS NULL AND index_id = $1
			GROUP BY index_id, seq
		)
		SELECT
			COALESCE(ready_segments.seq, deletions.seq) AS seq,
			COALESCE(ready_segments.segment_ids, '{}') AS segment_ids,
			COALESCE(deletions.keys, '{}') AS deleted_keys
		FROM ready_segments
		FULL OUTER JOIN (SELECT seq, keys FROM deletions WHERE index_id = $1) AS deletions
			ON deletions.seq = ready_segments.seq
		WHERE COALESCE(ready_segments.index_id, $1) = $1
		ORDER BY seq`, indexID)
	if err != nil {
		return nil, nidxerr.Wrap(&nidxerr.Internal, err)
	}
	defer rows.Close()

	var out []SeqMetadata
	for rows.Next() {
		var m SeqMetadata
		if err := rows.Scan(&m.Seq, &m.SegmentIDs, &m.DeletedKeys); err != nil {
			return nil, nidxerr.Wrap(&nidxerr.Internal, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SegmentsMarkedDeleted returns segments whose delete_at has passed the
// purge grace period (spec.md §4.9).
func (db *DB) SegmentsMarkedDeleted(ctx context.Context) ([]Segment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, index_id, seq, records, size_bytes, index_metadata, merge_job_id, delete_at
		 FROM segments WHERE delete_at IS NOT NULL AND delete_at < $1`, time.Now().Add(-purgeGrace))
	if err != nil {
		return nil, nidxerr.Wrap(&nidxerr.Internal, err)
	}
	defer rows.Close()
	return scanSegments(rows)
}

// purgeGrace is the minimum age of a delete_at before purge may reclaim
// the segment (spec.md §4.9 default 1h).
const purgeGrace = time.Hour

// DeleteSegments removes segment rows by id.
func (db *DB) DeleteSegments(ctx context.Context, segmentIDs []int64) error {
	if len(segmentIDs) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx, `DELETE FROM segments WHERE id = ANY($1)`, segmentIDs)
	if err != nil {
		return nidxerr.Wrap(&nidxerr.Internal, err)
	}
	return nil
}

// --- Deletions ------------------------------------------------------------

// CreateDeletion records a deletion mask for indexID at seq.
func (db *DB) CreateDeletion(ctx context.Context, indexID int64, seq Seq, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO deletions (index_id, seq, keys) VALUES ($1, $2, $3)
		 ON CONFLICT (index_id, seq) DO UPDATE SET keys = deletions.keys || EXCLUDED.keys`,
		indexID, int64(seq), keys)
	if err != nil {
		return nidxerr.Wrap(&nidxerr.Internal, err)
	}
	return nil
}

// PurgeDeletions removes deletion rows that no longer mask any live
// segment and are older than the oldest in-flight indexer sequence
// (spec.md §4.9).
func (db *DB) PurgeDeletions(ctx context.Context, oldestPendingSeq Seq) error {
	_, err := db.pool.Exec(ctx, `
		WITH oldest_segments AS (
			SELECT index_id, MIN(seq) AS seq FROM segments
			WHERE delete_at IS NULL
			GROUP BY index_id
		)
		DELETE FROM deletions USING oldest_segments
		WHERE deletions.index_id = oldest_segments.index_id
		AND deletions.seq <= oldest_segments.seq
		AND deletions.seq <= $1`, int64(oldestPendingSeq))
	if err != nil {
		return nidxerr.Wrap(&nidxerr.Internal, err)
	}

	_, err = db.pool.Exec(ctx, `
		DELETE FROM deletions USING indexes
		WHERE deletions.index_id = indexes.id AND indexes.deleted_at IS NOT NULL`)
	if err != nil {
		return nidxerr.Wrap(&nidxerr.Internal, err)
	}
	return nil
}

// --- Merge jobs -------------------------------------------------------------

// ClaimMergeJob selects the smallest live, unclaimed segments of indexID
// (size-tiered, spec.md §4.8), adding segments while their total records
// stay within maxRecords, and assigns them to a new job. The first two
// candidates are always taken, even when together they exceed maxRecords.
func (db *DB) ClaimMergeJob(ctx context.Context, indexID int64, maxRecords int64) (MergeJob, []Segment, error) {
	var job MergeJob
	var claimed []Segment
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, index_id, seq, records, size_bytes, index_metadata, merge_job_id, delete_at
			 FROM segments
			 WHERE index_id = $1 AND delete_at IS NULL AND merge_job_id IS NULL
			 ORDER BY COALESCE(size_bytes, 0) ASC, id ASC`, indexID)
		if err != nil {
			return nidxerr.Wrap(&nidxerr.Internal, err)
		}
		candidates, err := scanSegments(rows)
		if err != nil {
			return err
		}

		var total int64
		var selected []Segment
		for _, s := range candidates {
			if len(selected) >= 2 && total+s.Records > maxRecords {
				break
			}
			selected = append(selected, s)
			total += s.Records
		}
		if len(selected) < 2 {
			return ErrNoSegmentsEligible
		}

		if err := tx.QueryRow(ctx,
			`INSERT INTO merge_jobs (index_id) VALUES ($1) RETURNING id, index_id, started_at`, indexID,
		).Scan(&job.ID, &job.IndexID, &job.StartedAt); err != nil {
			return nidxerr.Wrap(&nidxerr.Internal, err)
		}

		ids := make([]int64, len(selected))
		for i, s := range selected {
			ids[i] = s.ID
		}
		if _, err := tx.Exec(ctx, `UPDATE segments SET merge_job_id = $1 WHERE id = ANY($2)`, job.ID, ids); err != nil {
			return nidxerr.Wrap(&nidxerr.Internal, err)
		}
		for i := range selected {
			selected[i].MergeJobID = &job.ID
		}
		claimed = selected
		return nil
	})
	if err != nil {
		return MergeJob{}, nil, err
	}
	return job, claimed, nil
}

// AllocateSegmentID reserves a segment id ahead of the row that will
// eventually use it, so the merge executor can compute the output's
// final storage key and upload the blob before CommitMerge makes the
// row visible (spec.md invariant 3's "blob before row" ordering,
// extended to merge outputs which don't go through CreateSegment).
func (db *DB) AllocateSegmentID(ctx context.Context) (int64, error) {
	var id int64
	if err := db.pool.QueryRow(ctx, `SELECT nextval(pg_get_serial_sequence('segments', 'id'))`).Scan(&id); err != nil {
		return 0, nidxerr.Wrap(&nidxerr.Internal, err)
	}
	return id, nil
}

// CommitMerge inserts the output segment row under outputSegmentID
// (previously reserved via AllocateSegmentID), deletes the input rows
// and the job row, all in one transaction (spec.md invariant 4).
func (db *DB) CommitMerge(ctx context.Context, job MergeJob, inputIDs []int64, outputSegmentID, outputIndexID int64, outputSeq Seq, outputRecords int64, outputIndexMetadata []byte, outputSizeBytes int64) (Segment, error) {
	var out Segment
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO segments (id, index_id, seq, records, index_metadata, size_bytes, delete_at)
			 VALUES ($1, $2, $3, $4, $5, $6, NULL)
			 RETURNING id, index_id, seq, records, size_bytes, index_metadata, merge_job_id, delete_at`,
			outputSegmentID, outputIndexID, int64(outputSeq), outputRecords, outputIndexMetadata, outputSizeBytes,
		).Scan(&out.ID, &out.IndexID, &out.Seq, &out.Records, &out.SizeBytes, &out.IndexMetadata, &out.MergeJobID, &out.DeleteAt); err != nil {
			return nidxerr.Wrap(&nidxerr.Internal, err)
		}

		if len(inputIDs) > 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM segments WHERE id = ANY($1)`, inputIDs); err != nil {
				return nidxerr.Wrap(&nidxerr.Internal, err)
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM merge_jobs WHERE id = $1`, job.ID); err != nil {
			return nidxerr.Wrap(&nidxerr.Internal, err)
		}
		if _, err := tx.Exec(ctx, `UPDATE indexes SET updated_at = now() WHERE id = $1`, outputIndexID); err != nil {
			return nidxerr.Wrap(&nidxerr.Internal, err)
		}
		return nil
	})
	if err != nil {
		return Segment{}, err
	}
	return out, nil
}

// AbandonExpiredMergeJobs releases the claim of any merge job whose
// lease has expired without completing (spec.md §5 timeouts).
func (db *DB) AbandonExpiredMergeJobs(ctx context.Context, lease time.Duration) error {
	_, err := db.pool.Exec(ctx, `
		WITH expired AS (
			DELETE FROM merge_jobs WHERE started_at < $1 RETURNING id
		)
		UPDATE segments SET merge_job_id = NULL
		WHERE merge_job_id IN (SELECT id FROM expired)`, time.Now().Add(-lease))
	if err != nil {
		return nidxerr.Wrap(&nidxerr.Internal, err)
	}
	return nil
}

// PurgeDeletedShardsAndIndexes removes indexes and shards tombstoned by
// MarkIndexDeleted/MarkShardDeleted once they have no remaining
// children (spec.md §4.9).
func (db *DB) PurgeDeletedShardsAndIndexes(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		DELETE FROM indexes
		WHERE deleted_at IS NOT NULL
		AND NOT EXISTS (SELECT 1 FROM segments WHERE index_id = indexes.id)
		AND NOT EXISTS (SELECT 1 FROM deletions WHERE index_id = indexes.id)`)
	if err != nil {
		return nidxerr.Wrap(&nidxerr.Internal, err)
	}

	_, err = db.pool.Exec(ctx, `
		DELETE FROM shards
		WHERE deleted_at IS NOT NULL
		AND NOT EXISTS (SELECT 1 FROM indexes WHERE shard_id = shards.id)`)
	if err != nil {
		return nidxerr.Wrap(&nidxerr.Internal, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
