// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package purge implements spec.md §4.9: the periodic tasks that reclaim
// storage for segments whose delete_at has passed, trim deletion
// records that no live segment or in-flight indexer can still need, and
// drop tombstoned shards/indexes once their children are gone.
package purge

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/nidx/internal/catalog"
	"storj.io/nidx/internal/objectstore"
)

var mon = monkit.Package()

// DefaultInterval is how often RunOnce is invoked by Run.
const DefaultInterval = time.Minute

// DefaultMergeJobLease matches spec.md §5's default merge job lease.
const DefaultMergeJobLease = time.Hour

// Tasks runs the four purge sweeps spec.md §4.9 lists.
type Tasks struct {
	Catalog catalog.Catalog
	Store   objectstore.Store
	Log     *zap.Logger

	Interval  time.Duration
	JobLease  time.Duration
}

// NewTasks returns a Tasks with spec.md's defaults.
func NewTasks(cat catalog.Catalog, store objectstore.Store, log *zap.Logger) *Tasks {
	return &Tasks{
		Catalog:  cat,
		Store:    store,
		Log:      log,
		Interval: DefaultInterval,
		JobLease: DefaultMergeJobLease,
	}
}

// Run sweeps every Interval until ctx is canceled. Like the searcher sync
// loop, a failed sweep is logged and does not stop the loop.
func (t *Tasks) Run(ctx context.Context) error {
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := t.RunOnce(ctx); err != nil && t.Log != nil {
			t.Log.Warn("purge sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce runs the four sweeps once, in the order spec.md §4.9 lists them.
// It continues past a failing sweep so that one stuck step doesn't starve
// the others, returning the first error encountered (if any) to the
// caller.
func (t *Tasks) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var firstErr error
	record := func(step string, err error) {
		if err == nil {
			return
		}
		if firstErr == nil {
			firstErr = err
		}
		if t.Log != nil {
			t.Log.Warn("purge step failed", zap.String("step", step), zap.Error(err))
		}
	}

	record("segments", t.purgeSegments(ctx))
	record("deletions", t.purgeDeletions(ctx))
	record("merge_jobs", t.Catalog.AbandonExpiredMergeJobs(ctx, t.lease()))
	record("shards_and_indexes", t.Catalog.PurgeDeletedShardsAndIndexes(ctx))
	return firstErr
}

func (t *Tasks) lease() time.Duration {
	if t.JobLease <= 0 {
		return DefaultMergeJobLease
	}
	return t.JobLease
}

// purgeSegments deletes the object-store blob and catalog row for every
// segment whose delete_at has passed the purge grace period (a staged
// upload never made ready, or one the indexer abandoned). Merge inputs
// never reach this sweep: CommitMerge deletes their rows directly, and
// their blobs are not deleted here. A missing blob is not an error: the
// upload that would have created it may never have completed.
func (t *Tasks) purgeSegments(ctx context.Context) error {
	segs, err := t.Catalog.SegmentsMarkedDeleted(ctx)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(segs))
	for _, s := range segs {
		if err := t.Store.Delete(ctx, s.StorageKey()); err != nil {
			return err
		}
		ids = append(ids, s.ID)
	}
	return t.Catalog.DeleteSegments(ctx, ids)
}

// purgeDeletions trims deletion records no live segment can still need.
// A deletion with seq S only ever needs to mask a segment with seq < S;
// once every live segment of its index has seq >= S it has done its job.
// There's no tracked "oldest in-flight indexer seq" here (the indexer
// doesn't register pending writes anywhere durable), so this conservatively
// passes math.MaxInt64 for that half of spec.md §4.9's bound, deferring
// entirely to the per-index live-segment floor the catalog computes.
func (t *Tasks) purgeDeletions(ctx context.Context) error {
	return t.Catalog.PurgeDeletions(ctx, catalog.Seq(math.MaxInt64))
}
