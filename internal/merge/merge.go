// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package merge implements spec.md §4.8: the planner that decides which
// indexes are due for a merge, and the executor that claims a job,
// rewrites the claimed segments' kind-specific content into one output,
// and commits the swap.
package merge

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/nidx/internal/catalog"
	"storj.io/nidx/internal/nidxerr"
	"storj.io/nidx/internal/objectstore"
	"storj.io/nidx/internal/registry"
	"storj.io/nidx/internal/segment"
)

var mon = monkit.Package()

// Defaults, per spec.md §4.8.
const (
	DefaultSegmentsBeforeMerge = 8
	DefaultMaxDeletedFraction  = 0.2
	DefaultMinRecordsForRatio  = 1024
	DefaultMaxNodesInMerge     = 50_000
)

// Planner decides, for each live index, whether it has enough live
// segments or enough deletion pressure to justify enqueueing a merge.
// It doesn't claim or run merges itself; DueForIndex tells a caller
// iterating over shards' indexes whether to attempt ClaimMergeJob.
type Planner struct {
	Catalog             catalog.Catalog
	SegmentsBeforeMerge int
	MaxDeletedFraction  float64
	MinRecordsForRatio  int64
}

// NewPlanner returns a Planner with spec.md §4.8's defaults.
func NewPlanner(cat catalog.Catalog) *Planner {
	return &Planner{
		Catalog:             cat,
		SegmentsBeforeMerge: DefaultSegmentsBeforeMerge,
		MaxDeletedFraction:  DefaultMaxDeletedFraction,
		MinRecordsForRatio:  DefaultMinRecordsForRatio,
	}
}

// DueForIndex reports whether idx should have a merge job enqueued,
// estimating the masked fraction as (deleted keys recorded at a seq
// above the oldest live segment's seq) / (live records), the same
// approximation spec.md §4.8 describes.
func (p *Planner) DueForIndex(ctx context.Context, idx catalog.Index) (bool, error) {
	segs, err := p.Catalog.SegmentsForIndex(ctx, idx.ID)
	if err != nil {
		return false, err
	}
	var liveCount int
	var liveRecords int64
	var minLiveSeq catalog.Seq
	for _, s := range segs {
		if s.Live() {
			if liveCount == 0 || s.Seq < minLiveSeq {
				minLiveSeq = s.Seq
			}
			liveCount++
			liveRecords += s.Records
		}
	}
	if liveCount >= p.SegmentsBeforeMerge {
		return true, nil
	}
	if liveRecords < p.MinRecordsForRatio {
		return false, nil
	}

	diffs, err := p.Catalog.LiveSegmentsAndDeletions(ctx, idx.ID)
	if err != nil {
		return false, err
	}
	var maskedKeys int64
	for _, d := range diffs {
		// A deletion only masks segments with a lower seq, so one at or
		// below the oldest live segment's seq masks nothing.
		if d.Seq > minLiveSeq {
			maskedKeys += int64(len(d.DeletedKeys))
		}
	}
	if liveRecords == 0 {
		return false, nil
	}
	return float64(maskedKeys)/float64(liveRecords) >= p.MaxDeletedFraction, nil
}

// Executor claims and runs merge jobs.
type Executor struct {
	Catalog         catalog.Catalog
	Store           objectstore.Store
	Log             *zap.Logger
	WorkDir         string
	MaxNodesInMerge int64
}

// NewExecutor returns an Executor with spec.md §4.8's default cap.
func NewExecutor(cat catalog.Catalog, store objectstore.Store, workDir string, log *zap.Logger) *Executor {
	return &Executor{Catalog: cat, Store: store, Log: log, WorkDir: workDir, MaxNodesInMerge: DefaultMaxNodesInMerge}
}

// RunOnce claims and executes at most one merge job for idx. Returns
// (false, nil) if catalog.ErrNoSegmentsEligible (nothing to do right
// now, not an error worth logging).
func (e *Executor) RunOnce(ctx context.Context, idx catalog.Index) (ran bool, err error) {
	defer mon.Task()(&ctx)(&err)

	job, inputs, err := e.Catalog.ClaimMergeJob(ctx, idx.ID, e.MaxNodesInMerge)
	if err != nil {
		if err == catalog.ErrNoSegmentsEligible {
			return false, nil
		}
		return false, err
	}

	if err := e.run(ctx, idx, job, inputs); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Executor) run(ctx context.Context, idx catalog.Index, job catalog.MergeJob, inputRows []catalog.Segment) error {
	builder, err := registry.BuilderFor(idx)
	if err != nil {
		return err
	}

	workDir, err := os.MkdirTemp(e.WorkDir, "merge-*")
	if err != nil {
		return nidxerr.Internal.Wrap(err)
	}
	defer os.RemoveAll(workDir)

	var (
		inputs   = make([]segment.Input, 0, len(inputRows))
		maxSeq   catalog.Seq
		inputIDs = make([]int64, len(inputRows))
	)
	for i, row := range inputRows {
		inputIDs[i] = row.ID
		dir := filepath.Join(workDir, "in-"+strconv.FormatInt(row.ID, 10))
		if err := objectstore.DownloadAndUnpack(ctx, e.Store, row.StorageKey(), dir); err != nil {
			return err
		}
		inputs = append(inputs, segment.Input{
			Seq:           int64(row.Seq),
			Dir:           dir,
			Records:       row.Records,
			IndexMetadata: row.IndexMetadata,
		})
		if row.Seq > maxSeq {
			maxSeq = row.Seq
		}
	}

	diffs, err := e.Catalog.LiveSegmentsAndDeletions(ctx, idx.ID)
	if err != nil {
		return err
	}
	var deletions []segment.DeletionEntry
	for _, d := range diffs {
		if len(d.DeletedKeys) > 0 {
			deletions = append(deletions, segment.DeletionEntry{Seq: int64(d.Seq), Keys: d.DeletedKeys})
		}
	}

	outDir := filepath.Join(workDir, "out")
	meta, err := builder.Merge(ctx, outDir, inputs, deletions)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &segment.Metadata{}
	}

	outputID, err := e.Catalog.AllocateSegmentID(ctx)
	if err != nil {
		return err
	}
	size, err := objectstore.PackAndUpload(ctx, e.Store, outDir, catalog.SegmentStorageKey(outputID))
	if err != nil {
		return err
	}

	// The output carries the highest input seq, per spec.md §5's "a
	// merge never loses data" guarantee: deletions already applied
	// during Merge must not be re-applied against the output by a
	// future search, which compares a deletion's seq against the
	// segment's seq.
	outputRow, err := e.Catalog.CommitMerge(ctx, job, inputIDs, outputID, idx.ID, maxSeq, meta.Records, meta.IndexMetadata, size)
	if err != nil {
		return err
	}

	if e.Log != nil {
		e.Log.Info("merged index", zap.Int64("index_id", idx.ID), zap.Int("inputs", len(inputRows)), zap.Int64("output_segment", outputRow.ID))
	}
	return nil
}
