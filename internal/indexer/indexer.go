// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package indexer implements spec.md §4.6: index_resource, the single
// entry point turning one ingested resource into segments across every
// live index of its shard. internal/registry supplies the per-kind
// Builder; internal/objectstore packs and uploads the resulting segment
// directories; internal/catalog stages and commits the metadata rows.
package indexer

import (
	"context"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/nidx/internal/catalog"
	"storj.io/nidx/internal/nidxerr"
	"storj.io/nidx/internal/objectstore"
	"storj.io/nidx/internal/registry"
	"storj.io/nidx/internal/segment"
)

var mon = monkit.Package()

// Indexer turns resources into segments for every live index of their
// shard.
type Indexer struct {
	Catalog catalog.Catalog
	Store   objectstore.Store
	Log     *zap.Logger
	// WorkDir is the parent directory segment builds stage their output
	// under before it's tarred and uploaded; each build gets its own
	// subdirectory, removed once uploaded (or on failure).
	WorkDir string
}

// staged is one index's build output, pending the final commit
// transaction.
type staged struct {
	index         catalog.Index
	segmentID     int64
	size          int64
	records       int64
	indexMetadata []byte
}

// IndexResource implements spec.md §4.6's algorithm for one resource at
// sequence seq: build a segment per live index in parallel, tar-upload
// each non-empty one, stage its row, compute deletion keys, then commit
// every staged row and the deletions in one catalog transaction.
func (ix *Indexer) IndexResource(ctx context.Context, shardID uuid.UUID, resource *segment.Resource, seq catalog.Seq) (err error) {
	defer mon.Task()(&ctx)(&err)

	indexes, err := ix.Catalog.IndexesForShard(ctx, shardID)
	if err != nil {
		return err
	}

	var live []catalog.Index
	for _, idx := range indexes {
		if idx.DeletedAt == nil {
			live = append(live, idx)
		}
	}

	staging := make([]*staged, len(live))
	group, gctx := errgroup.WithContext(ctx)
	for i, idx := range live {
		i, idx := i, idx
		group.Go(func() error {
			s, err := ix.buildAndStage(gctx, idx, resource, seq)
			if err != nil {
				return err
			}
			staging[i] = s
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		ix.abandon(ctx, staging)
		return err
	}

	var deletions []catalog.Deletion
	for _, idx := range live {
		builder, err := registry.BuilderFor(idx)
		if err != nil {
			ix.abandon(ctx, staging)
			return err
		}
		if keys := builder.DeletionKeys(resource); len(keys) > 0 {
			deletions = append(deletions, catalog.Deletion{IndexID: idx.ID, Seq: seq, Keys: keys})
		}
	}

	sizes := map[int64]int64{}
	touched := map[int64]bool{}
	for _, s := range staging {
		if s == nil {
			continue
		}
		sizes[s.segmentID] = s.size
		touched[s.index.ID] = true
	}
	for _, d := range deletions {
		touched[d.IndexID] = true
	}
	touchedIDs := make([]int64, 0, len(touched))
	for indexID := range touched {
		touchedIDs = append(touchedIDs, indexID)
	}

	// spec.md §4.6 step 4: staged-ready, deletions and updated_at bumps
	// commit in one transaction, so a crash between them never leaves a
	// segment visible without its deletion, or an index not bumped.
	if err := ix.Catalog.CommitIndexResource(ctx, sizes, deletions, touchedIDs); err != nil {
		ix.abandon(ctx, staging)
		return err
	}
	return nil
}

// buildAndStage runs one index's Create, uploads the result if
// non-empty, and stages its catalog row. Returns (nil, nil) when the
// index contributes nothing for this resource.
func (ix *Indexer) buildAndStage(ctx context.Context, idx catalog.Index, resource *segment.Resource, seq catalog.Seq) (*staged, error) {
	builder, err := registry.BuilderFor(idx)
	if err != nil {
		return nil, err
	}

	buildDir, err := os.MkdirTemp(ix.WorkDir, "build-*")
	if err != nil {
		return nil, nidxerr.Internal.Wrap(err)
	}
	defer os.RemoveAll(buildDir)

	meta, err := builder.Create(ctx, buildDir, resource)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	row, err := ix.Catalog.CreateSegment(ctx, idx.ID, seq, meta.Records, meta.IndexMetadata)
	if err != nil {
		return nil, err
	}

	key := row.StorageKey()
	size, err := objectstore.PackAndUpload(ctx, ix.Store, buildDir, key)
	if err != nil {
		ix.Catalog.AbandonSegments(ctx, []int64{row.ID})
		return nil, err
	}

	return &staged{index: idx, segmentID: row.ID, size: size, records: meta.Records, indexMetadata: meta.IndexMetadata}, nil
}

// abandon releases every successfully staged segment row after a later
// step failed; purge will also reclaim them via delete_at, but doing it
// eagerly keeps live segment lists accurate without waiting a full
// purge cycle.
func (ix *Indexer) abandon(ctx context.Context, staging []*staged) {
	var ids []int64
	for _, s := range staging {
		if s != nil {
			ids = append(ids, s.segmentID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := ix.Catalog.AbandonSegments(ctx, ids); err != nil && ix.Log != nil {
		ix.Log.Warn("failed to abandon staged segments after indexing error", zap.Error(err), zap.Int64s("segment_ids", ids))
	}
}
