// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package purge

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"storj.io/nidx/internal/catalog"
	"storj.io/nidx/internal/catalog/catalogtest"
	"storj.io/nidx/internal/indexer"
	"storj.io/nidx/internal/merge"
	"storj.io/nidx/internal/objectstore"
	"storj.io/nidx/internal/segment"
)

func TestRunOnceNoopOnEmptyCatalog(t *testing.T) {
	ctx := context.Background()
	cat := catalogtest.New()
	store, err := objectstore.NewDisk(t.TempDir())
	require.NoError(t, err)

	tasks := NewTasks(cat, store, nil)
	require.NoError(t, tasks.RunOnce(ctx))
}

func TestRunOnceDoesNotPurgeSegmentsWithinGracePeriod(t *testing.T) {
	ctx := context.Background()
	cat := catalogtest.New()
	store, err := objectstore.NewDisk(t.TempDir())
	require.NoError(t, err)

	shard, err := cat.CreateShard(ctx, uuid.New())
	require.NoError(t, err)
	_, err = cat.CreateIndex(ctx, shard.ID, catalog.KindParagraph, nil, nil)
	require.NoError(t, err)

	ix := &indexer.Indexer{Catalog: cat, Store: store, WorkDir: t.TempDir()}
	res := &segment.Resource{
		UUID:   "res-1",
		Status: segment.StatusProcessed,
		Paragraphs: []segment.Paragraph{
			{FieldID: "f/body", Key: "res-1/f/body/0-5", Text: "howdy"},
		},
	}
	require.NoError(t, ix.IndexResource(ctx, shard.ID, res, 1))

	indexes, err := cat.IndexesForShard(ctx, shard.ID)
	require.NoError(t, err)
	segsBefore, err := cat.SegmentsForIndex(ctx, indexes[0].ID)
	require.NoError(t, err)
	require.Len(t, segsBefore, 1)
	require.NoError(t, cat.AbandonSegments(ctx, []int64{segsBefore[0].ID}))

	tasks := NewTasks(cat, store, nil)
	require.NoError(t, tasks.RunOnce(ctx))

	segsAfter, err := cat.SegmentsForIndex(ctx, indexes[0].ID)
	require.NoError(t, err)
	require.Len(t, segsAfter, 1, "a segment abandoned moments ago is still within its purge grace period")
}

func TestPurgeDeletionsDropsSupersededRecords(t *testing.T) {
	ctx := context.Background()
	cat := catalogtest.New()
	store, err := objectstore.NewDisk(t.TempDir())
	require.NoError(t, err)

	shard, err := cat.CreateShard(ctx, uuid.New())
	require.NoError(t, err)
	_, err = cat.CreateIndex(ctx, shard.ID, catalog.KindParagraph, nil, nil)
	require.NoError(t, err)

	ix := &indexer.Indexer{Catalog: cat, Store: store, WorkDir: t.TempDir()}

	live := &segment.Resource{
		UUID:   "res-1",
		Status: segment.StatusProcessed,
		Paragraphs: []segment.Paragraph{
			{FieldID: "f/body", Key: "res-1/f/body/0-5", Text: "howdy"},
		},
	}
	require.NoError(t, ix.IndexResource(ctx, shard.ID, live, 1))

	tombstone := &segment.Resource{UUID: "res-1", Status: segment.StatusDeleted}
	require.NoError(t, ix.IndexResource(ctx, shard.ID, tombstone, 2))

	second := &segment.Resource{
		UUID:   "res-2",
		Status: segment.StatusProcessed,
		Paragraphs: []segment.Paragraph{
			{FieldID: "f/body", Key: "res-2/f/body/0-5", Text: "partner"},
		},
	}
	require.NoError(t, ix.IndexResource(ctx, shard.ID, second, 3))

	indexes, err := cat.IndexesForShard(ctx, shard.ID)
	require.NoError(t, err)
	paragraphIdx := indexes[0]

	diffs, err := cat.LiveSegmentsAndDeletions(ctx, paragraphIdx.ID)
	require.NoError(t, err)
	var sawDeletion bool
	for _, d := range diffs {
		if len(d.DeletedKeys) > 0 {
			sawDeletion = true
		}
	}
	require.True(t, sawDeletion, "deletion should be visible before purge")

	// The deletion at seq=2 only masks res-1's segment (seq=1); it can't
	// be purged until no live segment has a lower seq. Merging collapses
	// that segment into one carrying the merge's max input seq (3),
	// clearing the way.
	exec := merge.NewExecutor(cat, store, t.TempDir(), nil)
	ran, err := exec.RunOnce(ctx, paragraphIdx)
	require.NoError(t, err)
	require.True(t, ran)

	tasks := NewTasks(cat, store, nil)
	require.NoError(t, tasks.purgeDeletions(ctx))

	diffs, err = cat.LiveSegmentsAndDeletions(ctx, paragraphIdx.ID)
	require.NoError(t, err)
	for _, d := range diffs {
		require.Empty(t, d.DeletedKeys, "every live segment now has seq >= the deletion's seq, so it should have been purged")
	}
}
