// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package merge

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"storj.io/nidx/internal/catalog"
	"storj.io/nidx/internal/catalog/catalogtest"
	"storj.io/nidx/internal/indexer"
	"storj.io/nidx/internal/objectstore"
	"storj.io/nidx/internal/segment"
)

func TestPlannerDueOnSegmentCount(t *testing.T) {
	ctx := context.Background()
	cat := catalogtest.New()
	store, err := objectstore.NewDisk(t.TempDir())
	require.NoError(t, err)

	shard, err := cat.CreateShard(ctx, uuid.New())
	require.NoError(t, err)
	_, err = cat.CreateIndex(ctx, shard.ID, catalog.KindParagraph, nil, nil)
	require.NoError(t, err)

	ix := &indexer.Indexer{Catalog: cat, Store: store, WorkDir: t.TempDir()}

	p := NewPlanner(cat)
	p.SegmentsBeforeMerge = 3

	indexes, err := cat.IndexesForShard(ctx, shard.ID)
	require.NoError(t, err)
	idx := indexes[0]

	due, err := p.DueForIndex(ctx, idx)
	require.NoError(t, err)
	require.False(t, due)

	for i := 0; i < 3; i++ {
		res := &segment.Resource{
			UUID:   "res-" + string(rune('a'+i)),
			Status: segment.StatusProcessed,
			Paragraphs: []segment.Paragraph{
				{FieldID: "f/body", Key: "res/" + string(rune('a'+i)) + "/f/body/0-5", Text: "howdy"},
			},
		}
		require.NoError(t, ix.IndexResource(ctx, shard.ID, res, catalog.Seq(i+1)))
	}

	due, err = p.DueForIndex(ctx, idx)
	require.NoError(t, err)
	require.True(t, due)
}

func TestPlannerDueOnDeletedFraction(t *testing.T) {
	ctx := context.Background()
	cat := catalogtest.New()
	store, err := objectstore.NewDisk(t.TempDir())
	require.NoError(t, err)

	shard, err := cat.CreateShard(ctx, uuid.New())
	require.NoError(t, err)
	_, err = cat.CreateIndex(ctx, shard.ID, catalog.KindParagraph, nil, nil)
	require.NoError(t, err)

	ix := &indexer.Indexer{Catalog: cat, Store: store, WorkDir: t.TempDir()}

	p := NewPlanner(cat)
	p.SegmentsBeforeMerge = 100
	p.MinRecordsForRatio = 1
	p.MaxDeletedFraction = 0.5

	indexes, err := cat.IndexesForShard(ctx, shard.ID)
	require.NoError(t, err)
	idx := indexes[0]

	live := &segment.Resource{
		UUID:   "res-1",
		Status: segment.StatusProcessed,
		Paragraphs: []segment.Paragraph{
			{FieldID: "f/body", Key: "res-1/f/body/0-5", Text: "howdy"},
		},
	}
	require.NoError(t, ix.IndexResource(ctx, shard.ID, live, 1))

	due, err := p.DueForIndex(ctx, idx)
	require.NoError(t, err)
	require.False(t, due)

	tombstone := &segment.Resource{UUID: "res-1", Status: segment.StatusDeleted}
	require.NoError(t, ix.IndexResource(ctx, shard.ID, tombstone, 2))

	due, err = p.DueForIndex(ctx, idx)
	require.NoError(t, err)
	require.True(t, due)
}

func TestExecutorRunOnceMergesSegments(t *testing.T) {
	ctx := context.Background()
	cat := catalogtest.New()
	store, err := objectstore.NewDisk(t.TempDir())
	require.NoError(t, err)

	shard, err := cat.CreateShard(ctx, uuid.New())
	require.NoError(t, err)
	_, err = cat.CreateIndex(ctx, shard.ID, catalog.KindParagraph, nil, nil)
	require.NoError(t, err)

	ix := &indexer.Indexer{Catalog: cat, Store: store, WorkDir: t.TempDir()}
	for i := 0; i < 3; i++ {
		name := string(rune('a' + i))
		res := &segment.Resource{
			UUID:   "res-" + name,
			Status: segment.StatusProcessed,
			Paragraphs: []segment.Paragraph{
				{FieldID: "f/body", Key: "res-" + name + "/f/body/0-5", Text: "howdy " + name},
			},
		}
		require.NoError(t, ix.IndexResource(ctx, shard.ID, res, catalog.Seq(i+1)))
	}

	indexes, err := cat.IndexesForShard(ctx, shard.ID)
	require.NoError(t, err)
	idx := indexes[0]

	segsBefore, err := cat.SegmentsForIndex(ctx, idx.ID)
	require.NoError(t, err)
	require.Len(t, segsBefore, 3)

	exec := NewExecutor(cat, store, t.TempDir(), nil)
	exec.MaxNodesInMerge = 1000

	ran, err := exec.RunOnce(ctx, idx)
	require.NoError(t, err)
	require.True(t, ran)

	segsAfter, err := cat.SegmentsForIndex(ctx, idx.ID)
	require.NoError(t, err)
	var live []catalog.Segment
	for _, s := range segsAfter {
		if s.Live() {
			live = append(live, s)
		}
	}
	require.Len(t, live, 1)
	require.EqualValues(t, 3, live[0].Records)
}

func TestExecutorRunOnceNoEligibleSegments(t *testing.T) {
	ctx := context.Background()
	cat := catalogtest.New()
	store, err := objectstore.NewDisk(t.TempDir())
	require.NoError(t, err)

	shard, err := cat.CreateShard(ctx, uuid.New())
	require.NoError(t, err)
	_, err = cat.CreateIndex(ctx, shard.ID, catalog.KindParagraph, nil, nil)
	require.NoError(t, err)

	indexes, err := cat.IndexesForShard(ctx, shard.ID)
	require.NoError(t, err)
	idx := indexes[0]

	exec := NewExecutor(cat, store, t.TempDir(), nil)
	ran, err := exec.RunOnce(ctx, idx)
	require.NoError(t, err)
	require.False(t, ran)
}
