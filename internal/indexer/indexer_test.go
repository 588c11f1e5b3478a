// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package indexer

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"storj.io/nidx/internal/catalog"
	"storj.io/nidx/internal/catalog/catalogtest"
	"storj.io/nidx/internal/objectstore"
	"storj.io/nidx/internal/segment"
)

func setupShard(t *testing.T, cat *catalogtest.Fake) catalog.Shard {
	t.Helper()
	shard, err := cat.CreateShard(context.Background(), uuid.New())
	require.NoError(t, err)
	_, err = cat.CreateIndex(context.Background(), shard.ID, catalog.KindText, nil, nil)
	require.NoError(t, err)
	_, err = cat.CreateIndex(context.Background(), shard.ID, catalog.KindParagraph, nil, nil)
	require.NoError(t, err)
	_, err = cat.CreateIndex(context.Background(), shard.ID, catalog.KindRelation, nil, nil)
	require.NoError(t, err)
	return shard
}

func TestIndexResourceCreatesSegmentsAcrossIndexes(t *testing.T) {
	cat := catalogtest.New()
	store, err := objectstore.NewDisk(t.TempDir())
	require.NoError(t, err)
	shard := setupShard(t, cat)

	ix := &Indexer{Catalog: cat, Store: store, WorkDir: t.TempDir()}

	res := &segment.Resource{
		UUID:   "res-1",
		Status: segment.StatusProcessed,
		Fields: []segment.Field{{ID: "f/body", Text: "hello world"}},
		Paragraphs: []segment.Paragraph{
			{FieldID: "f/body", Key: "res-1/f/body/0-11", Text: "hello world"},
		},
		Relations: []segment.Relation{
			{Source: segment.Node{Value: "res-1", Type: segment.NodeResource}, Target: segment.Node{Value: "alice", Type: segment.NodeEntity}, Kind: segment.RelationEntity},
		},
	}

	err = ix.IndexResource(context.Background(), shard.ID, res, 1)
	require.NoError(t, err)

	indexes, err := cat.IndexesForShard(context.Background(), shard.ID)
	require.NoError(t, err)
	for _, idx := range indexes {
		segs, err := cat.SegmentsForIndex(context.Background(), idx.ID)
		require.NoError(t, err)
		require.Len(t, segs, 1)
		require.True(t, segs[0].Live())
		require.NotNil(t, segs[0].SizeBytes)
	}
}

func TestIndexResourceStagesDeletionForTombstone(t *testing.T) {
	cat := catalogtest.New()
	store, err := objectstore.NewDisk(t.TempDir())
	require.NoError(t, err)
	shard := setupShard(t, cat)
	ix := &Indexer{Catalog: cat, Store: store, WorkDir: t.TempDir()}

	live := &segment.Resource{
		UUID: "res-1", Status: segment.StatusProcessed,
		Paragraphs: []segment.Paragraph{{FieldID: "f/body", Key: "res-1/f/body/0-5", Text: "howdy"}},
	}
	require.NoError(t, ix.IndexResource(context.Background(), shard.ID, live, 1))

	tombstone := &segment.Resource{UUID: "res-1", Status: segment.StatusDeleted}
	require.NoError(t, ix.IndexResource(context.Background(), shard.ID, tombstone, 2))

	indexes, err := cat.IndexesForShard(context.Background(), shard.ID)
	require.NoError(t, err)
	var paragraphIdx catalog.Index
	for _, idx := range indexes {
		if idx.Kind == catalog.KindParagraph {
			paragraphIdx = idx
		}
	}
	diffs, err := cat.LiveSegmentsAndDeletions(context.Background(), paragraphIdx.ID)
	require.NoError(t, err)
	var sawDeletion bool
	for _, d := range diffs {
		if len(d.DeletedKeys) > 0 {
			sawDeletion = true
		}
	}
	require.True(t, sawDeletion)
}
