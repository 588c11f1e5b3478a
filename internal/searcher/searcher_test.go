// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package searcher

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"storj.io/nidx/internal/catalog"
	"storj.io/nidx/internal/catalog/catalogtest"
	"storj.io/nidx/internal/indexer"
	"storj.io/nidx/internal/objectstore"
	"storj.io/nidx/internal/paragraphindex"
	"storj.io/nidx/internal/segment"
	"storj.io/nidx/internal/textindex"
)

func TestSyncThenQuery(t *testing.T) {
	ctx := context.Background()
	cat := catalogtest.New()
	store, err := objectstore.NewDisk(t.TempDir())
	require.NoError(t, err)

	shard, err := cat.CreateShard(ctx, uuid.New())
	require.NoError(t, err)
	_, err = cat.CreateIndex(ctx, shard.ID, catalog.KindText, nil, nil)
	require.NoError(t, err)
	_, err = cat.CreateIndex(ctx, shard.ID, catalog.KindParagraph, nil, nil)
	require.NoError(t, err)

	ix := &indexer.Indexer{Catalog: cat, Store: store, WorkDir: t.TempDir()}
	res := &segment.Resource{
		UUID:   "res-1",
		Status: segment.StatusProcessed,
		Fields: []segment.Field{{ID: "f/title", Text: "hello ocean"}},
		Paragraphs: []segment.Paragraph{
			{FieldID: "f/title", Key: "res-1/f/title/0-11", Text: "hello ocean"},
		},
	}
	require.NoError(t, ix.IndexResource(ctx, shard.ID, res, 1))

	sync := NewSyncer(cat, store, t.TempDir(), nil)
	require.NoError(t, sync.SyncOnce(ctx))

	textHits, err := sync.SearchText(ctx, shard.ID, textindex.Request{Query: "ocean"})
	require.NoError(t, err)
	require.NotEmpty(t, textHits)

	paraHits, err := sync.SearchParagraphs(ctx, shard.ID, paragraphindex.Request{Query: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, paraHits)
}

func TestSyncPicksUpNewSegmentsOnNextPoll(t *testing.T) {
	ctx := context.Background()
	cat := catalogtest.New()
	store, err := objectstore.NewDisk(t.TempDir())
	require.NoError(t, err)

	shard, err := cat.CreateShard(ctx, uuid.New())
	require.NoError(t, err)
	_, err = cat.CreateIndex(ctx, shard.ID, catalog.KindText, nil, nil)
	require.NoError(t, err)

	ix := &indexer.Indexer{Catalog: cat, Store: store, WorkDir: t.TempDir()}
	sync := NewSyncer(cat, store, t.TempDir(), nil)
	require.NoError(t, sync.SyncOnce(ctx))

	hits, err := sync.SearchText(ctx, shard.ID, textindex.Request{Query: "ocean"})
	require.NoError(t, err)
	require.Empty(t, hits)

	res := &segment.Resource{
		UUID:   "res-1",
		Status: segment.StatusProcessed,
		Fields: []segment.Field{{ID: "f/title", Text: "hello ocean"}},
	}
	require.NoError(t, ix.IndexResource(ctx, shard.ID, res, 1))
	require.NoError(t, sync.SyncOnce(ctx))

	hits, err = sync.SearchText(ctx, shard.ID, textindex.Request{Query: "ocean"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
}
