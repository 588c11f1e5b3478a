// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package textindex_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/nidx/internal/segment"
	"storj.io/nidx/internal/textindex"
)

func TestCreateAndSearch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b := textindex.Builder{}
	res := &segment.Resource{
		UUID:       "res-1",
		Status:     segment.StatusProcessed,
		CreatedAt:  time.Now(),
		ModifiedAt: time.Now(),
		Public:     true,
		Fields: []segment.Field{
			{ID: "a/title", Text: "the quick brown fox"},
			{ID: "f/body", Text: "jumps over the lazy dog"},
		},
	}

	meta, err := b.Create(ctx, dir, res)
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.Equal(t, int64(2), meta.Records)

	opener := textindex.Opener{}
	searcher, err := opener.Open([]segment.Input{{Seq: 1, Dir: dir}}, nil)
	require.NoError(t, err)
	defer searcher.Close()

	ts := searcher.(*textindex.Searcher)
	hits, err := ts.Search(ctx, textindex.Request{Query: "fox"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "res-1", hits[0].UUID)
}

func TestDeletionKeys(t *testing.T) {
	b := textindex.Builder{}
	keys := b.DeletionKeys(&segment.Resource{UUID: "res-2"})
	require.Equal(t, []string{"res-2"}, keys)
}

func TestCreateSkipsDeletedResource(t *testing.T) {
	ctx := context.Background()
	b := textindex.Builder{}
	meta, err := b.Create(ctx, t.TempDir(), &segment.Resource{UUID: "res-3", Status: segment.StatusDeleted})
	require.NoError(t, err)
	require.Nil(t, meta)
}

// TestSearchMasksOnlyOwnSegment reproduces the round-trip a re-ingested
// resource takes before its old segment is merged away: res-1's first
// segment (seq 1) stays open alongside a second segment (seq 2) carrying
// the re-indexed content, plus a deletion(res-1, seq 2) that only masks
// the first segment. A search must still surface the live hit from the
// second segment instead of dropping it because some other open
// segment's mask also names res-1.
func TestSearchMasksOnlyOwnSegment(t *testing.T) {
	ctx := context.Background()
	b := textindex.Builder{}

	dir1 := t.TempDir()
	meta1, err := b.Create(ctx, dir1, &segment.Resource{
		UUID:   "res-1",
		Status: segment.StatusProcessed,
		Fields: []segment.Field{{ID: "f/body", Text: "original text"}},
	})
	require.NoError(t, err)
	require.NotNil(t, meta1)

	dir2 := t.TempDir()
	meta2, err := b.Create(ctx, dir2, &segment.Resource{
		UUID:   "res-1",
		Status: segment.StatusProcessed,
		Fields: []segment.Field{{ID: "f/body", Text: "updated text"}},
	})
	require.NoError(t, err)
	require.NotNil(t, meta2)

	deletions := []segment.DeletionEntry{{Seq: 2, Keys: []string{"res-1"}}}
	inputs := []segment.Input{
		{Seq: 1, Dir: dir1},
		{Seq: 2, Dir: dir2},
	}

	searcher, err := textindex.Opener{}.Open(inputs, deletions)
	require.NoError(t, err)
	defer searcher.Close()

	ts := searcher.(*textindex.Searcher)
	hits, err := ts.Search(ctx, textindex.Request{Query: "updated"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "res-1", hits[0].UUID)
}
