// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package paragraphindex_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/nidx/internal/paragraphindex"
	"storj.io/nidx/internal/segment"
)

func TestCreateAndKeywordSearch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b := paragraphindex.Builder{}
	res := &segment.Resource{
		UUID: "res-1",
		Paragraphs: []segment.Paragraph{
			{FieldID: "f/body", Key: "res-1/f/body/0-20", Text: "the quick brown fox", Start: 0, End: 20},
			{FieldID: "f/body", Key: "res-1/f/body/21-40", Text: "jumps over a lazy dog", Start: 21, End: 40},
		},
	}

	meta, err := b.Create(ctx, dir, res)
	require.NoError(t, err)
	require.Equal(t, int64(2), meta.Records)

	searcher, err := paragraphindex.Opener{}.Open([]segment.Input{{Seq: 1, Dir: dir}}, nil)
	require.NoError(t, err)
	defer searcher.Close()

	ps := searcher.(*paragraphindex.Searcher)
	hits, err := ps.Search(ctx, paragraphindex.Request{Query: "fox"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "res-1/f/body/0-20", hits[0].Key)
}

func TestSearchAppliesDeletionMask(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b := paragraphindex.Builder{}
	_, err := b.Create(ctx, dir, &segment.Resource{
		UUID: "res-2",
		Paragraphs: []segment.Paragraph{
			{FieldID: "f/body", Key: "res-2/f/body/0-5", Text: "hello world"},
		},
	})
	require.NoError(t, err)

	deletions := []segment.DeletionEntry{{Seq: 2, Keys: []string{"res-2"}}}
	searcher, err := paragraphindex.Opener{}.Open([]segment.Input{{Seq: 1, Dir: dir}}, deletions)
	require.NoError(t, err)
	defer searcher.Close()

	hits, err := searcher.(*paragraphindex.Searcher).Search(ctx, paragraphindex.Request{Query: "hello"})
	require.NoError(t, err)
	require.Empty(t, hits)
}

// TestSearchMasksOnlyOwnSegment covers a resource update whose old segment
// hasn't been merged away yet: the older segment (seq 1) is masked for
// res-3 by a deletion at seq 2, but the newer segment (seq 2) carrying the
// re-indexed paragraph is not. A search must still return the new
// paragraph instead of dropping it because some other open segment's mask
// also names res-3.
func TestSearchMasksOnlyOwnSegment(t *testing.T) {
	ctx := context.Background()
	b := paragraphindex.Builder{}

	dir1 := t.TempDir()
	_, err := b.Create(ctx, dir1, &segment.Resource{
		UUID: "res-3",
		Paragraphs: []segment.Paragraph{
			{FieldID: "f/body", Key: "res-3/f/body/0-5", Text: "hello world"},
		},
	})
	require.NoError(t, err)

	dir2 := t.TempDir()
	_, err = b.Create(ctx, dir2, &segment.Resource{
		UUID: "res-3",
		Paragraphs: []segment.Paragraph{
			{FieldID: "f/body", Key: "res-3/f/body/0-9", Text: "hello there"},
		},
	})
	require.NoError(t, err)

	deletions := []segment.DeletionEntry{{Seq: 2, Keys: []string{"res-3"}}}
	inputs := []segment.Input{
		{Seq: 1, Dir: dir1},
		{Seq: 2, Dir: dir2},
	}

	searcher, err := paragraphindex.Opener{}.Open(inputs, deletions)
	require.NoError(t, err)
	defer searcher.Close()

	hits, err := searcher.(*paragraphindex.Searcher).Search(ctx, paragraphindex.Request{Query: "hello"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "res-3/f/body/0-9", hits[0].Key)
}
