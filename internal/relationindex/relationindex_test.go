// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package relationindex_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/nidx/internal/relationindex"
	"storj.io/nidx/internal/segment"
)

func TestCreateAndGraphSearch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	res := &segment.Resource{
		UUID: "res-1",
		Relations: []segment.Relation{
			{
				Source: segment.Node{Value: "alice", Type: segment.NodeEntity},
				Target: segment.Node{Value: "bob", Type: segment.NodeEntity},
				Kind:   segment.RelationColab,
				Label:  "knows",
			},
			{
				Source: segment.Node{Value: "alice", Type: segment.NodeEntity},
				Target: segment.Node{Value: "acme", Type: segment.NodeEntity},
				Kind:   segment.RelationChild,
				Label:  "works-at",
			},
		},
	}

	b := relationindex.Builder{}
	meta, err := b.Create(ctx, dir, res)
	require.NoError(t, err)
	require.Equal(t, int64(2), meta.Records)

	searcher, err := relationindex.Opener{}.Open([]segment.Input{{Seq: 1, Dir: dir}}, nil)
	require.NoError(t, err)
	defer searcher.Close()

	rs := searcher.(*relationindex.Searcher)
	result := rs.Search(ctx, []segment.Node{{Value: "alice", Type: segment.NodeEntity}}, relationindex.DirectionOut)
	require.Len(t, result.Triples, 2)
	require.Len(t, result.Nodes, 3)
}

func TestMergeDropsMaskedResource(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b := relationindex.Builder{}
	_, err := b.Create(ctx, dir, &segment.Resource{
		UUID: "res-2",
		Relations: []segment.Relation{
			{Source: segment.Node{Value: "x"}, Target: segment.Node{Value: "y"}, Label: "rel"},
		},
	})
	require.NoError(t, err)

	workDir := t.TempDir()
	deletions := []segment.DeletionEntry{{Seq: 2, Keys: []string{"res-2"}}}
	meta, err := b.Merge(ctx, workDir, []segment.Input{{Seq: 1, Dir: dir}}, deletions)
	require.NoError(t, err)
	require.Equal(t, int64(0), meta.Records)
}
