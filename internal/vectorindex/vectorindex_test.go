// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package vectorindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/nidx/internal/segment"
)

func testResource(uuid string, vecs ...[]float32) *segment.Resource {
	var vps []segment.VectorParagraph
	for i, v := range vecs {
		vps = append(vps, segment.VectorParagraph{
			Key:     uuid + "/f/0-10",
			Labels:  []string{"/l/lang/en"},
			Vectors: [][]float32{v},
		})
		_ = i
	}
	return &segment.Resource{
		UUID:       uuid,
		Status:     segment.StatusProcessed,
		Vectorsets: map[string][]segment.VectorParagraph{"": vps},
	}
}

func TestCreateAndSearch(t *testing.T) {
	dir := t.TempDir()
	b := Builder{Config: Config{Dimension: 2, Similarity: SimilarityCosine}}

	r := testResource("res-1", []float32{1, 0}, []float32{0, 1})
	meta, err := b.Create(context.Background(), dir, r)
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.EqualValues(t, 2, meta.Records)

	searcher, err := Opener{}.Open([]segment.Input{{Seq: 1, Dir: dir, Records: meta.Records, IndexMetadata: meta.IndexMetadata}}, nil)
	require.NoError(t, err)
	defer searcher.Close()

	vs := searcher.(*Searcher)
	hits, err := vs.Search(Request{Query: []float32{1, 0}, K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.InDelta(t, 1.0, hits[0].Score, 0.05)
}

func TestSearchSkipsZeroK(t *testing.T) {
	dir := t.TempDir()
	b := Builder{Config: Config{Dimension: 2}}
	r := testResource("res-1", []float32{1, 0})
	meta, err := b.Create(context.Background(), dir, r)
	require.NoError(t, err)

	searcher, err := Opener{}.Open([]segment.Input{{Seq: 1, Dir: dir, IndexMetadata: meta.IndexMetadata}}, nil)
	require.NoError(t, err)
	defer searcher.Close()

	hits, err := searcher.(*Searcher).Search(Request{Query: []float32{1, 0}, K: 0})
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestSearchRejectsDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	b := Builder{Config: Config{Dimension: 2}}
	r := testResource("res-1", []float32{1, 0})
	meta, err := b.Create(context.Background(), dir, r)
	require.NoError(t, err)

	searcher, err := Opener{}.Open([]segment.Input{{Seq: 1, Dir: dir, IndexMetadata: meta.IndexMetadata}}, nil)
	require.NoError(t, err)
	defer searcher.Close()

	_, err = searcher.(*Searcher).Search(Request{Query: []float32{1, 0, 0}, K: 5})
	require.Error(t, err)
}

func TestSearchAppliesPrefilter(t *testing.T) {
	dir := t.TempDir()
	b := Builder{Config: Config{Dimension: 2}}
	r := testResource("res-1", []float32{1, 0})
	meta, err := b.Create(context.Background(), dir, r)
	require.NoError(t, err)

	searcher, err := Opener{}.Open([]segment.Input{{Seq: 1, Dir: dir, IndexMetadata: meta.IndexMetadata}}, nil)
	require.NoError(t, err)
	defer searcher.Close()

	hits, err := searcher.(*Searcher).Search(Request{Query: []float32{1, 0}, K: 5, Prefilter: Label("/l/lang/es")})
	require.NoError(t, err)
	require.Empty(t, hits)

	hits, err = searcher.(*Searcher).Search(Request{Query: []float32{1, 0}, K: 5, Prefilter: Label("/l/lang/en")})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
}

// TestSearchMaxSimMultiQuery matches spec.md §8 scenario 6: a
// CardinalityMulti paragraph carrying 3 vectors, queried with a
// 2-vector query matrix. The expected score is the MaxSim sum
// score(P) = Σ_{q_i∈Q} max_{v∈P} sim(q_i,v), not the best single-query
// match, and a MinScore set above any one query's per-vector max but
// below that sum must still return the paragraph.
func TestSearchMaxSimMultiQuery(t *testing.T) {
	dir := t.TempDir()
	b := Builder{Config: Config{Dimension: 2, Similarity: SimilarityDot, VectorCardinality: CardinalityMulti}}

	r := &segment.Resource{
		UUID:   "res-1",
		Status: segment.StatusProcessed,
		Vectorsets: map[string][]segment.VectorParagraph{
			"": {{
				Key:    "res-1/f/0-10",
				Labels: []string{"/l/lang/en"},
				Vectors: [][]float32{
					{1, 0},
					{0, 1},
					{1, 1},
				},
			}},
		},
	}
	meta, err := b.Create(context.Background(), dir, r)
	require.NoError(t, err)
	require.EqualValues(t, 3, meta.Records)

	searcher, err := Opener{}.Open([]segment.Input{{Seq: 1, Dir: dir, Records: meta.Records, IndexMetadata: meta.IndexMetadata}}, nil)
	require.NoError(t, err)
	defer searcher.Close()
	vs := searcher.(*Searcher)

	// q0={1,0} best-matches vector {1,0} with dot=1; q1={0,2}
	// best-matches vector {0,1} with dot=2. MaxSim sum = 3, exceeding
	// either query's own per-vector max.
	req := Request{Queries: [][]float32{{1, 0}, {0, 2}}, K: 5}
	hits, err := vs.Search(req)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.InDelta(t, 3.0, hits[0].Score, 0.05)

	// MinScore above any single query's per-vector max (2) but below
	// the MaxSim sum (3) must still return the paragraph.
	req.MinScore = 2.5
	hits, err = vs.Search(req)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	// MinScore above the MaxSim sum drops it.
	req.MinScore = 3.5
	hits, err = vs.Search(req)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestMergeDropsDeletedResource(t *testing.T) {
	segDir := t.TempDir()
	mergeDir := t.TempDir()
	b := Builder{Config: Config{Dimension: 2}}

	r1 := testResource("res-1", []float32{1, 0})
	r2 := testResource("res-2", []float32{0, 1})
	meta1, err := b.Create(context.Background(), segDir+"/1", r1)
	require.NoError(t, err)
	meta2, err := b.Create(context.Background(), segDir+"/2", r2)
	require.NoError(t, err)

	inputs := []segment.Input{
		{Seq: 1, Dir: segDir + "/1", Records: meta1.Records, IndexMetadata: meta1.IndexMetadata},
		{Seq: 2, Dir: segDir + "/2", Records: meta2.Records, IndexMetadata: meta2.IndexMetadata},
	}
	deletions := []segment.DeletionEntry{{Seq: 3, Keys: []string{"res-1"}}}

	merged, err := b.Merge(context.Background(), mergeDir, inputs, deletions)
	require.NoError(t, err)
	require.EqualValues(t, 1, merged.Records)

	searcher, err := Opener{}.Open([]segment.Input{{Seq: 3, Dir: mergeDir, IndexMetadata: merged.IndexMetadata}}, nil)
	require.NoError(t, err)
	defer searcher.Close()

	hits, err := searcher.(*Searcher).Search(Request{Query: []float32{0, 1}, K: 5})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "res-2/f/0-10", hits[0].Key)
}
