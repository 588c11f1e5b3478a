// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package catalogtest_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"storj.io/nidx/internal/catalog"
	"storj.io/nidx/internal/catalog/catalogtest"
	"storj.io/nidx/internal/nidxerr"
)

func TestFakeShardIndexLifecycle(t *testing.T) {
	ctx := context.Background()
	fake := catalogtest.New()

	shard, err := fake.CreateShard(ctx, uuid.New())
	require.NoError(t, err)

	idx, err := fake.CreateIndex(ctx, shard.ID, catalog.KindText, nil, nil)
	require.NoError(t, err)
	require.Equal(t, catalog.KindText, idx.Kind)

	_, err = fake.CreateIndex(ctx, shard.ID, catalog.KindText, nil, nil)
	require.True(t, nidxerr.Conflict.Has(err), "duplicate index should conflict")

	found, err := fake.FindIndex(ctx, shard.ID, catalog.KindText, nil)
	require.NoError(t, err)
	require.Equal(t, idx.ID, found.ID)

	require.NoError(t, fake.MarkShardDeleted(ctx, shard.ID))
	_, err = fake.GetShard(ctx, shard.ID)
	require.Error(t, err)
}

func TestFakeSegmentReadyAndLiveness(t *testing.T) {
	ctx := context.Background()
	fake := catalogtest.New()

	shard, err := fake.CreateShard(ctx, uuid.New())
	require.NoError(t, err)
	idx, err := fake.CreateIndex(ctx, shard.ID, catalog.KindParagraph, nil, nil)
	require.NoError(t, err)

	seg, err := fake.CreateSegment(ctx, idx.ID, catalog.Seq(1), 10, nil)
	require.NoError(t, err)
	require.False(t, seg.Live(), "unready segment must not be live yet")

	require.NoError(t, fake.MarkSegmentsReady(ctx, map[int64]int64{seg.ID: 1234}))

	diff, err := fake.LiveSegmentsAndDeletions(ctx, idx.ID)
	require.NoError(t, err)
	require.Len(t, diff, 1)
	require.Equal(t, []int64{seg.ID}, diff[0].SegmentIDs)
}

func TestFakeCommitIndexResource(t *testing.T) {
	ctx := context.Background()
	fake := catalogtest.New()

	shard, err := fake.CreateShard(ctx, uuid.New())
	require.NoError(t, err)
	idx, err := fake.CreateIndex(ctx, shard.ID, catalog.KindParagraph, nil, nil)
	require.NoError(t, err)
	before, err := fake.GetIndex(ctx, idx.ID)
	require.NoError(t, err)

	seg, err := fake.CreateSegment(ctx, idx.ID, catalog.Seq(2), 10, nil)
	require.NoError(t, err)
	require.False(t, seg.Live())

	err = fake.CommitIndexResource(ctx,
		map[int64]int64{seg.ID: 555},
		[]catalog.Deletion{{IndexID: idx.ID, Seq: catalog.Seq(2), Keys: []string{"res-1"}}},
		[]int64{idx.ID},
	)
	require.NoError(t, err)

	segs, err := fake.SegmentsForIndex(ctx, idx.ID)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	require.True(t, segs[0].Live(), "CommitIndexResource must clear delete_at")
	require.NotNil(t, segs[0].SizeBytes)

	diff, err := fake.LiveSegmentsAndDeletions(ctx, idx.ID)
	require.NoError(t, err)
	var sawDeletion bool
	for _, d := range diff {
		if len(d.DeletedKeys) > 0 {
			sawDeletion = true
		}
	}
	require.True(t, sawDeletion, "CommitIndexResource must record the deletion")

	after, err := fake.GetIndex(ctx, idx.ID)
	require.NoError(t, err)
	require.True(t, after.UpdatedAt.After(before.UpdatedAt), "CommitIndexResource must bump updated_at")
}

func TestFakeMergeClaimAndCommit(t *testing.T) {
	ctx := context.Background()
	fake := catalogtest.New()

	shard, err := fake.CreateShard(ctx, uuid.New())
	require.NoError(t, err)
	idx, err := fake.CreateIndex(ctx, shard.ID, catalog.KindVector, nil, nil)
	require.NoError(t, err)

	var segIDs []int64
	for i := 0; i < 3; i++ {
		seg, err := fake.CreateSegment(ctx, idx.ID, catalog.Seq(i+1), 5, nil)
		require.NoError(t, err)
		require.NoError(t, fake.MarkSegmentsReady(ctx, map[int64]int64{seg.ID: 100}))
		segIDs = append(segIDs, seg.ID)
	}

	job, selected, err := fake.ClaimMergeJob(ctx, idx.ID, 1000)
	require.NoError(t, err)
	require.Len(t, selected, 3)

	outID, err := fake.AllocateSegmentID(ctx)
	require.NoError(t, err)

	out, err := fake.CommitMerge(ctx, job, segIDs, outID, idx.ID, catalog.Seq(4), 15, nil, 300)
	require.NoError(t, err)
	require.Equal(t, int64(15), out.Records)

	remaining, err := fake.SegmentsForIndex(ctx, idx.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, out.ID, remaining[0].ID)
}

func TestFakeClaimMergeJobRequiresTwoSegments(t *testing.T) {
	ctx := context.Background()
	fake := catalogtest.New()

	shard, err := fake.CreateShard(ctx, uuid.New())
	require.NoError(t, err)
	idx, err := fake.CreateIndex(ctx, shard.ID, catalog.KindText, nil, nil)
	require.NoError(t, err)

	seg, err := fake.CreateSegment(ctx, idx.ID, catalog.Seq(1), 5, nil)
	require.NoError(t, err)
	require.NoError(t, fake.MarkSegmentsReady(ctx, map[int64]int64{seg.ID: 10}))

	_, _, err = fake.ClaimMergeJob(ctx, idx.ID, 1000)
	require.ErrorIs(t, err, catalog.ErrNoSegmentsEligible)
}
