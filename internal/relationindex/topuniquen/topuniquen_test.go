// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package topuniquen_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/nidx/internal/relationindex/topuniquen"
)

func TestKeepsOnlyTopN(t *testing.T) {
	acc := topuniquen.New[string](3)
	acc.Insert("a", 1.0)
	acc.Insert("b", 5.0)
	acc.Insert("c", 3.0)
	acc.Insert("d", 9.0)
	acc.Insert("e", 0.5)

	got := acc.SortedSlice()
	require.Len(t, got, 3)
	require.Equal(t, "d", got[0].Key)
	require.Equal(t, "b", got[1].Key)
	require.Equal(t, "c", got[2].Key)
}

func TestDuplicateKeyKeepsHigherScore(t *testing.T) {
	acc := topuniquen.New[string](2)
	acc.Insert("a", 1.0)
	acc.Insert("a", 5.0)
	acc.Insert("a", 2.0)

	got := acc.SortedSlice()
	require.Len(t, got, 1)
	require.Equal(t, float32(5.0), got[0].Score)
}
