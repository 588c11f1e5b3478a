// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package topuniquen maintains the top-N highest-scoring unique keys
// seen across a stream of (key, score) insertions, without ever holding
// more than ~2N entries in memory. It's a direct port of
// nidx_relation::top_unique_n.TopUniqueN. The relation index's graph
// search (relationindex.Searcher.Search) does not use it and returns
// every matching edge.
package topuniquen

import (
	"math"
	"sort"
)

// N maintains the top n unique keys of type K by greatest score.
type N[K comparable] struct {
	elements  map[K]float32
	n         int
	threshold float32
}

// New returns an accumulator keeping the top n keys.
func New[K comparable](n int) *N[K] {
	return &N[K]{
		elements:  make(map[K]float32, 2*n),
		n:         n,
		threshold: float32(math.Inf(-1)),
	}
}

// Insert records key with score, keeping the higher of any prior score
// recorded for the same key. Scores below the current truncation
// threshold are dropped without being stored.
func (t *N[K]) Insert(key K, score float32) {
	if score < t.threshold {
		return
	}
	if len(t.elements) == cap2(t.n) {
		t.threshold = t.truncateTopN()
	}
	if cur, ok := t.elements[key]; !ok || score > cur {
		t.elements[key] = score
	}
}

func cap2(n int) int { return 2 * n }

// truncateTopN keeps only the n highest-scoring entries, returning the
// smallest score among the survivors (the new admission threshold).
func (t *N[K]) truncateTopN() float32 {
	type kv struct {
		k K
		s float32
	}
	all := make([]kv, 0, len(t.elements))
	for k, s := range t.elements {
		all = append(all, kv{k, s})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].s > all[j].s })
	if len(all) > t.n {
		all = all[:t.n]
	}
	lowest := float32(math.Inf(-1))
	if len(all) > 0 {
		lowest = all[len(all)-1].s
	}
	t.elements = make(map[K]float32, cap2(t.n))
	for _, e := range all {
		t.elements[e.k] = e.s
	}
	return lowest
}

// Pair is one (key, score) entry of the final sorted result.
type Pair[K comparable] struct {
	Key   K
	Score float32
}

// SortedSlice consumes t and returns its top n entries, highest score
// first.
func (t *N[K]) SortedSlice() []Pair[K] {
	pairs := make([]Pair[K], 0, len(t.elements))
	for k, s := range t.elements {
		pairs = append(pairs, Pair[K]{k, s})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Score > pairs[j].Score })
	if len(pairs) > t.n {
		pairs = pairs[:t.n]
	}
	return pairs
}
