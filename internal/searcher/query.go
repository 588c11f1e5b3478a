// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package searcher

import (
	"context"

	"github.com/google/uuid"

	"storj.io/nidx/internal/catalog"
	"storj.io/nidx/internal/nidxerr"
	"storj.io/nidx/internal/paragraphindex"
	"storj.io/nidx/internal/relationindex"
	"storj.io/nidx/internal/segment"
	"storj.io/nidx/internal/textindex"
	"storj.io/nidx/internal/vectorindex"
)

// Resolve implements spec.md §4.7's query-path lookup: (shard, kind[,
// vectorset name]) -> index_id -> the sync loop's current IndexView.
// Returns NotFound if the index doesn't exist (yet, or ever) and
// Internal if the catalog knows about it but the sync loop hasn't
// installed a view (the searcher just started, or the sync loop is
// failing for this index).
func (s *Syncer) Resolve(ctx context.Context, shardID uuid.UUID, kind catalog.IndexKind, vectorsetName *string) (*IndexView, error) {
	idx, err := s.Catalog.FindIndex(ctx, shardID, kind, vectorsetName)
	if err != nil {
		return nil, err
	}
	view, ok := s.View(idx.ID)
	if !ok {
		return nil, nidxerr.Internal.New("index %d has no synced view yet", idx.ID)
	}
	return view, nil
}

// SearchText resolves the shard's text index and runs req against it.
func (s *Syncer) SearchText(ctx context.Context, shardID uuid.UUID, req textindex.Request) ([]textindex.Hit, error) {
	view, err := s.Resolve(ctx, shardID, catalog.KindText, nil)
	if err != nil {
		return nil, err
	}
	ts, ok := view.Searcher.(*textindex.Searcher)
	if !ok {
		return nil, nidxerr.Internal.New("text index view has unexpected searcher type")
	}
	return ts.Search(ctx, req)
}

// SearchParagraphs resolves the shard's paragraph index and runs req
// against it.
func (s *Syncer) SearchParagraphs(ctx context.Context, shardID uuid.UUID, req paragraphindex.Request) ([]paragraphindex.Hit, error) {
	view, err := s.Resolve(ctx, shardID, catalog.KindParagraph, nil)
	if err != nil {
		return nil, err
	}
	ps, ok := view.Searcher.(*paragraphindex.Searcher)
	if !ok {
		return nil, nidxerr.Internal.New("paragraph index view has unexpected searcher type")
	}
	return ps.Search(ctx, req)
}

// SearchRelations resolves the shard's relation index and walks it from
// seeds.
func (s *Syncer) SearchRelations(ctx context.Context, shardID uuid.UUID, seeds []segment.Node, dir relationindex.Direction) (relationindex.Result, error) {
	view, err := s.Resolve(ctx, shardID, catalog.KindRelation, nil)
	if err != nil {
		return relationindex.Result{}, err
	}
	rs, ok := view.Searcher.(*relationindex.Searcher)
	if !ok {
		return relationindex.Result{}, nidxerr.Internal.New("relation index view has unexpected searcher type")
	}
	return rs.Search(ctx, seeds, dir), nil
}

// SearchVectors resolves the shard's named (or default) vector index and
// runs req against it.
func (s *Syncer) SearchVectors(ctx context.Context, shardID uuid.UUID, vectorsetName *string, req vectorindex.Request) ([]vectorindex.Hit, error) {
	view, err := s.Resolve(ctx, shardID, catalog.KindVector, vectorsetName)
	if err != nil {
		return nil, err
	}
	vs, ok := view.Searcher.(*vectorindex.Searcher)
	if !ok {
		return nil, nidxerr.Internal.New("vector index view has unexpected searcher type")
	}
	return vs.Search(req)
}
