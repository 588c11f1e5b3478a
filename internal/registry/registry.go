// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package registry maps a catalog.Index to the segment.Builder/Opener
// pair that implements its kind, so internal/indexer, internal/merge and
// internal/searcher share one place that knows about all four concrete
// index kinds instead of each reimplementing the switch.
package registry

import (
	"storj.io/nidx/internal/catalog"
	"storj.io/nidx/internal/nidxerr"
	"storj.io/nidx/internal/paragraphindex"
	"storj.io/nidx/internal/relationindex"
	"storj.io/nidx/internal/segment"
	"storj.io/nidx/internal/textindex"
	"storj.io/nidx/internal/vectorindex"
)

// BuilderFor returns the segment.Builder that builds and merges segments
// of idx's kind, configured from idx.Configuration.
func BuilderFor(idx catalog.Index) (segment.Builder, error) {
	switch idx.Kind {
	case catalog.KindText:
		return textindex.Builder{}, nil
	case catalog.KindParagraph:
		return paragraphindex.Builder{}, nil
	case catalog.KindRelation:
		return relationindex.Builder{}, nil
	case catalog.KindVector:
		cfg, err := vectorindex.ParseConfig(idx.Configuration)
		if err != nil {
			return nil, nidxerr.InvalidQuery.Wrap(err)
		}
		name := ""
		if idx.Name != nil {
			name = *idx.Name
		}
		return vectorindex.Builder{VectorsetName: name, Config: cfg}, nil
	default:
		return nil, nidxerr.Internal.New("unknown index kind %q", idx.Kind)
	}
}

// OpenerFor returns the segment.Opener that opens segments of idx's kind.
func OpenerFor(idx catalog.Index) (segment.Opener, error) {
	switch idx.Kind {
	case catalog.KindText:
		return textindex.Opener{}, nil
	case catalog.KindParagraph:
		cfg, err := paragraphindex.ParseConfig(idx.Configuration)
		if err != nil {
			return nil, nidxerr.InvalidQuery.Wrap(err)
		}
		return paragraphindex.Opener{Lang: cfg.Lang}, nil
	case catalog.KindRelation:
		return relationindex.Opener{}, nil
	case catalog.KindVector:
		return vectorindex.Opener{}, nil
	default:
		return nil, nidxerr.Internal.New("unknown index kind %q", idx.Kind)
	}
}
