// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package textindex is the resource-level full-text index kind
// (spec.md §4.2): one bleve document per (resource, field), searchable
// by boolean/phrase/facet query. It's grounded on the bleve scorch
// idiom used by pydio/cells' common/dao/bleve indexer (see
// other_examples/7af524ed_c12simple-cells__common-dao-bleve-indexer.go.go):
// one index directory per segment, bleve.NewUsing with the scorch KV
// store, query.Query values built programmatically rather than parsed
// from a query string.
package textindex

import (
	"context"
	"strconv"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/index/scorch"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"storj.io/nidx/internal/nidxerr"
	"storj.io/nidx/internal/segment"
)

// doc is the bleve document shape: one per (resource, field).
type doc struct {
	UUID       string    `json:"uuid"`
	FieldID    string    `json:"field_id"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
	Status     int       `json:"status"`
	Public     bool      `json:"public"`
	Groups     []string  `json:"groups"`
	Labels     []string  `json:"labels"`
}

func docID(uuid, fieldID string) string { return uuid + "/" + fieldID }

func newMapping() mapping.IndexMapping {
	textFM := bleve.NewTextFieldMapping()
	textFM.Analyzer = "standard"

	keywordFM := bleve.NewTextFieldMapping()
	keywordFM.Analyzer = "keyword"

	dateFM := bleve.NewDateTimeFieldMapping()

	boolFM := bleve.NewBooleanFieldMapping()

	numFM := bleve.NewNumericFieldMapping()

	dm := bleve.NewDocumentMapping()
	dm.AddFieldMappingsAt("text", textFM)
	dm.AddFieldMappingsAt("field_id", keywordFM)
	dm.AddFieldMappingsAt("uuid", keywordFM)
	dm.AddFieldMappingsAt("created_at", dateFM)
	dm.AddFieldMappingsAt("modified_at", dateFM)
	dm.AddFieldMappingsAt("status", numFM)
	dm.AddFieldMappingsAt("public", boolFM)
	dm.AddFieldMappingsAt("groups", keywordFM)
	dm.AddFieldMappingsAt("labels", keywordFM)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = dm
	return im
}

// Builder implements segment.Builder for the text index kind.
type Builder struct{}

var _ segment.Builder = Builder{}

func (Builder) Create(ctx context.Context, outputDir string, resource *segment.Resource) (*segment.Metadata, error) {
	if resource.Status == segment.StatusDeleted || len(resource.Fields) == 0 {
		return nil, nil
	}

	idx, err := bleve.NewUsing(outputDir, newMapping(), scorch.Name, scorch.Name, nil)
	if err != nil {
		return nil, nidxerr.Internal.Wrap(err)
	}
	defer idx.Close()

	batch := idx.NewBatch()
	for _, f := range resource.Fields {
		d := doc{
			UUID:       resource.UUID,
			FieldID:    f.ID,
			Text:       f.Text,
			CreatedAt:  resource.CreatedAt,
			ModifiedAt: resource.ModifiedAt,
			Status:     int(resource.Status),
			Public:     resource.Public,
			Groups:     resource.GroupsWithAccess,
			Labels:     append(append([]string{}, resource.Labels...), f.Labels...),
		}
		if err := batch.Index(docID(resource.UUID, f.ID), d); err != nil {
			return nil, nidxerr.Internal.Wrap(err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return nil, nidxerr.Internal.Wrap(err)
	}

	return &segment.Metadata{Records: int64(len(resource.Fields))}, nil
}

func (Builder) DeletionKeys(resource *segment.Resource) []string {
	return []string{resource.UUID}
}

func (Builder) Merge(ctx context.Context, workDir string, inputs []segment.Input, deletions []segment.DeletionEntry) (*segment.Metadata, error) {
	out, err := bleve.NewUsing(workDir, newMapping(), scorch.Name, scorch.Name, nil)
	if err != nil {
		return nil, nidxerr.Internal.Wrap(err)
	}
	defer out.Close()

	var total int64
	for _, in := range inputs {
		masked := maskedUUIDs(deletions, in.Seq)
		src, err := bleve.Open(in.Dir)
		if err != nil {
			return nil, nidxerr.StorageFatal.Wrap(err)
		}
		n, err := copyLive(src, out, masked)
		_ = src.Close()
		if err != nil {
			return nil, err
		}
		total += n
	}
	return &segment.Metadata{Records: total}, nil
}

func maskedUUIDs(deletions []segment.DeletionEntry, sourceSeq int64) map[string]bool {
	m := map[string]bool{}
	for _, d := range deletions {
		if d.Seq > sourceSeq {
			for _, k := range d.Keys {
				m[k] = true
			}
		}
	}
	return m
}

// copyLive streams every document of src into dst, skipping ones whose
// uuid field is in masked. Bleve has no native index-merge API (unlike
// tantivy's merge_indices), so the rewrite is done at the document level.
func copyLive(src, dst bleve.Index, masked map[string]bool) (int64, error) {
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), 1<<30, 0, false)
	req.Fields = []string{"uuid", "field_id", "text", "created_at", "modified_at", "status", "public", "groups", "labels"}
	res, err := src.Search(req)
	if err != nil {
		return 0, nidxerr.Internal.Wrap(err)
	}

	batch := dst.NewBatch()
	var n int64
	for _, hit := range res.Hits {
		uuid, _ := hit.Fields["uuid"].(string)
		if masked[uuid] {
			continue
		}
		if err := batch.Index(hit.ID, hit.Fields); err != nil {
			return 0, nidxerr.Internal.Wrap(err)
		}
		n++
	}
	if err := dst.Batch(batch); err != nil {
		return 0, nidxerr.Internal.Wrap(err)
	}
	return n, nil
}

// Opener implements segment.Opener for the text index kind.
type Opener struct{}

var _ segment.Opener = Opener{}

func (Opener) Open(inputs []segment.Input, deletions []segment.DeletionEntry) (segment.Searcher, error) {
	alias := bleve.NewIndexAlias()
	opened := make([]bleve.Index, 0, len(inputs))
	masks := make(map[string]map[string]bool, len(inputs))
	for i, in := range inputs {
		idx, err := bleve.Open(in.Dir)
		if err != nil {
			for _, o := range opened {
				_ = o.Close()
			}
			return nil, nidxerr.StorageFatal.Wrap(err)
		}
		// Each segment gets a distinct index name so a hit's
		// hit.Index tells masked which segment's own deletion mask
		// applies to it: bleve.IndexAlias doesn't dedupe hits across
		// its underlying indexes, so masking with every open
		// segment's mask would wrongly drop a live hit from a newer
		// segment that shares a not-yet-merged older segment whose
		// mask happens to cover the same uuid.
		idx.SetName(strconv.Itoa(i))
		opened = append(opened, idx)
		masks[idx.Name()] = maskedUUIDs(deletions, in.Seq)
		alias.Add(idx)
	}
	return &Searcher{alias: alias, indexes: opened, masks: masks}, nil
}

// Searcher is a read-only view over one text index's live segments.
type Searcher struct {
	alias   bleve.IndexAlias
	indexes []bleve.Index
	masks   map[string]map[string]bool
}

var _ segment.Searcher = (*Searcher)(nil)

func (s *Searcher) Close() error {
	var firstErr error
	for _, idx := range s.indexes {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Request is a text-index search request (spec.md §4.2's search
// contract).
type Request struct {
	Query         string
	FieldPrefix   string
	Groups        []string
	Public        *bool
	CreatedAfter  *time.Time
	ModifiedAfter *time.Time
	Status        *int
	Size          int
	From          int
}

// Hit is one result row: (uuid, field, score).
type Hit struct {
	UUID    string
	FieldID string
	Score   float64
}

// Search executes req against the union of this view's live segments,
// applying deletion masks and ACL/facet/time post-filters.
func (s *Searcher) Search(ctx context.Context, req Request) ([]Hit, error) {
	var must []query.Query
	if req.Query != "" {
		must = append(must, bleve.NewMatchQuery(req.Query))
	} else {
		must = append(must, bleve.NewMatchAllQuery())
	}
	if req.FieldPrefix != "" {
		must = append(must, bleve.NewPrefixQuery(req.FieldPrefix))
	}
	if req.CreatedAfter != nil {
		q := bleve.NewDateRangeQuery(*req.CreatedAfter, time.Time{})
		q.SetField("created_at")
		must = append(must, q)
	}
	if req.ModifiedAfter != nil {
		q := bleve.NewDateRangeQuery(*req.ModifiedAfter, time.Time{})
		q.SetField("modified_at")
		must = append(must, q)
	}
	if req.Status != nil {
		q := bleve.NewNumericRangeQuery(float64Ptr(float64(*req.Status)), float64Ptr(float64(*req.Status)))
		q.SetField("status")
		must = append(must, q)
	}

	bq := bleve.NewConjunctionQuery(must...)
	if req.Public != nil && !*req.Public && len(req.Groups) > 0 {
		groupDisjunction := make([]query.Query, len(req.Groups))
		for i, g := range req.Groups {
			groupDisjunction[i] = bleve.NewTermQuery(g)
		}
		bq.AddQuery(bleve.NewDisjunctionQuery(groupDisjunction...))
	}

	searchReq := bleve.NewSearchRequestOptions(bq, max(req.Size, 10), req.From, false)
	searchReq.Fields = []string{"uuid", "field_id"}
	res, err := s.alias.SearchInContext(ctx, searchReq)
	if err != nil {
		return nil, nidxerr.Internal.Wrap(err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		uuid, _ := hit.Fields["uuid"].(string)
		if s.masked(hit.Index, uuid) {
			continue
		}
		fieldID, _ := hit.Fields["field_id"].(string)
		hits = append(hits, Hit{UUID: uuid, FieldID: fieldID, Score: hit.Score})
	}
	return hits, nil
}

// masked reports whether uuid is deleted as of the segment that produced
// this hit (indexName, bleve's hit.Index). Only that segment's own mask
// applies: a uuid masked in one segment (an older copy of a resource that
// was re-indexed) must not hide a live hit from a different segment.
func (s *Searcher) masked(indexName, uuid string) bool {
	return s.masks[indexName][uuid]
}

func float64Ptr(f float64) *float64 { return &f }
