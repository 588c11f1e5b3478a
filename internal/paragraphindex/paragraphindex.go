// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package paragraphindex is the per-paragraph index kind (spec.md §4.3):
// one bleve document per paragraph, with a two-pass keyword-then-fuzzy
// query pipeline. It's built the same way internal/textindex is (bleve
// scorch per segment directory, grounded on
// other_examples/7af524ed_c12simple-cells__common-dao-bleve-indexer.go.go),
// with the query construction driven by this package's own tokenizer
// instead of bleve's query-string parser, per spec.md §4.3 steps 1-3.
package paragraphindex

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

type doc struct {
	UUID            string    `json:"uuid"`
	Key             string    `json:"key"`
	FieldID         string    `json:"field_id"`
	Text            string    `json:"text"`
	Start           int       `json:"start"`
	End             int       `json:"end"`
	CreatedAt       time.Time `json:"created_at"`
	ModifiedAt      time.Time `json:"modified_at"`
	Status          int       `json:"status"`
	Labels          []string  `json:"labels"`
	SplitID         string    `json:"split_id"`
	IndexInField    int       `json:"index_in_field"`
	RepeatedInField bool      `json:"repeated_in_field"`
	Metadata        []byte    `json:"metadata"`
}

func newMapping() mapping.IndexMapping {
	textFM := bleve.NewTextFieldMapping()
	textFM.Analyzer = "standard"
	keywordFM := bleve.NewTextFieldMapping()
	keywordFM.Analyzer = "keyword"
	dateFM := bleve.NewDateTimeFieldMapping()
	numFM := bleve.NewNumericFieldMapping()
	boolFM := bleve.NewBooleanFieldMapping()

	dm := bleve.NewDocumentMapping()
	dm.AddFieldMappingsAt("text", textFM)
	dm.AddFieldMappingsAt("uuid", keywordFM)
	dm.AddFieldMappingsAt("key", keywordFM)
	dm.AddFieldMappingsAt("field_id", keywordFM)
	dm.AddFieldMappingsAt("labels", keywordFM)
	dm.AddFieldMappingsAt("split_id", keywordFM)
	dm.AddFieldMappingsAt("created_at", dateFM)
	dm.AddFieldMappingsAt("modified_at", dateFM)
	dm.AddFieldMappingsAt("status", numFM)
	dm.AddFieldMappingsAt("start", numFM)
	dm.AddFieldMappingsAt("end", numFM)
	dm.AddFieldMappingsAt("index_in_field", numFM)
	dm.AddFieldMappingsAt("repeated_in_field", boolFM)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = dm
	return im
}

// Builder implements segment.Builder for the paragraph index kind.
type Builder struct{}

var _ segment.Builder = Builder{}

func (Builder) Create(ctx context.Context, outputDir string, resource *segment.Resource) (*segment.Metadata, error) {
	if resource.Status == segment.StatusDeleted || len(resource.Paragraphs) == 0 {
		return nil, nil
	}

	idx, err := bleve.NewUsing(outputDir, newMapping(), scorch.Name, scorch.Name, nil)
	if err != nil {
		return nil, nidxerr.Internal.Wrap(err)
	}
	defer idx.Close()

	batch := idx.NewBatch()
	for _, p := range resource.Paragraphs {
		labels := append(append([]string{}, resource.Labels...), p.Labels...)
		d := doc{
			UUID:            resource.UUID,
			Key:             p.Key,
			FieldID:         p.FieldID,
			Text:            p.Text,
			Start:           p.Start,
			End:             p.End,
			CreatedAt:       resource.CreatedAt,
			ModifiedAt:      resource.ModifiedAt,
			Status:          int(resource.Status),
			Labels:          labels,
			SplitID:         p.SplitID,
			IndexInField:    p.IndexInField,
			RepeatedInField: p.RepeatedInField,
			Metadata:        p.Metadata,
		}
		if err := batch.Index(p.Key, d); err != nil {
			return nil, nidxerr.Internal.Wrap(err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return nil, nidxerr.Internal.Wrap(err)
	}
	return &segment.Metadata{Records: int64(len(resource.Paragraphs))}, nil
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

var allFields = []string{"uuid", "key", "field_id", "text", "start", "end", "created_at",
	"modified_at", "status", "labels", "split_id", "index_in_field", "repeated_in_field", "metadata"}

func copyLive(src, dst bleve.Index, masked map[string]bool) (int64, error) {
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), 1<<30, 0, false)
	req.Fields = allFields
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

// Opener implements segment.Opener for the paragraph index kind.
type Opener struct {
	// Lang selects the stop-word list this view's query pipeline uses.
	// Defaults to English.
	Lang string
}

var _ segment.Opener = Opener{}

func (o Opener) Open(inputs []segment.Input, deletions []segment.DeletionEntry) (segment.Searcher, error) {
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
		// Distinct names so a hit's hit.Index identifies the segment
		// that produced it: bleve.IndexAlias doesn't dedupe hits
		// across its underlying indexes, so masking by every open
		// segment's mask would wrongly drop a live hit produced by a
		// newer segment whose uuid happens to be masked in an older,
		// not-yet-merged segment.
		idx.SetName(strconv.Itoa(i))
		opened = append(opened, idx)
		masks[idx.Name()] = maskedUUIDs(deletions, in.Seq)
		alias.Add(idx)
	}
	lang := o.Lang
	if lang == "" {
		lang = "en"
	}
	return &Searcher{alias: alias, indexes: opened, masks: masks, lang: lang}, nil
}

// Searcher is a read-only view over one paragraph index's live segments.
type Searcher struct {
	alias   bleve.IndexAlias
	indexes []bleve.Index
	masks   map[string]map[string]bool
	lang    string
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

// Request is a paragraph query, per spec.md §4.3.
type Request struct {
	Query       string
	MinResults  int
	FieldPrefix string
	Labels      []string
	Status      *int
	Size        int
	From        int
}

// Hit is one matching paragraph.
type Hit struct {
	UUID  string
	Key   string
	Score float64
}

// Search runs the two-pass keyword-then-fuzzy pipeline described in
// spec.md §4.3 steps 3-5.
func (s *Searcher) Search(ctx context.Context, req Request) ([]Hit, error) {
	toks := filterStopWords(tokenize(req.Query), s.lang)

	keywordQ := buildQuery(toks, false)
	hits, err := s.runQuery(ctx, keywordQ, req)
	if err != nil {
		return nil, err
	}
	minResults := req.MinResults
	if minResults == 0 {
		minResults = 1
	}
	if len(hits) >= minResults {
		return hits, nil
	}

	fuzzyQ := buildQuery(toks, true)
	union := bleve.NewDisjunctionQuery(keywordQ, fuzzyQ)
	return s.runQuery(ctx, union, req)
}

func buildQuery(toks []token, fuzzy bool) query.Query {
	var must []query.Query
	for _, t := range toks {
		switch t.kind {
		case tokLiteral:
			if fuzzy {
				fq := bleve.NewFuzzyQuery(t.text)
				fq.SetFuzziness(1)
				fq.SetField("text")
				must = append(must, fq)
			} else {
				tq := bleve.NewTermQuery(t.text)
				tq.SetField("text")
				must = append(must, tq)
			}
		case tokQuoted:
			if len(t.words) == 1 {
				tq := bleve.NewTermQuery(t.words[0])
				tq.SetField("text")
				must = append(must, tq)
			} else {
				pq := bleve.NewMatchPhraseQuery(t.text)
				pq.SetField("text")
				must = append(must, pq)
			}
		case tokExcluded:
			tq := bleve.NewTermQuery(t.text)
			tq.SetField("text")
			nq := bleve.NewBooleanQuery()
			nq.AddMust(bleve.NewMatchAllQuery())
			nq.AddMustNot(tq)
			must = append(must, nq)
		}
	}
	if len(must) == 0 {
		return bleve.NewMatchAllQuery()
	}
	return bleve.NewDisjunctionQuery(must...)
}

func (s *Searcher) runQuery(ctx context.Context, q query.Query, req Request) ([]Hit, error) {
	var filters []query.Query
	filters = append(filters, q)
	if req.FieldPrefix != "" {
		pq := bleve.NewPrefixQuery(req.FieldPrefix)
		pq.SetField("field_id")
		filters = append(filters, pq)
	}
	if req.Status != nil {
		nq := bleve.NewNumericRangeQuery(float64Ptr(float64(*req.Status)), float64Ptr(float64(*req.Status)))
		nq.SetField("status")
		filters = append(filters, nq)
	}
	if len(req.Labels) > 0 {
		disj := make([]query.Query, len(req.Labels))
		for i, l := range req.Labels {
			tq := bleve.NewTermQuery(l)
			tq.SetField("labels")
			disj[i] = tq
		}
		filters = append(filters, bleve.NewConjunctionQuery(disj...))
	}

	searchReq := bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(filters...), reqSize(req), req.From, false)
	searchReq.Fields = []string{"uuid", "key"}
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
		key, _ := hit.Fields["key"].(string)
		hits = append(hits, Hit{UUID: uuid, Key: key, Score: hit.Score})
	}
	return hits, nil
}

// masked reports whether uuid is deleted as of the segment that produced
// this hit (indexName, bleve's hit.Index). Only that segment's own mask
// applies, not every open segment's mask.
func (s *Searcher) masked(indexName, uuid string) bool {
	return s.masks[indexName][uuid]
}

func reqSize(req Request) int {
	if req.Size <= 0 {
		return 20
	}
	return req.Size
}

func float64Ptr(f float64) *float64 { return &f }

// Suggest runs a prefix query on the last literal token of query,
// returning up to n paragraph snippets (spec.md §4.3 "Suggest").
func (s *Searcher) Suggest(ctx context.Context, query string, n int) ([]Hit, error) {
	toks := tokenize(query)
	var last string
	for i := len(toks) - 1; i >= 0; i-- {
		if toks[i].kind == tokLiteral {
			last = toks[i].text
			break
		}
	}
	if last == "" {
		return nil, nil
	}
	pq := bleve.NewPrefixQuery(last)
	pq.SetField("text")
	return s.runQuery(ctx, pq, Request{Size: n})
}
