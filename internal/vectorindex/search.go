// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package vectorindex

import (
	"sort"

	"storj.io/nidx/internal/nidxerr"
	"storj.io/nidx/internal/segment"
)

// Searcher is a read-only view over one vector index's live segments,
// implementing spec.md §4.5.4's query algorithm: resolve the prefilter
// to an allowed address set per segment, score candidates with the
// quantized vectors first, re-rank the surviving top candidates against
// the raw (unquantized) vectors, then aggregate per paragraph (MaxSim
// for CardinalityMulti) and apply MinScore.
type Searcher struct {
	segments []*openSegment
}

var _ segment.Searcher = (*Searcher)(nil)

// Request is one vector search against every live paragraph's vectors
// that Prefilter (nil meaning "all") admits. Query is the common
// single-query-vector case; Queries carries the general query matrix Q
// spec.md §4.5.4 step 5 scores paragraphs against via MaxSim,
// score(P) = Σ_{q_i∈Q} max_{v∈P} sim(q_i,v). When Queries is set it
// takes precedence; Query is equivalent to Queries of length 1.
type Request struct {
	Query     []float32
	Queries   [][]float32
	K         int
	Prefilter *Prefilter
	MinScore  float32
	// RerankFactor scales K into the quantized-scan candidate pool
	// handed to re-ranking; spec.md §4.5.4 leaves the exact factor
	// unspecified, so this defaults to defaultRerankFactor below when zero.
	RerankFactor int
}

// queries returns the request's query matrix, normalizing the
// single-Query convenience field into a length-1 matrix.
func (r Request) queries() [][]float32 {
	if len(r.Queries) > 0 {
		return r.Queries
	}
	if r.Query != nil {
		return [][]float32{r.Query}
	}
	return nil
}

// Hit is one scored paragraph.
type Hit struct {
	Key    string
	Score  float32
	Labels []string
}

const defaultRerankFactor = 8

// Search implements spec.md §4.5.4. k=0 returns no results without
// touching any segment; an empty Prefilter-resolved allowed set (the
// prefilter matched nothing) likewise short-circuits to no results.
func (s *Searcher) Search(req Request) ([]Hit, error) {
	if req.K <= 0 {
		return nil, nil
	}

	queries := req.queries()
	if len(queries) == 0 {
		return nil, nidxerr.InvalidQuery.New("search requires at least one query vector")
	}

	rerankFactor := req.RerankFactor
	if rerankFactor <= 0 {
		rerankFactor = defaultRerankFactor
	}
	poolSize := req.K * rerankFactor

	type candidate struct {
		segIdx int
		addr   uint32
		qscore float32
	}
	var pool []candidate

	for si, seg := range s.segments {
		normQueries := make([][]float32, len(queries))
		for qi, qv := range queries {
			if len(qv) != seg.cfg.Dimension {
				return nil, nidxerr.InvalidQuery.New("query dimension %d != index dimension %d", len(qv), seg.cfg.Dimension)
			}
			q := qv
			if seg.cfg.NormalizeVectors {
				q = append([]float32(nil), q...)
				normalize(q)
			}
			normQueries[qi] = q
		}

		allAddrs := allVectorAddrs(seg.reader)
		var allowed []uint32
		if req.Prefilter == nil {
			allowed = allAddrs
		} else {
			allowed = resolveSet(req.Prefilter, seg.labels, seg.fields, allAddrs)
			if len(allowed) == 0 {
				continue
			}
		}

		for _, addr := range allowed {
			resourceUUID := resourceUUIDFromKey(seg.paragraphKeyForVector(addr))
			if seg.masked[resourceUUID] {
				continue
			}
			// The candidate pool is ranked by each vector's best
			// quantized match to any query vector: a strong
			// single-query match is enough for a candidate to be
			// worth re-ranking, since MaxSim takes each query's max
			// independently rather than requiring all queries to
			// favor the same vector.
			quant := seg.reader.quantVector(addr)
			var best float32 = -1
			for _, q := range normQueries {
				if sc := quantScore(quant, q); sc > best {
					best = sc
				}
			}
			pool = append(pool, candidate{segIdx: si, addr: addr, qscore: best})
		}
	}

	sort.Slice(pool, func(i, j int) bool { return pool[i].qscore > pool[j].qscore })
	if len(pool) > poolSize {
		pool = pool[:poolSize]
	}

	type paragraphScore struct {
		key      string
		labels   []string
		perQuery []float32
		seen     []bool
	}
	byParagraph := map[string]*paragraphScore{}

	for _, c := range pool {
		seg := s.segments[c.segIdx]
		raw := seg.reader.rawVector(c.addr)
		sim := seg.cfg.similarityFunc()

		paragraphAddr := seg.reader.vectorParagraph(c.addr)
		p, err := seg.reader.paragraph(int(paragraphAddr))
		if err != nil {
			continue
		}

		ps, ok := byParagraph[p.Key]
		if !ok {
			ps = &paragraphScore{
				key:      p.Key,
				labels:   p.Labels,
				perQuery: make([]float32, len(queries)),
				seen:     make([]bool, len(queries)),
			}
			byParagraph[p.Key] = ps
		}

		for qi, qv := range queries {
			q := qv
			if seg.cfg.NormalizeVectors {
				q = append([]float32(nil), q...)
				normalize(q)
			}
			score := sim(q, raw)
			if !ps.seen[qi] || score > ps.perQuery[qi] {
				ps.perQuery[qi] = score
				ps.seen[qi] = true
			}
		}
	}

	hits := make([]Hit, 0, len(byParagraph))
	for _, ps := range byParagraph {
		// MaxSim: score(P) = Σ_{q_i∈Q} max_{v∈P} sim(q_i,v), spec.md
		// §4.5.4 step 5. A query vector that never hit one of this
		// paragraph's vectors in the re-ranked pool contributes 0,
		// the same approximation the quantized-scan-then-rerank
		// pipeline already makes for single-query search.
		var score float32
		for qi := range queries {
			if ps.seen[qi] {
				score += ps.perQuery[qi]
			}
		}
		if score < req.MinScore {
			continue
		}
		hits = append(hits, Hit{Key: ps.key, Score: score, Labels: ps.labels})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Key < hits[j].Key
	})
	if len(hits) > req.K {
		hits = hits[:req.K]
	}
	return hits, nil
}

func (s *Searcher) Close() error {
	var firstErr error
	for _, seg := range s.segments {
		if err := seg.reader.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func allVectorAddrs(r *reader) []uint32 {
	n := r.numVectors()
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(i)
	}
	return out
}

func (seg *openSegment) paragraphKeyForVector(addr uint32) string {
	paragraphAddr := seg.reader.vectorParagraph(addr)
	p, err := seg.reader.paragraph(int(paragraphAddr))
	if err != nil {
		return ""
	}
	return p.Key
}

