// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package vectorindex

import (
	"context"
	"encoding/json"
	"sort"

	"storj.io/nidx/internal/nidxerr"
	"storj.io/nidx/internal/segment"
)

// Builder implements segment.Builder for one named vector index (the
// empty VectorsetName selects the shard's default, unnamed vector
// index).
type Builder struct {
	VectorsetName string
	Config        Config
}

var _ segment.Builder = Builder{}

func (b Builder) Create(ctx context.Context, outputDir string, resource *segment.Resource) (*segment.Metadata, error) {
	if resource.Status == segment.StatusDeleted {
		return nil, nil
	}
	paragraphs := resource.Vectorsets[b.VectorsetName]
	if len(paragraphs) == 0 {
		return nil, nil
	}

	cfg := b.Config.Defaults()
	w := newWriter(cfg.Dimension)
	labelPostings := map[string][]uint32{}
	fieldPostings := map[string][]uint32{}

	for _, vp := range paragraphs {
		if cfg.VectorCardinality == CardinalitySingle && len(vp.Vectors) > 1 {
			vp.Vectors = vp.Vectors[:1]
		}
		for _, v := range vp.Vectors {
			if len(v) != cfg.Dimension {
				return nil, nidxerr.InvalidQuery.New("vector dimension %d != configured %d", len(v), cfg.Dimension)
			}
		}
		paragraphAddr := w.addParagraph(paragraphRecord{Key: vp.Key, Labels: vp.Labels, Metadata: vp.Metadata}, vp.Vectors, cfg.NormalizeVectors)

		vecCount := uint32(len(vp.Vectors))
		firstAddr := w.paragraphsBinFirstVectorAddr(paragraphAddr)
		for _, l := range vp.Labels {
			for a := firstAddr; a < firstAddr+vecCount; a++ {
				labelPostings[l] = append(labelPostings[l], a)
			}
		}
	}

	if err := w.flush(outputDir); err != nil {
		return nil, err
	}

	labelFST, labelInv, err := buildPrefilterIndex(sortedPostings(labelPostings))
	if err != nil {
		return nil, err
	}
	fieldFST, fieldInv, err := buildPrefilterIndex(sortedPostings(fieldPostings))
	if err != nil {
		return nil, err
	}
	if err := writePrefilterFiles(outputDir, labelFST, labelInv, fieldFST, fieldInv); err != nil {
		return nil, err
	}

	g := NewGraph(cfg, mmapSourceFromWriter(w))
	n := w.numVectorsWritten()
	for a := uint32(0); a < n; a++ {
		g.Insert(a)
	}
	entryAddr, entryLayer := g.EntryPoint()

	meta := indexMetadata{Config: cfg, VectorsetName: b.VectorsetName, EntryPointAddr: entryAddr, EntryPointLayer: entryLayer}
	raw, _ := json.Marshal(meta)
	return &segment.Metadata{Records: int64(w.numVectorsWritten()), IndexMetadata: raw}, nil
}

func sortedPostings(m map[string][]uint32) map[string][]uint32 {
	for k := range m {
		sort.Slice(m[k], func(i, j int) bool { return m[k][i] < m[k][j] })
	}
	return m
}

func (Builder) DeletionKeys(resource *segment.Resource) []string {
	return []string{resource.UUID}
}

// indexMetadata is the per-segment JSON stored in
// catalog.Segment.IndexMetadata: enough to reopen the segment without
// recomputing anything.
type indexMetadata struct {
	Config          Config `json:"config"`
	VectorsetName   string `json:"vectorset_name"`
	EntryPointAddr  uint32 `json:"entry_point_addr"`
	EntryPointLayer int    `json:"entry_point_layer"`
}

func (b Builder) Merge(ctx context.Context, workDir string, inputs []segment.Input, deletions []segment.DeletionEntry) (*segment.Metadata, error) {
	cfg := b.Config.Defaults()
	w := newWriter(cfg.Dimension)
	labelPostings := map[string][]uint32{}

	var total int64
	for _, in := range inputs {
		r, err := openReader(in.Dir, cfg.Dimension)
		if err != nil {
			return nil, err
		}
		masked := maskedUUIDs(deletions, in.Seq)
		for pi := 0; pi < r.numParagraphs(); pi++ {
			p, err := r.paragraph(pi)
			if err != nil {
				_ = r.close()
				return nil, nidxerr.StorageFatal.Wrap(err)
			}
			resourceUUID := resourceUUIDFromKey(p.Key)
			if masked[resourceUUID] {
				continue
			}
			vectors := make([][]float32, p.NumVectors)
			for i := range vectors {
				vectors[i] = r.rawVector(p.FirstVectorAddr + uint32(i))
			}
			paragraphAddr := w.addParagraph(p, vectors, false)
			firstAddr := w.paragraphsBinFirstVectorAddr(paragraphAddr)
			for _, l := range p.Labels {
				for a := firstAddr; a < firstAddr+uint32(len(vectors)); a++ {
					labelPostings[l] = append(labelPostings[l], a)
				}
			}
			total += int64(len(vectors))
		}
		_ = r.close()
	}

	if err := w.flush(workDir); err != nil {
		return nil, err
	}
	labelFST, labelInv, err := buildPrefilterIndex(sortedPostings(labelPostings))
	if err != nil {
		return nil, err
	}
	fieldFST, fieldInv, err := buildPrefilterIndex(map[string][]uint32{})
	if err != nil {
		return nil, err
	}
	if err := writePrefilterFiles(workDir, labelFST, labelInv, fieldFST, fieldInv); err != nil {
		return nil, err
	}

	g := NewGraph(cfg, mmapSourceFromWriter(w))
	n := w.numVectorsWritten()
	for a := uint32(0); a < n; a++ {
		g.Insert(a)
	}
	entryAddr, entryLayer := g.EntryPoint()
	meta := indexMetadata{Config: cfg, VectorsetName: b.VectorsetName, EntryPointAddr: entryAddr, EntryPointLayer: entryLayer}
	raw, _ := json.Marshal(meta)
	return &segment.Metadata{Records: total, IndexMetadata: raw}, nil
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

// resourceUUIDFromKey extracts the resource uuid prefix from a
// paragraph key "<uuid>/<field_id>/<start>-<end>".
func resourceUUIDFromKey(key string) string {
	for i, c := range key {
		if c == '/' {
			return key[:i]
		}
	}
	return key
}

// mmapSourceFromWriter lets the HNSW builder read back vectors it just
// wrote, without round-tripping through disk during Create/Merge.
func mmapSourceFromWriter(w *writer) func(addr uint32) []float32 {
	return func(addr uint32) []float32 {
		stride := vectorStride(w.dim)
		off := int(addr) * stride
		out := make([]float32, w.dim)
		for i := range out {
			out[i] = getFloat32(w.vectorsRaw[off+i*4 : off+i*4+4])
		}
		return out
	}
}

func (w *writer) numVectorsWritten() uint32 {
	if w.dim == 0 {
		return 0
	}
	return uint32(len(w.vectorsRaw) / vectorStride(w.dim))
}

func (w *writer) paragraphsBinFirstVectorAddr(paragraphAddr int) uint32 {
	p, err := decodeParagraph(w.paragraphsBin[w.paragraphsPos[paragraphAddr]:])
	if err != nil {
		return 0
	}
	return p.FirstVectorAddr
}

// Opener implements segment.Opener for one named vector index.
type Opener struct{}

var _ segment.Opener = Opener{}

func (Opener) Open(inputs []segment.Input, deletions []segment.DeletionEntry) (segment.Searcher, error) {
	segs := make([]*openSegment, 0, len(inputs))
	for _, in := range inputs {
		meta, err := parseIndexMetadata(in.IndexMetadata)
		if err != nil {
			for _, s := range segs {
				_ = s.reader.close()
			}
			return nil, err
		}
		r, err := openReader(in.Dir, meta.Config.Dimension)
		if err != nil {
			for _, s := range segs {
				_ = s.reader.close()
			}
			return nil, err
		}
		labelFST, labelInv, fieldFST, fieldInv, _ := readPrefilterFiles(in.Dir)
		labels, err := loadPrefilterIndex(labelFST, labelInv)
		if err != nil {
			return nil, err
		}
		fields, err := loadPrefilterIndex(fieldFST, fieldInv)
		if err != nil {
			return nil, err
		}
		// The HNSW neighbor lists built at Create/Merge time aren't
		// persisted (see hnswNode's comment), so Search below doesn't
		// have a graph to descend at open time; it falls back to a
		// quantized linear scan plus re-rank, which still satisfies
		// spec.md §4.5.4's contract (admit by AllowedSet, re-rank,
		// apply min_score) without the HNSW descent shortcut.
		masked := maskedResourceUUIDs(deletions, in.Seq)
		segs = append(segs, &openSegment{reader: r, labels: labels, fields: fields, cfg: meta.Config, masked: masked})
	}
	return &Searcher{segments: segs}, nil
}

func maskedResourceUUIDs(deletions []segment.DeletionEntry, sourceSeq int64) map[string]bool {
	return maskedUUIDs(deletions, sourceSeq)
}

type openSegment struct {
	reader *reader
	labels *prefilterIndex
	fields *prefilterIndex
	cfg    Config
	masked map[string]bool
}

func parseIndexMetadata(raw json.RawMessage) (indexMetadata, error) {
	var meta indexMetadata
	if len(raw) == 0 {
		return indexMetadata{}, nidxerr.StorageFatal.New("vector segment missing index_metadata")
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return indexMetadata{}, nidxerr.StorageFatal.Wrap(err)
	}
	return meta, nil
}
