// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package relationindex is the entity-graph edge index kind (spec.md
// §4.4): one record per edge, searchable by a seed-node set and
// direction. Segments are a flat gob-encoded edge log (there is no
// tantivy/bleve-shaped document store on the Rust side to mirror here;
// nidx_relation's own on-disk format is equally flat, see
// original_source/nidx/nidx_relation/src/io_maps.rs); the in-memory
// index built at Open time uses github.com/google/btree (the sorted
// in-memory structure this pack's Milvus example also reaches for) to
// get ordered, prefix-scannable access to edges by source node without
// pulling in a second storage engine just for this one kind.
package relationindex

import (
	"bytes"
	"context"
	"encoding/gob"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/btree"

	"storj.io/nidx/internal/nidxerr"
	"storj.io/nidx/internal/segment"
)

// Edge is one stored relation-graph edge, the unit nidx_relation calls a
// document.
type Edge struct {
	ResourceUUID    string
	ResourceFieldID string
	Source          segment.Node
	Target          segment.Node
	Kind            segment.RelationKind
	Label           string
	Labels          []string
	Metadata        []byte
}

const edgesFile = "edges.gob"

// Builder implements segment.Builder for the relation index kind.
type Builder struct{}

var _ segment.Builder = Builder{}

func (Builder) Create(ctx context.Context, outputDir string, resource *segment.Resource) (*segment.Metadata, error) {
	if resource.Status == segment.StatusDeleted || len(resource.Relations) == 0 {
		return nil, nil
	}

	edges := make([]Edge, 0, len(resource.Relations))
	for _, r := range resource.Relations {
		edges = append(edges, Edge{
			ResourceUUID:    resource.UUID,
			ResourceFieldID: r.ResourceFieldID,
			Source:          r.Source,
			Target:          r.Target,
			Kind:            r.Kind,
			Label:           r.Label,
			Labels:          r.Labels,
			Metadata:        r.Metadata,
		})
	}

	if err := writeEdges(outputDir, edges); err != nil {
		return nil, err
	}
	return &segment.Metadata{Records: int64(len(edges))}, nil
}

func (Builder) DeletionKeys(resource *segment.Resource) []string {
	return []string{resource.UUID}
}

func (Builder) Merge(ctx context.Context, workDir string, inputs []segment.Input, deletions []segment.DeletionEntry) (*segment.Metadata, error) {
	var merged []Edge
	for _, in := range inputs {
		edges, err := readEdges(in.Dir)
		if err != nil {
			return nil, err
		}
		masked := maskedUUIDs(deletions, in.Seq)
		for _, e := range edges {
			if !masked[e.ResourceUUID] {
				merged = append(merged, e)
			}
		}
	}
	if err := writeEdges(workDir, merged); err != nil {
		return nil, err
	}
	return &segment.Metadata{Records: int64(len(merged))}, nil
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

func writeEdges(dir string, edges []Edge) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nidxerr.Internal.Wrap(err)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(edges); err != nil {
		return nidxerr.Internal.Wrap(err)
	}
	if err := os.WriteFile(filepath.Join(dir, edgesFile), buf.Bytes(), 0o644); err != nil {
		return nidxerr.Internal.Wrap(err)
	}
	return nil
}

func readEdges(dir string) ([]Edge, error) {
	data, err := os.ReadFile(filepath.Join(dir, edgesFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, nidxerr.StorageFatal.Wrap(err)
	}
	var edges []Edge
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&edges); err != nil {
		return nil, nidxerr.StorageFatal.Wrap(err)
	}
	return edges, nil
}

// adjacencyItem is one btree entry: all edges whose Source sorts at key.
type adjacencyItem struct {
	key   nodeKey
	edges []int // indices into Searcher.edges
}

func (a adjacencyItem) Less(than btree.Item) bool {
	return a.key.less(than.(adjacencyItem).key)
}

type nodeKey struct {
	value, subtype string
	typ            segment.NodeType
}

func (k nodeKey) less(o nodeKey) bool {
	if k.value != o.value {
		return k.value < o.value
	}
	if k.typ != o.typ {
		return k.typ < o.typ
	}
	return k.subtype < o.subtype
}

func keyOf(n segment.Node) nodeKey { return nodeKey{n.Value, n.Subtype, n.Type} }

// Opener implements segment.Opener for the relation index kind.
type Opener struct{}

var _ segment.Opener = Opener{}

func (Opener) Open(inputs []segment.Input, deletions []segment.DeletionEntry) (segment.Searcher, error) {
	var edges []Edge
	for _, in := range inputs {
		all, err := readEdges(in.Dir)
		if err != nil {
			return nil, err
		}
		masked := maskedUUIDs(deletions, in.Seq)
		for _, e := range all {
			if !masked[e.ResourceUUID] {
				edges = append(edges, e)
			}
		}
	}

	outAdj := btree.New(16)  // by Source
	inAdj := btree.New(16)   // by Target
	for i, e := range edges {
		insertAdjacency(outAdj, keyOf(e.Source), i)
		insertAdjacency(inAdj, keyOf(e.Target), i)
	}

	return &Searcher{edges: edges, outAdj: outAdj, inAdj: inAdj}, nil
}

func insertAdjacency(tree *btree.BTree, key nodeKey, idx int) {
	item := adjacencyItem{key: key}
	if existing := tree.Get(item); existing != nil {
		ai := existing.(adjacencyItem)
		ai.edges = append(ai.edges, idx)
		tree.ReplaceOrInsert(ai)
		return
	}
	item.edges = []int{idx}
	tree.ReplaceOrInsert(item)
}

// Direction selects which side of each edge the seed set matches.
type Direction int

const (
	DirectionOut Direction = iota
	DirectionIn
	DirectionBoth
)

// Searcher is a read-only view over one relation index's live segments.
type Searcher struct {
	edges  []Edge
	outAdj *btree.BTree
	inAdj  *btree.BTree
}

var _ segment.Searcher = (*Searcher)(nil)

func (s *Searcher) Close() error { return nil }

// Triple groups one matched edge as (source_index, relation_index,
// destination_index) into Result's deduplicated node/relation tables.
type Triple struct {
	SourceIndex, RelationIndex, DestinationIndex int
}

// Result is a graph search response: deduplicated node and relation
// tables plus the triples referencing them, per spec.md §4.4.
type Result struct {
	Nodes     []segment.Node
	Relations []relationKey
	Triples   []Triple
}

type relationKey struct {
	Kind  segment.RelationKind
	Label string
}

// Search returns edges touching any node in seeds, following direction.
func (s *Searcher) Search(ctx context.Context, seeds []segment.Node, dir Direction) Result {
	var matchIdx []int
	seen := map[int]bool{}
	for _, seed := range seeds {
		key := keyOf(seed)
		if dir == DirectionOut || dir == DirectionBoth {
			collect(s.outAdj, key, seen, &matchIdx)
		}
		if dir == DirectionIn || dir == DirectionBoth {
			collect(s.inAdj, key, seen, &matchIdx)
		}
	}
	sort.Ints(matchIdx)

	nodeIndex := map[nodeKey]int{}
	relIndex := map[relationKey]int{}
	var result Result

	nodeIdxOf := func(n segment.Node) int {
		k := keyOf(n)
		if i, ok := nodeIndex[k]; ok {
			return i
		}
		i := len(result.Nodes)
		result.Nodes = append(result.Nodes, n)
		nodeIndex[k] = i
		return i
	}
	relIdxOf := func(e Edge) int {
		k := relationKey{e.Kind, e.Label}
		if i, ok := relIndex[k]; ok {
			return i
		}
		i := len(result.Relations)
		result.Relations = append(result.Relations, k)
		relIndex[k] = i
		return i
	}

	for _, idx := range matchIdx {
		e := s.edges[idx]
		result.Triples = append(result.Triples, Triple{
			SourceIndex:      nodeIdxOf(e.Source),
			RelationIndex:    relIdxOf(e),
			DestinationIndex: nodeIdxOf(e.Target),
		})
	}
	return result
}

func collect(tree *btree.BTree, key nodeKey, seen map[int]bool, out *[]int) {
	item := tree.Get(adjacencyItem{key: key})
	if item == nil {
		return
	}
	for _, idx := range item.(adjacencyItem).edges {
		if !seen[idx] {
			seen[idx] = true
			*out = append(*out, idx)
		}
	}
}
