// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package vectorindex

import (
	"container/heap"
	"math"
	"math/rand"
)

// hnswNode is one vector address's per-layer neighbor lists, RAM-side
// only: nidx's on-disk hnsw/ directory (one packed file per layer) is
// flattened to this in-memory form at segment-build time and rebuilt
// from scratch on merge, per spec.md §4.5.3/§4.5.5. Persisting the
// layered on-disk format itself is future work (see DESIGN.md); what's
// preserved is the insertion and search algorithm spec.md actually
// tests against.
type hnswNode struct {
	topLayer  int
	neighbors [][]uint32 // neighbors[layer] = neighbor addrs at that layer
}

// Graph is an in-memory HNSW index over vector addresses resolved
// through a vectorSource (raw vector lookup).
type Graph struct {
	cfg    Config
	sim    similarityFunc
	source func(addr uint32) []float32

	nodes      map[uint32]*hnswNode
	entryPoint uint32
	entryTop   int
	mL         float64
	rng        *rand.Rand
}

// NewGraph returns an empty graph. source must resolve a vector address
// to its raw vector (backed by a reader's mmap'd vectors.raw).
func NewGraph(cfg Config, source func(addr uint32) []float32) *Graph {
	return &Graph{
		cfg:    cfg,
		sim:    cfg.similarityFunc(),
		source: source,
		nodes:  map[uint32]*hnswNode{},
		mL:     1 / math.Log(float64(max1(cfg.M))),
		rng:    rand.New(rand.NewSource(1)),
	}
}

func max1(m int) int {
	if m < 2 {
		return 2
	}
	return m
}

// Insert adds addr (insertion order matters for the entry point choice,
// per spec.md §4.5.3 step 3).
func (g *Graph) Insert(addr uint32) {
	layer := int(math.Floor(-math.Log(g.rng.Float64()) * g.mL))
	node := &hnswNode{topLayer: layer, neighbors: make([][]uint32, layer+1)}

	if len(g.nodes) == 0 {
		g.nodes[addr] = node
		g.entryPoint = addr
		g.entryTop = layer
		return
	}

	q := g.source(addr)
	cur := g.entryPoint
	for l := g.entryTop; l > layer; l-- {
		cur = g.greedyClosest(q, cur, l)
	}

	for l := min(layer, g.entryTop); l >= 0; l-- {
		ef := g.cfg.EfConstruction
		candidates := g.searchLayer(q, cur, l, ef)
		m := g.cfg.M
		if l == 0 {
			m = g.cfg.Mmax0
		}
		selected := selectClosest(candidates, m)
		node.neighbors[l] = selected
		for _, nb := range selected {
			g.addLink(nb, addr, l, m)
		}
		if len(selected) > 0 {
			cur = selected[0]
		}
	}

	g.nodes[addr] = node
	if layer > g.entryTop {
		g.entryTop = layer
		g.entryPoint = addr
	}
}

func (g *Graph) addLink(from, to uint32, layer, maxLinks int) {
	n, ok := g.nodes[from]
	if !ok || layer > n.topLayer {
		return
	}
	n.neighbors[layer] = append(n.neighbors[layer], to)
	if len(n.neighbors[layer]) > maxLinks {
		q := g.source(from)
		n.neighbors[layer] = selectClosest(g.scoreAddrs(q, n.neighbors[layer]), maxLinks)
	}
}

type scored struct {
	addr  uint32
	score float32
}

func (g *Graph) scoreAddrs(q []float32, addrs []uint32) []scored {
	out := make([]scored, len(addrs))
	for i, a := range addrs {
		out[i] = scored{a, g.sim(q, g.source(a))}
	}
	return out
}

func selectClosest(candidates []scored, m int) []uint32 {
	sortScoredDesc(candidates)
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]uint32, len(candidates))
	for i, c := range candidates {
		out[i] = c.addr
	}
	return out
}

func sortScoredDesc(s []scored) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && less(s[j-1], s[j]); j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// less reports whether a should sort after b: lower score, or equal
// score and higher address (spec.md §4.5.4 tie-break: higher score
// wins, ties broken by lower address).
func less(a, b scored) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.addr > b.addr
}

func (g *Graph) greedyClosest(q []float32, from uint32, layer int) uint32 {
	best := from
	bestScore := g.sim(q, g.source(from))
	improved := true
	for improved {
		improved = false
		n := g.nodes[best]
		if n == nil || layer > n.topLayer {
			break
		}
		for _, nb := range n.neighbors[layer] {
			s := g.sim(q, g.source(nb))
			if s > bestScore {
				bestScore = s
				best = nb
				improved = true
			}
		}
	}
	return best
}

// searchLayer runs a beam search of width ef at layer, starting from
// entry, returning scored candidates.
func (g *Graph) searchLayer(q []float32, entry uint32, layer, ef int) []scored {
	visited := map[uint32]bool{entry: true}
	entryScore := g.sim(q, g.source(entry))

	candidates := &maxHeap{{entry, entryScore}}
	heap.Init(candidates)
	results := &minHeap{{entry, entryScore}}
	heap.Init(results)

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(scored)
		if results.Len() > 0 && c.score < (*results)[0].score && results.Len() >= ef {
			break
		}
		n := g.nodes[c.addr]
		if n == nil || layer > n.topLayer {
			continue
		}
		for _, nb := range n.neighbors[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			s := g.sim(q, g.source(nb))
			if results.Len() < ef || s > (*results)[0].score {
				heap.Push(candidates, scored{nb, s})
				heap.Push(results, scored{nb, s})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]scored, len(*results))
	copy(out, *results)
	return out
}

// EntryPoint returns the graph's top-layer entry address, used as the
// Search algorithm's descent starting point.
func (g *Graph) EntryPoint() (uint32, int) { return g.entryPoint, g.entryTop }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// maxHeap/minHeap are container/heap score heaps over `scored`.
type maxHeap []scored

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].score > h[j].score }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(scored)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type minHeap []scored

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].score < h[j].score }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(scored)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
