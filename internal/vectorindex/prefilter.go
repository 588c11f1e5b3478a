// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package vectorindex

import "sort"

// PrefilterOp is one node of the small boolean prefilter language
// spec.md §4.5.4 describes: AND/OR/NOT of label or field-key literals.
type PrefilterOp int

const (
	OpLabel PrefilterOp = iota
	OpField
	OpAnd
	OpOr
	OpNot
)

// Prefilter is one node of a prefilter expression tree. A nil Prefilter
// means "all" (no filtering).
type Prefilter struct {
	Op       PrefilterOp
	Key      string       // for OpLabel/OpField
	Children []*Prefilter // for OpAnd/OpOr; Children[0] for OpNot
}

// Label builds a leaf matching vectors whose paragraph carries label.
func Label(label string) *Prefilter { return &Prefilter{Op: OpLabel, Key: label} }

// Field builds a leaf matching vectors whose paragraph's (resource,
// field) key is field. Builder.Create and Builder.Merge record no keys in
// fst/field.fst, so a Field leaf resolves to the empty set.
func Field(field string) *Prefilter { return &Prefilter{Op: OpField, Key: field} }

// And combines children by intersection.
func And(children ...*Prefilter) *Prefilter { return &Prefilter{Op: OpAnd, Children: children} }

// Or combines children by union.
func Or(children ...*Prefilter) *Prefilter { return &Prefilter{Op: OpOr, Children: children} }

// Not negates child relative to the full universe (total is needed at
// evaluation time, supplied by resolveSet's allAddrs).
func Not(child *Prefilter) *Prefilter { return &Prefilter{Op: OpNot, Children: []*Prefilter{child}} }

// resolve walks expr, returning the sorted set of matching vector
// addresses. nil expr (or a nil *Prefilter) means "all": callers must
// check for that before calling resolve, since "all" has no finite
// sorted representation without the universe size.
func resolveSet(expr *Prefilter, labels, fields *prefilterIndex, allAddrs []uint32) []uint32 {
	switch expr.Op {
	case OpLabel:
		set, _ := labels.Resolve(expr.Key)
		return set
	case OpField:
		set, _ := fields.Resolve(expr.Key)
		return set
	case OpAnd:
		if len(expr.Children) == 0 {
			return nil
		}
		result := resolveSet(expr.Children[0], labels, fields, allAddrs)
		for _, c := range expr.Children[1:] {
			result = intersect(result, resolveSet(c, labels, fields, allAddrs))
		}
		return result
	case OpOr:
		var result []uint32
		for _, c := range expr.Children {
			result = union(result, resolveSet(c, labels, fields, allAddrs))
		}
		return result
	case OpNot:
		inner := resolveSet(expr.Children[0], labels, fields, allAddrs)
		return difference(allAddrs, inner)
	default:
		return nil
	}
}

func intersect(a, b []uint32) []uint32 {
	var out []uint32
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}

func union(a, b []uint32) []uint32 {
	out := make([]uint32, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		default:
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

func difference(universe, exclude []uint32) []uint32 {
	excl := make(map[uint32]bool, len(exclude))
	for _, x := range exclude {
		excl[x] = true
	}
	out := make([]uint32, 0, len(universe))
	for _, a := range universe {
		if !excl[a] {
			out = append(out, a)
		}
	}
	return out
}

func contains(sorted []uint32, v uint32) bool {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= v })
	return i < len(sorted) && sorted[i] == v
}
