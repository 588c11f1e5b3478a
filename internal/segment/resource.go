// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package segment

import "time"

// ResourceStatus mirrors the three states a resource can carry into the
// indexer: a normal upsert, a processing-pending placeholder, or a
// tombstone (in which case only DeletionKeys matters and Create must
// return (nil, nil) for every kind).
type ResourceStatus int

const (
	StatusProcessed ResourceStatus = iota
	StatusPending
	StatusDeleted
)

// Resource is the single ingestion unit handed to every index kind's
// Builder.Create. It's intentionally a flat superset of what nidx_text,
// nidx_paragraph, nidx_relation and nidx_vector each read out of
// nidx_protos::Resource — one shape, so internal/indexer never branches
// on index kind.
type Resource struct {
	UUID      string
	Status    ResourceStatus
	CreatedAt time.Time
	ModifiedAt time.Time

	// ACL: resources readable by anyone have Public set; otherwise
	// GroupsWithAccess lists the ACL group facets search must intersect.
	Public           bool
	GroupsWithAccess []string

	// Labels are free-form facet strings applied to the whole resource.
	Labels []string

	Fields     []Field
	Paragraphs []Paragraph
	Relations  []Relation
	Vectorsets map[string][]VectorParagraph
}

// Field is one resource field (e.g. "a/title", "f/body"): the unit the
// text index stores one document per.
type Field struct {
	ID        string
	Text      string
	Labels    []string
}

// Paragraph is one paragraph of one field: the unit the paragraph and
// (by reference) vector indexes store one record per.
type Paragraph struct {
	FieldID         string
	Key             string // "<uuid>/<field_id>/<start>-<end>[/<split>]"
	Text            string
	Start, End      int
	SplitID         string
	IndexInField    int
	RepeatedInField bool
	Labels          []string
	Metadata        []byte
}

// Relation is one graph edge touching this resource.
type Relation struct {
	ResourceFieldID string
	Source          Node
	Target          Node
	Kind            RelationKind
	Label           string
	Labels          []string
	Metadata        []byte
}

// Node identifies one endpoint of a relation edge.
type Node struct {
	Value   string
	Type    NodeType
	Subtype string
}

// NodeType enumerates the kinds of relation-graph nodes.
type NodeType int

const (
	NodeEntity NodeType = iota
	NodeLabel
	NodeResource
	NodeUser
)

// RelationKind enumerates edge kinds, serialized as u64 0..5 per the
// on-disk format nidx_relation shares with the original Rust protobufs.
type RelationKind int

const (
	RelationChild RelationKind = iota
	RelationAbout
	RelationEntity
	RelationColab
	RelationSynonym
	RelationOther
)

// VectorParagraph is one paragraph's contribution to a named vector set:
// Single cardinality carries exactly one entry in Vectors; Multi carries
// k >= 1 (ColBERT-style).
type VectorParagraph struct {
	Key     string
	Labels  []string
	Metadata []byte
	Vectors [][]float32
}
