// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package vectorindex is the HNSW-backed vector index kind (spec.md
// §4.5), the densest subsystem: a per-segment binary layout (raw and
// RaBitQ-quantized vectors, an on-disk HNSW graph, FST prefilters) plus
// the online insertion and search algorithms over it. Configuration
// mirrors nidx_vector::config.VectorConfig
// (original_source/nidx/nidx_vector/src/config.rs) field for field.
package vectorindex

import "encoding/json"

// Similarity selects the scoring function vectors are compared with.
type Similarity string

const (
	SimilarityCosine Similarity = "cosine"
	SimilarityDot    Similarity = "dot"
)

// Cardinality controls whether a paragraph contributes one vector
// (Single) or several (Multi, enabling MaxSim/ColBERT-style scoring).
type Cardinality string

const (
	CardinalitySingle Cardinality = "single"
	CardinalityMulti  Cardinality = "multi"
)

// Config is a vector index's (or vectorset's) configuration, stored as
// the owning catalog.Index row's JSON configuration blob.
type Config struct {
	Similarity        Similarity  `json:"similarity"`
	NormalizeVectors  bool        `json:"normalize_vectors"`
	Dimension         int         `json:"dimension"`
	VectorCardinality Cardinality `json:"vector_cardinality"`
	Flags             []string    `json:"flags,omitempty"`

	// HNSW build parameters. Not part of the original nidx
	// VectorConfig (which hardcodes them); exposed here so tests and
	// callers can trade recall for build time.
	M              int `json:"m,omitempty"`
	Mmax0          int `json:"mmax0,omitempty"`
	EfConstruction int `json:"ef_construction,omitempty"`
	EfSearch       int `json:"ef_search,omitempty"`
}

// Defaults fills in the zero-value fields of c with spec.md §4.5.2's
// defaults plus reasonable HNSW build parameters.
func (c Config) Defaults() Config {
	if c.Similarity == "" {
		c.Similarity = SimilarityCosine
	}
	if c.VectorCardinality == "" {
		c.VectorCardinality = CardinalitySingle
	}
	if c.M == 0 {
		c.M = 16
	}
	if c.Mmax0 == 0 {
		c.Mmax0 = 2 * c.M
	}
	if c.EfConstruction == 0 {
		c.EfConstruction = 100
	}
	if c.EfSearch == 0 {
		c.EfSearch = 100
	}
	return c
}

// ParseConfig decodes a catalog.Index.Configuration blob.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var c Config
	if len(raw) == 0 {
		return Config{}.Defaults(), nil
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return Config{}, err
	}
	return c.Defaults(), nil
}

// Marshal serializes c for storage in an Index's configuration column.
func (c Config) Marshal() json.RawMessage {
	b, _ := json.Marshal(c)
	return b
}
