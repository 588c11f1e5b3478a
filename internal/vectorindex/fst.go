// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package vectorindex

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"

	"github.com/blevesearch/vellum"

	"storj.io/nidx/internal/nidxerr"
)

const (
	labelFSTFile   = "fst/label.fst"
	fieldFSTFile   = "fst/field.fst"
	labelInvFile   = "fst/label.inv"
	fieldInvFile   = "fst/field.inv"
)

// prefilterIndex maps label or (resource,field) keys to the sorted set
// of vector addresses carrying them, backed by an FST for the key space
// and a variable-byte delta-encoded inverted list blob for the values
// (spec.md §4.5.1, §6).
type prefilterIndex struct {
	fst *vellum.FST
	inv []byte
}

// buildPrefilterIndex builds one FST+inverted-list pair from a
// key -> sorted addrses map.
func buildPrefilterIndex(postings map[string][]uint32) ([]byte, []byte, error) {
	keys := make([]string, 0, len(postings))
	for k := range postings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var inv bytes.Buffer
	var fstBuf bytes.Buffer
	builder, err := vellum.New(&fstBuf, nil)
	if err != nil {
		return nil, nil, nidxerr.Internal.Wrap(err)
	}
	for _, k := range keys {
		offset := uint64(inv.Len())
		writeDeltaList(&inv, postings[k])
		if err := builder.Insert([]byte(k), offset); err != nil {
			return nil, nil, nidxerr.Internal.Wrap(err)
		}
	}
	if err := builder.Close(); err != nil {
		return nil, nil, nidxerr.Internal.Wrap(err)
	}
	return fstBuf.Bytes(), inv.Bytes(), nil
}

// writeDeltaList appends a length-prefixed, variable-byte delta-encoded
// sorted list of addrs to buf.
func writeDeltaList(buf *bytes.Buffer, addrs []uint32) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(addrs)))
	buf.Write(tmp[:n])
	var prev uint32
	for _, a := range addrs {
		delta := a - prev
		n := binary.PutUvarint(tmp[:], uint64(delta))
		buf.Write(tmp[:n])
		prev = a
	}
}

func readDeltaList(b []byte) []uint32 {
	r := bytes.NewReader(b)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil
	}
	out := make([]uint32, 0, count)
	var prev uint32
	for i := uint64(0); i < count; i++ {
		delta, err := binary.ReadUvarint(r)
		if err != nil {
			break
		}
		prev += uint32(delta)
		out = append(out, prev)
	}
	return out
}

func loadPrefilterIndex(fstBytes, invBytes []byte) (*prefilterIndex, error) {
	if len(fstBytes) == 0 {
		return &prefilterIndex{}, nil
	}
	fst, err := vellum.Load(fstBytes)
	if err != nil {
		return nil, nidxerr.StorageFatal.Wrap(err)
	}
	return &prefilterIndex{fst: fst, inv: invBytes}, nil
}

// Resolve returns the sorted address set for key, or (nil, false) if
// key isn't present.
func (p *prefilterIndex) Resolve(key string) ([]uint32, bool) {
	if p.fst == nil {
		return nil, false
	}
	offset, exists, err := p.fst.Get([]byte(key))
	if err != nil || !exists {
		return nil, false
	}
	return readDeltaList(p.inv[offset:]), true
}

func writePrefilterFiles(dir string, labelFST, labelInv, fieldFST, fieldInv []byte) error {
	if err := os.MkdirAll(filepath.Join(dir, "fst"), 0o755); err != nil {
		return nidxerr.Internal.Wrap(err)
	}
	files := map[string][]byte{
		labelFSTFile: labelFST,
		fieldFSTFile: fieldFST,
		labelInvFile: labelInv,
		fieldInvFile: fieldInv,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return nidxerr.Internal.Wrap(err)
		}
	}
	return nil
}

func readPrefilterFiles(dir string) (labelFST, labelInv, fieldFST, fieldInv []byte, err error) {
	read := func(name string) []byte {
		b, rerr := os.ReadFile(filepath.Join(dir, name))
		if rerr != nil {
			return nil
		}
		return b
	}
	labelFST = read(labelFSTFile)
	labelInv = read(labelInvFile)
	fieldFST = read(fieldFSTFile)
	fieldInv = read(fieldInvFile)
	return
}
