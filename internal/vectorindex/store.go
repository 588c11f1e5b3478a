// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package vectorindex

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"

	"storj.io/nidx/internal/nidxerr"
)

const (
	paragraphsBinFile = "paragraphs.bin"
	paragraphsPosFile = "paragraphs.pos"
	vectorsRawFile    = "vectors.raw"
	vectorsQuantFile  = "vectors.quant"
)

// paragraphRecord is one paragraphs.bin entry: (key, labels, metadata,
// first vector address, vector count), per spec.md §4.5.1.
type paragraphRecord struct {
	Key            string
	Labels         []string
	Metadata       []byte
	FirstVectorAddr uint32
	NumVectors      uint32
}

func encodeParagraph(p paragraphRecord) []byte {
	var buf bytes.Buffer
	writeString(&buf, p.Key)
	writeUvarint(&buf, uint64(len(p.Labels)))
	for _, l := range p.Labels {
		writeString(&buf, l)
	}
	writeBytes(&buf, p.Metadata)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], p.FirstVectorAddr)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], p.NumVectors)
	buf.Write(u32[:])
	return buf.Bytes()
}

func decodeParagraph(b []byte) (paragraphRecord, error) {
	r := bytes.NewReader(b)
	key, err := readString(r)
	if err != nil {
		return paragraphRecord{}, err
	}
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return paragraphRecord{}, err
	}
	labels := make([]string, n)
	for i := range labels {
		labels[i], err = readString(r)
		if err != nil {
			return paragraphRecord{}, err
		}
	}
	meta, err := readBytes(r)
	if err != nil {
		return paragraphRecord{}, err
	}
	var u32 [4]byte
	if _, err := r.Read(u32[:]); err != nil {
		return paragraphRecord{}, err
	}
	first := binary.LittleEndian.Uint32(u32[:])
	if _, err := r.Read(u32[:]); err != nil {
		return paragraphRecord{}, err
	}
	num := binary.LittleEndian.Uint32(u32[:])
	return paragraphRecord{Key: key, Labels: labels, Metadata: meta, FirstVectorAddr: first, NumVectors: num}, nil
}

func writeString(buf *bytes.Buffer, s string) { writeBytes(buf, []byte(s)) }

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// writer accumulates a segment's paragraph and vector files during
// Create/Merge, then flushes them to dir.
type writer struct {
	dim int

	paragraphsBin []byte
	paragraphsPos []uint32

	vectorsRaw   []byte
	vectorsQuant []byte
}

func newWriter(dim int) *writer { return &writer{dim: dim} }

// addParagraph appends one paragraph record and its vectors, returning
// the paragraph's index (address).
func (w *writer) addParagraph(p paragraphRecord, vectors [][]float32, normalize bool) int {
	p.FirstVectorAddr = uint32(len(w.vectorsRaw) / vectorStride(w.dim))
	p.NumVectors = uint32(len(vectors))

	w.paragraphsPos = append(w.paragraphsPos, uint32(len(w.paragraphsBin)))
	w.paragraphsBin = append(w.paragraphsBin, encodeParagraph(p)...)

	paragraphAddr := len(w.paragraphsPos) - 1
	for _, v := range vectors {
		vv := append([]float32(nil), v...)
		if normalize {
			normalize_(vv)
		}
		w.vectorsRaw = append(w.vectorsRaw, encodeRawVector(vv, uint32(paragraphAddr))...)
		w.vectorsQuant = append(w.vectorsQuant, quantizeVector(vv)...)
	}
	return paragraphAddr
}

func normalize_(v []float32) { normalize(v) }

func vectorStride(dim int) int { return dim*4 + 4 }

func encodeRawVector(v []float32, paragraphID uint32) []byte {
	out := make([]byte, vectorStride(len(v)))
	for i, f := range v {
		putFloat32(out[i*4:i*4+4], f)
	}
	binary.LittleEndian.PutUint32(out[len(v)*4:], paragraphID)
	return out
}

func (w *writer) flush(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nidxerr.Internal.Wrap(err)
	}
	posBytes := make([]byte, 4*len(w.paragraphsPos))
	for i, off := range w.paragraphsPos {
		binary.LittleEndian.PutUint32(posBytes[i*4:], off)
	}
	files := map[string][]byte{
		paragraphsBinFile: w.paragraphsBin,
		paragraphsPosFile: posBytes,
		vectorsRawFile:    w.vectorsRaw,
		vectorsQuantFile:  w.vectorsQuant,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return nidxerr.Internal.Wrap(err)
		}
	}
	return nil
}

// reader is a read-only, mmap-backed view over one segment directory's
// vector files (spec.md's "shared-immutable, may be mmap'd concurrently"
// ownership rule).
type reader struct {
	dim int

	paragraphsBin []byte
	paragraphsPos []uint32

	rawFile, quantFile *os.File
	raw, quant         mmap.MMap
}

func openReader(dir string, dim int) (*reader, error) {
	posData, err := os.ReadFile(filepath.Join(dir, paragraphsPosFile))
	if err != nil {
		return nil, nidxerr.StorageFatal.Wrap(err)
	}
	pos := make([]uint32, len(posData)/4)
	for i := range pos {
		pos[i] = binary.LittleEndian.Uint32(posData[i*4:])
	}
	bin, err := os.ReadFile(filepath.Join(dir, paragraphsBinFile))
	if err != nil {
		return nil, nidxerr.StorageFatal.Wrap(err)
	}

	r := &reader{dim: dim, paragraphsBin: bin, paragraphsPos: pos}

	r.rawFile, r.raw, err = mmapOpen(filepath.Join(dir, vectorsRawFile))
	if err != nil {
		return nil, err
	}
	r.quantFile, r.quant, err = mmapOpen(filepath.Join(dir, vectorsQuantFile))
	if err != nil {
		_ = r.rawFile.Close()
		return nil, err
	}
	return r, nil
}

func mmapOpen(path string) (*os.File, mmap.MMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nidxerr.StorageFatal.Wrap(err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, nidxerr.StorageFatal.Wrap(err)
	}
	if info.Size() == 0 {
		// mmap of a zero-length file fails; an empty segment has no
		// vectors to map.
		return f, mmap.MMap{}, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, nil, nidxerr.StorageFatal.Wrap(err)
	}
	return f, m, nil
}

func (r *reader) close() error {
	var firstErr error
	if len(r.raw) > 0 {
		if err := r.raw.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(r.quant) > 0 {
		if err := r.quant.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.rawFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.quantFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (r *reader) numVectors() int {
	if len(r.raw) == 0 {
		return 0
	}
	return len(r.raw) / vectorStride(r.dim)
}

func (r *reader) rawVector(addr uint32) []float32 {
	stride := vectorStride(r.dim)
	off := int(addr) * stride
	out := make([]float32, r.dim)
	for i := range out {
		out[i] = getFloat32(r.raw[off+i*4 : off+i*4+4])
	}
	return out
}

func (r *reader) vectorParagraph(addr uint32) uint32 {
	stride := vectorStride(r.dim)
	off := int(addr)*stride + r.dim*4
	return binary.LittleEndian.Uint32(r.raw[off : off+4])
}

func (r *reader) quantVector(addr uint32) []byte {
	stride := quantStride(r.dim)
	off := int(addr) * stride
	return r.quant[off : off+stride]
}

func (r *reader) paragraph(addr int) (paragraphRecord, error) {
	start := r.paragraphsPos[addr]
	var end uint32
	if addr+1 < len(r.paragraphsPos) {
		end = r.paragraphsPos[addr+1]
	} else {
		end = uint32(len(r.paragraphsBin))
	}
	return decodeParagraph(r.paragraphsBin[start:end])
}

func (r *reader) numParagraphs() int { return len(r.paragraphsPos) }
