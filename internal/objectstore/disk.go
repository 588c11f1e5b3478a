// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package objectstore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"storj.io/nidx/internal/nidxerr"
)

// Disk is a Store backed by a local directory tree, one file per key
// (slashes in keys become subdirectories). It's the adapter used in
// development and in tests, in place of the teacher's production-grade
// cloud storage — nidx itself runs equally well against local disk in
// single-node deployments, per spec.md's storage abstraction.
type Disk struct {
	root string
}

// NewDisk returns a Disk store rooted at dir. dir is created if missing.
func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nidxerr.StorageFatal.Wrap(err)
	}
	return &Disk{root: dir}, nil
}

func (d *Disk) path(key string) string {
	return filepath.Join(d.root, filepath.FromSlash(key))
}

func (d *Disk) Put(ctx context.Context, key string, data io.Reader, size int64) error {
	p := d.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nidxerr.StorageFatal.Wrap(err)
	}
	tmp := p + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nidxerr.StorageFatal.Wrap(err)
	}
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return nidxerr.StorageTransient.Wrap(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return nidxerr.StorageTransient.Wrap(err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return nidxerr.StorageFatal.Wrap(err)
	}
	return nil
}

func (d *Disk) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(d.path(key))
	if os.IsNotExist(err) {
		return nil, nidxerr.NotFound.New("object %q", key)
	}
	if err != nil {
		return nil, nidxerr.StorageTransient.Wrap(err)
	}
	return f, nil
}

func (d *Disk) Delete(ctx context.Context, key string) error {
	err := os.Remove(d.path(key))
	if err != nil && !os.IsNotExist(err) {
		return nidxerr.StorageTransient.Wrap(err)
	}
	return nil
}

var _ Store = (*Disk)(nil)
