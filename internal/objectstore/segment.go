// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package objectstore

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"storj.io/nidx/internal/nidxerr"
)

// PackAndUpload tars localDir's contents (relative paths, no leading
// directory component) and uploads the result to store under key,
// returning the blob's size in bytes. This is how every index kind's
// on-disk segment layout becomes the single blob the catalog's Segment
// row points at.
//
// The tar is staged to a temp file rather than streamed directly to
// store, because Store.Put needs an accurate size up front (some
// backends reject chunked uploads without Content-Length).
func PackAndUpload(ctx context.Context, store Store, localDir, key string) (int64, error) {
	tmp, err := os.CreateTemp("", "nidx-segment-*.tar")
	if err != nil {
		return 0, nidxerr.StorageFatal.Wrap(err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	tw := tar.NewWriter(tmp)
	walkErr := filepath.Walk(localDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		// Fixed mode, owner and timestamp, so identical directory
		// contents always pack into identical blobs.
		hdr.ModTime = time.Unix(0, 0)
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "", ""
		hdr.Mode = 0o644
		if info.IsDir() {
			hdr.Name += "/"
			hdr.Mode = 0o755
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr == nil {
		walkErr = tw.Close()
	}
	if walkErr != nil {
		_ = tmp.Close()
		return 0, nidxerr.StorageFatal.Wrap(walkErr)
	}

	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		_ = tmp.Close()
		return 0, nidxerr.StorageFatal.Wrap(err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		_ = tmp.Close()
		return 0, nidxerr.StorageFatal.Wrap(err)
	}

	putErr := store.Put(ctx, key, tmp, size)
	_ = tmp.Close()
	if putErr != nil {
		return 0, putErr
	}
	return size, nil
}

// DownloadAndUnpack fetches the tar blob at key and extracts it into
// destDir. Extraction happens into a destDir+".tmp" sibling first and is
// renamed into place only on success, so a reader racing the sync loop
// never observes a half-written segment directory.
func DownloadAndUnpack(ctx context.Context, store Store, key, destDir string) error {
	tmpDir := destDir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return nidxerr.StorageFatal.Wrap(err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nidxerr.StorageFatal.Wrap(err)
	}

	r, err := store.Get(ctx, key)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return err
	}
	defer r.Close()

	if err := untar(r, tmpDir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nidxerr.StorageFatal.Wrap(err)
	}

	if err := os.RemoveAll(destDir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nidxerr.StorageFatal.Wrap(err)
	}
	if err := os.Rename(tmpDir, destDir); err != nil {
		return nidxerr.StorageFatal.Wrap(err)
	}
	return nil
}

func untar(r io.Reader, dir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			closeErr := f.Close()
			if err != nil {
				return err
			}
			if closeErr != nil {
				return closeErr
			}
		}
	}
}
