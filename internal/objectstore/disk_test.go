// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package objectstore_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/nidx/internal/objectstore"
)

func TestDiskPutGetDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := objectstore.NewDisk(dir)
	require.NoError(t, err)

	data := []byte("hello segment")
	require.NoError(t, store.Put(ctx, "segment/1", bytes.NewReader(data), int64(len(data))))

	r, err := store.Get(ctx, "segment/1")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, data, got)

	require.NoError(t, store.Delete(ctx, "segment/1"))
	_, err = store.Get(ctx, "segment/1")
	require.Error(t, err)

	// deleting a missing key is not an error.
	require.NoError(t, store.Delete(ctx, "segment/1"))
}

func TestPackAndUploadRoundTrip(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.bin"), []byte("aaaa"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "sub", "b.bin"), []byte("bbbbbb"), 0o644))

	storeDir := t.TempDir()
	store, err := objectstore.NewDisk(storeDir)
	require.NoError(t, err)

	size, err := objectstore.PackAndUpload(ctx, store, srcDir, "segment/42")
	require.NoError(t, err)
	require.Greater(t, size, int64(0))

	destDir := filepath.Join(t.TempDir(), "out")
	require.NoError(t, objectstore.DownloadAndUnpack(ctx, store, "segment/42", destDir))

	got, err := os.ReadFile(filepath.Join(destDir, "a.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte("aaaa"), got)

	got, err = os.ReadFile(filepath.Join(destDir, "sub", "b.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte("bbbbbb"), got)

	// a stale destDir.tmp left behind by a crashed previous attempt must
	// not survive a successful download.
	require.NoError(t, os.MkdirAll(destDir+".tmp", 0o755))
	require.NoError(t, objectstore.DownloadAndUnpack(ctx, store, "segment/42", destDir))
	_, err = os.Stat(destDir + ".tmp")
	require.True(t, os.IsNotExist(err))
}
