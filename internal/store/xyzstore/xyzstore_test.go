package xyzstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcom-dev/tileserver/internal/store"
)

func opaquePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 1, G: 2, B: 3, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func transparentPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func openStore(t *testing.T, storeMD5, storeTransparent bool) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), store.Descriptor{
		Kind:             store.KindXYZ,
		Location:         dir,
		Writable:         true,
		StoreMD5:         storeMD5,
		StoreTransparent: storeTransparent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s.(*Store)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openStore(t, true, true)
	ctx := context.Background()
	data := opaquePNG(t)

	require.NoError(t, s.PutTile(ctx, 5, 1, 2, data))

	tile, err := s.GetTile(ctx, 5, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, data, tile.Bytes)
	assert.Equal(t, "image/png", tile.ContentType)
}

func TestGetMissingTileNotFound(t *testing.T) {
	s := openStore(t, false, true)
	_, err := s.GetTile(context.Background(), 1, 1, 1)
	assert.ErrorIs(t, err, store.ErrTileNotFound)
}

func TestPutTileIdempotent(t *testing.T) {
	s := openStore(t, true, true)
	ctx := context.Background()
	data := opaquePNG(t)

	require.NoError(t, s.PutTile(ctx, 4, 0, 0, data))
	require.NoError(t, s.PutTile(ctx, 4, 0, 0, data))

	tile, err := s.GetTile(ctx, 4, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, data, tile.Bytes)
}

func TestTransparentPNGSuppressed(t *testing.T) {
	s := openStore(t, false, false)
	ctx := context.Background()

	err := s.PutTile(ctx, 3, 1, 1, transparentPNG(t))
	assert.ErrorIs(t, err, store.ErrTransparentSuppressed)

	_, err = s.GetTile(ctx, 3, 1, 1)
	assert.ErrorIs(t, err, store.ErrTileNotFound)
}

func TestTransparentPNGAllowedWhenStoreTransparentTrue(t *testing.T) {
	s := openStore(t, false, true)
	ctx := context.Background()
	data := transparentPNG(t)

	require.NoError(t, s.PutTile(ctx, 3, 1, 1, data))
	tile, err := s.GetTile(ctx, 3, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, data, tile.Bytes)
}

func TestGetTileMD5PrefersPersistedHash(t *testing.T) {
	s := openStore(t, true, true)
	ctx := context.Background()
	data := opaquePNG(t)
	require.NoError(t, s.PutTile(ctx, 2, 0, 0, data))

	sum := md5.Sum(data)
	want := hex.EncodeToString(sum[:])

	got, err := s.GetTileMD5(ctx, 2, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGetTileMD5FallsBackWithoutSidecar(t *testing.T) {
	s := openStore(t, false, true)
	ctx := context.Background()
	data := opaquePNG(t)
	require.NoError(t, s.PutTile(ctx, 2, 0, 0, data))

	sum := md5.Sum(data)
	want := hex.EncodeToString(sum[:])

	got, err := s.GetTileMD5(ctx, 2, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDeleteTileIsIdempotent(t *testing.T) {
	s := openStore(t, true, true)
	ctx := context.Background()
	data := opaquePNG(t)
	require.NoError(t, s.PutTile(ctx, 6, 3, 3, data))

	require.NoError(t, s.DeleteTile(ctx, 6, 3, 3))
	require.NoError(t, s.DeleteTile(ctx, 6, 3, 3)) // second delete: no error

	_, err := s.GetTile(ctx, 6, 3, 3)
	assert.ErrorIs(t, err, store.ErrTileNotFound)

	_, err = s.GetTileMD5(ctx, 6, 3, 3)
	assert.ErrorIs(t, err, store.ErrTileMD5NotFound)
}

func TestPutMetadataMergePreservesUntouchedKeys(t *testing.T) {
	s := openStore(t, false, true)
	ctx := context.Background()

	require.NoError(t, s.PutMetadata(ctx, map[string]any{"name": "osm", "version": "1"}))
	require.NoError(t, s.PutMetadata(ctx, map[string]any{"version": "2"}))

	info, err := s.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "osm", info["name"])
	assert.Equal(t, "2", info["version"])
}

func TestGetInfoDerivesFromTiles(t *testing.T) {
	s := openStore(t, false, true)
	ctx := context.Background()
	require.NoError(t, s.PutMetadata(ctx, map[string]any{"name": "osm"}))

	data := opaquePNG(t)
	require.NoError(t, s.PutTile(ctx, 5, 10, 10, data))
	require.NoError(t, s.PutTile(ctx, 6, 20, 21, data))

	info, err := s.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, info["minzoom"])
	assert.Equal(t, 6, info["maxzoom"])
	assert.Equal(t, "png", info["format"])
	assert.Equal(t, "xyz", info["scheme"])
}

func TestConcurrentPutSameTileLeavesNoLockOrTmpFiles(t *testing.T) {
	s := openStore(t, true, true)
	ctx := context.Background()
	data := opaquePNG(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.PutTile(ctx, 7, 5, 5, data)
		}()
	}
	wg.Wait()

	tile, err := s.GetTile(ctx, 7, 5, 5)
	require.NoError(t, err)
	assert.Equal(t, data, tile.Bytes)

	path := s.tilePath(7, 5, 5, "png")
	assert.NoFileExists(t, path+".lock")
	assert.NoFileExists(t, path+".tmp")
}

func TestRemoveEmptyFoldersPrunesBottomUp(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "5", "1"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "5", "2"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "5", "2", "3.png"), []byte("x"), 0o644))

	require.NoError(t, RemoveEmptyFolders(dir, regexp.MustCompile(`^\d+\.\w+$`)))

	assert.NoDirExists(t, filepath.Join(dir, "5", "1"))
	assert.DirExists(t, filepath.Join(dir, "5", "2"))
}
