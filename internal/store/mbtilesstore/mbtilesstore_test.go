package mbtilesstore

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcom-dev/tileserver/internal/store"
)

func opaquePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 9, G: 8, B: 7, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func openStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mbtiles")
	s, err := Open(context.Background(), store.Descriptor{
		Kind:     store.KindMBTiles,
		Location: path,
		Writable: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s.(*Store)
}

func TestPutGetRoundTripFlipsYToTMS(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	data := opaquePNG(t)

	require.NoError(t, s.PutTile(ctx, 4, 2, 3, data))

	tile, err := s.GetTile(ctx, 4, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, data, tile.Bytes)

	var row int
	require.NoError(t, s.db.QueryRow(
		`SELECT tile_row FROM tiles WHERE zoom_level=4 AND tile_column=2`).Scan(&row))
	assert.Equal(t, flipToTMS(3, 4), row)
}

func TestGetMissingTileNotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.GetTile(context.Background(), 1, 1, 1)
	assert.ErrorIs(t, err, store.ErrTileNotFound)
}

func TestPutTileUpsertIsIdempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	data := opaquePNG(t)

	require.NoError(t, s.PutTile(ctx, 3, 0, 0, data))
	require.NoError(t, s.PutTile(ctx, 3, 0, 0, data))

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM tiles`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestDeleteTileIdempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTile(ctx, 2, 1, 1, opaquePNG(t)))

	require.NoError(t, s.DeleteTile(ctx, 2, 1, 1))
	require.NoError(t, s.DeleteTile(ctx, 2, 1, 1))

	_, err := s.GetTile(ctx, 2, 1, 1)
	assert.ErrorIs(t, err, store.ErrTileNotFound)
}

func TestGetTileMD5(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTile(ctx, 2, 0, 0, opaquePNG(t)))

	hash, err := s.GetTileMD5(ctx, 2, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, md5Hex(opaquePNG(t)), hash)

	_, err = s.GetTileMD5(ctx, 9, 9, 9)
	assert.ErrorIs(t, err, store.ErrTileMD5NotFound)
}

func TestGetTileCreated(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTile(ctx, 2, 0, 0, opaquePNG(t)))

	created, err := s.GetTileCreated(ctx, 2, 0, 0)
	require.NoError(t, err)
	assert.Greater(t, created, int64(0))

	_, err = s.GetTileCreated(ctx, 9, 9, 9)
	assert.ErrorIs(t, err, store.ErrCreatedNotFound)
}

func TestMetadataMergePreservesUntouchedKeys(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutMetadata(ctx, map[string]any{"name": "osm", "version": "1"}))
	require.NoError(t, s.PutMetadata(ctx, map[string]any{"version": "2"}))

	info, err := s.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "osm", info["name"])
	assert.Equal(t, "2", info["version"])
	assert.Equal(t, "tms", info["scheme"])
}

func TestGetInfoDerivesZoomRange(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutMetadata(ctx, map[string]any{"name": "osm"}))
	require.NoError(t, s.PutTile(ctx, 5, 1, 1, opaquePNG(t)))
	require.NoError(t, s.PutTile(ctx, 7, 2, 2, opaquePNG(t)))

	info, err := s.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, info["minzoom"])
	assert.Equal(t, 7, info["maxzoom"])
	assert.Equal(t, "png", info["format"])
}

func TestDecodeMetadataIntoCoercesVectorLayersFromJSONBlob(t *testing.T) {
	m := map[string]any{}
	decodeMetadataInto(m, "json", `{"vector_layers":["water","roads"]}`)
	assert.Equal(t, []string{"water", "roads"}, m["vector_layers"])
}
