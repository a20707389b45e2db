package geojson

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyGeometryBuckets(t *testing.T) {
	cases := []struct {
		name string
		geom orb.Geometry
		want Bucket
	}{
		{"polygon", orb.Polygon{}, BucketPolygon},
		{"multipolygon", orb.MultiPolygon{}, BucketPolygon},
		{"linestring", orb.LineString{}, BucketLine},
		{"multilinestring", orb.MultiLineString{}, BucketLine},
		{"point", orb.Point{}, BucketCircle},
		{"multipoint", orb.MultiPoint{}, BucketCircle},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ClassifyGeometry(c.geom)
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestClassifyGeometryRejectsUnsupported(t *testing.T) {
	_, err := ClassifyGeometry(orb.Collection{})
	assert.Error(t, err)
}

func TestBucketsClassifiesEveryFeature(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{1, 2}))
	fc.Append(geojson.NewFeature(orb.LineString{{0, 0}, {1, 1}}))

	buckets, err := Buckets(fc)
	require.NoError(t, err)
	assert.Equal(t, []Bucket{BucketCircle, BucketLine}, buckets)
}

func sampleFeatureCollectionJSON() []byte {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{34.8, 31.0}))
	data, _ := fc.MarshalJSON()
	return data
}

func TestStoreGetReadsExistingCache(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "cached.geojson")
	require.NoError(t, os.WriteFile(cachePath, sampleFeatureCollectionJSON(), 0o644))

	s := NewStore()
	fc, err := s.Get(context.Background(), cachePath, "http://unused.invalid")
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
}

func TestStoreGetFetchesAndWritesThroughOnMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Tile Server", r.Header.Get("User-Agent"))
		w.Write(sampleFeatureCollectionJSON())
	}))
	defer srv.Close()

	dir := t.TempDir()
	cachePath := filepath.Join(dir, "fetched.geojson")

	s := NewStore()
	fc, err := s.Get(context.Background(), cachePath, srv.URL)
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)

	_, err = os.Stat(cachePath)
	assert.NoError(t, err, "fetched body should be written through to cachePath")
}

func TestStoreGetMissingCacheNoSourceURLErrors(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "missing.geojson")

	s := NewStore()
	_, err := s.Get(context.Background(), cachePath, "")
	assert.Error(t, err)
}

func TestStoreETagMatchesContent(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "cached.geojson")
	data := sampleFeatureCollectionJSON()
	require.NoError(t, os.WriteFile(cachePath, data, 0o644))

	s := NewStore()
	tag1, err := s.ETag(cachePath)
	require.NoError(t, err)
	assert.Len(t, tag1, 32)

	tag2, err := s.ETag(cachePath)
	require.NoError(t, err)
	assert.Equal(t, tag1, tag2)
}
