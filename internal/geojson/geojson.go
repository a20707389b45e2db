// Package geojson implements the GeoJSON read-through store and
// style-bucket classifier (spec.md C11c), replacing the teacher's
// hand-rolled GeoJSONFeatureCollection/GeoJSONFeature structs
// (internal/handlers/geo_boundaries.go) with a real parser.
package geojson

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/jcom-dev/tileserver/internal/filelock"
)

// Bucket is the style classification a geometry type maps to (spec.md
// §4.11).
type Bucket string

const (
	BucketPolygon Bucket = "polygon"
	BucketLine    Bucket = "line"
	BucketCircle  Bucket = "circle"
)

// ClassifyGeometry maps a geometry's type to its style bucket.
func ClassifyGeometry(g orb.Geometry) (Bucket, error) {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return BucketPolygon, nil
	case orb.LineString, orb.MultiLineString:
		return BucketLine, nil
	case orb.Point, orb.MultiPoint:
		return BucketCircle, nil
	default:
		return "", fmt.Errorf("geojson: unsupported geometry type %T", g)
	}
}

// Buckets classifies every feature in a FeatureCollection, returning the
// bucket for each feature in order. The first feature with an
// unclassifiable geometry stops classification: Buckets then returns nil
// and an error naming that feature's index.
func Buckets(fc *geojson.FeatureCollection) ([]Bucket, error) {
	buckets := make([]Bucket, len(fc.Features))
	for i, f := range fc.Features {
		b, err := ClassifyGeometry(f.Geometry)
		if err != nil {
			return nil, fmt.Errorf("geojson: feature %d: %w", i, err)
		}
		buckets[i] = b
	}
	return buckets, nil
}

const lockTimeout = 5 * time.Minute

// Store is a read-through cache over GeoJSON files: a local cache path
// fetched from an upstream URL on miss, write-through via the filelock
// temp-rename idiom, with MD5 comparing the stored JSON-encoded bytes.
type Store struct {
	httpClient *http.Client
}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{httpClient: &http.Client{}}
}

// Get reads cachePath if present, otherwise fetches from sourceURL and
// writes it to cachePath before returning.
func (s *Store) Get(ctx context.Context, cachePath, sourceURL string) (*geojson.FeatureCollection, error) {
	if data, err := os.ReadFile(cachePath); err == nil {
		return geojson.UnmarshalFeatureCollection(data)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("geojson: read cache %s: %w", cachePath, err)
	}

	if sourceURL == "" {
		return nil, fmt.Errorf("geojson: %s not cached and no source url configured", cachePath)
	}

	data, err := s.fetch(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("geojson: decode fetched body from %s: %w", sourceURL, err)
	}

	if err := filelock.WithLock(cachePath, lockTimeout, func() error {
		return filelock.WriteAtomic(cachePath, data, 0o644)
	}); err != nil {
		return nil, fmt.Errorf("geojson: write cache %s: %w", cachePath, err)
	}

	return fc, nil
}

// ETag returns the lowercase hex MD5 of the cached file's bytes.
func (s *Store) ETag(cachePath string) (string, error) {
	data, err := os.ReadFile(cachePath)
	if err != nil {
		return "", fmt.Errorf("geojson: read %s for etag: %w", cachePath, err)
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

func (s *Store) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("geojson: build request: %w", err)
	}
	req.Header.Set("User-Agent", "Tile Server")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geojson: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("geojson: fetch %s: status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("geojson: read body from %s: %w", url, err)
	}
	return data, nil
}
