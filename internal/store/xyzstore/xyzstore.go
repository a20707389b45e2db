// Package xyzstore implements the on-disk directory-tree tile store
// (spec.md C5): tiles under root/{z}/{x}/{y}.{format}, metadata in
// root/metadata.json, and an optional md5.sqlite sidecar database for
// persisted content hashes.
package xyzstore

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/semaphore"

	"github.com/jcom-dev/tileserver/internal/filelock"
	"github.com/jcom-dev/tileserver/internal/sniff"
	"github.com/jcom-dev/tileserver/internal/store"
	"github.com/jcom-dev/tileserver/internal/tilejson"
	"github.com/jcom-dev/tileserver/internal/tilemath"
	"github.com/jcom-dev/tileserver/internal/vectortile"
)

const (
	lockTimeout  = 5 * time.Minute
	decodeSample = 100 // spec.md §4.5: bounded concurrency 100 for the vector_layers decode scan
)

var zoomDirPattern = regexp.MustCompile(`^\d+$`)

// Store is the xyzstore.Store implementation of store.Store.
type Store struct {
	root             string
	writable         bool
	storeMD5         bool
	storeTransparent bool
	sourceURL        string

	mu     sync.Mutex
	format string // tile file extension, fixed once the first tile is written or discovered

	db *sql.DB // md5 sidecar, nil when storeMD5 is false
}

// Open implements store.Opener for the xyz backend.
func Open(ctx context.Context, d store.Descriptor) (store.Store, error) {
	root := d.Location
	if d.Writable {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("xyzstore: create root %s: %w", root, err)
		}
	}

	s := &Store{
		root:             root,
		writable:         d.Writable,
		storeMD5:         d.StoreMD5,
		storeTransparent: d.StoreTransparent,
		sourceURL:        d.SourceURL,
	}

	if format, ok := detectFormat(root); ok {
		s.format = format
	}

	if d.StoreMD5 {
		db, err := openMD5DB(filepath.Join(root, "md5.sqlite"))
		if err != nil {
			return nil, fmt.Errorf("xyzstore: open md5 sidecar: %w", err)
		}
		s.db = db
	}

	return s, nil
}

func openMD5DB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", path, lockTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS md5s (
		z INTEGER NOT NULL,
		x INTEGER NOT NULL,
		y INTEGER NOT NULL,
		hash TEXT NOT NULL,
		PRIMARY KEY (z, x, y)
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (s *Store) ext() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.format == "" {
		return "png"
	}
	return s.format
}

func (s *Store) setExt(format string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.format == "" {
		s.format = format
	}
}

func (s *Store) tilePath(z, x, y int, ext string) string {
	return filepath.Join(s.root, strconv.Itoa(z), strconv.Itoa(x), fmt.Sprintf("%d.%s", y, ext))
}

// findTilePath locates the tile file regardless of its extension, since the
// format is only known once at least one tile exists.
func (s *Store) findTilePath(z, x, y int) (string, bool) {
	dir := filepath.Join(s.root, strconv.Itoa(z), strconv.Itoa(x))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	prefix := strconv.Itoa(y) + "."
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > len(prefix) && e.Name()[:len(prefix)] == prefix {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

// GetTile implements store.Store.
func (s *Store) GetTile(ctx context.Context, z, x, y int) (store.Tile, error) {
	path, ok := s.findTilePath(z, x, y)
	if !ok {
		return store.Tile{}, store.ErrTileNotFound
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store.Tile{}, store.ErrTileNotFound
		}
		return store.Tile{}, fmt.Errorf("xyzstore: read tile: %w", err)
	}

	result := sniff.Sniff(data)
	return store.Tile{
		Bytes:           data,
		ContentType:     result.ContentType,
		ContentEncoding: string(result.ContentEncoding),
	}, nil
}

// PutTile implements store.Store.
func (s *Store) PutTile(ctx context.Context, z, x, y int, data []byte) error {
	result := sniff.Sniff(data)

	if !s.storeTransparent && result.Format == sniff.FormatPNG && store.IsFullyTransparentPNG(data) {
		return store.ErrTransparentSuppressed
	}

	ext := string(result.Format)
	path := s.tilePath(z, x, y, ext)

	err := filelock.WithLock(path, lockTimeout, func() error {
		if err := filelock.WriteAtomic(path, data, 0o644); err != nil {
			return err
		}
		if s.db != nil {
			hash := md5Hex(data)
			if _, err := s.db.ExecContext(ctx,
				`INSERT INTO md5s (z, x, y, hash) VALUES (?, ?, ?, ?)
				 ON CONFLICT(z, x, y) DO UPDATE SET hash = excluded.hash`,
				z, x, y, hash); err != nil {
				return fmt.Errorf("xyzstore: upsert md5: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("xyzstore: put tile: %w", err)
	}

	s.setExt(ext)
	return nil
}

// DeleteTile implements store.Store.
func (s *Store) DeleteTile(ctx context.Context, z, x, y int) error {
	path, ok := s.findTilePath(z, x, y)
	if !ok {
		return nil
	}

	err := filelock.WithLock(path, lockTimeout, func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		if s.db != nil {
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM md5s WHERE z = ? AND x = ? AND y = ?`, z, x, y); err != nil {
				return fmt.Errorf("xyzstore: delete md5 row: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("xyzstore: delete tile: %w", err)
	}
	return nil
}

// GetTileMD5 implements store.Store.
func (s *Store) GetTileMD5(ctx context.Context, z, x, y int) (string, error) {
	if s.db != nil {
		var hash string
		err := s.db.QueryRowContext(ctx,
			`SELECT hash FROM md5s WHERE z = ? AND x = ? AND y = ?`, z, x, y).Scan(&hash)
		if err == nil {
			return hash, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("xyzstore: query md5: %w", err)
		}
	}

	tile, err := s.GetTile(ctx, z, x, y)
	if err != nil {
		if err == store.ErrTileNotFound {
			return "", store.ErrTileMD5NotFound
		}
		return "", err
	}
	return md5Hex(tile.Bytes), nil
}

// GetTileCreated implements store.Store, using the tile file's mtime as the
// creation timestamp since the xyz backend has no dedicated created column.
func (s *Store) GetTileCreated(ctx context.Context, z, x, y int) (int64, error) {
	path, ok := s.findTilePath(z, x, y)
	if !ok {
		return 0, store.ErrCreatedNotFound
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, store.ErrCreatedNotFound
		}
		return 0, fmt.Errorf("xyzstore: stat tile: %w", err)
	}
	return info.ModTime().UnixMilli(), nil
}

func metadataPath(root string) string {
	return filepath.Join(root, "metadata.json")
}

func (s *Store) readMetadata() (map[string]any, error) {
	data, err := os.ReadFile(metadataPath(s.root))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("xyzstore: read metadata.json: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("xyzstore: %w: decode metadata.json: %v", store.ErrCorrupt, err)
	}
	return m, nil
}

// PutMetadata implements store.Store.
func (s *Store) PutMetadata(ctx context.Context, merge map[string]any) error {
	path := metadataPath(s.root)
	return filelock.WithLock(path, lockTimeout, func() error {
		current, err := s.readMetadata()
		if err != nil {
			return err
		}
		for k, v := range merge {
			current[k] = v
		}
		data, err := json.MarshalIndent(current, "", "  ")
		if err != nil {
			return fmt.Errorf("xyzstore: encode metadata: %w", err)
		}
		return filelock.WriteAtomic(path, data, 0o644)
	})
}

// GetInfo implements store.Store, synthesizing TileJSON per spec.md C8.
func (s *Store) GetInfo(ctx context.Context) (map[string]any, error) {
	persisted, err := s.readMetadata()
	if err != nil {
		return nil, err
	}

	derived := tilejson.DerivedInputs{}

	zooms, err := zoomDirs(s.root)
	if err != nil {
		return nil, fmt.Errorf("xyzstore: scan zoom dirs: %w", err)
	}
	if len(zooms) > 0 {
		min, max := zooms[0], zooms[len(zooms)-1]
		derived.MinZoom = &min
		derived.MaxZoom = &max

		bounds, format, sampled, err := s.scanTiles(ctx, zooms)
		if err != nil {
			return nil, err
		}
		if bounds != nil {
			derived.Bounds = bounds
		}
		if format != "" {
			derived.Format = &format
		}
		if format == "pbf" && len(sampled) > 0 {
			names, err := concurrentLayerNames(ctx, sampled)
			if err != nil {
				return nil, err
			}
			derived.VectorLayers = names
		}
	}

	merged := tilejson.Merge(persisted, derived)
	merged["scheme"] = tilejson.CanonicalizeScheme(false)
	return merged, nil
}

func zoomDirs(root string) ([]int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var zooms []int
	for _, e := range entries {
		if !e.IsDir() || !zoomDirPattern.MatchString(e.Name()) {
			continue
		}
		z, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		zooms = append(zooms, z)
	}
	sort.Ints(zooms)
	return zooms, nil
}

// scanTiles walks every zoom directory once, accumulating the enclosing
// bbox, the tile format (from any leaf file extension), and up to
// decodeSample pbf payloads for the vector_layers derivation.
func (s *Store) scanTiles(ctx context.Context, zooms []int) (*[4]float64, string, [][]byte, error) {
	var (
		union   *tilemath.BBox
		format  string
		sampled [][]byte
	)

	for _, z := range zooms {
		zDir := filepath.Join(s.root, strconv.Itoa(z))
		xEntries, err := os.ReadDir(zDir)
		if err != nil {
			continue
		}

		xMin, xMax, yMin, yMax := -1, -1, -1, -1

		for _, xEntry := range xEntries {
			if !xEntry.IsDir() {
				continue
			}
			x, err := strconv.Atoi(xEntry.Name())
			if err != nil {
				continue
			}

			yEntries, err := os.ReadDir(filepath.Join(zDir, xEntry.Name()))
			if err != nil {
				continue
			}
			for _, yEntry := range yEntries {
				if yEntry.IsDir() {
					continue
				}
				name := yEntry.Name()
				ext := filepath.Ext(name)
				if ext == "" || ext == ".sqlite" || ext == ".json" {
					continue
				}
				yStr := name[:len(name)-len(ext)]
				y, err := strconv.Atoi(yStr)
				if err != nil {
					continue
				}

				if format == "" {
					format = ext[1:]
				}
				if xMin == -1 || x < xMin {
					xMin = x
				}
				if x > xMax {
					xMax = x
				}
				if yMin == -1 || y < yMin {
					yMin = y
				}
				if y > yMax {
					yMax = y
				}

				if format == "pbf" && len(sampled) < decodeSample {
					if data, err := os.ReadFile(filepath.Join(zDir, xEntry.Name(), name)); err == nil {
						sampled = append(sampled, data)
					}
				}
			}
		}

		if xMin == -1 {
			continue
		}
		b := tilemath.BBoxFromTiles(xMin, yMin, xMax, yMax, z, tilemath.SchemeXYZ)
		if union == nil {
			union = &b
		} else {
			union[0] = minF(union[0], b[0])
			union[1] = minF(union[1], b[1])
			union[2] = maxF(union[2], b[2])
			union[3] = maxF(union[3], b[3])
		}
	}

	if union == nil {
		return nil, format, sampled, nil
	}
	bounds := [4]float64{union[0], union[1], union[2], union[3]}
	return &bounds, format, sampled, nil
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Close implements store.Store.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func detectFormat(root string) (string, bool) {
	var found string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(d.Name())
		if ext == "" || ext == ".json" || ext == ".sqlite" || ext == ".lock" || ext == ".tmp" {
			return nil
		}
		found = ext[1:]
		return filepath.SkipAll
	})
	return found, found != ""
}

// RemoveEmptyFolders deletes, bottom-up, any directory under root that
// contains no file matching leafPattern (directly or in a descendant),
// used by the seed/cleanup scheduler (C10) after a cleanup run.
func RemoveEmptyFolders(root string, leafPattern *regexp.Regexp) error {
	_, err := removeEmptyFoldersRec(root, leafPattern)
	return err
}

func removeEmptyFoldersRec(dir string, leafPattern *regexp.Regexp) (hasLeaf bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}

	anyLeaf := false
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		if e.IsDir() {
			childHasLeaf, err := removeEmptyFoldersRec(full, leafPattern)
			if err != nil {
				return false, err
			}
			if childHasLeaf {
				anyLeaf = true
			} else {
				os.Remove(full) // best-effort; fails silently if non-empty due to a race
			}
			continue
		}
		if leafPattern.MatchString(e.Name()) {
			anyLeaf = true
		}
	}

	return anyLeaf, nil
}

// concurrentLayerNames decodes each tile's vector layer names with at most
// decodeSample decodes in flight (spec.md §4.5's "bounded concurrency 100
// for the decode scan"), merging the results into a single deduplicated,
// order-stable union.
func concurrentLayerNames(ctx context.Context, tiles [][]byte) ([]string, error) {
	sem := semaphore.NewWeighted(decodeSample)
	results := make([][]string, len(tiles))

	var wg sync.WaitGroup
	for i, data := range tiles {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("xyzstore: acquire decode slot: %w", err)
		}
		wg.Add(1)
		go func(i int, data []byte) {
			defer wg.Done()
			defer sem.Release(1)
			names, err := vectortile.LayerNames(data)
			if err == nil {
				results[i] = names
			}
		}(i, data)
	}
	wg.Wait()

	seen := make(map[string]bool)
	var union []string
	for _, names := range results {
		for _, name := range names {
			if !seen[name] {
				seen[name] = true
				union = append(union, name)
			}
		}
	}
	return union, nil
}
