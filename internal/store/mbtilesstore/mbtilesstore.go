// Package mbtilesstore implements the MBTiles (SQLite) tile store
// (spec.md C6): a metadata(name,value) table plus a tiles table indexed in
// TMS orientation.
package mbtilesstore

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jcom-dev/tileserver/internal/sniff"
	"github.com/jcom-dev/tileserver/internal/store"
	"github.com/jcom-dev/tileserver/internal/tilejson"
	"github.com/jcom-dev/tileserver/internal/tilemath"
	"github.com/jcom-dev/tileserver/internal/vectortile"
)

const (
	busyTimeout  = 5 * time.Minute
	pagedScanLen = 200 // spec.md §4.6: paged LIMIT/OFFSET scan of tile bodies for vector layer names
	decodeSample = 500 // total tiles sampled across pages before giving up (last page is shortened to fit)
)

// Store is the mbtilesstore.Store implementation of store.Store.
type Store struct {
	db               *sql.DB
	writable         bool
	storeTransparent bool
}

// Open implements store.Opener for the mbtiles backend.
func Open(ctx context.Context, d store.Descriptor) (store.Store, error) {
	mode := "ro"
	if d.Writable {
		mode = "rwc"
	}
	dsn := fmt.Sprintf("file:%s?mode=%s&_busy_timeout=%d", d.Location, mode, busyTimeout.Milliseconds())
	if d.Writable {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("mbtilesstore: open %s: %w", d.Location, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mbtilesstore: connect %s: %w", d.Location, err)
	}

	if d.Writable {
		if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS metadata (
			name TEXT PRIMARY KEY,
			value TEXT
		)`); err != nil {
			db.Close()
			return nil, fmt.Errorf("mbtilesstore: create metadata table: %w", err)
		}
		if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS tiles (
			zoom_level INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			tile_data BLOB,
			hash TEXT,
			created INTEGER,
			PRIMARY KEY (zoom_level, tile_column, tile_row)
		)`); err != nil {
			db.Close()
			return nil, fmt.Errorf("mbtilesstore: create tiles table: %w", err)
		}
	}

	return &Store{db: db, writable: d.Writable, storeTransparent: d.StoreTransparent}, nil
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// withRetry polls at 50ms intervals until fn succeeds, ctx is done, or
// deadline elapses, treating SQLITE_BUSY as transient per spec.md §4.6.
func withRetry(ctx context.Context, deadline time.Duration, fn func() error) error {
	end := time.Now().Add(deadline)
	for {
		err := fn()
		if err == nil || !isBusyErr(err) {
			return err
		}
		if time.Now().After(end) {
			return fmt.Errorf("%w: %v", store.ErrTimeout, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// GetTile implements store.Store. Tiles are stored row-indexed in TMS; the
// caller supplies XYZ coordinates, so y is flipped at this boundary.
func (s *Store) GetTile(ctx context.Context, z, x, y int) (store.Tile, error) {
	var data []byte
	err := withRetry(ctx, busyTimeout, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
			z, x, flipToTMS(y, z)).Scan(&data)
	})
	if err == sql.ErrNoRows {
		return store.Tile{}, store.ErrTileNotFound
	}
	if err != nil {
		return store.Tile{}, fmt.Errorf("mbtilesstore: get tile: %w", err)
	}

	result := sniff.Sniff(data)
	return store.Tile{
		Bytes:           data,
		ContentType:     result.ContentType,
		ContentEncoding: string(result.ContentEncoding),
	}, nil
}

func flipToTMS(y, z int) int {
	return (1 << uint(z)) - 1 - y
}

// PutTile implements store.Store.
func (s *Store) PutTile(ctx context.Context, z, x, y int, data []byte) error {
	result := sniff.Sniff(data)
	if !s.storeTransparent && result.Format == sniff.FormatPNG && store.IsFullyTransparentPNG(data) {
		return store.ErrTransparentSuppressed
	}

	hash := md5Hex(data)
	now := time.Now().UnixMilli()

	err := withRetry(ctx, busyTimeout, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data, hash, created)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(zoom_level, tile_column, tile_row)
			 DO UPDATE SET tile_data = excluded.tile_data, hash = excluded.hash, created = excluded.created`,
			z, x, flipToTMS(y, z), data, hash, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("mbtilesstore: put tile: %w", err)
	}
	return nil
}

// DeleteTile implements store.Store.
func (s *Store) DeleteTile(ctx context.Context, z, x, y int) error {
	return withRetry(ctx, busyTimeout, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
			z, x, flipToTMS(y, z))
		return err
	})
}

// GetTileMD5 implements store.Store.
func (s *Store) GetTileMD5(ctx context.Context, z, x, y int) (string, error) {
	var hash sql.NullString
	var data []byte
	err := withRetry(ctx, busyTimeout, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT hash, tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
			z, x, flipToTMS(y, z)).Scan(&hash, &data)
	})
	if err == sql.ErrNoRows {
		return "", store.ErrTileMD5NotFound
	}
	if err != nil {
		return "", fmt.Errorf("mbtilesstore: get tile md5: %w", err)
	}
	if hash.Valid && hash.String != "" {
		return hash.String, nil
	}
	if len(data) == 0 {
		return "", store.ErrTileMD5NotFound
	}
	return md5Hex(data), nil
}

// GetTileCreated implements store.Store.
func (s *Store) GetTileCreated(ctx context.Context, z, x, y int) (int64, error) {
	var created sql.NullInt64
	err := withRetry(ctx, busyTimeout, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT created FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
			z, x, flipToTMS(y, z)).Scan(&created)
	})
	if err == sql.ErrNoRows || (err == nil && !created.Valid) {
		return 0, store.ErrCreatedNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("mbtilesstore: get tile created: %w", err)
	}
	return created.Int64, nil
}

func (s *Store) readMetadataRow(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// PutMetadata implements store.Store, one row per key (conventional MBTiles
// layout), JSON-encoding non-scalar values.
func (s *Store) PutMetadata(ctx context.Context, merge map[string]any) error {
	return withRetry(ctx, busyTimeout, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for k, v := range merge {
			value, err := encodeMetadataValue(v)
			if err != nil {
				return fmt.Errorf("mbtilesstore: encode metadata %q: %w", k, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO metadata (name, value) VALUES (?, ?)
				 ON CONFLICT(name) DO UPDATE SET value = excluded.value`, k, value); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func encodeMetadataValue(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case int:
		return strconv.Itoa(val), nil
	case []float64:
		parts := make([]string, len(val))
		for i, f := range val {
			parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return strings.Join(parts, ","), nil
	default:
		data, err := json.Marshal(val)
		return string(data), err
	}
}

// GetInfo implements store.Store, synthesizing TileJSON per spec.md C8.
func (s *Store) GetInfo(ctx context.Context) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("mbtilesstore: scan metadata: %w", err)
	}
	persisted := map[string]any{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			rows.Close()
			return nil, err
		}
		decodeMetadataInto(persisted, name, value)
	}
	rows.Close()

	derived := tilejson.DerivedInputs{}

	var minZoom, maxZoom sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(zoom_level), MAX(zoom_level) FROM tiles`).
		Scan(&minZoom, &maxZoom); err == nil && minZoom.Valid {
		min := int(minZoom.Int64)
		max := int(maxZoom.Int64)
		derived.MinZoom = &min
		derived.MaxZoom = &max
	}

	var sample []byte
	if err := s.db.QueryRowContext(ctx, `SELECT tile_data FROM tiles LIMIT 1`).Scan(&sample); err == nil {
		result := sniff.Sniff(sample)
		format := string(result.Format)
		derived.Format = &format

		if result.Format == sniff.FormatPBF {
			names, err := s.scanVectorLayers(ctx)
			if err != nil {
				return nil, err
			}
			derived.VectorLayers = names
		}
	}

	if _, hasBounds := persisted["bounds"]; !hasBounds && derived.MinZoom != nil {
		if bounds, err := s.boundsFromTiles(ctx, *derived.MinZoom, *derived.MaxZoom); err == nil && bounds != nil {
			derived.Bounds = bounds
		}
	}

	merged := tilejson.Merge(persisted, derived)
	merged["scheme"] = tilejson.CanonicalizeScheme(true)
	return merged, nil
}

func decodeMetadataInto(m map[string]any, name, value string) {
	switch name {
	case "minzoom", "maxzoom":
		if n, err := strconv.Atoi(value); err == nil {
			m[name] = n
			return
		}
	case "bounds", "center":
		parts := strings.Split(value, ",")
		floats := make([]float64, 0, len(parts))
		ok := true
		for _, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				ok = false
				break
			}
			floats = append(floats, f)
		}
		if ok {
			m[name] = floats
			return
		}
	case "json":
		var extra map[string]any
		if err := json.Unmarshal([]byte(value), &extra); err == nil {
			for k, v := range extra {
				m[k] = coerceStringSlice(v)
			}
			return
		}
	}
	m[name] = value
}

// coerceStringSlice turns the []interface{} shape json.Unmarshal produces
// for a JSON array of strings (e.g. a conventional MBTiles "vector_layers"
// entry nested in the json metadata row) into a []string, so downstream
// type assertions like tilejson.Validate's see the same shape regardless of
// whether the value came through decoding or was set directly.
func coerceStringSlice(v any) any {
	arr, ok := v.([]any)
	if !ok {
		return v
	}
	strs := make([]string, len(arr))
	for i, el := range arr {
		s, ok := el.(string)
		if !ok {
			return v
		}
		strs[i] = s
	}
	return strs
}

func (s *Store) boundsFromTiles(ctx context.Context, minZoom, maxZoom int) (*[4]float64, error) {
	var xMin, xMax, yMin, yMax sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(tile_column), MAX(tile_column), MIN(tile_row), MAX(tile_row)
		 FROM tiles WHERE zoom_level = ?`, maxZoom).Scan(&xMin, &xMax, &yMin, &yMax)
	if err != nil || !xMin.Valid {
		return nil, err
	}
	b := tilemath.BBoxFromTiles(int(xMin.Int64), int(yMin.Int64), int(xMax.Int64), int(yMax.Int64), maxZoom, tilemath.SchemeTMS)
	bounds := [4]float64{b[0], b[1], b[2], b[3]}
	return &bounds, nil
}

// scanVectorLayers derives vector_layers with a paged LIMIT/OFFSET scan of
// tile bodies (spec.md §4.6) instead of loading the whole table at once.
func (s *Store) scanVectorLayers(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var union []string

	for offset := 0; offset < decodeSample; offset += pagedScanLen {
		pageLen := min(pagedScanLen, decodeSample-offset)
		rows, err := s.db.QueryContext(ctx,
			`SELECT tile_data FROM tiles LIMIT ? OFFSET ?`, pageLen, offset)
		if err != nil {
			return nil, fmt.Errorf("mbtilesstore: scan vector layers: %w", err)
		}

		n := 0
		for rows.Next() {
			n++
			var data []byte
			if err := rows.Scan(&data); err != nil {
				rows.Close()
				return nil, err
			}
			names, err := vectortile.LayerNames(data)
			if err != nil {
				continue
			}
			for _, name := range names {
				if !seen[name] {
					seen[name] = true
					union = append(union, name)
				}
			}
		}
		rows.Close()
		if n < pageLen {
			break
		}
	}

	return union, nil
}

// Close implements store.Store, checkpointing the WAL before closing.
func (s *Store) Close() error {
	if s.writable {
		_, _ = s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	}
	return s.db.Close()
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
