// Package pgstore implements the PostgreSQL tile store (spec.md C7): the
// same contract as mbtilesstore, natively in XYZ orientation (no TMS
// Y-flip), with a per-operation context.WithTimeout deadline instead of a
// busy-retry poll loop. No statement_timeout is set on the server session.
package pgstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jcom-dev/tileserver/internal/sniff"
	"github.com/jcom-dev/tileserver/internal/store"
	"github.com/jcom-dev/tileserver/internal/tilejson"
	"github.com/jcom-dev/tileserver/internal/tilemath"
	"github.com/jcom-dev/tileserver/internal/vectortile"
)

const (
	defaultStatementTimeout = 5 * time.Minute
	pagedScanLen            = 200
	decodeSample            = 500
)

// Store is the pgstore.Store implementation of store.Store, scoped to a
// single table identified by Descriptor.Location ("<id>" -> tiles_<id> /
// metadata_<id>).
type Store struct {
	pool             *pgxpool.Pool
	tilesTable       string
	metadataTable    string
	storeTransparent bool
	timeout          time.Duration
}

// Open implements store.Opener for the postgres backend. The caller is
// expected to have already established the pool (internal/db); Descriptor
// carries the logical store id in Location.
func Open(ctx context.Context, pool *pgxpool.Pool, d store.Descriptor) (store.Store, error) {
	id := sanitizeIdent(d.Location)
	s := &Store{
		pool:             pool,
		tilesTable:       "tiles_" + id,
		metadataTable:    "metadata_" + id,
		storeTransparent: d.StoreTransparent,
		timeout:          defaultStatementTimeout,
	}

	if d.Writable {
		if err := s.createSchema(ctx); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (s *Store) createSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		zoom_level INTEGER NOT NULL,
		tile_column INTEGER NOT NULL,
		tile_row INTEGER NOT NULL,
		tile_data BYTEA,
		hash TEXT,
		created BIGINT,
		PRIMARY KEY (zoom_level, tile_column, tile_row)
	)`, s.tilesTable))
	if err != nil {
		return fmt.Errorf("pgstore: create tiles table: %w", err)
	}

	_, err = s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		name TEXT PRIMARY KEY,
		value TEXT
	)`, s.metadataTable))
	if err != nil {
		return fmt.Errorf("pgstore: create metadata table: %w", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// GetTile implements store.Store.
func (s *Store) GetTile(ctx context.Context, z, x, y int) (store.Tile, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var data []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT tile_data FROM %s WHERE zoom_level=$1 AND tile_column=$2 AND tile_row=$3`, s.tilesTable),
		z, x, y).Scan(&data)
	if err == pgx.ErrNoRows {
		return store.Tile{}, store.ErrTileNotFound
	}
	if err != nil {
		return store.Tile{}, classifyErr("get tile", err)
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

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	hash := md5Hex(data)
	now := time.Now().UnixMilli()

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (zoom_level, tile_column, tile_row, tile_data, hash, created)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (zoom_level, tile_column, tile_row)
		DO UPDATE SET tile_data = excluded.tile_data, hash = excluded.hash, created = excluded.created
	`, s.tilesTable), z, x, y, data, hash, now)
	if err != nil {
		return classifyErr("put tile", err)
	}
	return nil
}

// DeleteTile implements store.Store.
func (s *Store) DeleteTile(ctx context.Context, z, x, y int) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE zoom_level=$1 AND tile_column=$2 AND tile_row=$3`, s.tilesTable),
		z, x, y)
	if err != nil {
		return classifyErr("delete tile", err)
	}
	return nil
}

// GetTileMD5 implements store.Store.
func (s *Store) GetTileMD5(ctx context.Context, z, x, y int) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var hash *string
	var data []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT hash, tile_data FROM %s WHERE zoom_level=$1 AND tile_column=$2 AND tile_row=$3`, s.tilesTable),
		z, x, y).Scan(&hash, &data)
	if err == pgx.ErrNoRows {
		return "", store.ErrTileMD5NotFound
	}
	if err != nil {
		return "", classifyErr("get tile md5", err)
	}
	if hash != nil && *hash != "" {
		return *hash, nil
	}
	if len(data) == 0 {
		return "", store.ErrTileMD5NotFound
	}
	return md5Hex(data), nil
}

// GetTileCreated implements store.Store.
func (s *Store) GetTileCreated(ctx context.Context, z, x, y int) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var created *int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT created FROM %s WHERE zoom_level=$1 AND tile_column=$2 AND tile_row=$3`, s.tilesTable),
		z, x, y).Scan(&created)
	if err == pgx.ErrNoRows || (err == nil && created == nil) {
		return 0, store.ErrCreatedNotFound
	}
	if err != nil {
		return 0, classifyErr("get tile created", err)
	}
	return *created, nil
}

// PutMetadata implements store.Store.
func (s *Store) PutMetadata(ctx context.Context, merge map[string]any) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyErr("begin metadata tx", err)
	}
	defer tx.Rollback(ctx)

	for k, v := range merge {
		value, err := encodeMetadataValue(v)
		if err != nil {
			return fmt.Errorf("pgstore: encode metadata %q: %w", k, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (name, value) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET value = excluded.value
		`, s.metadataTable), k, value); err != nil {
			return classifyErr("upsert metadata", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyErr("commit metadata tx", err)
	}
	return nil
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
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT name, value FROM %s`, s.metadataTable))
	if err != nil {
		return nil, classifyErr("scan metadata", err)
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

	var minZoom, maxZoom *int
	_ = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT MIN(zoom_level), MAX(zoom_level) FROM %s`, s.tilesTable)).
		Scan(&minZoom, &maxZoom)
	if minZoom != nil {
		derived.MinZoom = minZoom
		derived.MaxZoom = maxZoom
	}

	var sample []byte
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT tile_data FROM %s LIMIT 1`, s.tilesTable)).Scan(&sample); err == nil {
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
		if bounds, err := s.boundsFromTiles(ctx, *derived.MaxZoom); err == nil && bounds != nil {
			derived.Bounds = bounds
		}
	}

	merged := tilejson.Merge(persisted, derived)
	merged["scheme"] = tilejson.CanonicalizeScheme(false)
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

func (s *Store) boundsFromTiles(ctx context.Context, maxZoom int) (*[4]float64, error) {
	var xMin, xMax, yMin, yMax *int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT MIN(tile_column), MAX(tile_column), MIN(tile_row), MAX(tile_row)
		FROM %s WHERE zoom_level=$1`, s.tilesTable), maxZoom).Scan(&xMin, &xMax, &yMin, &yMax)
	if err != nil || xMin == nil {
		return nil, err
	}
	b := tilemath.BBoxFromTiles(*xMin, *yMin, *xMax, *yMax, maxZoom, tilemath.SchemeXYZ)
	bounds := [4]float64{b[0], b[1], b[2], b[3]}
	return &bounds, nil
}

func (s *Store) scanVectorLayers(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var union []string

	for offset := 0; offset < decodeSample; offset += pagedScanLen {
		rows, err := s.pool.Query(ctx,
			fmt.Sprintf(`SELECT tile_data FROM %s LIMIT $1 OFFSET $2`, s.tilesTable), pagedScanLen, offset)
		if err != nil {
			return nil, classifyErr("scan vector layers", err)
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
		if n < pagedScanLen {
			break
		}
	}

	return union, nil
}

// Close implements store.Store. The pool is shared across stores and owned
// by the caller (internal/db), so Close is a no-op here.
func (s *Store) Close() error { return nil }

func classifyErr(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "deadlock") || strings.Contains(msg, "lock") {
		return fmt.Errorf("pgstore: %s: %w: %v", op, store.ErrBackendBusy, err)
	}
	if strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "timeout") {
		return fmt.Errorf("pgstore: %s: %w: %v", op, store.ErrTimeout, err)
	}
	return fmt.Errorf("pgstore: %s: %w", op, err)
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
