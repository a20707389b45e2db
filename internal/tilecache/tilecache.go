// Package tilecache implements the read-through cache path (spec.md C9):
// store miss -> upstream fetch -> optional transparency check -> store put,
// with an optional Redis hot-tile layer in front of the backend store,
// adapted from the teacher's Redis caching idiom (key builders, TTL
// constants, scan-based pattern deletion).
package tilecache

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jcom-dev/tileserver/internal/sniff"
	"github.com/jcom-dev/tileserver/internal/store"
)

// HotTileTTL is how long a fetched-or-read tile is kept in the optional
// Redis hot layer.
const HotTileTTL = 1 * time.Hour

// Cache wraps a backend store with an upstream-fetch path and an optional
// Redis hot layer. Redis is an acceleration layer only: the backend store
// remains the source of truth, so a nil/unreachable Redis client degrades
// to store-only reads (spec.md §5: "duplicate fetches are possible and
// acceptable").
type Cache struct {
	redis      *redis.Client
	httpClient *http.Client
}

// New constructs a Cache. redisClient may be nil to disable the hot layer.
func New(redisClient *redis.Client) *Cache {
	return &Cache{
		redis:      redisClient,
		httpClient: &http.Client{},
	}
}

func hotKey(storeID string, z, x, y int) string {
	return fmt.Sprintf("tile:%s:%d:%d:%d", storeID, z, x, y)
}

// GetOrFetch implements spec.md §4.9: try the store, then the upstream
// sourceURL on a miss, persisting the fetched tile back to the store.
func (c *Cache) GetOrFetch(ctx context.Context, storeID string, s store.Store, d store.Descriptor, z, x, y int, maxTry int, timeout time.Duration) (store.Tile, error) {
	if tile, ok := c.getHot(ctx, storeID, z, x, y); ok {
		return presentationEncode(tile), nil
	}

	tile, err := s.GetTile(ctx, z, x, y)
	if err == nil {
		c.setHot(ctx, storeID, z, x, y, tile)
		return presentationEncode(tile), nil
	}
	if !errors.Is(err, store.ErrTileNotFound) {
		return store.Tile{}, err
	}

	if d.SourceURL == "" {
		return store.Tile{}, store.ErrTileNotFound
	}

	data, err := c.fetchUpstream(ctx, d.SourceURL, z, x, y, maxTry, timeout)
	if err != nil {
		return store.Tile{}, err
	}

	if putErr := s.PutTile(ctx, z, x, y, data); putErr != nil && !errors.Is(putErr, store.ErrTransparentSuppressed) {
		slog.Warn("tilecache: failed to persist fetched tile", "store", storeID, "z", z, "x", x, "y", y, "error", putErr)
	}

	result := sniff.Sniff(data)
	tile = store.Tile{Bytes: data, ContentType: result.ContentType, ContentEncoding: string(result.ContentEncoding)}
	c.setHot(ctx, storeID, z, x, y, tile)
	return presentationEncode(tile), nil
}

func substituteTileURL(template string, z, x, y int) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
	)
	return r.Replace(template)
}

// fetchUpstream performs the HTTP GET contract from spec.md §4.9/§6: GET
// with User-Agent "Tile Server", 204/404 treated as not-found (no retry),
// other non-2xx retried up to maxTry.
func (c *Cache) fetchUpstream(ctx context.Context, urlTemplate string, z, x, y, maxTry int, timeout time.Duration) ([]byte, error) {
	url := substituteTileURL(urlTemplate, z, x, y)

	var lastErr error
	for attempt := 1; attempt <= maxTry; attempt++ {
		data, err := c.doFetch(ctx, url, timeout)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, store.ErrUpstreamEmpty) {
			return nil, err
		}
		lastErr = err
		slog.Warn("tilecache: upstream fetch failed, retrying", "url", url, "attempt", attempt, "maxTry", maxTry, "error", err)
	}
	return nil, fmt.Errorf("tilecache: upstream fetch exhausted retries: %w", lastErr)
}

func (c *Cache) doFetch(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("tilecache: build request: %w", err)
	}
	req.Header.Set("User-Agent", "Tile Server")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUpstreamStatus, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return nil, store.ErrUpstreamEmpty
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", store.ErrUpstreamStatus, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tilecache: read upstream body: %w", err)
	}
	return data, nil
}

// presentationEncode gzip-wraps application/x-protobuf tiles that aren't
// already gzip/deflate framed, per spec.md §4.9 step 6. The store always
// keeps the raw bytes; gzip is applied only to the value handed back to the
// HTTP layer.
func presentationEncode(tile store.Tile) store.Tile {
	if tile.ContentType != "application/x-protobuf" || tile.ContentEncoding != "" {
		return tile
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(tile.Bytes); err != nil {
		return tile
	}
	if err := gw.Close(); err != nil {
		return tile
	}

	return store.Tile{
		Bytes:           buf.Bytes(),
		ContentType:     tile.ContentType,
		ContentEncoding: "gzip",
	}
}

func (c *Cache) getHot(ctx context.Context, storeID string, z, x, y int) (store.Tile, bool) {
	if c.redis == nil {
		return store.Tile{}, false
	}
	data, err := c.redis.Get(ctx, hotKey(storeID, z, x, y)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Debug("tilecache: redis get error", "error", err)
		}
		return store.Tile{}, false
	}
	result := sniff.Sniff(data)
	return store.Tile{Bytes: data, ContentType: result.ContentType, ContentEncoding: string(result.ContentEncoding)}, true
}

func (c *Cache) setHot(ctx context.Context, storeID string, z, x, y int, tile store.Tile) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, hotKey(storeID, z, x, y), tile.Bytes, HotTileTTL).Err(); err != nil {
		slog.Debug("tilecache: redis set error", "error", err)
	}
}

// InvalidateStore evicts every hot-layer entry for storeID, used by the
// cache-invalidation admin endpoint.
func (c *Cache) InvalidateStore(ctx context.Context, storeID string) error {
	if c.redis == nil {
		return nil
	}
	pattern := fmt.Sprintf("tile:%s:*", storeID)

	var cursor uint64
	var deleted int64
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("tilecache: scan keys: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.redis.Del(ctx, keys...).Result()
			if err != nil {
				return fmt.Errorf("tilecache: delete keys: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	slog.Info("tilecache: invalidated hot layer", "store", storeID, "keys_deleted", deleted)
	return nil
}
