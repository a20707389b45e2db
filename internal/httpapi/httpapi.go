// Package httpapi assembles the chi router and request handlers for the
// tile server's HTTP surface (spec.md C12), adapted from the teacher's
// cmd/api/main.go router assembly and internal/handlers package shape.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/jcom-dev/tileserver/internal/assetstore"
	"github.com/jcom-dev/tileserver/internal/config"
	"github.com/jcom-dev/tileserver/internal/db"
	"github.com/jcom-dev/tileserver/internal/geojson"
	custommw "github.com/jcom-dev/tileserver/internal/middleware"
	"github.com/jcom-dev/tileserver/internal/repository"
	"github.com/jcom-dev/tileserver/internal/store"
	"github.com/jcom-dev/tileserver/internal/tilecache"
)

// Handlers holds every dependency the route table needs: the read-only
// repository map built at startup, the cache path shared by every tile
// route, and the C11 helper stores for fonts/sprites/geojson.
type Handlers struct {
	cfg        *config.Config
	repos      atomic.Pointer[repository.Map]
	cache      *tilecache.Cache
	database   *db.DB
	geojsonDir string
	geojson    *geojson.Store
	spritesDir string
	fontsDir   string
	assets     *assetstore.Store // optional, nil when not configured
	ready      func() bool
}

// New constructs the Handlers. database and assets may be nil when those
// optional dependencies are not configured; ready reports the STARTING_UP
// gate's completion. repos may be nil if the startup scan hasn't finished
// yet; call SetRepositories once it has.
func New(cfg *config.Config, repos repository.Map, cache *tilecache.Cache, database *db.DB, assets *assetstore.Store, ready func() bool) *Handlers {
	h := &Handlers{
		cfg:        cfg,
		cache:      cache,
		database:   database,
		geojsonDir: filepath.Join(cfg.DataDir, "caches", "geojsons"),
		geojson:    geojson.NewStore(),
		spritesDir: filepath.Join(cfg.DataDir, "sprites"),
		fontsDir:   filepath.Join(cfg.DataDir, "fonts"),
		assets:     assets,
		ready:      ready,
	}
	h.SetRepositories(repos)
	return h
}

// SetRepositories atomically swaps the repository map the route table
// serves from, so a goroutine finishing the startup scan can publish it
// without the HTTP handlers ever observing a half-built map.
func (h *Handlers) SetRepositories(repos repository.Map) {
	h.repos.Store(&repos)
}

func (h *Handlers) reposMap() repository.Map {
	p := h.repos.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Repositories exposes the current repository map so the entry point can
// close every open store on shutdown.
func (h *Handlers) Repositories() repository.Map {
	return h.reposMap()
}

// NewRouter assembles the full route table (spec.md §4.12) behind the
// teacher's middleware chain (RequestID, RealIP, failed-body logging,
// access logging, panic recovery, per-request timeout, security headers,
// CORS), adapted 1:1 from cmd/api/main.go.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(custommw.RequestIDChi)
	r.Use(custommw.RealIP)
	r.Use(custommw.LogFailedRequestBodies)
	r.Use(custommw.Logger)
	r.Use(custommw.Recoverer)
	r.Use(custommw.Timeout(30 * time.Second))
	r.Use(custommw.SecurityHeaders)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "If-None-Match"},
		ExposedHeaders:   []string{"ETag", "Content-Encoding"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
		httpSwagger.DocExpansion("list"),
		httpSwagger.DomID("swagger-ui"),
	))
	r.Get("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		http.ServeFile(w, r, "./docs/swagger.json")
	})
	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "./docs/swagger.yaml")
	})

	r.Get("/datas.json", h.DatasIndex)
	r.Get("/tilejsons.json", h.TileJSONs)
	r.Get("/{id}.json", h.SingleTileJSON)
	r.Get("/{id}/md5/{z}/{x}/{yDotFormat}", h.GetTileMD5)
	r.Get("/{id}/{z}/{x}/{yDotFormat}", h.GetTile)

	r.Get("/styles/{id}/style.json", h.GetStyle)
	r.Get("/fonts/{fontstack}/{rng}.pbf", h.GetFont)
	r.Get("/sprites/*", h.GetSprite)
	r.Get("/geojsons/{id}/{layer}.geojson", h.GetGeoJSON)

	r.Delete("/admin/cache/{id}", h.InvalidateCache)

	return r
}

// HealthCheck reports process liveness plus optional-dependency reachability
// (db, repository startup scan), degraded-but-200 when an optional
// dependency is unavailable, 503 while STARTING_UP per spec.md §6.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil && !h.ready() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting_up"})
		return
	}

	repos := h.reposMap()
	status := map[string]any{"status": "ok", "repositories": len(repos)}

	if h.database != nil {
		if err := h.database.Health(r.Context()); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
		} else {
			status["database"] = "ok"
		}
	}

	respondJSON(w, http.StatusOK, status)
}

// DatasIndex returns the repository index: every configured id with its
// kind and scheme, mirroring a directory listing without exposing store
// internals.
func (h *Handlers) DatasIndex(w http.ResponseWriter, r *http.Request) {
	repos := h.reposMap()
	index := make(map[string]any, len(repos))
	for id, e := range repos {
		index[id] = map[string]any{
			"kind":   e.Descriptor.Kind,
			"scheme": e.TileJSON["scheme"],
		}
	}
	respondJSON(w, http.StatusOK, index)
}

// TileJSONs returns every repository's synthesized TileJSON, each with its
// tiles[] URL injected for this request's host.
func (h *Handlers) TileJSONs(w http.ResponseWriter, r *http.Request) {
	repos := h.reposMap()
	out := make(map[string]any, len(repos))
	for id, e := range repos {
		out[id] = h.renderTileJSON(r, id, e)
	}
	respondJSON(w, http.StatusOK, out)
}

// SingleTileJSON returns one repository's TileJSON by id.
func (h *Handlers) SingleTileJSON(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, ok := h.reposMap()[id]
	if !ok {
		respondNotFound(w)
		return
	}
	respondJSON(w, http.StatusOK, h.renderTileJSON(r, id, e))
}

func (h *Handlers) renderTileJSON(r *http.Request, id string, e *repository.Entry) map[string]any {
	out := make(map[string]any, len(e.TileJSON)+1)
	for k, v := range e.TileJSON {
		out[k] = v
	}

	format, _ := e.TileJSON["format"].(string)
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	out["tiles"] = []string{fmt.Sprintf("%s://%s/%s/{z}/{x}/{y}.%s", scheme, r.Host, id, format)}
	return out
}

// GetTile implements spec.md's cache-miss -> upstream -> store -> serve path
// (C9), including the `?scheme=xyz|tms` Y-flip when the caller's requested
// scheme differs from the store's native scheme.
func (h *Handlers) GetTile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, ok := h.reposMap()[id]
	if !ok {
		respondNotFound(w)
		return
	}

	z, x, y, format, ok := parseTileCoords(r)
	if !ok {
		respondBadRequest(w, "malformed tile coordinates")
		return
	}
	if !formatMatches(format, e) {
		respondBadRequest(w, fmt.Sprintf("format %q does not match store format", format))
		return
	}

	y = h.maybeFlipScheme(r, e, z, y)

	tile, err := h.cache.GetOrFetch(r.Context(), id, e.Store, e.Descriptor, z, x, y, seedMaxTry, seedTimeout)
	if err != nil {
		if errors.Is(err, store.ErrTileNotFound) || errors.Is(err, store.ErrUpstreamEmpty) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		respondInternalError(w, err)
		return
	}

	if tile.ContentType != "" {
		w.Header().Set("Content-Type", tile.ContentType)
	}
	if tile.ContentEncoding != "" {
		w.Header().Set("Content-Encoding", tile.ContentEncoding)
	}
	w.Write(tile.Bytes)
}

// GetTileMD5 implements the ETag probe endpoint: 200 with an empty body and
// an ETag header when the tile's MD5 is known, 204 when absent.
func (h *Handlers) GetTileMD5(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, ok := h.reposMap()[id]
	if !ok {
		respondNotFound(w)
		return
	}

	z, x, y, format, ok := parseTileCoords(r)
	if !ok {
		respondBadRequest(w, "malformed tile coordinates")
		return
	}
	if !formatMatches(format, e) {
		respondBadRequest(w, fmt.Sprintf("format %q does not match store format", format))
		return
	}
	y = h.maybeFlipScheme(r, e, z, y)

	hash, err := e.Store.GetTileMD5(r.Context(), z, x, y)
	if err != nil {
		if errors.Is(err, store.ErrTileMD5NotFound) || errors.Is(err, store.ErrTileNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		respondInternalError(w, err)
		return
	}

	w.Header().Set("ETag", hash)
	w.WriteHeader(http.StatusOK)
}

// maybeFlipScheme flips y when the request's ?scheme= query differs from
// the store's native scheme, per spec.md §4.12.
func (h *Handlers) maybeFlipScheme(r *http.Request, e *repository.Entry, z, y int) int {
	requested := r.URL.Query().Get("scheme")
	if requested == "" {
		return y
	}
	native := "xyz"
	if e.IsMBTiles {
		native = "tms"
	}
	if requested == native {
		return y
	}
	if requested != "xyz" && requested != "tms" {
		return y
	}
	return (1 << uint(z)) - 1 - y
}

// InvalidateCache flushes the Redis hot-tile layer for one repository id,
// mirroring the teacher's InvalidatePublisherCache.
func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.reposMap()[id]; !ok {
		respondNotFound(w)
		return
	}
	if err := h.cache.InvalidateStore(r.Context(), id); err != nil {
		respondInternalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

const (
	seedMaxTry  = 3
	seedTimeout = 10 * time.Second
)

// parseTileCoords extracts z, x, y, and the requested format extension from
// the {z}/{x}/{yDotFormat} route parameters.
func parseTileCoords(r *http.Request) (z, x, y int, format string, ok bool) {
	zStr := chi.URLParam(r, "z")
	xStr := chi.URLParam(r, "x")
	yDotFormat := chi.URLParam(r, "yDotFormat")

	yStr, format := splitExt(yDotFormat)

	var err error
	if z, err = strconv.Atoi(zStr); err != nil {
		return 0, 0, 0, "", false
	}
	if x, err = strconv.Atoi(xStr); err != nil {
		return 0, 0, 0, "", false
	}
	if y, err = strconv.Atoi(yStr); err != nil {
		return 0, 0, 0, "", false
	}
	return z, x, y, format, true
}

// formatMatches reports whether the requested tile extension matches the
// store's TileJSON format, treating "jpg"/"jpeg" as synonyms (spec.md's
// format-mismatch-is-400 rule). A store with no recorded format imposes no
// constraint.
func formatMatches(requested string, e *repository.Entry) bool {
	stored, _ := e.TileJSON["format"].(string)
	if stored == "" {
		return true
	}
	if requested == stored {
		return true
	}
	if jpegSynonym(requested) && jpegSynonym(stored) {
		return true
	}
	return false
}

func jpegSynonym(format string) bool {
	return format == "jpg" || format == "jpeg"
}

func splitExt(name string) (base, ext string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return name, ""
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("httpapi: failed to encode json response", "error", err)
	}
}

func respondNotFound(w http.ResponseWriter) {
	http.Error(w, "not found", http.StatusNotFound)
}

func respondBadRequest(w http.ResponseWriter, msg string) {
	http.Error(w, msg, http.StatusBadRequest)
}

func respondInternalError(w http.ResponseWriter, err error) {
	slog.Error("httpapi: internal error", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
