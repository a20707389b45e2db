package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

// schemeRewrites maps the custom URI schemes a style.json may reference to
// the path prefix this server exposes them under (spec.md §4.12).
var schemeRewrites = map[string]string{
	"pmtiles://": "/",
	"mbtiles://": "/",
	"xyz://":     "/",
	"sprites://": "/sprites/",
	"fonts://":   "/fonts/",
}

// GetStyle serves a MapLibre/Mapbox style document with its source and
// asset URIs rewritten from the on-disk custom schemes to absolute URLs
// rooted at this server, per spec.md §4.12.
func (h *Handlers) GetStyle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path := filepath.Join(h.cfg.DataDir, "caches", "styles", id, "style.json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			respondNotFound(w)
			return
		}
		respondInternalError(w, err)
		return
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		respondInternalError(w, fmt.Errorf("httpapi: decode style %s: %w", path, err))
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s", scheme, r.Host)

	rewriteStyleURIs(doc, base)

	respondJSON(w, http.StatusOK, doc)
}

// rewriteStyleURIs walks the well-known string fields of a style document
// ("sources.*.url", "sources.*.tiles[]", "glyphs", "sprite") and rewrites
// any value carrying one of schemeRewrites' prefixes to an absolute URL.
func rewriteStyleURIs(doc map[string]any, base string) {
	if glyphs, ok := doc["glyphs"].(string); ok {
		doc["glyphs"] = rewriteURI(glyphs, base)
	}
	if sprite, ok := doc["sprite"].(string); ok {
		doc["sprite"] = rewriteURI(sprite, base)
	}

	sources, ok := doc["sources"].(map[string]any)
	if !ok {
		return
	}
	for _, v := range sources {
		src, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if url, ok := src["url"].(string); ok {
			src["url"] = rewriteURI(url, base)
		}
		if tiles, ok := src["tiles"].([]any); ok {
			for i, t := range tiles {
				if s, ok := t.(string); ok {
					tiles[i] = rewriteURI(s, base)
				}
			}
		}
	}
}

func rewriteURI(uri, base string) string {
	for scheme, prefix := range schemeRewrites {
		if strings.HasPrefix(uri, scheme) {
			return base + prefix + strings.TrimPrefix(uri, scheme)
		}
	}
	return uri
}
