package httpapi

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/jcom-dev/tileserver/internal/geojson"
)

// GetGeoJSON serves a GeoJSON layer, read-through fetching and caching it
// on first request (spec.md §4.11 C11c), annotating each feature with its
// style bucket ("polygon", "line", "circle") for the caller's renderer.
func (h *Handlers) GetGeoJSON(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	layer := chi.URLParam(r, "layer")

	e, ok := h.reposMap()[id]
	sourceURL := ""
	if ok {
		sourceURL = e.Descriptor.SourceURL
	}

	cachePath := filepath.Join(h.geojsonDir, id, layer+".geojson")

	fc, err := h.geojson.Get(r.Context(), cachePath, sourceURL)
	if err != nil {
		respondNotFound(w)
		return
	}

	buckets, err := geojson.Buckets(fc)
	if err != nil {
		respondInternalError(w, err)
		return
	}

	features := make([]map[string]any, len(fc.Features))
	for i, f := range fc.Features {
		features[i] = map[string]any{
			"type":       "Feature",
			"id":         f.ID,
			"properties": f.Properties,
			"geometry":   geojson.NewGeometry(f.Geometry),
			"bucket":     buckets[i],
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"type":     "FeatureCollection",
		"features": features,
	})
}
