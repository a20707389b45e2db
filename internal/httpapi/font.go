package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jcom-dev/tileserver/internal/glyph"
)

// GetFont serves the combined glyph-range PBF for a comma-separated
// fontstack, e.g. GET /fonts/Open Sans Regular,Arial Unicode/0-255.pbf
// (spec.md §4.11/§4.12). A font missing from fontsDir is looked up in the
// optional asset store; if it is missing there too, the configured default
// font is tried, first from fontsDir and then from the asset store.
func (h *Handlers) GetFont(w http.ResponseWriter, r *http.Request) {
	fontstack := chi.URLParam(r, "fontstack")
	rng := chi.URLParam(r, "rng")

	names := strings.Split(fontstack, ",")
	for i := range names {
		names[i] = strings.TrimSpace(names[i])
	}

	buffers := make([][]byte, len(names))
	for i, name := range names {
		data, err := h.readFontRange(r, name, rng)
		if err != nil {
			data, err = h.readFontRange(r, h.cfg.FallbackFont, rng)
		}
		if err == nil {
			buffers[i] = data
		}
	}

	combined, err := glyph.Combine(buffers, names)
	if err != nil {
		respondInternalError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-protobuf")
	w.Write(combined)
}

func (h *Handlers) readFontRange(r *http.Request, fontName, rng string) ([]byte, error) {
	path := filepath.Join(h.fontsDir, fontName, rng+".pbf")
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if h.assets == nil {
		return nil, err
	}
	return h.assets.Get(r.Context(), "fonts/"+fontName+"/"+rng+".pbf")
}
