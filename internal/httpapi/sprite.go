package httpapi

import (
	"net/http"
	"path/filepath"
	"strings"
)

// GetSprite serves sprite set files (sprite.json/png, sprite@Nx.json/png)
// straight off disk under sprites/, falling back to the optional asset
// store when the file is absent locally (spec.md §4.11/§4.12).
func (h *Handlers) GetSprite(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/sprites/")
	if rel == "" || strings.Contains(rel, "..") {
		respondBadRequest(w, "invalid sprite path")
		return
	}

	path := filepath.Join(h.spritesDir, rel)
	if _, err := http.Dir(h.spritesDir).Open(rel); err == nil {
		http.ServeFile(w, r, path)
		return
	}

	if h.assets == nil {
		respondNotFound(w)
		return
	}

	data, err := h.assets.Get(r.Context(), "sprites/"+rel)
	if err != nil {
		respondNotFound(w)
		return
	}

	if strings.HasSuffix(rel, ".png") {
		w.Header().Set("Content-Type", "image/png")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.Write(data)
}
