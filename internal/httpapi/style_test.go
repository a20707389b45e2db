package httpapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRewriteURIRewritesKnownSchemes(t *testing.T) {
	cases := []struct {
		uri  string
		want string
	}{
		{"pmtiles://parks", "http://host/parks"},
		{"mbtiles://parks", "http://host/parks"},
		{"xyz://parks", "http://host/parks"},
		{"sprites://mySprite", "http://host/sprites/mySprite"},
		{"fonts://Open Sans", "http://host/fonts/Open Sans"},
		{"https://elsewhere.example/tile.png", "https://elsewhere.example/tile.png"},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, rewriteURI(c.uri, "http://host"))
	}
}

func TestRewriteStyleURIsWalksSourcesGlyphsAndSprite(t *testing.T) {
	doc := map[string]any{
		"glyphs": "fonts://{fontstack}/{range}.pbf",
		"sprite": "sprites://basemap",
		"sources": map[string]any{
			"parks": map[string]any{
				"url":   "mbtiles://parks",
				"tiles": []any{"xyz://parks/{z}/{x}/{y}.pbf"},
			},
			"raw": map[string]any{
				"type": "geojson",
				"data": map[string]any{"type": "FeatureCollection"},
			},
		},
	}

	rewriteStyleURIs(doc, "http://host")

	assert.Equal(t, "http://host/fonts/{fontstack}/{range}.pbf", doc["glyphs"])
	assert.Equal(t, "http://host/sprites/basemap", doc["sprite"])

	sources := doc["sources"].(map[string]any)
	parks := sources["parks"].(map[string]any)
	assert.Equal(t, "http://host/parks", parks["url"])
	tiles := parks["tiles"].([]any)
	assert.Equal(t, "http://host/parks/{z}/{x}/{y}.pbf", tiles[0])

	raw := sources["raw"].(map[string]any)
	assert.Equal(t, "geojson", raw["type"])
}
