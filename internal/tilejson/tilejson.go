// Package tilejson synthesizes and validates TileJSON metadata (spec.md
// C8): a deterministic merge of defaults, persisted metadata, and values
// derived from the tiles themselves.
package tilejson

import (
	"fmt"
	"math"
)

// Defaults is the base layer of the merge (spec.md §4.8 step 1).
func Defaults() map[string]any {
	return map[string]any{
		"type":     "overlay",
		"format":   "png",
		"bounds":   []float64{-180, -85.051129, 180, 85.051129},
		"minzoom":  0,
		"maxzoom":  22,
		"tilejson": "2.2.0",
	}
}

// DerivedInputs carries the values computed by scanning a store's tiles,
// supplied by each backend's own synthesis pass (spec.md §4.5/§4.6).
type DerivedInputs struct {
	MinZoom      *int
	MaxZoom      *int
	Format       *string
	Bounds       *[4]float64
	VectorLayers []string
}

// Merge combines defaults, persisted metadata, and derived values in that
// order (spec.md §4.8 steps 1-3); a derived value replaces the default for
// any key the persisted metadata does not set. It then fills in center if still absent
// (step 4) and vector_layers from a decode scan when format is pbf and it
// is still absent (step 5, performed by the caller before Merge runs, with
// the result passed in via derived.VectorLayers).
func Merge(persisted map[string]any, derived DerivedInputs) map[string]any {
	result := Defaults()

	for k, v := range persisted {
		result[k] = v
	}

	if _, ok := persisted["minzoom"]; !ok && derived.MinZoom != nil {
		result["minzoom"] = *derived.MinZoom
	}
	if _, ok := persisted["maxzoom"]; !ok && derived.MaxZoom != nil {
		result["maxzoom"] = *derived.MaxZoom
	}
	if _, ok := persisted["format"]; !ok && derived.Format != nil {
		result["format"] = *derived.Format
	}
	if _, ok := persisted["bounds"]; !ok && derived.Bounds != nil {
		b := *derived.Bounds
		result["bounds"] = []float64{b[0], b[1], b[2], b[3]}
	}

	if format, _ := result["format"].(string); format == "pbf" {
		if _, ok := result["vector_layers"]; !ok && len(derived.VectorLayers) > 0 {
			result["vector_layers"] = derived.VectorLayers
		}
	}

	if _, ok := result["center"]; !ok {
		result["center"] = deriveCenter(result)
	}

	return result
}

func deriveCenter(m map[string]any) []float64 {
	bounds, _ := m["bounds"].([]float64)
	if len(bounds) != 4 {
		bounds = []float64{-180, -85.051129, 180, 85.051129}
	}

	minZoom := toFloat(m["minzoom"])
	maxZoom := toFloat(m["maxzoom"])

	lon := (bounds[0] + bounds[2]) / 2
	lat := (bounds[1] + bounds[3]) / 2
	zoom := math.Floor((minZoom + maxZoom) / 2)

	return []float64{lon, lat, zoom}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

// Validate applies the rejection rules of spec.md §4.8 before metadata is
// persisted to the repository. It returns a single wrapped
// store.ErrValidationFailed-class error describing the first violation
// found (callers use errors.Is against the sentinel defined in
// internal/store; this package does not import internal/store, so it
// returns a plain error here and the caller wraps it).
func Validate(m map[string]any) error {
	name, _ := m["name"].(string)
	if name == "" {
		return fmt.Errorf("tilejson: name is required")
	}

	typ, _ := m["type"].(string)
	if typ != "baselayer" && typ != "overlay" {
		return fmt.Errorf("tilejson: type must be baselayer or overlay, got %q", typ)
	}

	format, _ := m["format"].(string)
	switch format {
	case "jpeg", "jpg", "pbf", "png", "webp", "gif":
	default:
		return fmt.Errorf("tilejson: unrecognized format %q", format)
	}

	minZoom := toFloat(m["minzoom"])
	maxZoom := toFloat(m["maxzoom"])
	if minZoom > maxZoom {
		return fmt.Errorf("tilejson: minzoom %v greater than maxzoom %v", minZoom, maxZoom)
	}

	bounds, ok := m["bounds"].([]float64)
	if !ok || len(bounds) != 4 {
		return fmt.Errorf("tilejson: bounds must be a 4-element array")
	}
	if math.Abs(bounds[0]) > 180 || math.Abs(bounds[2]) > 180 {
		return fmt.Errorf("tilejson: longitude bound out of range: %v", bounds)
	}
	if math.Abs(bounds[1]) > 90 || math.Abs(bounds[3]) > 90 {
		return fmt.Errorf("tilejson: latitude bound out of range: %v", bounds)
	}
	if bounds[0] >= bounds[2] {
		return fmt.Errorf("tilejson: bounds lonMin must be less than lonMax: %v", bounds)
	}
	if bounds[1] >= bounds[3] {
		return fmt.Errorf("tilejson: bounds latMin must be less than latMax: %v", bounds)
	}

	if format == "pbf" {
		if layers, ok := m["vector_layers"].([]string); !ok || len(layers) == 0 {
			return fmt.Errorf("tilejson: vector_layers is required when format is pbf")
		}
	}

	if center, ok := m["center"].([]float64); ok && len(center) == 3 {
		if math.Abs(center[0]) > 180 || math.Abs(center[1]) > 90 {
			return fmt.Errorf("tilejson: center out of range: %v", center)
		}
		if center[2] < 0 || center[2] > 22 {
			return fmt.Errorf("tilejson: center zoom out of range: %v", center)
		}
	}

	return nil
}

// CanonicalizeScheme returns the canonical scheme string for a backend
// kind: "tms" for MBTiles, "xyz" for XYZ/Postgres (spec.md's metadata
// merge monotonicity invariant).
func CanonicalizeScheme(isMBTiles bool) string {
	if isMBTiles {
		return "tms"
	}
	return "xyz"
}
