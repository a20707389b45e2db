// Package vectortile provides just enough Mapbox Vector Tile protobuf
// decoding to answer the one question spec.md's metadata synthesizer (C8)
// and the xyz/mbtiles backends (C5/C6) need: which layer names does a .pbf
// tile contain. It walks the wire format directly with
// google.golang.org/protobuf/encoding/protowire rather than depending on a
// compiled vector-tile .proto, since only the top-level Layer.name field is
// ever read.
package vectortile

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	tileLayerField = protowire.Number(3) // Tile.layers, repeated embedded Layer
	layerNameField = protowire.Number(1) // Layer.name, required string
)

// LayerNames returns the distinct layer names present in a single vector
// tile's protobuf bytes.
func LayerNames(data []byte) ([]string, error) {
	var names []string
	seen := make(map[string]bool)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("vectortile: malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if num != tileLayerField || typ != protowire.BytesType {
			skip := protowire.ConsumeFieldValue(num, typ, data)
			if skip < 0 {
				return nil, fmt.Errorf("vectortile: malformed field: %w", protowire.ParseError(skip))
			}
			data = data[skip:]
			continue
		}

		layerBytes, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("vectortile: malformed layer bytes: %w", protowire.ParseError(n))
		}
		data = data[n:]

		name, err := layerName(layerBytes)
		if err == nil && name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	return names, nil
}

func layerName(data []byte) (string, error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", fmt.Errorf("vectortile: malformed layer tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if num == layerNameField && typ == protowire.BytesType {
			name, n := protowire.ConsumeString(data)
			if n < 0 {
				return "", fmt.Errorf("vectortile: malformed layer name: %w", protowire.ParseError(n))
			}
			return name, nil
		}

		skip := protowire.ConsumeFieldValue(num, typ, data)
		if skip < 0 {
			return "", fmt.Errorf("vectortile: malformed layer field: %w", protowire.ParseError(skip))
		}
		data = data[skip:]
	}
	return "", fmt.Errorf("vectortile: layer has no name field")
}

// UnionLayerNames decodes layer names from many tiles, one after another,
// and returns their union in first-seen order; tiles that fail to decode
// are skipped.
func UnionLayerNames(tiles [][]byte) []string {
	seen := make(map[string]bool)
	var union []string
	for _, data := range tiles {
		names, err := LayerNames(data)
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
	return union
}
