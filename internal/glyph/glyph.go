// Package glyph implements the PBF glyph-range combiner (spec.md C11a):
// given an ordered list of per-font glyph PBFs for the same codepoint
// range, produce a single PBF whose glyph set is the union across inputs,
// resolved earlier-wins on id, sorted ascending by id, with a comma-joined
// stack name. Reuses the protowire wire-format approach from
// internal/vectortile since Mapbox's glyph PBF schema is a different
// message shape but the same encoding.
package glyph

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	stacksField    = protowire.Number(1) // glyphs.stacks, repeated fontstack
	stackNameField = protowire.Number(1) // fontstack.name, required string
	stackRangeField = protowire.Number(2) // fontstack.range, required string
	stackGlyphsField = protowire.Number(3) // fontstack.glyphs, repeated glyph

	glyphIDField = protowire.Number(1) // glyph.id, required uint32
)

type fontstack struct {
	name   string
	rng    string
	glyphs map[uint32][]byte // id -> raw glyph submessage bytes
}

// Combine merges buffers (one glyph-range PBF per font, in the caller's
// requested stack order) into a single glyph-range PBF. A font whose
// buffer is empty or fails to parse is skipped (fallback-font callers pass
// the configured default font's buffer in its place before calling
// Combine).
func Combine(buffers [][]byte, names []string) ([]byte, error) {
	merged := fontstack{glyphs: make(map[uint32][]byte)}

	for _, buf := range buffers {
		fs, err := parseFirstStack(buf)
		if err != nil {
			continue
		}
		if merged.rng == "" {
			merged.rng = fs.rng
		}
		for id, raw := range fs.glyphs {
			if _, exists := merged.glyphs[id]; !exists {
				merged.glyphs[id] = raw
			}
		}
	}
	merged.name = joinNames(names)

	return encodeStack(merged), nil
}

func joinNames(names []string) string {
	out := ""
	for _, n := range names {
		if n == "" {
			continue
		}
		if out != "" {
			out += ","
		}
		out += n
	}
	return out
}

func parseFirstStack(data []byte) (fontstack, error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fontstack{}, fmt.Errorf("glyph: malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if num != stacksField || typ != protowire.BytesType {
			skip := protowire.ConsumeFieldValue(num, typ, data)
			if skip < 0 {
				return fontstack{}, fmt.Errorf("glyph: malformed field: %w", protowire.ParseError(skip))
			}
			data = data[skip:]
			continue
		}

		stackBytes, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fontstack{}, fmt.Errorf("glyph: malformed stack bytes: %w", protowire.ParseError(n))
		}
		return decodeStack(stackBytes)
	}
	return fontstack{}, fmt.Errorf("glyph: no stacks field present")
}

func decodeStack(data []byte) (fontstack, error) {
	fs := fontstack{glyphs: make(map[uint32][]byte)}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fontstack{}, fmt.Errorf("glyph: malformed stack tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == stackNameField && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return fontstack{}, fmt.Errorf("glyph: malformed name: %w", protowire.ParseError(n))
			}
			fs.name = s
			data = data[n:]

		case num == stackRangeField && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return fontstack{}, fmt.Errorf("glyph: malformed range: %w", protowire.ParseError(n))
			}
			fs.rng = s
			data = data[n:]

		case num == stackGlyphsField && typ == protowire.BytesType:
			glyphBytes, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fontstack{}, fmt.Errorf("glyph: malformed glyph bytes: %w", protowire.ParseError(n))
			}
			data = data[n:]
			id, err := glyphID(glyphBytes)
			if err == nil {
				fs.glyphs[id] = glyphBytes
			}

		default:
			skip := protowire.ConsumeFieldValue(num, typ, data)
			if skip < 0 {
				return fontstack{}, fmt.Errorf("glyph: malformed stack field: %w", protowire.ParseError(skip))
			}
			data = data[skip:]
		}
	}

	return fs, nil
}

func glyphID(data []byte) (uint32, error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return 0, fmt.Errorf("glyph: malformed glyph tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if num == glyphIDField && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, fmt.Errorf("glyph: malformed id: %w", protowire.ParseError(n))
			}
			return uint32(v), nil
		}

		skip := protowire.ConsumeFieldValue(num, typ, data)
		if skip < 0 {
			return 0, fmt.Errorf("glyph: malformed glyph field: %w", protowire.ParseError(skip))
		}
		data = data[skip:]
	}
	return 0, fmt.Errorf("glyph: no id field present")
}

func encodeStack(fs fontstack) []byte {
	ids := make([]uint32, 0, len(fs.glyphs))
	for id := range fs.glyphs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var stackBuf []byte
	stackBuf = protowire.AppendTag(stackBuf, stackNameField, protowire.BytesType)
	stackBuf = protowire.AppendString(stackBuf, fs.name)
	stackBuf = protowire.AppendTag(stackBuf, stackRangeField, protowire.BytesType)
	stackBuf = protowire.AppendString(stackBuf, fs.rng)
	for _, id := range ids {
		stackBuf = protowire.AppendTag(stackBuf, stackGlyphsField, protowire.BytesType)
		stackBuf = protowire.AppendBytes(stackBuf, fs.glyphs[id])
	}

	var out []byte
	out = protowire.AppendTag(out, stacksField, protowire.BytesType)
	out = protowire.AppendBytes(out, stackBuf)
	return out
}
