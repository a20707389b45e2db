package glyph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func rawGlyph(id uint32, marker byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, glyphIDField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(id))
	b = protowire.AppendTag(b, protowire.Number(9), protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{marker})
	return b
}

func buildInput(t *testing.T, name, rng string, glyphs map[uint32][]byte) []byte {
	t.Helper()
	return encodeStack(fontstack{name: name, rng: rng, glyphs: glyphs})
}

func TestCombineMergesEarlierWinsOnID(t *testing.T) {
	a := buildInput(t, "Font A", "0-255", map[uint32][]byte{
		1: rawGlyph(1, 'a'),
		2: rawGlyph(2, 'a'),
	})
	b := buildInput(t, "Font B", "0-255", map[uint32][]byte{
		2: rawGlyph(2, 'b'),
		3: rawGlyph(3, 'b'),
	})

	out, err := Combine([][]byte{a, b}, []string{"Font A", "Font B"})
	require.NoError(t, err)

	fs, err := parseFirstStack(out)
	require.NoError(t, err)

	assert.Equal(t, "Font A,Font B", fs.name)
	assert.Equal(t, "0-255", fs.rng)
	assert.Len(t, fs.glyphs, 3)
	assert.Equal(t, rawGlyph(2, 'a'), fs.glyphs[2], "id 2 should keep the earlier input's glyph")
}

func TestCombineSortsGlyphsAscendingByID(t *testing.T) {
	a := buildInput(t, "Font A", "0-255", map[uint32][]byte{
		5: rawGlyph(5, 'x'),
		1: rawGlyph(1, 'x'),
		3: rawGlyph(3, 'x'),
	})

	out, err := Combine([][]byte{a}, []string{"Font A"})
	require.NoError(t, err)

	var ids []uint32
	data := out
	_, _, n := protowire.ConsumeTag(data)
	data = data[n:]
	stackBytes, _ := protowire.ConsumeBytes(data)

	for len(stackBytes) > 0 {
		num, typ, n := protowire.ConsumeTag(stackBytes)
		stackBytes = stackBytes[n:]
		if num == stackGlyphsField && typ == protowire.BytesType {
			glyphBytes, n := protowire.ConsumeBytes(stackBytes)
			stackBytes = stackBytes[n:]
			id, err := glyphID(glyphBytes)
			require.NoError(t, err)
			ids = append(ids, id)
			continue
		}
		skip := protowire.ConsumeFieldValue(num, typ, stackBytes)
		stackBytes = stackBytes[skip:]
	}

	assert.Equal(t, []uint32{1, 3, 5}, ids)
}

func TestCombineSkipsUnparseableInputs(t *testing.T) {
	a := buildInput(t, "Font A", "0-255", map[uint32][]byte{1: rawGlyph(1, 'a')})
	garbage := []byte{0xFF, 0xFF, 0xFF}

	out, err := Combine([][]byte{a, garbage}, []string{"Font A", "Missing Font"})
	require.NoError(t, err)

	fs, err := parseFirstStack(out)
	require.NoError(t, err)
	assert.Len(t, fs.glyphs, 1)
}
