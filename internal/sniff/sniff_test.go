package sniff

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSniffMagicBytes(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want Format
	}{
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0}, FormatPNG},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, FormatJPEG},
		{"gif87a", []byte("GIF87a" + "xxx"), FormatGIF},
		{"gif89a", []byte("GIF89a" + "xxx"), FormatGIF},
		{"webp", append([]byte("RIFF\x00\x00\x00\x00WEBP"), 0, 0, 0, 0}...),
			FormatWebP},
		{"default-pbf", []byte{0x1a, 0x02, 0x08, 0x01}, FormatPBF},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			result := Sniff(c.data)
			assert.Equal(t, c.want, result.Format)
		})
	}
}

func TestSniffEncodingFraming(t *testing.T) {
	gz := Sniff([]byte{0x1f, 0x8b, 0x08, 0x00})
	assert.Equal(t, FormatPBF, gz.Format)
	assert.Equal(t, EncodingGzip, gz.ContentEncoding)

	deflate := Sniff([]byte{0x78, 0x9c, 0x00, 0x00})
	assert.Equal(t, FormatPBF, deflate.Format)
	assert.Equal(t, EncodingDeflate, deflate.ContentEncoding)

	plain := Sniff([]byte{0x1a, 0x02, 0x08, 0x01})
	assert.Equal(t, EncodingNone, plain.ContentEncoding)
}
