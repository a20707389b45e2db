package store

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestIsFullyTransparentPNG_TrueColorAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.NRGBA{R: 10, G: 20, B: 30, A: 0})
		}
	}
	assert.True(t, IsFullyTransparentPNG(encodePNG(t, img)))
}

func TestIsFullyTransparentPNG_NotTransparent(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			a := uint8(0)
			if x == 0 && y == 0 {
				a = 255
			}
			img.Set(x, y, color.NRGBA{R: 10, G: 20, B: 30, A: a})
		}
	}
	assert.False(t, IsFullyTransparentPNG(encodePNG(t, img)))
}

func TestIsFullyTransparentPNG_OpaqueRGBBypassesDecode(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 1, G: 2, B: 3, A: 255})
		}
	}
	// image/png may write a fully opaque image.RGBA as truecolor (no alpha)
	// or as truecolor+alpha, so either IHDR color type is accepted here.
	data := encodePNG(t, img)
	colorType, ok := pngColorType(data)
	require.True(t, ok)
	assert.Contains(t, []byte{pngColorTrueColor, pngColorTrueColorAlpha}, colorType)
}

func TestIsFullyTransparentPNG_NonPNGIsFalse(t *testing.T) {
	assert.False(t, IsFullyTransparentPNG([]byte{0xFF, 0xD8, 0xFF}))
}
