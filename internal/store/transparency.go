package store

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/png"
)

// pngColorType mirrors the IHDR color-type byte values from the PNG spec.
const (
	pngColorGrayscale      = 0
	pngColorTrueColor      = 2
	pngColorIndexed        = 3
	pngColorGrayscaleAlpha = 4
	pngColorTrueColorAlpha = 6
)

// IsFullyTransparentPNG reports whether every alpha sample in a PNG is
// zero. Per spec.md's design notes, it takes the cheap path first: alpha
// can only exist for color types 4 and 6 (always transparent-capable -> a
// real decode is unavoidable there), or for the indexed color type 3 when
// a tRNS chunk is present (the palette alpha lives in tRNS, not in the
// pixel data, so it can be inspected without a full decode). Any other
// color type has no alpha channel at all and is never transparent.
func IsFullyTransparentPNG(data []byte) bool {
	colorType, ok := pngColorType(data)
	if !ok {
		return false
	}

	switch colorType {
	case pngColorGrayscale, pngColorTrueColor:
		return false
	case pngColorIndexed:
		trns, hasTRNS := pngTRNSChunk(data)
		if !hasTRNS {
			return false
		}
		for _, a := range trns {
			if a != 0 {
				return false
			}
		}
		return true
	case pngColorGrayscaleAlpha, pngColorTrueColorAlpha:
		return decodedAllTransparent(data)
	default:
		return false
	}
}

var pngSignature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// pngChunks walks a PNG's chunk stream calling fn(chunkType, chunkData) for
// each chunk; fn returning false stops iteration early.
func pngChunks(data []byte, fn func(chunkType string, chunkData []byte) bool) {
	if !bytes.HasPrefix(data, pngSignature) {
		return
	}
	pos := len(pngSignature)
	for pos+8 <= len(data) {
		length := binary.BigEndian.Uint32(data[pos : pos+4])
		typ := string(data[pos+4 : pos+8])
		dataStart := pos + 8
		dataEnd := dataStart + int(length)
		if dataEnd+4 > len(data) {
			return
		}
		if !fn(typ, data[dataStart:dataEnd]) {
			return
		}
		pos = dataEnd + 4 // skip CRC
	}
}

func pngColorType(data []byte) (byte, bool) {
	var colorType byte
	var found bool
	pngChunks(data, func(typ string, chunk []byte) bool {
		if typ == "IHDR" && len(chunk) >= 10 {
			colorType = chunk[9]
			found = true
			return false
		}
		return true
	})
	return colorType, found
}

func pngTRNSChunk(data []byte) ([]byte, bool) {
	var trns []byte
	var found bool
	pngChunks(data, func(typ string, chunk []byte) bool {
		if typ == "tRNS" {
			trns = chunk
			found = true
			return false
		}
		if typ == "IDAT" {
			return false // tRNS always precedes IDAT
		}
		return true
	})
	return trns, found
}

func decodedAllTransparent(data []byte) bool {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return false
	}
	return allAlphaZero(img)
}

func allAlphaZero(img image.Image) bool {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			_, _, _, a := img.At(x, y).RGBA()
			if a != 0 {
				return false
			}
		}
	}
	return true
}
