// Package sniff detects tile payload formats from their leading bytes
// (spec.md C2), mirroring the magic-byte validation idiom the teacher uses
// for uploaded image files.
package sniff

import (
	"bytes"

	"golang.org/x/image/webp"
)

// Format is one of the tile payload formats the server understands.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatGIF  Format = "gif"
	FormatWebP Format = "webp"
	FormatPBF  Format = "pbf"
)

// Encoding is a content-encoding framing detected on pbf payloads.
type Encoding string

const (
	EncodingNone    Encoding = ""
	EncodingGzip    Encoding = "gzip"
	EncodingDeflate Encoding = "deflate"
)

// Result is the outcome of sniffing a tile's bytes.
type Result struct {
	Format          Format
	ContentType     string
	ContentEncoding Encoding
}

var (
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	jpegSOI   = []byte{0xFF, 0xD8}
	gif87a    = []byte("GIF87a")
	gif89a    = []byte("GIF89a")
	riff      = []byte("RIFF")
	webpMagic = []byte("WEBP")
	gzipMagic = []byte{0x1f, 0x8b}
	zlibMagic = []byte{0x78, 0x9c}
)

// Sniff inspects the leading bytes of a tile payload and classifies it.
func Sniff(data []byte) Result {
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return Result{Format: FormatPNG, ContentType: "image/png"}
	case bytes.HasPrefix(data, jpegSOI):
		return Result{Format: FormatJPEG, ContentType: "image/jpeg"}
	case bytes.HasPrefix(data, gif87a), bytes.HasPrefix(data, gif89a):
		return Result{Format: FormatGIF, ContentType: "image/gif"}
	case len(data) >= 12 && bytes.HasPrefix(data, riff) && bytes.Equal(data[8:12], webpMagic):
		return Result{Format: FormatWebP, ContentType: "image/webp"}
	}

	result := Result{Format: FormatPBF, ContentType: "application/x-protobuf"}
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		result.ContentEncoding = EncodingGzip
	case bytes.HasPrefix(data, zlibMagic):
		result.ContentEncoding = EncodingDeflate
	}
	return result
}

// ValidateWebP performs the deep structural check spec.md's sniffer leaves
// implicit for the default-branch formats: a RIFF/WEBP magic-byte match is
// necessary but not sufficient, so this decodes the WebP header through
// golang.org/x/image/webp to confirm the payload is actually well-formed
// before it is trusted as a tile (e.g. for the transparency-suppression
// decision on webp tiles, which spec.md §4.4 bypasses for non-PNG formats
// but which callers may still want to validate).
func ValidateWebP(data []byte) bool {
	cfg, err := webp.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return false
	}
	return cfg.Width > 0 && cfg.Height > 0
}
