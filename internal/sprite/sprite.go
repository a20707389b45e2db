// Package sprite validates sprite sets (spec.md C11b): a directory
// containing sprite.(json|png) and optionally sprite@{N}x.(json|png) pairs,
// reusing the teacher's magic-byte PNG validation idiom for the png half.
package sprite

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/jcom-dev/tileserver/internal/sniff"
)

var baseNamePattern = regexp.MustCompile(`^sprite(@\d+x)?$`)

// Entry is one icon's metadata within a sprite JSON index.
type Entry struct {
	Height     int `json:"height"`
	PixelRatio int `json:"pixelRatio"`
	Width      int `json:"width"`
	X          int `json:"x"`
	Y          int `json:"y"`
}

// Validate checks that dir contains a sprite set matching spec.md §4.11:
// the set of JSON and PNG base names must match, each JSON file decodes to
// a map of Entry, and each PNG starts with the PNG signature (the image
// itself is not decoded).
func Validate(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("sprite: read dir %s: %w", dir, err)
	}

	jsonBases := map[string]bool{}
	pngBases := map[string]bool{}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		base := strings.TrimSuffix(name, ext)
		if !baseNamePattern.MatchString(base) {
			continue
		}
		switch ext {
		case ".json":
			jsonBases[base] = true
		case ".png":
			pngBases[base] = true
		}
	}

	if len(jsonBases) == 0 {
		return fmt.Errorf("sprite: no sprite.json found in %s", dir)
	}

	var mismatched []string
	for base := range jsonBases {
		if !pngBases[base] {
			mismatched = append(mismatched, base)
		}
	}
	for base := range pngBases {
		if !jsonBases[base] {
			mismatched = append(mismatched, base)
		}
	}
	if len(mismatched) > 0 {
		sort.Strings(mismatched)
		return fmt.Errorf("sprite: json/png base name mismatch in %s: %v", dir, mismatched)
	}

	for base := range jsonBases {
		if err := validateJSON(filepath.Join(dir, base+".json")); err != nil {
			return err
		}
		if err := validatePNG(filepath.Join(dir, base+".png")); err != nil {
			return err
		}
	}

	return nil
}

func validateJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("sprite: read %s: %w", path, err)
	}
	var index map[string]Entry
	if err := json.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("sprite: decode %s: %w", path, err)
	}
	return nil
}

func validatePNG(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("sprite: read %s: %w", path, err)
	}
	if sniff.Sniff(data).Format != sniff.FormatPNG {
		return fmt.Errorf("sprite: %s is not a valid PNG", path)
	}
	return nil
}
