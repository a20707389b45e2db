// Package repository loads the tile-server's repo config (DATA_DIR/config.json)
// and builds the in-process, read-only id -> store map the HTTP surface
// serves from (spec.md §6, §9 "Global mutable state"): initialized once at
// startup, mutated only by seed/cleanup's backend writes, never hot-reloaded
// within a run.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jcom-dev/tileserver/internal/store"
	"github.com/jcom-dev/tileserver/internal/tilejson"
)

// Entry is one configured repository: its opened store, the descriptor it
// was opened with (tilecache reads its SourceURL), and its
// synthesized, validated TileJSON.
type Entry struct {
	ID          string
	Store       store.Store
	Descriptor  store.Descriptor
	TileJSON    map[string]any
	IsMBTiles   bool
}

// Map is the read-only id -> Entry table built at startup.
type Map map[string]*Entry

// rawEntry is one element of config.json's "repositories" array.
type rawEntry struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	Location         string `json:"location"`
	Writable         bool   `json:"writable"`
	StoreMD5         bool   `json:"storeMD5"`
	StoreTransparent bool   `json:"storeTransparent"`
	SourceURL        string `json:"sourceURL"`
}

type rawConfig struct {
	Repositories []rawEntry `json:"repositories"`
}

// Load reads DATA_DIR/config.json, opens every listed repository through
// registry, and synthesizes+validates its TileJSON. A repository whose
// store fails to open (Corrupt) or whose metadata fails validation
// (ValidationFailed) is logged and excluded from the returned map rather
// than aborting startup, per spec.md §7's error-taxonomy policy for those
// two kinds.
func Load(ctx context.Context, dataDir string, registry *store.Registry) (Map, error) {
	path := filepath.Join(dataDir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("repository: read %s: %w", path, err)
	}

	var cfg rawConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("repository: decode %s: %w", path, err)
	}

	result := make(Map, len(cfg.Repositories))
	for _, re := range cfg.Repositories {
		entry, err := openEntry(ctx, registry, re)
		if err != nil {
			slog.Error("repository: excluding repository from startup", "id", re.ID, "error", err)
			continue
		}
		result[re.ID] = entry
	}

	return result, nil
}

func openEntry(ctx context.Context, registry *store.Registry, re rawEntry) (*Entry, error) {
	descriptor := store.Descriptor{
		Kind:             store.Kind(re.Kind),
		Location:         re.Location,
		Writable:         re.Writable,
		StoreMD5:         re.StoreMD5,
		StoreTransparent: re.StoreTransparent,
		SourceURL:        re.SourceURL,
	}

	s, err := registry.Open(ctx, descriptor)
	if err != nil {
		return nil, fmt.Errorf("%w: open store for %q: %v", store.ErrCorrupt, re.ID, err)
	}

	persisted, err := s.GetInfo(ctx)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: synthesize tilejson for %q: %v", store.ErrCorrupt, re.ID, err)
	}

	isMBTiles := descriptor.Kind == store.KindMBTiles
	persisted["scheme"] = tilejson.CanonicalizeScheme(isMBTiles)
	if _, ok := persisted["name"]; !ok {
		persisted["name"] = re.ID
	}

	if err := tilejson.Validate(persisted); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %q: %v", store.ErrValidationFailed, re.ID, err)
	}

	return &Entry{
		ID:         re.ID,
		Store:      s,
		Descriptor: descriptor,
		TileJSON:   persisted,
		IsMBTiles:  isMBTiles,
	}, nil
}

// Close closes every opened store in the map.
func (m Map) Close() {
	for _, e := range m {
		if err := e.Store.Close(); err != nil {
			slog.Warn("repository: error closing store", "id", e.ID, "error", err)
		}
	}
}
