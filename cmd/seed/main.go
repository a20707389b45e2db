// Package main provides the seed CLI for warming and cleaning up tile
// caches described by DATA_DIR/seed.json and DATA_DIR/cleanup.json
// (spec.md §6, C10).
//
// Usage:
//
//	seed --data_dir /data --seed
//	seed --data_dir /data --cleanup --num_processes 8 -v
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jcom-dev/tileserver/internal/seed"
	"github.com/jcom-dev/tileserver/internal/store"
	"github.com/jcom-dev/tileserver/internal/store/mbtilesstore"
	"github.com/jcom-dev/tileserver/internal/store/pgstore"
	"github.com/jcom-dev/tileserver/internal/store/xyzstore"
	"github.com/jcom-dev/tileserver/internal/tilecache"
	"github.com/jcom-dev/tileserver/internal/tilemath"
)

var (
	dataDir      string
	numProcesses int
	doSeed       bool
	doCleanup    bool
	verbose      bool
	pool         *pgxpool.Pool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "seed",
		Short: "Warm or clean up tile caches described by seed.json/cleanup.json",
		RunE:  run,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

			if dataDir == "" {
				dataDir = os.Getenv("DATA_DIR")
			}
			if dataDir == "" {
				return fmt.Errorf("--data_dir or DATA_DIR environment variable required")
			}

			if uri := os.Getenv("POSTGRESQL_BASE_URI"); uri != "" {
				cfg, err := pgxpool.ParseConfig(uri)
				if err != nil {
					return fmt.Errorf("parse POSTGRESQL_BASE_URI: %w", err)
				}
				p, err := pgxpool.NewWithConfig(context.Background(), cfg)
				if err != nil {
					return fmt.Errorf("connect to postgres: %w", err)
				}
				pool = p
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if pool != nil {
				pool.Close()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data_dir", "", "data directory (defaults to DATA_DIR env)")
	rootCmd.PersistentFlags().IntVar(&numProcesses, "num_processes", 0, "concurrency per repository (defaults to runtime.NumCPU())")
	rootCmd.PersistentFlags().BoolVar(&doSeed, "seed", false, "run the seed descriptor")
	rootCmd.PersistentFlags().BoolVar(&doCleanup, "cleanup", false, "run the cleanup descriptor")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// manifestEntry is one repository's worth of seed or cleanup configuration,
// matching the shape persisted in seed.json/cleanup.json.
type manifestEntry struct {
	ID               string           `json:"id"`
	Kind             string           `json:"kind"`
	Location         string           `json:"location"`
	SourceURL        string           `json:"sourceURL"`
	BBoxes           []tilemath.BBox  `json:"bboxes"`
	Zooms            []int            `json:"zooms"`
	MaxTry           int              `json:"maxTry"`
	TimeoutSeconds   int              `json:"timeoutSeconds"`
	StoreMD5         bool             `json:"storeMD5"`
	StoreTransparent bool             `json:"storeTransparent"`
	RefreshMode      store.RefreshMode `json:"refreshMode"`
	RefreshTimestamp int64            `json:"refreshTimestamp"`
	RefreshAgeDays   int              `json:"refreshAgeDays"`
	CleanupBefore    int64            `json:"cleanupBefore"`
}

func run(cmd *cobra.Command, args []string) error {
	registry := store.NewRegistry()
	registry.Register(store.KindXYZ, xyzstore.Open)
	registry.Register(store.KindMBTiles, mbtilesstore.Open)
	registry.Register(store.KindPostgres, func(ctx context.Context, d store.Descriptor) (store.Store, error) {
		if pool == nil {
			return nil, fmt.Errorf("postgres store requested but POSTGRESQL_BASE_URI is not set")
		}
		return pgstore.Open(ctx, pool, d)
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	for {
		runCtx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)

		go func() {
			done <- runOnce(runCtx, registry)
		}()

		select {
		case err := <-done:
			cancel()
			return err
		case sig := <-sigs:
			cancel()
			<-done
			if sig == syscall.SIGINT {
				return nil
			}
			slog.Warn("seed: received SIGTERM, restarting run")
		}
	}
}

func runOnce(ctx context.Context, registry *store.Registry) error {
	if doSeed {
		if err := runManifest(ctx, registry, "seed.json", runSeed); err != nil {
			return err
		}
	}
	if doCleanup {
		if err := runManifest(ctx, registry, "cleanup.json", runCleanup); err != nil {
			return err
		}
	}
	return nil
}

func runManifest(ctx context.Context, registry *store.Registry, filename string, fn func(context.Context, store.Store, manifestEntry) error) error {
	path := dataDir + "/" + filename
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var entries []manifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	for _, e := range entries {
		descriptor := store.Descriptor{
			Kind:             store.Kind(e.Kind),
			Location:         e.Location,
			Writable:         true,
			StoreMD5:         e.StoreMD5,
			StoreTransparent: e.StoreTransparent,
			SourceURL:        e.SourceURL,
		}

		s, err := registry.Open(ctx, descriptor)
		if err != nil {
			slog.Error("seed: skipping repository, open failed", "id", e.ID, "error", err)
			continue
		}

		if err := fn(ctx, s, e); err != nil {
			slog.Error("seed: run failed", "id", e.ID, "error", err)
		}

		if err := s.Close(); err != nil {
			slog.Warn("seed: error closing store", "id", e.ID, "error", err)
		}
	}
	return nil
}

func runSeed(ctx context.Context, s store.Store, e manifestEntry) error {
	d := seed.Descriptor{
		ID:               e.ID,
		BBoxes:           e.BBoxes,
		Zooms:            e.Zooms,
		Concurrency:      numProcesses,
		MaxTry:           e.MaxTry,
		Timeout:          time.Duration(e.TimeoutSeconds) * time.Second,
		StoreMD5:         e.StoreMD5,
		StoreTransparent: e.StoreTransparent,
		SourceURL:        e.SourceURL,
		RefreshBefore: store.RefreshBefore{
			Mode:      e.RefreshMode,
			Timestamp: e.RefreshTimestamp,
			AgeDays:   e.RefreshAgeDays,
		},
	}

	return seed.Seed(ctx, s, d, tilecache.New(nil), func(p seed.Progress) {
		slog.Info("seed progress", "id", e.ID, "completed", p.Completed, "skipped", p.Skipped, "failed", p.Failed, "total", p.Total)
	})
}

func runCleanup(ctx context.Context, s store.Store, e manifestEntry) error {
	d := seed.Descriptor{
		ID:          e.ID,
		BBoxes:      e.BBoxes,
		Zooms:       e.Zooms,
		Concurrency: numProcesses,
	}

	if err := seed.Cleanup(ctx, s, d, e.CleanupBefore, func(p seed.Progress) {
		slog.Info("cleanup progress", "id", e.ID, "completed", p.Completed, "skipped", p.Skipped, "failed", p.Failed, "total", p.Total)
	}); err != nil {
		return err
	}
	if store.Kind(e.Kind) == store.KindXYZ {
		return xyzstore.RemoveEmptyFolders(e.Location, regexp.MustCompile(`^\d+\.\w+$`))
	}
	return nil
}
