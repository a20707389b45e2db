// Tile Server API
//
// Serves vector/raster tiles, TileJSON, MapLibre styles, fonts, sprites,
// and GeoJSON layers backed by a read-only repository map built from
// DATA_DIR/config.json at startup.
//
//	@title			Tile Server API
//	@version		1.0
//	@description	Vector/raster tile, style, font, sprite, and GeoJSON serving surface
//
//	@host			localhost:8080
//	@BasePath		/
//
//	@tag.name			Tiles
//	@tag.description	Tile and tile-MD5 endpoints
//
//	@tag.name			TileJSON
//	@tag.description	TileJSON metadata endpoints
//
//	@tag.name			Styles
//	@tag.description	MapLibre style documents
//
//	@tag.name			Fonts
//	@tag.description	Combined glyph PBF serving
//
//	@tag.name			Sprites
//	@tag.description	Sprite image and index serving
//
//	@tag.name			GeoJSON
//	@tag.description	Read-through GeoJSON layer serving
//
//	@tag.name			Admin
//	@tag.description	Cache invalidation
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/jcom-dev/tileserver/docs"
	"github.com/jcom-dev/tileserver/internal/assetstore"
	"github.com/jcom-dev/tileserver/internal/config"
	"github.com/jcom-dev/tileserver/internal/db"
	"github.com/jcom-dev/tileserver/internal/httpapi"
	"github.com/jcom-dev/tileserver/internal/repository"
	"github.com/jcom-dev/tileserver/internal/sprite"
	"github.com/jcom-dev/tileserver/internal/store"
	"github.com/jcom-dev/tileserver/internal/store/mbtilesstore"
	"github.com/jcom-dev/tileserver/internal/store/pgstore"
	"github.com/jcom-dev/tileserver/internal/store/xyzstore"
	"github.com/jcom-dev/tileserver/internal/tilecache"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	var database *db.DB
	if cfg.PostgresURI != "" {
		database, err = db.New(ctx, cfg.PostgresURI)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		log.Println("Database connection established")
	}

	registry := store.NewRegistry()
	registry.Register(store.KindXYZ, xyzstore.Open)
	registry.Register(store.KindMBTiles, mbtilesstore.Open)
	registry.Register(store.KindPostgres, func(ctx context.Context, d store.Descriptor) (store.Store, error) {
		if database == nil {
			return nil, cfg.RequirePostgres()
		}
		return pgstore.Open(ctx, database.Pool, d)
	})

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Printf("Warning: failed to parse REDIS_URL: %v - tile cache hot layer disabled", err)
		} else {
			redisClient = redis.NewClient(opt)
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := redisClient.Ping(pingCtx).Err(); err != nil {
				log.Printf("Warning: Redis unreachable: %v - tile cache hot layer disabled", err)
				redisClient = nil
			}
			cancel()
		}
	}
	cache := tilecache.New(redisClient)

	var assets *assetstore.Store
	if bucket := os.Getenv("ASSETSTORE_S3_BUCKET"); bucket != "" {
		assets, err = assetstore.New(ctx, os.Getenv("ASSETSTORE_S3_REGION"), bucket, os.Getenv("ASSETSTORE_S3_PREFIX"))
		if err != nil {
			log.Printf("Warning: asset store initialization failed: %v - font/sprite S3 fallback disabled", err)
			assets = nil
		}
	}

	// best-effort startup sanity check; a broken sprite set is logged, not
	// fatal, since /sprites falls back to the asset store per id.
	if err := sprite.Validate(cfg.DataDir + "/sprites"); err != nil {
		log.Printf("Warning: sprite validation: %v", err)
	}

	var ready atomic.Bool
	ready.Store(!cfg.StartingUp)

	h := httpapi.New(cfg, nil, cache, database, assets, ready.Load)
	r := httpapi.NewRouter(h)

	go func() {
		loaded, err := repository.Load(ctx, cfg.DataDir, registry)
		if err != nil {
			log.Fatalf("Failed to load repository config: %v", err)
		}
		h.SetRepositories(loaded)
		ready.Store(true)
		log.Printf("Repository scan complete: %d repositories loaded", len(loaded))
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting tile server on %s:%s (environment: %s)", cfg.Server.Host, cfg.Server.Port, cfg.Server.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	h.Repositories().Close()

	log.Println("Server exited")
}
