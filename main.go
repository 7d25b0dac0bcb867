package main

import (
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zots0127/filesafe/pkg/api"
	"github.com/zots0127/filesafe/pkg/backup"
	"github.com/zots0127/filesafe/pkg/config"
	"github.com/zots0127/filesafe/pkg/metadata"
	"github.com/zots0127/filesafe/pkg/pipeline"
	"github.com/zots0127/filesafe/pkg/scanner"
	"github.com/zots0127/filesafe/pkg/storage"
	"github.com/zots0127/filesafe/pkg/thumbs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	db, err := metadata.Open(cfg.Storage.Database)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer db.Close()
	repo := metadata.NewRepository(db)

	store, err := storage.NewStore(cfg.Storage.Folder, cfg.Uploads.MaxSizeBytes)
	if err != nil {
		log.Fatal("Failed to prepare storage directories:", err)
	}
	alloc := storage.NewAllocator(store, cfg.Uploads.FileLength, cfg.Uploads.MaxTries, cfg.Uploads.PreservedExtensions)

	opts := pipeline.Options{
		FilterEmptyFiles:  cfg.Uploads.FilterEmptyFiles,
		BlockedExtensions: cfg.Uploads.BlockedExtensions,
	}

	if cfg.Uploads.Scan.Enabled {
		clam := scanner.NewClamScanner(cfg.Uploads.Scan.Address, time.Duration(cfg.Uploads.Scan.TimeoutSeconds)*time.Second)
		if err := clam.Ping(); err != nil {
			log.Fatal("Failed to reach clamd:", err)
		}
		opts.Gate = scanner.NewGate(clam)
		log.Printf("Malware scanning enabled via %s", cfg.Uploads.Scan.Address)
	}

	if cfg.Uploads.Thumbnails.Enabled {
		dispatcher := thumbs.NewDispatcher(store, cfg.Uploads.Thumbnails.Workers)
		defer dispatcher.Close()
		opts.Thumbs = dispatcher
	}

	if cfg.Backup.Enabled {
		mirror, err := backup.NewMirror(store, backup.Options{
			Bucket:   cfg.Backup.Bucket,
			Region:   cfg.Backup.Region,
			Prefix:   cfg.Backup.Prefix,
			Endpoint: cfg.Backup.Endpoint,
		})
		if err != nil {
			log.Fatal("Failed to initialize backup mirror:", err)
		}
		defer mirror.Close()
		opts.Mirror = mirror
		log.Printf("Mirroring new uploads to s3://%s", cfg.Backup.Bucket)
	}

	p := pipeline.New(store, alloc, repo, opts)

	router := gin.Default()
	api.New(cfg.Domain, cfg.Private, p, repo).RegisterRoutes(router)
	router.NoRoute(serveBlobs(store))

	log.Printf("Starting server on port %s", cfg.API.Port)
	if err := router.Run(":" + cfg.API.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}

// serveBlobs serves stored uploads at /<name> and thumbnails at /thumbs/<name>.
// Names are flattened to their base to keep requests inside the two folders.
func serveBlobs(store *storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Status(http.StatusNotFound)
			return
		}
		name := filepath.Base(c.Request.URL.Path)
		if name == "." || name == "/" {
			c.Status(http.StatusNotFound)
			return
		}
		if strings.HasPrefix(c.Request.URL.Path, "/thumbs/") {
			c.File(store.ThumbPath(name))
			return
		}
		c.File(store.Path(name))
	}
}
