package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tilecache/internal/cache"
	httphandlers "tilecache/internal/http"
	"tilecache/internal/image_list"
	"tilecache/internal/image_renderer"
)

func runServer(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    cfg.VipsVectorEnabled,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
		zap.Bool("vector_enabled", cfg.VipsVectorEnabled),
	)

	log.Info("Starting tile server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scanner := image_list.New(cfg.DataDir, log)
	if err := scanner.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	// Fingerprints are read from the scanner, so the scan must come first
	tileCache := cache.New(cfg.CacheOptions(), scanner, log.Named("cache"))
	if err := tileCache.Initialize(ctx, initProgress(log)); err != nil {
		return fmt.Errorf("failed to initialize tile cache: %w", err)
	}
	defer func() {
		if err := tileCache.Shutdown(); err != nil {
			log.Error("Tile cache shutdown failed", zap.Error(err))
		}
	}()

	renderer := image_renderer.New(cfg.DataDir, scanner, tileCache, log)
	handlers := httphandlers.New(cfg, log, scanner, renderer, tileCache)

	handler := handlers.Routes()

	var warmup sync.WaitGroup
	if cfg.WarmupLevels > 0 {
		warmup.Add(1)
		go func() {
			defer warmup.Done()
			warmupTiles(ctx, cfg.WarmupLevels, cfg.WarmupWorkers, scanner, renderer, log)
		}()
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error("Server failed", zap.Error(err))
		}
	}
	stop()

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	warmup.Wait()

	log.Info("Server stopped")
	return nil
}

func warmupTiles(ctx context.Context, levels int, workerLimit int, scanner *image_list.Scanner, renderer *image_renderer.Renderer, log *zap.Logger) {
	images := scanner.GetImages()
	if len(images) == 0 {
		return
	}

	log.Info("Starting tile warmup", zap.Int("levels", levels), zap.Int("images", len(images)))

	if workerLimit <= 0 {
		workerLimit = 1
	}

	workerChan := make(chan struct{}, workerLimit)
	var wg sync.WaitGroup
	defer wg.Wait()

	for _, img := range images {
		maxZoom := renderer.CalculateMaxZoom(img.Width, img.Height)
		warmupZoom := min(levels, maxZoom)

		for z := 0; z <= warmupZoom; z++ {
			tilesX := int(math.Ceil(float64(img.Width) / (256 * math.Pow(2, float64(maxZoom-z)))))
			tilesY := int(math.Ceil(float64(img.Height) / (256 * math.Pow(2, float64(maxZoom-z)))))

			for x := 0; x < tilesX; x++ {
				for y := 0; y < tilesY; y++ {
					select {
					case workerChan <- struct{}{}:
					case <-ctx.Done():
						log.Info("Tile warmup interrupted")
						return
					}
					wg.Add(1)

					go func(imageID string, zoom, tileX, tileY int) {
						defer wg.Done()
						defer func() { <-workerChan }()

						_, err := renderer.RenderTile(ctx, imageID, zoom, tileX, tileY, cache.FormatJPEG)
						if err != nil {
							log.Debug("Warmup tile failed", zap.String("image", imageID), zap.Int("z", zoom), zap.Int("x", tileX), zap.Int("y", tileY), zap.Error(err))
						}
					}(img.ID, z, x, y)
				}
			}
		}
	}

	wg.Wait()
	log.Info("Tile warmup completed")
}
