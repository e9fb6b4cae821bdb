package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tilecache/internal/cache"
	"tilecache/internal/config"
	"tilecache/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "tilecache",
	Short: "Tile server with a two-tier tile cache",
	Long: `Serves zoomable image tiles rendered with libvips.

Rendered tiles are kept in a memory cache backed by a SQLite database,
which survives restarts. All settings come from the environment.`,
	SilenceUsage: true,
	RunE:         runServer,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the tile server (default)",
	Args:  cobra.NoArgs,
	RunE:  runServer,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Empty the persistent tile cache",
	Long: `Opens the tile cache database, runs the startup validity checks
and removes every stored tile. The server must not be running.`,
	Args: cobra.NoArgs,
	RunE: runClear,
}

func init() {
	rootCmd.AddCommand(serverCmd, clearCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// initProgress logs each initialization stage as it completes
func initProgress(log *zap.Logger) cache.ProgressFunc {
	return func(stage string, done, total int) {
		if done == total {
			log.Info("Tile cache initialization", zap.String("stage", stage), zap.Int("done", done))
			return
		}
		log.Debug("Tile cache initialization", zap.String("stage", stage), zap.Int("done", done), zap.Int("total", total))
	}
}

func runClear(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	opts := cfg.CacheOptions()
	opts.GCInterval = 0
	tileCache := cache.New(opts, nil, log.Named("cache"))
	if err := tileCache.Initialize(cmd.Context(), initProgress(log)); err != nil {
		return err
	}
	defer tileCache.Shutdown()

	if !tileCache.Stats().PersistentEnabled {
		return fmt.Errorf("persistent tile cache at %s is unavailable", opts.DBPath)
	}

	_, persistent := tileCache.ClearAll(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d tiles from %s\n", persistent, opts.DBPath)
	return nil
}
