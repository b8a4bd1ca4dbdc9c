package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/synapse-lab/backend/internal/api"
	"github.com/synapse-lab/backend/internal/config"
	"github.com/synapse-lab/backend/internal/experiment"
	"github.com/synapse-lab/backend/internal/identity"
	"github.com/synapse-lab/backend/internal/logging"
	"github.com/synapse-lab/backend/internal/storage"
	"github.com/synapse-lab/backend/internal/upload"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server",
	Long: `Serve loads the YAML configuration (creating it with defaults when
missing), opens the identity and experiment databases and the configured
object storage backend, and serves the HTTP API until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "synapse.yaml", "path to the YAML config file")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Advanced.LogLevel, cfg.Advanced.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Sync()

	ctx := cmd.Context()

	// Initialize storage
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	ids, err := identity.Open(cfg.Storage.IdentityDB, identity.Options{
		SessionTTL: time.Duration(cfg.Security.SessionTTLHours) * time.Hour,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}
	defer ids.Close()

	repo, err := experiment.OpenDuckRepository(cfg.Storage.DocumentDB, experiment.DuckOptions{
		Threads:     cfg.Advanced.DuckDBThreads,
		MemoryLimit: cfg.Advanced.DuckDBMemoryLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to open experiment store: %w", err)
	}
	defer repo.Close()

	experiments := experiment.NewService(repo, experiment.Options{
		PageSize:    cfg.Experiments.PageSize,
		SearchLimit: cfg.Experiments.SearchLimit,
		RecentLimit: cfg.Experiments.RecentLimit,
	}, logger)

	tracker := upload.NewTracker(upload.NewStoreDestination(store), upload.Options{
		ChunkSize:      cfg.Upload.ChunkSizeKB * 1024,
		MaxConcurrent:  cfg.Upload.MaxConcurrent,
		MaxRetries:     cfg.Upload.MaxRetries,
		RetryBaseDelay: time.Duration(cfg.Upload.RetryBaseDelayMs) * time.Millisecond,
	}, logger)

	// Start background cleanup
	go runCleanup(ctx, cfg, ids, tracker, logger)

	deps := &api.Dependencies{
		Config:      cfg,
		Store:       store,
		Tracker:     tracker,
		Identity:    ids,
		Experiments: experiments,
		Logger:      logger,
		Version:     Version,
		BaseContext: ctx,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	api.SetupMiddleware(e, cfg, logger)
	if err := api.RegisterRoutes(e, api.NewHandlers(deps), deps); err != nil {
		return err
	}

	// Configure server with settings from config
	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      e,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	printBanner(configPath, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore builds the object storage backend selected in the config.
func openStore(ctx context.Context, cfg *config.AppConfig) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "minio":
		return storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:      cfg.Minio.Endpoint,
			AccessKey:     cfg.Minio.AccessKey,
			SecretKey:     cfg.Minio.SecretKey,
			UseSSL:        cfg.Minio.UseSSL,
			Buckets:       cfg.Storage.Buckets,
			StagingBucket: cfg.Storage.StagingBucket,
		})
	case "s3":
		return storage.NewS3Store(ctx, storage.S3Config{
			Region:        cfg.S3.Region,
			Endpoint:      cfg.S3.Endpoint,
			AccessKey:     cfg.S3.AccessKey,
			SecretKey:     cfg.S3.SecretKey,
			BucketPrefix:  cfg.S3.BucketPrefix,
			UsePathStyle:  cfg.S3.UsePathStyle,
			Buckets:       cfg.Storage.Buckets,
			StagingBucket: cfg.Storage.StagingBucket,
		})
	default:
		return storage.NewLocalStore(cfg.Storage.UploadsDirectory, cfg.GetPublicURL()+"/api", cfg.Storage.Buckets)
	}
}

// runCleanup expires sessions and drops finished upload candidates until ctx
// is cancelled.
func runCleanup(ctx context.Context, cfg *config.AppConfig, ids *identity.Service, tracker *upload.Tracker, logger *zap.Logger) {
	ticker := time.NewTicker(time.Duration(cfg.Upload.CleanupIntervalMinutes) * time.Minute)
	defer ticker.Stop()
	retention := time.Duration(cfg.Upload.RetentionMinutes) * time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := ids.CleanupExpired(ctx); err != nil {
				logger.Warn("session cleanup failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("expired sessions removed", zap.Int64("count", n))
			}
			if n := tracker.CleanupOld(retention); n > 0 {
				logger.Info("finished uploads removed", zap.Int("count", n))
			}
		}
	}
}

func printBanner(configPath string, cfg *config.AppConfig) {
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           Synapse Research Data Server                    ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("║  Storage:    %-45s║\n", cfg.Storage.Backend)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Data Dir:  %-46s║\n", cfg.Storage.DataDirectory)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
}
