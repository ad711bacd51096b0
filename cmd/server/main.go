package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"campaign-pipeline/api/rest/middleware"
	"campaign-pipeline/api/rest/routes"
	"campaign-pipeline/config"
	"campaign-pipeline/core/classifier"
	"campaign-pipeline/core/executor"
	"campaign-pipeline/core/models"
	"campaign-pipeline/core/monitoring"
	"campaign-pipeline/core/registry"
	"campaign-pipeline/core/repository"
	"campaign-pipeline/core/runner"
	"campaign-pipeline/core/spec"
	"campaign-pipeline/core/stream"
	awsprovider "campaign-pipeline/providers/aws"
	minioprovider "campaign-pipeline/providers/minio"
	"campaign-pipeline/storage"

	"github.com/gorilla/mux"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	flagSet := pflag.NewFlagSet("campaign-server", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.ServerPort, "port", cfg.ServerPort, "HTTP listen port")
	flagSet.StringVar(&cfg.CampaignDir, "campaign-dir", cfg.CampaignDir, "directory of <campaign>.json documents")
	flagSet.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "read campaigns from Postgres instead of --campaign-dir")
	flagSet.StringVar(&cfg.PipelineSpec, "pipeline", cfg.PipelineSpec, "pipeline definition YAML")
	flagSet.StringVar(&cfg.AssetURLPrefix, "asset-url-prefix", cfg.AssetURLPrefix, "URL prefix of generated asset links")
	flagSet.StringVar(&cfg.AssetMirror, "asset-mirror", cfg.AssetMirror, "asset mirror backend: none, s3 or minio")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := spec.LoadPipelineSpec(cfg.PipelineSpec)
	if err != nil {
		return err
	}
	logger.Info("pipeline loaded", "command", pipeline.Command, "args", pipeline.Args, "output_dir", pipeline.OutputDir)

	// Campaign source
	var campaigns storage.CampaignSource
	if cfg.DatabaseURL != "" {
		db, err := repository.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		campaigns = repository.NewCampaignRepository(db, "")
		logger.Info("database connected, serving campaigns from postgres")
	} else {
		campaigns = storage.NewFileCampaignStore(cfg.CampaignDir)
		logger.Info("serving campaigns from directory", "dir", cfg.CampaignDir)
	}

	// Asset mirror
	uploader, err := newUploader(ctx, cfg)
	if err != nil {
		return err
	}
	var mirror runner.AssetSink
	if uploader != nil {
		assetMirror := storage.NewAssetMirror(uploader, pipeline.WorkingDir, pipeline.OutputDir, 256, logger)
		assetMirror.Start(context.Background())
		defer assetMirror.Close()
		mirror = assetMirror
		logger.Info("asset mirror enabled", "backend", cfg.AssetMirror, "bucket", cfg.AssetBucket)
	}

	reg := registry.New()
	runs := runner.New(context.Background(), runner.Config{
		Registry:   reg,
		Hub:        stream.NewHub(pipeline.PendingCap, pipeline.LiveCap),
		Campaigns:  campaigns,
		Launcher:   executor.NewGenerationExecutor(pipeline, logger),
		Classifier: classifier.New(pipeline, cfg.AssetURLPrefix),
		Watchdog:   monitoring.NewSilenceWatchdog(pipeline.SilenceTimeout, logger),
		Mirror:     mirror,
		Logger:     logger,
	})

	r := mux.NewRouter()
	routes.SetupRoutes(r, routes.Deps{
		Campaigns:      campaigns,
		Runner:         runs,
		Registry:       reg,
		Heartbeat:      pipeline.Heartbeat,
		Logger:         logger,
		AssetDir:       assetDir(pipeline),
		AssetURLPrefix: cfg.AssetURLPrefix,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           middleware.Wrap(logger, r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server", "running", len(reg.RunningKeys()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// ending the runs first lets open SSE streams deliver their terminal event
	if err := runs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runs did not stop in time", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}

// newUploader builds the configured asset mirror backend, nil when disabled
func newUploader(ctx context.Context, cfg *config.Config) (storage.Uploader, error) {
	switch cfg.AssetMirror {
	case config.MirrorS3:
		client, err := awsprovider.NewClient(ctx, cfg.AWSRegion, cfg.AssetBucket)
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.MirrorMinIO:
		client, err := minioprovider.NewClient(minioprovider.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
			Region:    cfg.AWSRegion,
			Bucket:    cfg.AssetBucket,
		})
		if err != nil {
			return nil, err
		}
		ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.EnsureBucket(ensureCtx); err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, nil
	}
}

// assetDir is the directory generated assets are written to
func assetDir(p *models.Pipeline) string {
	if filepath.IsAbs(p.OutputDir) {
		return p.OutputDir
	}
	return filepath.Join(p.WorkingDir, p.OutputDir)
}
