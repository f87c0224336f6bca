// Package main is the entry point for the capture-api HTTP service.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nucleus/capture-api/internal/api"
	"github.com/nucleus/capture-api/internal/auth"
	"github.com/nucleus/capture-api/internal/clone"
	"github.com/nucleus/capture-api/internal/config"
	"github.com/nucleus/capture-api/internal/database"
	"github.com/nucleus/capture-api/internal/logging"
	"github.com/nucleus/capture-api/internal/storage"
	"github.com/nucleus/capture-api/internal/temporal"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := logging.New(cfg.LogDebug)

	// Initialize database connection
	db, err := database.NewClient(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(cfg.MigrationsPath); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	// Create Temporal client
	tc, err := temporal.NewClient(cfg, logger)
	if err != nil {
		log.Fatalf("failed to create Temporal client: %v", err)
	}
	defer tc.Close()

	// Rendered previews are served from the store the worker writes to.
	store, bucket, err := previewStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open preview store: %v", err)
	}

	orch := clone.NewOrchestrator(tc, db, logger)
	orch.Delay = cfg.CloneDispatchDelay
	orch.AfterCommit = database.AfterCommit

	srv := &api.Server{
		Clones:   orch,
		Runs:     db,
		Engine:   tc,
		Previews: tc,
		Schedule: tc,

		Artifacts:      store,
		ArtifactBucket: bucket,

		InTransaction: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.Transaction(ctx, func(ctx context.Context, _ *sql.Tx) error {
				return fn(ctx)
			})
		},
		Logger: logger,
	}

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Routes(auth.Middleware(cfg)),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("shutting down...")
		cancel()
		if err := server.Shutdown(context.Background()); err != nil {
			log.Printf("error shutting down server: %v", err)
		}
	}()

	log.Printf("Capture API listening on :%s", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}

	// Hand off clone runs still waiting for submission.
	orch.Wait()
}

func previewStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, string, error) {
	store, err := storage.Open(ctx, cfg.PreviewStore, cfg.PreviewRoot, storage.S3Config{
		EndpointURL:     cfg.PreviewMinioEndpoint,
		Region:          cfg.PreviewMinioRegion,
		AccessKeyID:     cfg.PreviewMinioAccessKey,
		SecretAccessKey: cfg.PreviewMinioSecretKey,
	})
	if err != nil {
		return nil, "", err
	}
	if cfg.PreviewStore == config.StoreMinio {
		return store, cfg.PreviewMinioBucket, nil
	}
	return store, "", nil
}
