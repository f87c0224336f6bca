// Package main is the entry point for the Temporal worker that runs clone
// jobs and preview ticks.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.temporal.io/sdk/worker"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nucleus/capture-api/internal/clone"
	"github.com/nucleus/capture-api/internal/config"
	"github.com/nucleus/capture-api/internal/database"
	"github.com/nucleus/capture-api/internal/logging"
	"github.com/nucleus/capture-api/internal/preview"
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

	// Initialize database
	db, err := database.NewClient(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	// Create Temporal client
	tc, err := temporal.NewClient(cfg, logger)
	if err != nil {
		log.Fatalf("failed to create Temporal client: %v", err)
	}
	defer tc.Close()

	// Clone activities
	step := &clone.CopyStep{Copier: db, Parallelism: cfg.CloneParallelism, Logger: logger}
	if cfg.CloneUnitsPerSecond > 0 {
		burst := int(cfg.CloneUnitsPerSecond)
		if burst < 1 {
			burst = 1
		}
		step.Limiter = rate.NewLimiter(rate.Limit(cfg.CloneUnitsPerSecond), burst)
	}
	cloneActivities := temporal.NewCloneActivities(step, db, db)

	// Preview activities
	store, bucket, err := previewStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to create preview store: %v", err)
	}
	renderer, err := preview.NewRenderer(cfg.PreviewFormat)
	if err != nil {
		log.Fatalf("failed to create preview renderer: %v", err)
	}
	source := database.PreviewSource{Client: db}
	previewActivities := temporal.NewPreviewActivities(
		&preview.Scanner{Source: source, Logger: logger},
		renderer,
		&preview.Writer{Store: store, Source: source, Bucket: bucket, Extension: renderer.Extension(), Logger: logger},
	)

	// Create worker
	w := worker.New(tc.Client(), cfg.TemporalTaskQueue, worker.Options{})
	temporal.Register(w, cloneActivities, previewActivities)

	if err := tc.EnsurePreviewSchedule(ctx, cfg.PreviewCron, cfg.PreviewTimezone); err != nil {
		log.Fatalf("failed to ensure preview schedule: %v", err)
	}

	// Health server
	lis, err := net.Listen("tcp", cfg.WorkerHealthAddr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.WorkerHealthAddr, err)
	}
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Printf("health server error: %v", err)
		}
	}()
	defer grpcServer.GracefulStop()

	// Start worker
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(worker.InterruptCh())
	}()

	log.Printf("Temporal worker started on task queue: %s", cfg.TemporalTaskQueue)
	log.Printf("Preview schedule %q, store %s", cfg.PreviewCron, cfg.PreviewStore)

	// Handle shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %s, shutting down...", sig)
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		cancel()
	case err := <-errCh:
		if err != nil {
			log.Printf("worker error: %v", err)
		}
	}
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
