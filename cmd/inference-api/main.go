// Package main wires together the inference API service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/radshift/inference-api/internal/api"
	"github.com/radshift/inference-api/internal/clock/system"
	"github.com/radshift/inference-api/internal/compute"
	"github.com/radshift/inference-api/internal/config"
	"github.com/radshift/inference-api/internal/estimator"
	"github.com/radshift/inference-api/internal/id/runid"
	"github.com/radshift/inference-api/internal/inference"
	"github.com/radshift/inference-api/internal/logging"
	"github.com/radshift/inference-api/internal/model"
	publisherpubsub "github.com/radshift/inference-api/internal/publisher/pubsub"
	"github.com/radshift/inference-api/internal/storage/gcs"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storageClient, err := gcstorage.NewClient(ctx)
	if err != nil {
		logger.Fatal("storage client init failed", zap.Error(err))
	}
	blobStore, err := gcs.New(ctx, storageClient, gcs.Config{Bucket: cfg.Storage.Bucket})
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	var publisher inference.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		defer pubsubClient.Close()
		publisher = publisherpubsub.New(pubsubClient.Topic(cfg.PubSub.TopicName))
		logger.Info("run lifecycle notifications enabled", zap.String("topic", cfg.PubSub.TopicName))
	}

	computeClient, err := compute.NewClient(compute.Config{
		Endpoint:               cfg.Compute.Endpoint,
		Workspace:              cfg.Compute.Workspace,
		ResourceGroup:          cfg.Compute.ResourceGroup,
		SubscriptionID:         cfg.Compute.SubscriptionID,
		TenantID:               cfg.Compute.TenantID,
		ApplicationID:          cfg.Compute.ApplicationID,
		ServicePrincipalSecret: cfg.Compute.ServicePrincipalSecret,
		Experiment:             cfg.Compute.Experiment,
		Timeout:                cfg.ComputeTimeout(),
	}, logger.Named("compute"))
	if err != nil {
		logger.Fatal("compute client init failed", zap.Error(err))
	}

	clock := system.New()
	retry := inference.NewExponentialRetryPolicy(
		cfg.Compute.MaxRetries,
		time.Duration(cfg.Compute.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.Compute.BackoffMaxMs)*time.Millisecond,
	)
	service := inference.NewService(
		computeClient,
		blobStore,
		publisher,
		runid.New(cfg.Compute.Experiment, clock),
		clock,
		retry,
		estimator.New(cfg.Durations),
		inference.Config{
			ImageFolder: cfg.Storage.ImageFolder,
			ContentType: cfg.Storage.ContentType,
			Cluster:     cfg.Compute.Cluster,
			Channels:    cfg.Models.Channels,
			Topic:       cfg.PubSub.TopicName,
		},
		logger.Named("inference"),
	)

	catalog := model.NewCatalog(cfg.Models.Servable)
	apiServer := api.NewServer(service, catalog, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("inference API listening", zap.Int("port", cfg.Server.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
}
