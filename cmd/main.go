package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"image_ingest/internal/blobstore"
	"image_ingest/internal/cache"
	"image_ingest/internal/caption"
	"image_ingest/internal/dispatch"
	"image_ingest/internal/logger"
	"image_ingest/internal/models"
	"image_ingest/internal/pipeline"
	"image_ingest/internal/server"
	"image_ingest/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := models.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lg := logger.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, lg); err != nil {
		lg.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *models.Config, lg *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.NewStorage(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	blobs, err := blobstore.New(ctx, cfg.Storage)
	if err != nil {
		db.Close()
		return fmt.Errorf("init blob store: %w", err)
	}

	thumbCache, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		db.Close()
		return fmt.Errorf("init cache: %w", err)
	}

	queue, err := dispatch.New(cfg.Queue, lg)
	if err != nil {
		thumbCache.Close()
		db.Close()
		return fmt.Errorf("init dispatcher: %w", err)
	}

	captioner := caption.New(cfg.Caption)
	worker := pipeline.NewWorker(db, blobs, captioner,
		pipeline.WorkerConfigFrom(cfg.Processing, cfg.Caption), lg)
	ingestor := pipeline.NewIngestor(db, blobs, queue, cfg.Processing.MaxPixels, lg)

	srv := server.NewServer(cfg, server.Deps{
		Records:  db,
		Blobs:    blobs,
		Cache:    thumbCache,
		Ingestor: ingestor,
		Queue:    queue,
	}, lg)

	lg.Info("starting image service",
		"addr", cfg.ServerAddr,
		"database", cfg.Database.Driver,
		"storage", cfg.Storage.Backend,
		"queue", cfg.Queue.Type,
		"workers", cfg.Queue.Workers,
		"cache", cfg.Cache.Type,
		"caption", captioner.Enabled(),
	)

	runErr := serve(ctx, srv, queue, worker.Process, cfg.Processing.ShutdownWait, lg)

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	if err := queue.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := thumbCache.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	db.Close()

	lg.Info("shutdown complete")
	return result.ErrorOrNil()
}

type httpServer interface {
	Start() error
	Stop(ctx context.Context) error
}

// serve runs srv and the dispatcher until ctx is done or either of them
// fails. The HTTP server is stopped first so uploads still in flight can
// dispatch their tasks; only then is the dispatcher told to drain and stop.
func serve(ctx context.Context, srv httpServer, queue dispatch.Dispatcher, h dispatch.Handler, shutdownWait time.Duration, lg *logger.Logger) error {
	queueCtx, stopQueue := context.WithCancel(context.WithoutCancel(ctx))
	defer stopQueue()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Run(queueCtx, h)
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		err := srv.Stop(shutdownCtx)
		stopQueue()
		return err
	})

	return g.Wait()
}
