package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"image_ingest/internal/blobstore"
	"image_ingest/internal/cache"
	"image_ingest/internal/dispatch"
	"image_ingest/internal/logger"
	"image_ingest/internal/models"
	"image_ingest/internal/pipeline"
)

// RecordReader is the read side of the image record store.
type RecordReader interface {
	GetImage(ctx context.Context, id string) (*models.ImageRecord, error)
	ListImages(ctx context.Context) ([]models.ImageRecord, error)
	Stats(ctx context.Context) (models.Stats, error)
	Ping(ctx context.Context) error
}

type Ingester interface {
	IngestBatch(ctx context.Context, uploads []pipeline.Upload) []pipeline.Result
}

type QueueStats interface {
	Stats() dispatch.Stats
}

type Deps struct {
	Records  RecordReader
	Blobs    blobstore.Store
	Cache    cache.Cache
	Ingestor Ingester
	Queue    QueueStats
}

type Server struct {
	cfg        *models.Config
	router     *gin.Engine
	httpServer *http.Server
	deps       Deps
	log        *logger.Logger
}

func NewServer(cfg *models.Config, deps Deps, log *logger.Logger) *Server {
	if deps.Cache == nil {
		deps.Cache = cache.Noop{}
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))
	r.MaxMultipartMemory = cfg.Processing.MaxUploadMB << 20

	s := &Server{cfg: cfg, router: r, deps: deps, log: log.WithComponent("server")}

	api := r.Group("/api")
	api.POST("/images", s.handleUpload)
	api.GET("/images", s.handleListImages)
	api.GET("/images/:id", s.handleGetImage)
	api.GET("/images/:id/status", s.handleGetStatus)
	api.GET("/images/:id/thumbnails/:size", s.handleGetThumbnail)
	api.GET("/stats", s.handleStats)
	r.GET("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks until the server stops. A graceful Stop is not an error.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.cfg.ServerAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Stop: %w", err)
	}
	return nil
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	log = log.WithComponent("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("request", attrs...)
		case status >= http.StatusBadRequest:
			log.Warn("request", attrs...)
		default:
			log.Info("request", attrs...)
		}
	}
}
