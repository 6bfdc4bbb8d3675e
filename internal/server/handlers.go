package server

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"image_ingest/internal/blobstore"
	"image_ingest/internal/models"
	"image_ingest/internal/pipeline"
	"image_ingest/internal/storage"
)

const uploadField = "file"

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.Processing.MaxUploadMB<<20)
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid multipart form: %v", err)})
		return
	}
	headers := form.File[uploadField]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files uploaded"})
		return
	}

	uploads := make([]pipeline.Upload, 0, len(headers))
	var opened []multipart.File
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()

	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			_ = c.Error(fmt.Errorf("%s: %w", op, err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to read %s", fh.Filename)})
			return
		}
		opened = append(opened, f)
		uploads = append(uploads, pipeline.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Body:        f,
		})
	}

	results := s.deps.Ingestor.IngestBatch(c.Request.Context(), uploads)

	out := make([]gin.H, 0, len(results))
	for _, r := range results {
		data := gin.H{"image_id": r.ImageID}
		if r.Message != "" {
			data["message"] = r.Message
		}
		var errMsg *string
		if r.Error != "" {
			errMsg = &r.Error
		}
		out = append(out, gin.H{"status": r.Status, "data": data, "error": errMsg})
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func (s *Server) handleListImages(c *gin.Context) {
	const op = "server.handleListImages"

	images, err := s.deps.Records.ListImages(c.Request.Context())
	if err != nil {
		s.internalError(c, op, err)
		return
	}

	base := s.baseURL(c)
	out := make([]gin.H, 0, len(images))
	for i := range images {
		out = append(out, imageView(&images[i], base))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetImage(c *gin.Context) {
	const op = "server.handleGetImage"

	img, ok := s.lookup(c, op)
	if !ok {
		return
	}
	if !s.requireSuccess(c, img) {
		return
	}
	c.JSON(http.StatusOK, imageView(img, s.baseURL(c)))
}

func (s *Server) handleGetStatus(c *gin.Context) {
	const op = "server.handleGetStatus"

	img, ok := s.lookup(c, op)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"image_id": img.ID,
		"status":   img.Status,
		"error":    img.ErrorMessage,
	})
}

type thumbnailURI struct {
	ID   string `uri:"id" binding:"required"`
	Size string `uri:"size" binding:"required,oneof=small medium"`
}

func (s *Server) handleGetThumbnail(c *gin.Context) {
	const op = "server.handleGetThumbnail"

	var uri thumbnailURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid thumbnail size. Use 'small' or 'medium'"})
		return
	}

	img, ok := s.lookup(c, op)
	if !ok {
		return
	}
	if !s.requireSuccess(c, img) {
		return
	}

	ctx := c.Request.Context()
	key := blobstore.ThumbnailKey(img.ID, uri.Size)

	data, hit, err := s.deps.Cache.Get(ctx, key)
	if err != nil {
		s.log.Warn("thumbnail cache read failed", "key", key, "error", err)
	}
	if !hit {
		data, err = blobstore.ReadAll(ctx, s.deps.Blobs, key)
		if errors.Is(err, blobstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Thumbnail not found"})
			return
		}
		if err != nil {
			s.internalError(c, op, err)
			return
		}
		if err := s.deps.Cache.Set(ctx, key, data, s.cfg.Cache.TTL); err != nil {
			s.log.Warn("thumbnail cache write failed", "key", key, "error", err)
		}
	}

	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (s *Server) handleStats(c *gin.Context) {
	const op = "server.handleStats"

	st, err := s.deps.Records.Stats(c.Request.Context())
	if err != nil {
		s.internalError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	dbStatus := "ok"
	if err := s.deps.Records.Ping(ctx); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
		dbStatus = err.Error()
	}

	body := gin.H{
		"status":   status,
		"database": dbStatus,
		"cache":    s.deps.Cache.Stats(),
	}
	if s.deps.Queue != nil {
		body["queue"] = s.deps.Queue.Stats()
	}
	c.JSON(code, body)
}

// lookup loads the image named by the :id path parameter. Ids that are not
// UUIDs cannot exist and are reported as not found.
func (s *Server) lookup(c *gin.Context, op string) (*models.ImageRecord, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
		return nil, false
	}

	img, err := s.deps.Records.GetImage(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
		return nil, false
	}
	if err != nil {
		s.internalError(c, op, err)
		return nil, false
	}
	return img, true
}

func (s *Server) requireSuccess(c *gin.Context, img *models.ImageRecord) bool {
	switch img.Status {
	case models.StatusSuccess:
		return true
	case models.StatusProcessing:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Image is still processing", "status": img.Status})
	default:
		msg := "Image processing failed"
		if img.ErrorMessage != nil {
			msg += ": " + *img.ErrorMessage
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msg, "status": img.Status})
	}
	return false
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	_ = c.Error(fmt.Errorf("%s: %w", op, err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func (s *Server) baseURL(c *gin.Context) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/")
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + c.Request.Host
}

func imageView(img *models.ImageRecord, baseURL string) gin.H {
	if img.Status != models.StatusSuccess {
		return gin.H{
			"status": img.Status,
			"data": gin.H{
				"image_id":      img.ID,
				"original_name": img.OriginalName,
				"created_at":    img.CreatedAt,
				"processed_at":  img.ProcessedAt,
			},
			"error": img.ErrorMessage,
		}
	}

	exif := img.ExifData
	if exif == nil {
		exif = models.EXIF{}
	}
	thumbs := baseURL + "/api/images/" + img.ID + "/thumbnails/"
	return gin.H{
		"status":  img.Status,
		"caption": img.Caption,
		"data": gin.H{
			"image_id":        img.ID,
			"original_name":   img.OriginalName,
			"processed_at":    img.ProcessedAt,
			"processing_time": img.ProcessingTime,
			"metadata": gin.H{
				"width":      img.Width,
				"height":     img.Height,
				"format":     img.Format,
				"size_bytes": img.SizeBytes,
			},
			"exif": exif,
			"thumbnails": gin.H{
				"small":  thumbs + "small",
				"medium": thumbs + "medium",
			},
		},
		"error": nil,
	}
}
