package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"image_ingest/internal/blobstore"
	"image_ingest/internal/dispatch"
	"image_ingest/internal/imageproc"
	"image_ingest/internal/logger"
	"image_ingest/internal/models"
)

type Upload struct {
	Filename    string
	ContentType string
	Body        io.ReadSeeker
}

// Result is the per-file outcome of an upload. Status is "success" when the
// file was accepted for processing and "failed" otherwise.
type Result struct {
	ImageID string
	Status  models.Status
	Message string
	Error   string
}

type Ingestor struct {
	store      RecordStore
	blobs      blobstore.Store
	dispatcher Enqueuer
	maxPixels  int64
	log        *logger.Logger
	now        func() time.Time
	newID      func() string
}

// NewIngestor builds an Ingestor. Uploads whose header declares more than
// maxPixels pixels are rejected; 0 disables the limit.
func NewIngestor(store RecordStore, blobs blobstore.Store, dispatcher Enqueuer, maxPixels int64, log *logger.Logger) *Ingestor {
	return &Ingestor{
		store:      store,
		blobs:      blobs,
		dispatcher: dispatcher,
		maxPixels:  maxPixels,
		log:        log.WithComponent("ingest"),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// IngestBatch handles each upload independently and returns results in the
// same order.
func (in *Ingestor) IngestBatch(ctx context.Context, uploads []Upload) []Result {
	results := make([]Result, 0, len(uploads))
	for _, u := range uploads {
		results = append(results, in.Ingest(ctx, u))
	}
	return results
}

// Ingest validates, stores and registers one upload, then dispatches it for
// background processing. The record exists before Ingest returns.
func (in *Ingestor) Ingest(ctx context.Context, u Upload) Result {
	id := in.newID()
	log := in.log.WithImageID(id)

	if err := imageproc.Validate(u.ContentType, u.Body, in.maxPixels); err != nil {
		msg := rejectionMessage(err, u.Filename)
		log.Info("upload rejected", "file", u.Filename, "content_type", u.ContentType, "error", err)
		in.recordRejection(ctx, id, u.Filename, msg)
		return Result{ImageID: id, Status: models.StatusFailed, Error: msg}
	}

	key := blobstore.UploadKey(id, u.Filename)
	if err := in.blobs.Put(ctx, key, u.Body, imageproc.NormalizeContentType(u.ContentType)); err != nil {
		log.Error("failed to store upload", "file", u.Filename, "error", err)
		return Result{ImageID: id, Status: models.StatusFailed, Error: fmt.Sprintf("Failed to store %s", u.Filename)}
	}

	rec := &models.ImageRecord{
		ID:           id,
		OriginalName: u.Filename,
		Status:       models.StatusProcessing,
		CreatedAt:    in.now(),
	}
	if err := in.store.InsertImage(ctx, rec); err != nil {
		log.Error("failed to insert image record", "error", err)
		if delErr := in.blobs.Delete(ctx, key); delErr != nil {
			log.Warn("failed to remove orphaned upload", "key", key, "error", delErr)
		}
		return Result{ImageID: id, Status: models.StatusFailed, Error: fmt.Sprintf("Failed to register %s", u.Filename)}
	}

	if err := in.dispatcher.Dispatch(ctx, dispatch.Task{ImageID: id, FilePath: key}); err != nil {
		msg := "dispatch failed: " + err.Error()
		log.Error("failed to dispatch image", "error", err)
		if markErr := in.store.MarkFailed(ctx, id, msg, in.now(), nil); markErr != nil {
			log.Error("failed to mark undispatched image", "error", markErr)
		}
		return Result{ImageID: id, Status: models.StatusFailed, Error: msg}
	}

	log.Info("image uploaded", "file", u.Filename)
	return Result{
		ImageID: id,
		Status:  models.StatusSuccess,
		Message: fmt.Sprintf("Image %s uploaded and processing started", u.Filename),
	}
}

func (in *Ingestor) recordRejection(ctx context.Context, id, name, msg string) {
	now := in.now()
	err := in.store.InsertImage(ctx, &models.ImageRecord{
		ID:           id,
		OriginalName: name,
		Status:       models.StatusFailed,
		CreatedAt:    now,
		ProcessedAt:  &now,
		ErrorMessage: &msg,
	})
	if err != nil {
		in.log.Error("failed to record rejected upload", "image_id", id, "error", err)
	}
}

func rejectionMessage(err error, name string) string {
	switch {
	case errors.Is(err, imageproc.ErrUnsupportedType):
		return fmt.Sprintf("Invalid file type for %s", name)
	case errors.Is(err, imageproc.ErrTooLarge):
		return fmt.Sprintf("Image dimensions too large for %s", name)
	}
	return fmt.Sprintf("Corrupted or invalid image content for %s", name)
}
