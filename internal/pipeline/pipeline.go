// Package pipeline moves an upload from "received" to a terminal state:
// Ingestor runs on the request path, Worker in the background.
package pipeline

import (
	"context"
	"time"

	"image_ingest/internal/dispatch"
	"image_ingest/internal/models"
)

// RecordStore is the part of the image record store the pipeline writes to.
type RecordStore interface {
	InsertImage(ctx context.Context, img *models.ImageRecord) error
	GetImage(ctx context.Context, id string) (*models.ImageRecord, error)
	MarkSucceeded(ctx context.Context, id string, p models.ProcessedImage) error
	MarkFailed(ctx context.Context, id, message string, processedAt time.Time, processingTime *float64) error
}

type Enqueuer interface {
	Dispatch(ctx context.Context, t dispatch.Task) error
}
