package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"image_ingest/internal/blobstore"
	"image_ingest/internal/caption"
	"image_ingest/internal/dispatch"
	"image_ingest/internal/imageproc"
	"image_ingest/internal/logger"
	"image_ingest/internal/models"
	"image_ingest/internal/storage"
)

type WorkerConfig struct {
	Sizes          []imageproc.Size
	JPEGQuality    int
	MaxPixels      int64         // 0 disables
	Timeout        time.Duration // whole run; 0 disables
	CaptionTimeout time.Duration
}

func WorkerConfigFrom(p models.ProcessingConfig, c models.CaptionConfig) WorkerConfig {
	return WorkerConfig{
		Sizes: []imageproc.Size{
			{Name: "small", Max: p.SmallSize},
			{Name: "medium", Max: p.MediumSize},
		},
		JPEGQuality:    p.JPEGQuality,
		MaxPixels:      p.MaxPixels,
		Timeout:        p.Timeout,
		CaptionTimeout: c.Timeout,
	}
}

// Worker derives metadata, thumbnails, EXIF and caption for one image and
// writes exactly one terminal state for it.
type Worker struct {
	store     RecordStore
	blobs     blobstore.Store
	captioner caption.Captioner
	cfg       WorkerConfig
	log       *logger.Logger
	now       func() time.Time
}

func NewWorker(store RecordStore, blobs blobstore.Store, captioner caption.Captioner, cfg WorkerConfig, log *logger.Logger) *Worker {
	if len(cfg.Sizes) == 0 {
		cfg.Sizes = imageproc.DefaultSizes()
	}
	if captioner == nil {
		captioner = caption.Disabled{}
	}
	return &Worker{
		store:     store,
		blobs:     blobs,
		captioner: captioner,
		cfg:       cfg,
		log:       log.WithComponent("worker"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type outcome struct {
	result models.ProcessedImage
	err    error
}

// Process is a dispatch.Handler. Processing failures are recorded on the
// image; the returned error only reports that no terminal state could be
// written.
func (w *Worker) Process(ctx context.Context, t dispatch.Task) error {
	const op = "pipeline.Worker.Process"

	start := time.Now()
	log := w.log.WithImageID(t.ImageID)

	rec, err := w.store.GetImage(ctx, t.ImageID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("task for unknown image")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rec.Status != models.StatusProcessing {
		log.Debug("image already terminal, skipping", "status", rec.Status)
		return nil
	}

	log.Info("processing image", "file", t.FilePath)

	runCtx, cancel := w.runContext(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := w.run(runCtx, t, log)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		out = outcome{err: runCtx.Err()}
	}
	if out.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		out.err = fmt.Errorf("processing timed out after %s", w.cfg.Timeout)
	}

	elapsed := time.Since(start).Seconds()
	processedAt := w.now()

	if out.err != nil {
		log.Error("processing failed", "error", out.err, "elapsed", elapsed)
		err = w.store.MarkFailed(ctx, t.ImageID, out.err.Error(), processedAt, &elapsed)
	} else {
		out.result.ProcessedAt = processedAt
		out.result.ProcessingTime = elapsed
		err = w.store.MarkSucceeded(ctx, t.ImageID, out.result)
		if err == nil {
			log.Info("image processed", "elapsed", elapsed,
				"width", out.result.Width, "height", out.result.Height, "format", out.result.Format)
		}
	}

	if errors.Is(err, storage.ErrNotProcessing) {
		log.Warn("terminal state already written by another worker")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (w *Worker) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, w.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (w *Worker) run(ctx context.Context, t dispatch.Task, log *logger.Logger) (models.ProcessedImage, error) {
	data, err := blobstore.ReadAll(ctx, w.blobs, t.FilePath)
	if err != nil {
		return models.ProcessedImage{}, fmt.Errorf("read source: %w", err)
	}

	md, err := imageproc.ReadMetadata(data)
	if err != nil {
		return models.ProcessedImage{}, err
	}
	if err := imageproc.CheckPixels(md.Width, md.Height, w.cfg.MaxPixels); err != nil {
		return models.ProcessedImage{}, err
	}

	img, err := imageproc.Decode(data)
	if err != nil {
		return models.ProcessedImage{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, size := range w.cfg.Sizes {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%s thumbnail: panic: %v", size.Name, r)
				}
			}()

			thumb, err := imageproc.Thumbnail(img, size.Max, w.cfg.JPEGQuality)
			if err != nil {
				return fmt.Errorf("%s thumbnail: %w", size.Name, err)
			}
			key := blobstore.ThumbnailKey(t.ImageID, size.Name)
			if err := w.blobs.Put(gctx, key, bytes.NewReader(thumb), "image/jpeg"); err != nil {
				return fmt.Errorf("store %s thumbnail: %w", size.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.ProcessedImage{}, err
	}

	exif := imageproc.ExtractEXIF(data)

	var text *string
	if w.captioner.Enabled() {
		text = w.caption(ctx, data, log)
	}

	if err := ctx.Err(); err != nil {
		return models.ProcessedImage{}, err
	}

	return models.ProcessedImage{
		Width:     md.Width,
		Height:    md.Height,
		Format:    md.Format,
		SizeBytes: md.SizeBytes,
		Caption:   text,
		ExifData:  models.EXIF(exif),
	}, nil
}

// caption never fails the run; errors leave the caption empty.
func (w *Worker) caption(ctx context.Context, data []byte, log *logger.Logger) *string {
	if w.cfg.CaptionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.CaptionTimeout)
		defer cancel()
	}

	text, err := w.captioner.Caption(ctx, data)
	if err != nil {
		log.Warn("caption generation failed", "error", err)
		return nil
	}
	return &text
}
