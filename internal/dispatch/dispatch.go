// Package dispatch hands image tasks from the request path to background
// workers, either through an in-process pool or a Kafka topic.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"image_ingest/internal/logger"
	"image_ingest/internal/models"
)

var (
	ErrQueueFull = errors.New("task queue is full")
	ErrClosed    = errors.New("dispatcher is closed")
)

type Task struct {
	ImageID  string `json:"image_id"`
	FilePath string `json:"file_path"`
}

// Handler processes one task. A returned error is logged and counted; the
// task is not retried.
type Handler func(ctx context.Context, t Task) error

type Dispatcher interface {
	// Dispatch enqueues t without waiting for it to be processed.
	Dispatch(ctx context.Context, t Task) error
	// Run consumes tasks with h until ctx is cancelled, then waits for
	// in-flight tasks to finish.
	Run(ctx context.Context, h Handler) error
	Stats() Stats
	Close() error
}

type Stats struct {
	Type          string `json:"type"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	QueueCapacity int    `json:"queue_capacity"`
	Active        int64  `json:"active"`
	Dispatched    int64  `json:"dispatched"`
	Completed     int64  `json:"completed"`
	Failed        int64  `json:"failed"`
	Rejected      int64  `json:"rejected"`
}

func New(cfg models.QueueConfig, log *logger.Logger) (Dispatcher, error) {
	switch cfg.Type {
	case "memory", "":
		return NewPool(cfg.Workers, cfg.Capacity, log), nil
	case "kafka":
		return NewKafka(cfg, log), nil
	default:
		return nil, fmt.Errorf("dispatch.New: unknown queue type %q", cfg.Type)
	}
}
