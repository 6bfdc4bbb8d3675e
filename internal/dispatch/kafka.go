package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"image_ingest/internal/logger"
	"image_ingest/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes tasks to a topic keyed by image id and consumes them with
// a consumer group. Offsets are committed after the handler returns, so a
// task can be delivered again after a crash.
type Kafka struct {
	writer    messageWriter
	newReader func() messageReader
	workers   int
	log       *logger.Logger

	activeJobs    atomic.Int64
	dispatched    atomic.Int64
	completedJobs atomic.Int64
	failedJobs    atomic.Int64
	rejectedJobs  atomic.Int64
}

// kafkaBatchTimeout bounds how long a synchronous Dispatch waits for the
// writer to fill a batch.
const kafkaBatchTimeout = 10 * time.Millisecond

func NewKafka(cfg models.QueueConfig, log *logger.Logger) *Kafka {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: kafkaBatchTimeout,
	}
	newReader := func() messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.KafkaTopic,
			GroupID:  cfg.KafkaGroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	return newKafkaWith(writer, newReader, cfg.Workers, log)
}

func newKafkaWith(w messageWriter, newReader func() messageReader, workers int, log *logger.Logger) *Kafka {
	if workers <= 0 {
		workers = 1
	}
	return &Kafka{
		writer:    w,
		newReader: newReader,
		workers:   workers,
		log:       log.WithComponent("kafka"),
	}
}

func (k *Kafka) Dispatch(ctx context.Context, t Task) error {
	const op = "dispatch.Kafka.Dispatch"

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.ImageID),
		Value: payload,
	}); err != nil {
		k.rejectedJobs.Add(1)
		return fmt.Errorf("%s: %w", op, err)
	}
	k.dispatched.Add(1)
	return nil
}

// Run starts one consumer-group reader per worker and blocks until ctx is
// done or a reader fails.
func (k *Kafka) Run(ctx context.Context, h Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < k.workers; i++ {
		workerID := i
		g.Go(func() error {
			return k.consume(gctx, workerID, h)
		})
	}
	k.log.Info("kafka consumers started", "workers", k.workers)

	err := g.Wait()
	k.log.Info("kafka consumers stopped", "completed", k.completedJobs.Load(), "failed", k.failedJobs.Load())
	return err
}

func (k *Kafka) consume(ctx context.Context, workerID int, h Handler) error {
	reader := k.newReader()
	defer reader.Close()

	taskCtx := context.WithoutCancel(ctx)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dispatch.Kafka.consume: fetch: %w", err)
		}

		var t Task
		if err := json.Unmarshal(msg.Value, &t); err != nil || t.ImageID == "" {
			k.failedJobs.Add(1)
			k.log.Error("dropping malformed task", "worker", workerID,
				"offset", msg.Offset, "partition", msg.Partition, "error", err)
		} else {
			k.activeJobs.Add(1)
			err := h(taskCtx, t)
			k.activeJobs.Add(-1)
			if err != nil {
				k.failedJobs.Add(1)
				k.log.Error("task failed", "worker", workerID, "image_id", t.ImageID, "error", err)
			} else {
				k.completedJobs.Add(1)
			}
		}

		commitCtx, cancel := context.WithTimeout(taskCtx, 10*time.Second)
		err = reader.CommitMessages(commitCtx, msg)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			k.log.Error("commit failed", "worker", workerID, "offset", msg.Offset, "error", err)
		}
	}
}

func (k *Kafka) Stats() Stats {
	return Stats{
		Type:       "kafka",
		Workers:    k.workers,
		Active:     k.activeJobs.Load(),
		Dispatched: k.dispatched.Load(),
		Completed:  k.completedJobs.Load(),
		Failed:     k.failedJobs.Load(),
		Rejected:   k.rejectedJobs.Load(),
	}
}

func (k *Kafka) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("dispatch.Kafka.Close: %w", err)
	}
	return nil
}
