package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"image_ingest/internal/logger"
)

// Pool runs tasks on a fixed number of goroutines fed by a buffered channel.
type Pool struct {
	workers  int
	jobQueue chan Task
	log      *logger.Logger

	mu     sync.RWMutex
	closed bool

	activeJobs    atomic.Int64
	dispatched    atomic.Int64
	completedJobs atomic.Int64
	failedJobs    atomic.Int64
	rejectedJobs  atomic.Int64
}

func NewPool(workers, capacity int, log *logger.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Pool{
		workers:  workers,
		jobQueue: make(chan Task, capacity),
		log:      log.WithComponent("pool"),
	}
}

// Dispatch never blocks: a full queue is reported as ErrQueueFull.
func (p *Pool) Dispatch(ctx context.Context, t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	select {
	case p.jobQueue <- t:
		p.dispatched.Add(1)
		p.log.Debug("task queued", "image_id", t.ImageID,
			"queue_size", len(p.jobQueue), "queue_capacity", cap(p.jobQueue))
		return nil
	default:
		p.rejectedJobs.Add(1)
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is done. Tasks already queued
// are drained before Run returns; they run with a context that is not
// cancelled by ctx.
func (p *Pool) Run(ctx context.Context, h Handler) error {
	taskCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.worker(taskCtx, workerID, h)
		}(i)
	}
	p.log.Info("worker pool started", "workers", p.workers, "queue_capacity", cap(p.jobQueue))

	<-ctx.Done()
	p.stopAccepting()
	wg.Wait()

	p.log.Info("worker pool stopped", "completed", p.completedJobs.Load(), "failed", p.failedJobs.Load())
	return nil
}

func (p *Pool) worker(ctx context.Context, workerID int, h Handler) {
	for t := range p.jobQueue {
		p.activeJobs.Add(1)
		err := h(ctx, t)
		p.activeJobs.Add(-1)

		if err != nil {
			p.failedJobs.Add(1)
			p.log.Error("task failed", "worker", workerID, "image_id", t.ImageID, "error", err)
			continue
		}
		p.completedJobs.Add(1)
	}
}

func (p *Pool) stopAccepting() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.jobQueue)
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Type:          "memory",
		Workers:       p.workers,
		QueueSize:     len(p.jobQueue),
		QueueCapacity: cap(p.jobQueue),
		Active:        p.activeJobs.Load(),
		Dispatched:    p.dispatched.Load(),
		Completed:     p.completedJobs.Load(),
		Failed:        p.failedJobs.Load(),
		Rejected:      p.rejectedJobs.Load(),
	}
}

// Close stops accepting tasks. Workers started by Run drain the queue.
func (p *Pool) Close() error {
	p.stopAccepting()
	return nil
}
