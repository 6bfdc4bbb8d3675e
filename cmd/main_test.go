package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image_ingest/internal/dispatch"
	"image_ingest/internal/logger"
)

// fakeServer blocks in Start until Stop is called. onStop runs while the
// server is shutting down, the way a request handler still in flight would.
type fakeServer struct {
	startErr error
	onStop   func()
	stopped  chan struct{}
	once     sync.Once
}

func newFakeServer() *fakeServer {
	return &fakeServer{stopped: make(chan struct{})}
}

func (s *fakeServer) Start() error {
	if s.startErr != nil {
		return s.startErr
	}
	<-s.stopped
	return nil
}

func (s *fakeServer) Stop(ctx context.Context) error {
	s.once.Do(func() {
		if s.onStop != nil {
			s.onStop()
		}
		close(s.stopped)
	})
	return nil
}

func TestServe_UploadInFlightDuringShutdownIsProcessed(t *testing.T) {
	pool := dispatch.NewPool(1, 4, logger.Discard())

	var mu sync.Mutex
	var handled []string
	h := func(ctx context.Context, task dispatch.Task) error {
		mu.Lock()
		handled = append(handled, task.ImageID)
		mu.Unlock()
		return nil
	}

	var lateErr error
	srv := newFakeServer()
	srv.onStop = func() {
		lateErr = pool.Dispatch(context.Background(), dispatch.Task{ImageID: "late", FilePath: "uploads/late.jpg"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, srv, pool, h, time.Second, logger.Discard())
	}()

	require.NoError(t, pool.Dispatch(context.Background(), dispatch.Task{ImageID: "early", FilePath: "uploads/early.jpg"}))
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after shutdown")
	}

	require.NoError(t, lateErr)
	mu.Lock()
	assert.ElementsMatch(t, []string{"early", "late"}, handled)
	mu.Unlock()

	assert.ErrorIs(t, pool.Dispatch(context.Background(), dispatch.Task{ImageID: "after"}), dispatch.ErrClosed)
}

func TestServe_StartFailureStopsDispatcher(t *testing.T) {
	pool := dispatch.NewPool(1, 4, logger.Discard())
	srv := newFakeServer()
	srv.startErr = errors.New("address already in use")

	done := make(chan error, 1)
	go func() {
		done <- serve(context.Background(), srv, pool, func(context.Context, dispatch.Task) error { return nil },
			time.Second, logger.Discard())
	}()

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "address already in use")
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after start failure")
	}
	assert.ErrorIs(t, pool.Dispatch(context.Background(), dispatch.Task{ImageID: "x"}), dispatch.ErrClosed)
}
