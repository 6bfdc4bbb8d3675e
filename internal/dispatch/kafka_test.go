package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image_ingest/internal/logger"
	"image_ingest/internal/models"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

// fakeReader serves msgs in order, then blocks until ctx is cancelled.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestNewKafka_WriterDoesNotWaitForFullBatch(t *testing.T) {
	k := NewKafka(models.QueueConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "images",
		Workers:      2,
	}, logger.Discard())

	w, ok := k.writer.(*kafka.Writer)
	require.True(t, ok)
	defer w.Close()

	assert.Equal(t, "images", w.Topic)
	assert.Equal(t, kafkaBatchTimeout, w.BatchTimeout)
	assert.Less(t, w.BatchTimeout, 100*time.Millisecond)
	assert.Equal(t, 2, k.workers)
}

func TestKafka_Dispatch(t *testing.T) {
	w := &fakeWriter{}
	k := newKafkaWith(w, nil, 1, logger.Discard())

	require.NoError(t, k.Dispatch(context.Background(), Task{ImageID: "id-1", FilePath: "uploads/id-1_a.jpg"}))

	require.Len(t, w.messages, 1)
	assert.Equal(t, "id-1", string(w.messages[0].Key))
	var got Task
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &got))
	assert.Equal(t, Task{ImageID: "id-1", FilePath: "uploads/id-1_a.jpg"}, got)
	assert.Equal(t, int64(1), k.Stats().Dispatched)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestKafka_DispatchError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unavailable")}
	k := newKafkaWith(w, nil, 1, logger.Discard())

	err := k.Dispatch(context.Background(), Task{ImageID: "id-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
	assert.Equal(t, int64(1), k.Stats().Rejected)
}

func TestKafka_RunConsumesAndCommits(t *testing.T) {
	good, _ := json.Marshal(Task{ImageID: "id-1", FilePath: "uploads/id-1_a.jpg"})
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: good},
		{Offset: 2, Value: []byte("{not json")},
	}}
	k := newKafkaWith(&fakeWriter{}, func() messageReader { return reader }, 1, logger.Discard())

	handled := make(chan Task, 1)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- k.Run(ctx, func(ctx context.Context, task Task) error {
			handled <- task
			return nil
		})
	}()

	select {
	case task := <-handled:
		assert.Equal(t, "id-1", task.ImageID)
	case <-time.After(5 * time.Second):
		t.Fatal("task not handled")
	}

	require.Eventually(t, func() bool {
		return len(reader.committedOffsets()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-runErr)

	assert.Equal(t, []int64{1, 2}, reader.committedOffsets())
	assert.True(t, reader.closed)
	st := k.Stats()
	assert.Equal(t, int64(1), st.Completed)
	assert.Equal(t, int64(1), st.Failed)
}
