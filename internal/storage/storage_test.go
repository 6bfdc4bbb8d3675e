package storage

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image_ingest/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(context.Background(), models.DatabaseConfig{
		Driver:   DriverSQLite,
		URL:      filepath.Join(t.TempDir(), "images.db"),
		MaxConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func insertProcessing(t *testing.T, s *Storage, name string) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, s.InsertImage(context.Background(), &models.ImageRecord{
		ID:           id,
		OriginalName: name,
		Status:       models.StatusProcessing,
		CreatedAt:    time.Now().UTC(),
	}))
	return id
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	id := insertProcessing(t, s, "cat.jpg")

	img, err := s.GetImage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, img.ID)
	assert.Equal(t, "cat.jpg", img.OriginalName)
	assert.Equal(t, models.StatusProcessing, img.Status)
	assert.Nil(t, img.Width)
	assert.Nil(t, img.ExifData)
	assert.Nil(t, img.ProcessedAt)
	assert.Nil(t, img.ProcessingTime)
	assert.False(t, img.CreatedAt.IsZero())
}

func TestGetImage_NotFound(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.GetImage(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkSucceeded(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	id := insertProcessing(t, s, "a.jpg")

	caption := "a cat on a sofa"
	err := s.MarkSucceeded(ctx, id, models.ProcessedImage{
		Width:          1000,
		Height:         2000,
		Format:         "JPEG",
		SizeBytes:      12345,
		Caption:        &caption,
		ExifData:       models.EXIF{"Make": "Canon", "ISOSpeedRatings": float64(100)},
		ProcessedAt:    time.Now(),
		ProcessingTime: 0.25,
	})
	require.NoError(t, err)

	img, err := s.GetImage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, img.Status)
	require.NotNil(t, img.Width)
	assert.Equal(t, 1000, *img.Width)
	assert.Equal(t, 2000, *img.Height)
	assert.Equal(t, "JPEG", *img.Format)
	assert.Equal(t, int64(12345), *img.SizeBytes)
	assert.Equal(t, caption, *img.Caption)
	assert.Equal(t, "Canon", img.ExifData["Make"])
	assert.Equal(t, float64(100), img.ExifData["ISOSpeedRatings"])
	require.NotNil(t, img.ProcessingTime)
	assert.InDelta(t, 0.25, *img.ProcessingTime, 1e-9)
	assert.NotNil(t, img.ProcessedAt)
	assert.Nil(t, img.ErrorMessage)
}

func TestMarkSucceeded_NilExifStoredAsEmptyObject(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	id := insertProcessing(t, s, "a.png")

	require.NoError(t, s.MarkSucceeded(ctx, id, models.ProcessedImage{
		Width: 1, Height: 1, Format: "PNG", SizeBytes: 10, ProcessedAt: time.Now(),
	}))

	img, err := s.GetImage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, img.ExifData)
	assert.Empty(t, img.ExifData)
	assert.Nil(t, img.Caption)
}

func TestTerminalStateIsMonotonic(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	id := insertProcessing(t, s, "a.jpg")

	elapsed := 0.1
	require.NoError(t, s.MarkFailed(ctx, id, "boom", time.Now(), &elapsed))

	err := s.MarkSucceeded(ctx, id, models.ProcessedImage{Width: 1, Height: 1, Format: "JPEG", ProcessedAt: time.Now()})
	assert.ErrorIs(t, err, ErrNotProcessing)

	err = s.MarkFailed(ctx, id, "again", time.Now(), nil)
	assert.ErrorIs(t, err, ErrNotProcessing)

	img, err := s.GetImage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, img.Status)
	assert.Equal(t, "boom", *img.ErrorMessage)
	assert.Nil(t, img.Width)
}

func TestConcurrentTerminalWrites_ExactlyOneWins(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	id := insertProcessing(t, s, "race.jpg")

	var wg sync.WaitGroup
	results := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results <- s.MarkSucceeded(ctx, id, models.ProcessedImage{Width: 1, Height: 1, Format: "JPEG", ProcessedAt: time.Now()})
	}()
	go func() {
		defer wg.Done()
		results <- s.MarkFailed(ctx, id, "timeout", time.Now(), nil)
	}()
	wg.Wait()
	close(results)

	var ok, rejected int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrNotProcessing):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)
}

func TestListImages(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	images, err := s.ListImages(ctx)
	require.NoError(t, err)
	assert.Empty(t, images)

	first := insertProcessing(t, s, "1.jpg")
	second := insertProcessing(t, s, "2.jpg")

	images, err = s.ListImages(ctx)
	require.NoError(t, err)
	require.Len(t, images, 2)
	ids := []string{images[0].ID, images[1].ID}
	assert.ElementsMatch(t, []string{first, second}, ids)
}

func TestStats_Empty(t *testing.T) {
	s := newTestStorage(t)

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Stats{}, st)
}

func TestStats_Counts(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	ok1 := insertProcessing(t, s, "1.jpg")
	ok2 := insertProcessing(t, s, "2.jpg")
	bad := insertProcessing(t, s, "3.jpg")
	insertProcessing(t, s, "4.jpg")
	require.NoError(t, s.InsertImage(ctx, &models.ImageRecord{
		ID:           uuid.NewString(),
		OriginalName: "notes.txt",
		Status:       models.StatusFailed,
		CreatedAt:    time.Now().UTC(),
		ErrorMessage: strPtr("Invalid file type for notes.txt"),
	}))

	require.NoError(t, s.MarkSucceeded(ctx, ok1, models.ProcessedImage{Format: "JPEG", ProcessedAt: time.Now(), ProcessingTime: 1.0}))
	require.NoError(t, s.MarkSucceeded(ctx, ok2, models.ProcessedImage{Format: "JPEG", ProcessedAt: time.Now(), ProcessingTime: 2.0}))
	elapsed := 0.333
	require.NoError(t, s.MarkFailed(ctx, bad, "decode", time.Now(), &elapsed))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Total)
	assert.Equal(t, int64(2), st.Successful)
	assert.Equal(t, int64(2), st.Failed)
	assert.Equal(t, int64(1), st.Processing)
	assert.Equal(t, st.Total, st.Successful+st.Failed+st.Processing)
	// (1.0 + 2.0 + 0.333) / 3
	assert.InDelta(t, 1.11, st.AverageProcessingTime, 1e-9)
}

func TestMarkFailed_DBError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	s := NewWithDB(sqlx.NewDb(mockDB, "sqlmock"))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE images SET status = ?, error_message = ?")).
		WillReturnError(errors.New("db down"))

	err = s.MarkFailed(context.Background(), "id-1", "boom", time.Now(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.MarkFailed")
	assert.Contains(t, err.Error(), "db down")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSucceeded_RowsAffectedError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	s := NewWithDB(sqlx.NewDb(mockDB, "sqlmock"))

	mock.ExpectExec("UPDATE images SET status").
		WillReturnResult(sqlmock.NewErrorResult(errors.New("rows-err")))

	err = s.MarkSucceeded(context.Background(), "id-1", models.ProcessedImage{ProcessedAt: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rows-err")
	assert.NotErrorIs(t, err, ErrNotProcessing)
}

func TestNewStorage_UnknownDriver(t *testing.T) {
	_, err := NewStorage(context.Background(), models.DatabaseConfig{Driver: "mysql", URL: "x"})
	assert.Error(t, err)
}

func strPtr(s string) *string { return &s }
