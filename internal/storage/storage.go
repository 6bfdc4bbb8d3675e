// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"image_ingest/internal/models"
)

var (
	ErrNotFound      = errors.New("image not found")
	ErrNotProcessing = errors.New("image is not in processing state")
)

// Storage is the image record store. One instance is shared by the request
// path and the workers; every call borrows its own connection from the pool.
type Storage struct {
	db     *sqlx.DB
	pool   *pgxpool.Pool // nil for sqlite
	driver string
}

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

func NewStorage(ctx context.Context, cfg models.DatabaseConfig) (*Storage, error) {
	const op = "storage.NewStorage"

	var (
		s   *Storage
		err error
	)
	switch cfg.Driver {
	case DriverPostgres:
		s, err = openPostgres(ctx, cfg)
	case DriverSQLite:
		s, err = openSQLite(cfg)
	default:
		err = fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := runMigrations(ctx, s.db.DB, s.driver); err != nil {
		s.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return s, nil
}

// NewWithDB wraps an existing handle without running migrations.
func NewWithDB(db *sqlx.DB) *Storage {
	return &Storage{db: db, driver: db.DriverName()}
}

func openPostgres(ctx context.Context, cfg models.DatabaseConfig) (*Storage, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx")
	return &Storage{db: db, pool: pool, driver: DriverPostgres}, nil
}

func openSQLite(cfg models.DatabaseConfig) (*Storage, error) {
	if dir := filepath.Dir(cfg.URL); dir != "." && !strings.HasPrefix(cfg.URL, "file:") {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", sqliteDSN(cfg.URL))
	if err != nil {
		return nil, err
	}
	// one writer at a time; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Storage{db: db, driver: DriverSQLite}, nil
}

func sqliteDSN(url string) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "_pragma=busy_timeout(5000)&_time_format=sqlite"
}

func (s *Storage) Close() {
	s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Storage) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	return s.db.PingContext(ctx)
}

const imageColumns = `id, original_name, status, width, height, format, size_bytes, caption,
	exif_data, created_at, processed_at, processing_time, error_message`

// InsertImage stores a new record. Used by the request path for both
// processing and rejected uploads.
func (s *Storage) InsertImage(ctx context.Context, img *models.ImageRecord) error {
	const op = "storage.InsertImage"

	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO images (`+imageColumns+`)
		VALUES (:id, :original_name, :status, :width, :height, :format, :size_bytes, :caption,
			:exif_data, :created_at, :processed_at, :processing_time, :error_message)`,
		img)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) GetImage(ctx context.Context, id string) (*models.ImageRecord, error) {
	const op = "storage.GetImage"

	var img models.ImageRecord
	err := s.db.GetContext(ctx, &img,
		s.db.Rebind(`SELECT `+imageColumns+` FROM images WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &img, nil
}

func (s *Storage) ListImages(ctx context.Context) ([]models.ImageRecord, error) {
	const op = "storage.ListImages"

	images := []models.ImageRecord{}
	err := s.db.SelectContext(ctx, &images,
		`SELECT `+imageColumns+` FROM images ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return images, nil
}

// MarkSucceeded writes the success terminal state in one statement.
// Returns ErrNotProcessing if the record is unknown or already terminal.
func (s *Storage) MarkSucceeded(ctx context.Context, id string, p models.ProcessedImage) error {
	const op = "storage.MarkSucceeded"

	exif := p.ExifData
	if exif == nil {
		exif = models.EXIF{}
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE images SET status = ?, width = ?, height = ?, format = ?, size_bytes = ?,
			caption = ?, exif_data = ?, processed_at = ?, processing_time = ?, error_message = NULL
		WHERE id = ? AND status = ?`),
		models.StatusSuccess, p.Width, p.Height, p.Format, p.SizeBytes,
		p.Caption, exif, p.ProcessedAt.UTC(), p.ProcessingTime,
		id, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return checkTerminalUpdate(op, res)
}

// MarkFailed writes the failed terminal state in one statement.
// processingTime is nil when no worker ran.
func (s *Storage) MarkFailed(ctx context.Context, id, message string, processedAt time.Time, processingTime *float64) error {
	const op = "storage.MarkFailed"

	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE images SET status = ?, error_message = ?, processed_at = ?, processing_time = ?
		WHERE id = ? AND status = ?`),
		models.StatusFailed, message, processedAt.UTC(), processingTime,
		id, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return checkTerminalUpdate(op, res)
}

func checkTerminalUpdate(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotProcessing
	}
	return nil
}

func (s *Storage) Stats(ctx context.Context) (models.Stats, error) {
	const op = "storage.Stats"

	var st models.Stats
	err := s.db.GetContext(ctx, &st, s.db.Rebind(
		`SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS successful,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS processing,
			COALESCE(AVG(processing_time), 0.0) AS avg_processing_time
		FROM images`),
		models.StatusSuccess, models.StatusFailed, models.StatusProcessing)
	if err != nil {
		return models.Stats{}, fmt.Errorf("%s: %w", op, err)
	}
	st.AverageProcessingTime = math.Round(st.AverageProcessingTime*100) / 100
	return st, nil
}
