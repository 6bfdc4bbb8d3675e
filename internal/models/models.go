// internal/models/models.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions may happen.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type ImageRecord struct {
	ID             string     `db:"id"`
	OriginalName   string     `db:"original_name"`
	Status         Status     `db:"status"` // processing, success, failed
	Width          *int       `db:"width"`
	Height         *int       `db:"height"`
	Format         *string    `db:"format"`
	SizeBytes      *int64     `db:"size_bytes"`
	Caption        *string    `db:"caption"`
	ExifData       EXIF       `db:"exif_data"`
	CreatedAt      time.Time  `db:"created_at"`
	ProcessedAt    *time.Time `db:"processed_at"`
	ProcessingTime *float64   `db:"processing_time"` // seconds
	ErrorMessage   *string    `db:"error_message"`
}

// ProcessedImage is the payload of a successful terminal write.
type ProcessedImage struct {
	Width          int
	Height         int
	Format         string
	SizeBytes      int64
	Caption        *string
	ExifData       EXIF
	ProcessedAt    time.Time
	ProcessingTime float64
}

// EXIF holds normalized tag values: string, float64, int64, bool, []any or map[string]any.
// A nil map is stored as NULL.
type EXIF map[string]any

func (e EXIF) Value() (driver.Value, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any(e))
	if err != nil {
		return nil, fmt.Errorf("models.EXIF.Value: %w", err)
	}
	return string(b), nil
}

func (e *EXIF) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*e = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("models.EXIF.Scan: unsupported type %T", src)
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("models.EXIF.Scan: %w", err)
	}
	*e = m
	return nil
}

type Stats struct {
	Total                 int64   `db:"total" json:"total"`
	Successful            int64   `db:"successful" json:"successful"`
	Failed                int64   `db:"failed" json:"failed"`
	Processing            int64   `db:"processing" json:"processing"`
	AverageProcessingTime float64 `db:"avg_processing_time" json:"average_processing_time_seconds"`
}
