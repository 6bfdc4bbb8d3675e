// Package imageproc validates uploads and derives metadata, EXIF and
// thumbnails from image bytes.
package imageproc

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrCorruptImage    = errors.New("corrupted or invalid image content")
	ErrTooLarge        = errors.New("image dimensions exceed the pixel limit")
)

const (
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"
)

type codec struct {
	decode       func(io.Reader) (image.Image, error)
	decodeConfig func(io.Reader) (image.Config, error)
}

var codecs = map[string]codec{
	MIMEJPEG: {decode: jpeg.Decode, decodeConfig: jpeg.DecodeConfig},
	MIMEPNG:  {decode: png.Decode, decodeConfig: png.DecodeConfig},
}

// NormalizeContentType lower-cases a Content-Type header and drops its
// parameters. Returns "" when the header cannot be parsed.
func NormalizeContentType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}

// CheckPixels returns ErrTooLarge when width*height exceeds maxPixels.
// maxPixels <= 0 disables the check.
func CheckPixels(width, height int, maxPixels int64) error {
	if maxPixels <= 0 {
		return nil
	}
	if pixels := int64(width) * int64(height); pixels > maxPixels {
		return fmt.Errorf("%w: %dx%d is over %d pixels", ErrTooLarge, width, height, maxPixels)
	}
	return nil
}

// Validate checks the declared type and that r really holds a decodable
// image of that type no larger than maxPixels. The header is checked
// before any pixel data is decoded. r is rewound to the start before
// returning.
func Validate(declaredContentType string, r io.ReadSeeker, maxPixels int64) (err error) {
	defer func() {
		if _, seekErr := r.Seek(0, io.SeekStart); seekErr != nil && err == nil {
			err = fmt.Errorf("imageproc.Validate: rewind: %w", seekErr)
		}
	}()

	declared := NormalizeContentType(declaredContentType)
	c, ok := codecs[declared]
	if !ok {
		return ErrUnsupportedType
	}

	sniffed, err := mimetype.DetectReader(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptImage, err)
	}
	if !matchesFamily(sniffed, declared) {
		return fmt.Errorf("%w: content is %s, declared %s", ErrCorruptImage, sniffed.String(), declared)
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("imageproc.Validate: rewind: %w", err)
	}
	cfg, err := c.decodeConfig(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptImage, err)
	}
	if err := CheckPixels(cfg.Width, cfg.Height, maxPixels); err != nil {
		return err
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("imageproc.Validate: rewind: %w", err)
	}
	if _, err := c.decode(r); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptImage, err)
	}
	return nil
}

func matchesFamily(m *mimetype.MIME, declared string) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is(declared) {
			return true
		}
	}
	return false
}
