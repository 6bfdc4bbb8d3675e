package imageproc

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
)

type Metadata struct {
	Width     int
	Height    int
	Format    string // upper-case, e.g. "JPEG"
	SizeBytes int64
}

// ReadMetadata reads dimensions and format from the image header without
// decoding pixel data.
func ReadMetadata(data []byte) (Metadata, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Metadata{}, fmt.Errorf("imageproc.ReadMetadata: %w", err)
	}
	return Metadata{
		Width:     cfg.Width,
		Height:    cfg.Height,
		Format:    strings.ToUpper(format),
		SizeBytes: int64(len(data)),
	}, nil
}
