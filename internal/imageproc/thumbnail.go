package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

const DefaultJPEGQuality = 85

// Size is a named thumbnail bounding box.
type Size struct {
	Name string
	Max  int
}

func DefaultSizes() []Size {
	return []Size{{Name: "small", Max: 128}, {Name: "medium", Max: 512}}
}

// Decode decodes data and applies the EXIF orientation tag.
func Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("imageproc.Decode: %w", err)
	}
	return img, nil
}

// Thumbnail fits img into a maxSide x maxSide box keeping the aspect ratio and encodes
// it as JPEG. Images already inside the box keep their size.
func Thumbnail(img image.Image, maxSide, quality int) ([]byte, error) {
	if maxSide <= 0 {
		return nil, fmt.Errorf("imageproc.Thumbnail: invalid size %d", maxSide)
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	thumb := imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)

	// JPEG has no alpha channel
	b := thumb.Bounds()
	flat := imaging.New(b.Dx(), b.Dy(), color.White)
	flat = imaging.Overlay(flat, thumb, image.Pt(0, 0), 1.0)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, flat, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("imageproc.Thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
