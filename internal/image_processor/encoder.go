package image_processor

import (
	"bytes"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
)

// Encoder produces the disk representation of a processed image. It is
// independent of the decoded in-memory form.
type Encoder interface {
	Encode(img image.Image) ([]byte, error)
	Name() string
}

// PNGEncoder writes lossless 8-bit RGBA PNG in pure Go. It is the fallback
// when libvips is unavailable.
type PNGEncoder struct{}

func (PNGEncoder) Name() string {
	return "png"
}

func (PNGEncoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
