package image_processor

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
)

// CircleMask crops img to its largest centred square and makes everything
// outside the inscribed circle transparent.
func CircleMask(img image.Image) (*image.NRGBA, error) {
	b := img.Bounds()
	side := min(b.Dx(), b.Dy())
	if side <= 0 {
		return nil, fmt.Errorf("cannot mask empty image")
	}

	square := imaging.CropCenter(img, side, side)

	radius := float64(side) / 2
	dc := gg.NewContext(side, side)
	dc.DrawCircle(radius, radius, radius)
	dc.Clip()
	dc.DrawImage(square, 0, 0)

	return imaging.Clone(dc.Image()), nil
}
