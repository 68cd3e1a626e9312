package image_processor

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// AccentColor is the alpha-weighted average colour of img, so masked-out
// corners do not pull it towards black. ok is false for fully transparent
// images.
func AccentColor(img image.Image) (color.NRGBA, bool) {
	if img.Bounds().Empty() {
		return color.NRGBA{}, false
	}

	px := imaging.Resize(img, 1, 1, imaging.Box).NRGBAAt(0, 0)
	if px.A == 0 {
		return color.NRGBA{}, false
	}
	px.A = 0xff
	return px, true
}
