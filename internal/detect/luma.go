package detect

import (
	"image"

	"golang.org/x/image/draw"
)

// Luma converts img to the locator's input layout: one byte per pixel,
// row-major, origin at the image's top-left corner, no row padding.
func Luma(img image.Image) (pixels []uint8, width, height int) {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray.Pix, b.Dx(), b.Dy()
}
