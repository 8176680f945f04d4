package overlay

import (
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"

	"github.com/dj-oyu/faceoverlay/pkg/types"
)

// OutlineColor is the debug rectangle color.
var OutlineColor = color.RGBA{R: 255, A: 255}

// Compositor places a resized overlay on each face. It never mutates the
// overlay asset, so one asset can be shared by concurrent requests.
type Compositor struct {
	// Filter resamples the asset. Nearest neighbour when nil.
	Filter draw.Interpolator
	// Outline draws the face box when non-nil.
	Outline color.Color
}

// Filters maps config names to resampling filters.
var Filters = map[string]draw.Interpolator{
	"nearest":         draw.NearestNeighbor,
	"approx-bilinear": draw.ApproxBiLinear,
	"bilinear":        draw.BiLinear,
	"catmull-rom":     draw.CatmullRom,
}

// FilterByName looks up a resampling filter.
func FilterByName(name string) (draw.Interpolator, error) {
	f, ok := Filters[name]
	if !ok {
		return nil, fmt.Errorf("unknown resize filter %q", name)
	}
	return f, nil
}

// OverlaySize is the overlay size for a face: half its width, 7/10 its height.
func OverlaySize(box types.FaceBox) (width, height int) {
	return int(box.Width * 5 / 10), int(box.Height * 7 / 10)
}

// Placement returns where the resized overlay lands in base coordinates.
// The rectangle may extend past the image or start at negative coordinates.
func Placement(box types.FaceBox) image.Rectangle {
	w, h := OverlaySize(box)
	x := box.X + w - w/2
	y := box.Y + h
	return image.Rect(x, y, x+w, y+h)
}

// Resize scales asset into a new RGBA buffer of exactly width x height.
func (c *Compositor) Resize(asset image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	filter := c.Filter
	if filter == nil {
		filter = draw.NearestNeighbor
	}
	filter.Scale(dst, dst.Bounds(), asset, asset.Bounds(), draw.Src, nil)
	return dst
}

// Composite draws one face's contribution onto base in place. Overlay pixels
// outside base are dropped.
func (c *Compositor) Composite(base *image.RGBA, box types.FaceBox, asset image.Image) {
	if c.Outline != nil {
		DrawOutline(base, box.Rect(), c.Outline)
	}

	w, h := OverlaySize(box)
	if w <= 0 || h <= 0 {
		return
	}

	resized := c.Resize(asset, w, h)
	at := Placement(box)
	draw.Draw(base, at, resized, resized.Bounds().Min, draw.Over)
}

// Apply composites every box in order onto a single accumulator. Overlapping
// overlays therefore depend on box order.
func (c *Compositor) Apply(base *image.RGBA, boxes []types.FaceBox, asset image.Image) {
	for _, box := range boxes {
		c.Composite(base, box, asset)
	}
}

// DrawOutline draws a one pixel unfilled rectangle covering r, with its
// right and bottom edges on the last column and row inside r. Pixels outside
// img are skipped.
func DrawOutline(img *image.RGBA, r image.Rectangle, col color.Color) {
	r = r.Canon()
	if r.Empty() {
		return
	}
	x0, y0 := r.Min.X, r.Min.Y
	x1, y1 := r.Max.X-1, r.Max.Y-1

	c := color.RGBAModel.Convert(col).(color.RGBA)
	set := func(x, y int) {
		if (image.Point{X: x, Y: y}).In(img.Rect) {
			img.SetRGBA(x, y, c)
		}
	}

	for x := x0; x <= x1; x++ {
		set(x, y0)
		set(x, y1)
	}
	for y := y0; y <= y1; y++ {
		set(x0, y)
		set(x1, y)
	}
}

// ToRGBA copies img into a new RGBA buffer with origin (0,0).
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// LoadAsset decodes the overlay asset once. The result must be treated as
// read-only.
func LoadAsset(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open overlay asset: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode overlay asset %s: %w", path, err)
	}
	return img, nil
}
