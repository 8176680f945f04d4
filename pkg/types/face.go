package types

import "image"

// FaceBox is a detector-reported face region in source image pixels.
// X and Y stay signed: detections near the edge can start outside the image.
type FaceBox struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  uint    `json:"width"`
	Height uint    `json:"height"`
	Score  float64 `json:"score"`
}

// Rect returns the box as an image.Rectangle (Max exclusive).
func (b FaceBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+int(b.Width), b.Y+int(b.Height))
}
