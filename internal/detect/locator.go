package detect

import (
	"errors"
	"fmt"
	"os"

	pigo "github.com/esimov/pigo/core"

	"github.com/dj-oyu/faceoverlay/internal/logger"
	"github.com/dj-oyu/faceoverlay/pkg/types"
)

// FaceLocator finds faces in a row-major 8-bit luma buffer of width*height bytes.
type FaceLocator interface {
	Locate(pixels []uint8, width, height int) ([]types.FaceBox, error)
}

// Params is the detector operating point. All fields are required.
type Params struct {
	MinFaceSize        int     `yaml:"min_face_size"`
	MaxFaceSize        int     `yaml:"max_face_size"`
	ScoreThreshold     float64 `yaml:"score_threshold"`
	PyramidScaleFactor float64 `yaml:"pyramid_scale_factor"`
	SlideWindowStepX   int     `yaml:"slide_window_step_x"`
	SlideWindowStepY   int     `yaml:"slide_window_step_y"`
	IoUThreshold       float64 `yaml:"iou_threshold"`
}

// Validate checks the operating point.
func (p Params) Validate() error {
	switch {
	case p.MinFaceSize <= 0:
		return fmt.Errorf("min face size must be positive, got %d", p.MinFaceSize)
	case p.MaxFaceSize < p.MinFaceSize:
		return fmt.Errorf("max face size %d below min face size %d", p.MaxFaceSize, p.MinFaceSize)
	case p.PyramidScaleFactor <= 0 || p.PyramidScaleFactor >= 1:
		return fmt.Errorf("pyramid scale factor must be in (0,1), got %v", p.PyramidScaleFactor)
	case p.SlideWindowStepX <= 0 || p.SlideWindowStepY <= 0:
		return fmt.Errorf("slide window step must be positive, got %dx%d", p.SlideWindowStepX, p.SlideWindowStepY)
	case p.IoUThreshold < 0 || p.IoUThreshold > 1:
		return fmt.Errorf("iou threshold must be in [0,1], got %v", p.IoUThreshold)
	}
	return nil
}

// InitError reports a detector that could not be built from its model.
type InitError struct {
	Path string
	Err  error
}

func (e *InitError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("face detector init: %v", e.Err)
	}
	return fmt.Sprintf("face detector init from %s: %v", e.Path, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// ErrInvalidBuffer is returned when the luma buffer does not match its dimensions.
var ErrInvalidBuffer = errors.New("detect: luma buffer does not match dimensions")

// classifier is the part of *pigo.Pigo the locator uses.
type classifier interface {
	RunCascade(cp pigo.CascadeParams, angle float64) []pigo.Detection
	ClusterDetections(detections []pigo.Detection, iouThreshold float64) []pigo.Detection
}

// PigoLocator runs a pigo cascade. It holds no per-call state and is safe
// for concurrent use.
type PigoLocator struct {
	params     Params
	classifier classifier
}

// minCascadeSize is the header pigo reads before the first tree.
const minCascadeSize = 16

// NewPigoLocator unpacks a cascade and binds it to params.
func NewPigoLocator(cascade []byte, params Params) (_ *PigoLocator, err error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(cascade) < minCascadeSize {
		return nil, fmt.Errorf("cascade too short: %d bytes", len(cascade))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("corrupt cascade: %v", r)
		}
	}()

	c, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("unpack cascade: %w", err)
	}
	return newLocator(c, params), nil
}

// Load reads a cascade file and builds a locator. Failures are *InitError.
func Load(path string, params Params) (*PigoLocator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &InitError{Path: path, Err: err}
	}
	loc, err := NewPigoLocator(data, params)
	if err != nil {
		return nil, &InitError{Path: path, Err: err}
	}
	logger.Info("Detect", "Loaded cascade %s (%d bytes)", path, len(data))
	return loc, nil
}

func newLocator(c classifier, params Params) *PigoLocator {
	return &PigoLocator{params: params, classifier: c}
}

// Params returns the operating point.
func (l *PigoLocator) Params() Params {
	return l.params
}

// CascadeParams maps the operating point onto pigo's scan parameters for an
// image of the given size.
func (l *PigoLocator) CascadeParams(pixels []uint8, width, height int) pigo.CascadeParams {
	p := l.params
	step := p.SlideWindowStepX
	if p.SlideWindowStepY > step {
		step = p.SlideWindowStepY
	}

	return pigo.CascadeParams{
		MinSize:     p.MinFaceSize,
		MaxSize:     p.MaxFaceSize,
		ShiftFactor: float64(step) / float64(p.MinFaceSize),
		ScaleFactor: 1 / p.PyramidScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pixels,
			Rows:   height,
			Cols:   width,
			Dim:    width,
		},
	}
}

// Locate returns faces scoring at least the threshold, in detector order.
func (l *PigoLocator) Locate(pixels []uint8, width, height int) (faces []types.FaceBox, err error) {
	if width <= 0 || height <= 0 || len(pixels) != width*height {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d", ErrInvalidBuffer, len(pixels), width, height)
	}

	defer func() {
		if r := recover(); r != nil {
			faces = nil
			err = fmt.Errorf("detector panicked: %v", r)
		}
	}()

	dets := l.classifier.RunCascade(l.CascadeParams(pixels, width, height), 0)
	dets = l.classifier.ClusterDetections(dets, l.params.IoUThreshold)

	faces = make([]types.FaceBox, 0, len(dets))
	for _, d := range dets {
		if float64(d.Q) < l.params.ScoreThreshold {
			continue
		}
		faces = append(faces, FromDetection(d))
	}
	return faces, nil
}

// FromDetection converts a pigo (row, col, scale) detection to a box.
func FromDetection(d pigo.Detection) types.FaceBox {
	size := d.Scale
	if size < 0 {
		size = 0
	}
	return types.FaceBox{
		X:      d.Col - d.Scale/2,
		Y:      d.Row - d.Scale/2,
		Width:  uint(size),
		Height: uint(size),
		Score:  float64(d.Q),
	}
}

// Unavailable is a locator standing in for a detector that failed to load.
// Every call reports the load failure.
type Unavailable struct {
	Err error
}

func (u Unavailable) Locate([]uint8, int, int) ([]types.FaceBox, error) {
	return nil, u.Err
}
