package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/dj-oyu/faceoverlay/internal/detect"
	"github.com/dj-oyu/faceoverlay/internal/ingest"
	"github.com/dj-oyu/faceoverlay/internal/logger"
	"github.com/dj-oyu/faceoverlay/internal/overlay"
	"github.com/dj-oyu/faceoverlay/internal/result"
	"github.com/dj-oyu/faceoverlay/internal/storage"
	"github.com/dj-oyu/faceoverlay/internal/workpool"
	"github.com/dj-oyu/faceoverlay/pkg/types"
)

// OutputSuffix is appended to the upload key for the persisted result.
const OutputSuffix = ".out.png"

// DefaultMaxPixels bounds the decoded canvas when Options.MaxPixels is zero.
const DefaultMaxPixels = 32 << 20

// Options wires an Orchestrator.
type Options struct {
	Sink       *storage.FileSink
	Locator    detect.FaceLocator
	Compositor *overlay.Compositor
	// Overlay is the shared, read-only asset. A nil Overlay with a non-nil
	// OverlayErr makes every request fail in Compositing.
	Overlay    image.Image
	OverlayErr error
	Encoder    *result.Encoder
	CPU        *workpool.Pool
	// MaxPixels rejects uploads whose header declares a larger canvas,
	// before any pixel buffer is allocated.
	MaxPixels int64
	// FixedKey stores every upload in one slot. Empty means a fresh key per request.
	FixedKey   string
	KeepOutput bool
}

// StageTiming records how long one state took.
type StageTiming struct {
	State    State         `json:"state"`
	Duration time.Duration `json:"duration_ns"`
}

// Result is the outcome of a successful run.
type Result struct {
	Key    string            `json:"key"`
	Upload storage.Artifact  `json:"upload"`
	Output *storage.Artifact `json:"output,omitempty"`
	Format string            `json:"format"`
	Width  int               `json:"width"`
	Height int               `json:"height"`
	Faces  []types.FaceBox   `json:"faces"`
	Stages []StageTiming     `json:"stages"`
	// PNG is the encoded composite.
	PNG []byte `json:"-"`
}

// Orchestrator runs receive, decode, detect, composite and encode for one
// upload at a time per call. It is safe for concurrent calls.
type Orchestrator struct {
	opts     Options
	ingestor *ingest.Ingestor
}

// New returns an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Compositor == nil {
		opts.Compositor = &overlay.Compositor{}
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}
	return &Orchestrator{
		opts:     opts,
		ingestor: ingest.New(opts.Sink),
	}
}

type run struct {
	state  State
	start  time.Time
	stages []StageTiming
}

func (r *run) enter(s State) {
	now := time.Now()
	if !r.start.IsZero() {
		r.stages = append(r.stages, StageTiming{State: r.state, Duration: now.Sub(r.start)})
	}
	r.state = s
	r.start = now
}

func (r *run) fail(err error) error {
	failed := r.state
	r.enter(Failed)
	return &Error{Stage: failed, Err: err}
}

// Run drives one upload through the pipeline.
func (o *Orchestrator) Run(ctx context.Context, stream ingest.ChunkStream) (*Result, error) {
	r := &run{}
	key := o.opts.FixedKey
	if key == "" {
		key = storage.NewKey()
	}

	r.enter(Receiving)
	upload, err := o.ingestor.Ingest(ctx, key, stream)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(Decoding)
	img, format, err := o.decode(ctx, key)
	if err != nil {
		return nil, r.fail(err)
	}
	bounds := img.Bounds()

	r.enter(Detecting)
	faces, err := o.detect(ctx, img)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(Compositing)
	canvas, err := o.composite(ctx, img, faces)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(Encoding)
	var encoded []byte
	err = o.opts.CPU.Do(ctx, func() error {
		var err error
		encoded, err = o.opts.Encoder.Encode(canvas)
		return err
	})
	if err != nil {
		return nil, r.fail(err)
	}

	res := &Result{
		Key:    key,
		Upload: upload,
		Format: format,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Faces:  faces,
		PNG:    encoded,
	}

	if o.opts.KeepOutput {
		out, err := o.opts.Sink.Put(ctx, key+OutputSuffix, encoded)
		if err != nil {
			return nil, r.fail(err)
		}
		res.Output = &out
	}

	r.enter(Done)
	res.Stages = r.stages
	logger.Debug("Pipeline", "Upload %s: %dx%d %s, %d faces", key, res.Width, res.Height, format, len(faces))
	return res, nil
}

func (o *Orchestrator) decode(ctx context.Context, key string) (image.Image, string, error) {
	data, err := o.opts.Sink.ReadAll(ctx, key)
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty upload")
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, "", fmt.Errorf("upload is %s, not an image", mt.String())
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode %s header: %w", mt.String(), err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("image declares empty canvas %dx%d", cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > o.opts.MaxPixels {
		return nil, "", fmt.Errorf("image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, o.opts.MaxPixels)
	}

	var (
		img    image.Image
		format string
	)
	err = o.opts.CPU.Do(ctx, func() error {
		var err error
		img, format, err = image.Decode(bytes.NewReader(data))
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", mt.String(), err)
	}
	return img, format, nil
}

func (o *Orchestrator) detect(ctx context.Context, img image.Image) ([]types.FaceBox, error) {
	if o.opts.Locator == nil {
		return nil, &detect.InitError{Err: errors.New("no face locator configured")}
	}

	var faces []types.FaceBox
	err := o.opts.CPU.Do(ctx, func() error {
		pixels, w, h := detect.Luma(img)
		var err error
		faces, err = o.opts.Locator.Locate(pixels, w, h)
		return err
	})
	return faces, err
}

func (o *Orchestrator) composite(ctx context.Context, img image.Image, faces []types.FaceBox) (*image.RGBA, error) {
	if o.opts.Overlay == nil {
		if o.opts.OverlayErr != nil {
			return nil, o.opts.OverlayErr
		}
		return nil, errors.New("no overlay asset configured")
	}

	var canvas *image.RGBA
	err := o.opts.CPU.Do(ctx, func() error {
		canvas = overlay.ToRGBA(img)
		o.opts.Compositor.Apply(canvas, faces, o.opts.Overlay)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if canvas.Bounds().Size() != img.Bounds().Size() {
		return nil, fmt.Errorf("composite changed size from %v to %v", img.Bounds().Size(), canvas.Bounds().Size())
	}
	return canvas, nil
}
