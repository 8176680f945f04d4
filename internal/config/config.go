package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"io"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/faceoverlay/internal/detect"
	"github.com/dj-oyu/faceoverlay/internal/logger"
	"github.com/dj-oyu/faceoverlay/internal/overlay"
	"github.com/dj-oyu/faceoverlay/internal/result"
)

// Config defines the runtime configuration for the upload server.
type Config struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	PprofAddr   string `yaml:"pprof_addr"`

	StorageDir string `yaml:"storage_dir"`
	// UploadKey pins every upload to one file. Empty gives each request its own key.
	UploadKey  string `yaml:"upload_key"`
	KeepOutput bool   `yaml:"keep_output"`

	UploadField    string        `yaml:"upload_field"`
	ChunkSize      int           `yaml:"chunk_size"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxPixels      int64         `yaml:"max_pixels"`
	// UploadRate is uploads per second across all clients. Zero disables limiting.
	UploadRate  float64 `yaml:"upload_rate"`
	UploadBurst int     `yaml:"upload_burst"`

	IOWorkers  int `yaml:"io_workers"`
	CPUWorkers int `yaml:"cpu_workers"`

	OverlayPath string        `yaml:"overlay_path"`
	ModelPath   string        `yaml:"model_path"`
	Detector    detect.Params `yaml:"detector"`

	Outline        bool   `yaml:"outline"`
	OutlineColor   string `yaml:"outline_color"`
	ResizeFilter   string `yaml:"resize_filter"`
	PNGCompression string `yaml:"png_compression"`

	LogLevel string `yaml:"log_level"`
	LogColor bool   `yaml:"log_color"`
}

// DefaultConfig returns the configuration used when no file or flag says otherwise.
func DefaultConfig() Config {
	return Config{
		Addr:        ":8080",
		MetricsAddr: ":9090",
		PprofAddr:   ":6060",

		StorageDir: "./uploads",
		KeepOutput: true,

		UploadField:    "file",
		ChunkSize:      32 * 1024,
		MaxUploadBytes: 32 << 20,
		RequestTimeout: 30 * time.Second,
		MaxPixels:      32 << 20,
		UploadRate:     10,
		UploadBurst:    20,

		IOWorkers:  4,
		CPUWorkers: runtime.NumCPU(),

		OverlayPath: "mustache_1.png",
		ModelPath:   "model/facefinder",
		Detector: detect.Params{
			MinFaceSize:        20,
			MaxFaceSize:        1000,
			ScoreThreshold:     5.0,
			PyramidScaleFactor: 0.8,
			SlideWindowStepX:   4,
			SlideWindowStepY:   4,
			IoUThreshold:       0.2,
		},

		Outline:        true,
		OutlineColor:   "#ff0000",
		ResizeFilter:   "nearest",
		PNGCompression: "default",

		LogLevel: "info",
		LogColor: true,
	}
}

// LoadFile reads a YAML file over the defaults. Keys the file omits keep
// their default value; unknown keys are an error.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// RegisterFlags binds command-line flags to c, using its current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "http", c.Addr, "HTTP server address")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "Metrics server address")
	fs.StringVar(&c.PprofAddr, "pprof", c.PprofAddr, "pprof server address (empty disables)")

	fs.StringVar(&c.StorageDir, "storage", c.StorageDir, "Upload storage directory")
	fs.StringVar(&c.UploadKey, "upload-key", c.UploadKey, "Store every upload under this fixed name (empty: one file per request)")
	fs.BoolVar(&c.KeepOutput, "keep-output", c.KeepOutput, "Persist the composited result next to the upload")

	fs.StringVar(&c.UploadField, "field", c.UploadField, "Multipart field carrying the image")
	fs.IntVar(&c.ChunkSize, "chunk-size", c.ChunkSize, "Upload chunk size in bytes")
	fs.Int64Var(&c.MaxUploadBytes, "max-upload", c.MaxUploadBytes, "Maximum request body size in bytes")
	fs.DurationVar(&c.RequestTimeout, "timeout", c.RequestTimeout, "Per-upload processing timeout")
	fs.Int64Var(&c.MaxPixels, "max-pixels", c.MaxPixels, "Largest decoded image, in pixels")
	fs.Float64Var(&c.UploadRate, "rate", c.UploadRate, "Uploads per second (0 disables limiting)")
	fs.IntVar(&c.UploadBurst, "burst", c.UploadBurst, "Upload burst size")

	fs.IntVar(&c.IOWorkers, "io-workers", c.IOWorkers, "Storage worker count")
	fs.IntVar(&c.CPUWorkers, "cpu-workers", c.CPUWorkers, "Decode/detect/composite worker count")

	fs.StringVar(&c.OverlayPath, "overlay", c.OverlayPath, "Overlay image path")
	fs.StringVar(&c.ModelPath, "model", c.ModelPath, "Face cascade path")
	fs.IntVar(&c.Detector.MinFaceSize, "min-face", c.Detector.MinFaceSize, "Minimum face size in pixels")
	fs.IntVar(&c.Detector.MaxFaceSize, "max-face", c.Detector.MaxFaceSize, "Maximum face size in pixels")
	fs.Float64Var(&c.Detector.ScoreThreshold, "score", c.Detector.ScoreThreshold, "Detection score threshold")
	fs.Float64Var(&c.Detector.PyramidScaleFactor, "pyramid", c.Detector.PyramidScaleFactor, "Pyramid scale factor in (0,1)")
	fs.IntVar(&c.Detector.SlideWindowStepX, "step-x", c.Detector.SlideWindowStepX, "Sliding window step, x")
	fs.IntVar(&c.Detector.SlideWindowStepY, "step-y", c.Detector.SlideWindowStepY, "Sliding window step, y")
	fs.Float64Var(&c.Detector.IoUThreshold, "iou", c.Detector.IoUThreshold, "Detection clustering IoU threshold")

	fs.BoolVar(&c.Outline, "outline", c.Outline, "Draw face rectangles")
	fs.StringVar(&c.OutlineColor, "outline-color", c.OutlineColor, "Face rectangle color (#rrggbb)")
	fs.StringVar(&c.ResizeFilter, "filter", c.ResizeFilter, "Overlay resize filter (nearest, approx-bilinear, bilinear, catmull-rom)")
	fs.StringVar(&c.PNGCompression, "png-compression", c.PNGCompression, "PNG compression (default, none, speed, best)")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&c.LogColor, "log-color", c.LogColor, "Enable colored log output")
}

// ApplyFlags copies every flag explicitly set on parsed into c, so the
// command line wins over a config file loaded after parsing.
func (c *Config) ApplyFlags(parsed *flag.FlagSet) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	c.RegisterFlags(fs)

	var err error
	parsed.Visit(func(f *flag.Flag) {
		if err != nil || fs.Lookup(f.Name) == nil {
			return
		}
		if setErr := fs.Set(f.Name, f.Value.String()); setErr != nil {
			err = fmt.Errorf("flag -%s: %w", f.Name, setErr)
		}
	})
	return err
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("http address is required")
	}
	if c.StorageDir == "" {
		return errors.New("storage directory is required")
	}
	if c.UploadField == "" {
		return errors.New("upload field name is required")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload must be positive, got %d", c.MaxUploadBytes)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.MaxPixels <= 0 {
		return fmt.Errorf("max pixels must be positive, got %d", c.MaxPixels)
	}
	if c.UploadRate < 0 {
		return fmt.Errorf("upload rate must not be negative, got %v", c.UploadRate)
	}
	if c.UploadRate > 0 && c.UploadBurst < 1 {
		return fmt.Errorf("upload burst must be at least 1, got %d", c.UploadBurst)
	}
	if c.IOWorkers < 1 || c.CPUWorkers < 1 {
		return fmt.Errorf("worker counts must be at least 1, got io=%d cpu=%d", c.IOWorkers, c.CPUWorkers)
	}
	if err := c.Detector.Validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	if _, err := c.OutlineRGBA(); err != nil {
		return err
	}
	if _, err := overlay.FilterByName(c.ResizeFilter); err != nil {
		return err
	}
	if _, ok := result.Compression[c.PNGCompression]; !ok {
		return fmt.Errorf("unknown png compression %q", c.PNGCompression)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// OutlineRGBA parses OutlineColor.
func (c Config) OutlineRGBA() (color.RGBA, error) {
	var r, g, b uint8
	if len(c.OutlineColor) != 7 || c.OutlineColor[0] != '#' {
		return color.RGBA{}, fmt.Errorf("outline color %q is not #rrggbb", c.OutlineColor)
	}
	if _, err := fmt.Sscanf(c.OutlineColor[1:], "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{}, fmt.Errorf("outline color %q: %w", c.OutlineColor, err)
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}
