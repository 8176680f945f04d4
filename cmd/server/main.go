package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dj-oyu/faceoverlay/internal/config"
	"github.com/dj-oyu/faceoverlay/internal/detect"
	"github.com/dj-oyu/faceoverlay/internal/logger"
	"github.com/dj-oyu/faceoverlay/internal/metrics"
	"github.com/dj-oyu/faceoverlay/internal/overlay"
	"github.com/dj-oyu/faceoverlay/internal/pipeline"
	"github.com/dj-oyu/faceoverlay/internal/result"
	"github.com/dj-oyu/faceoverlay/internal/server"
	"github.com/dj-oyu/faceoverlay/internal/storage"
	"github.com/dj-oyu/faceoverlay/internal/workpool"
)

// Server is the upload server process
type Server struct {
	cfg           config.Config
	metrics       *metrics.Metrics
	ioPool        *workpool.Pool
	cpuPool       *workpool.Pool
	httpServer    *http.Server
	metricsServer *http.Server
	pprofServer   *http.Server
}

func main() {
	cfg := config.DefaultConfig()
	configPath := flag.String("config", "", "YAML config file (flags override it)")
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if *configPath != "" {
		fromFile, err := config.LoadFile(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		if err := fromFile.ApplyFlags(flag.CommandLine); err != nil {
			log.Fatalf("Invalid flags: %v", err)
		}
		cfg = fromFile
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)
	defer logger.Sync()

	logger.Info("Main", "Face overlay server starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// NewServer wires storage, detector, compositor and HTTP front end.
func NewServer(cfg config.Config) (*Server, error) {
	ioPool := workpool.New("io", cfg.IOWorkers, cfg.IOWorkers*4)
	cpuPool := workpool.New("cpu", cfg.CPUWorkers, cfg.CPUWorkers*4)

	sink, err := storage.NewFileSink(cfg.StorageDir, ioPool)
	if err != nil {
		cpuPool.Close()
		ioPool.Close()
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	// A missing model or asset is reported per request instead of stopping the process.
	var locator detect.FaceLocator
	detectorReady := true
	if loaded, err := detect.Load(cfg.ModelPath, cfg.Detector); err != nil {
		logger.Warn("Main", "Face detector unavailable: %v", err)
		locator = detect.Unavailable{Err: err}
		detectorReady = false
	} else {
		locator = loaded
		p := loaded.Params()
		logger.Info("Main", "Face cascade loaded from %s (faces %d-%dpx, score>%.1f)",
			cfg.ModelPath, p.MinFaceSize, p.MaxFaceSize, p.ScoreThreshold)
	}

	asset, overlayErr := overlay.LoadAsset(cfg.OverlayPath)
	if overlayErr != nil {
		logger.Warn("Main", "Overlay asset unavailable: %v", overlayErr)
	}

	filter, err := overlay.FilterByName(cfg.ResizeFilter)
	if err != nil {
		return nil, err
	}
	compositor := &overlay.Compositor{Filter: filter}
	if cfg.Outline {
		outline, err := cfg.OutlineRGBA()
		if err != nil {
			return nil, err
		}
		compositor.Outline = outline
	}

	encoder, err := result.NewEncoder(cfg.PNGCompression)
	if err != nil {
		return nil, err
	}

	orch := pipeline.New(pipeline.Options{
		Sink:       sink,
		Locator:    locator,
		Compositor: compositor,
		Overlay:    asset,
		OverlayErr: overlayErr,
		Encoder:    encoder,
		CPU:        cpuPool,
		MaxPixels:  cfg.MaxPixels,
		FixedKey:   cfg.UploadKey,
		KeepOutput: cfg.KeepOutput,
	})

	m := metrics.New()
	front := server.New(server.Options{
		UploadField:    cfg.UploadField,
		ChunkSize:      cfg.ChunkSize,
		MaxUploadBytes: cfg.MaxUploadBytes,
		RequestTimeout: cfg.RequestTimeout,
		UploadRate:     cfg.UploadRate,
		UploadBurst:    cfg.UploadBurst,
		DetectorReady:  detectorReady,
		OverlayReady:   overlayErr == nil,
	}, orch, m)

	s := &Server{
		cfg:     cfg,
		metrics: m,
		ioPool:  ioPool,
		cpuPool: cpuPool,
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           front.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		metricsServer: m.Server(cfg.MetricsAddr),
	}
	if cfg.PprofAddr != "" {
		s.pprofServer = &http.Server{Addr: cfg.PprofAddr, Handler: http.DefaultServeMux}
	}
	return s, nil
}

// Start starts all listeners
func (s *Server) Start() error {
	logger.Info("Main", "  HTTP server: %s", s.cfg.Addr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.MetricsAddr)
	logger.Info("Main", "  pprof server: %s", s.cfg.PprofAddr)
	logger.Info("Main", "  Storage: %s (fixed key %q)", s.cfg.StorageDir, s.cfg.UploadKey)
	logger.Info("Main", "  Workers: %s=%d %s=%d", s.ioPool.Name(), s.cfg.IOWorkers, s.cpuPool.Name(), s.cfg.CPUWorkers)

	if s.pprofServer != nil {
		go s.serve("pprof", s.pprofServer)
	}
	go s.serve("Metrics", s.metricsServer)
	go s.serve("HTTP", s.httpServer)

	logger.Info("Main", "Server started successfully")
	return nil
}

func (s *Server) serve(name string, srv *http.Server) {
	logger.Info("Main", "Starting %s server on %s", name, srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Main", "%s server error: %v", name, err)
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout+5*time.Second)
	defer cancel()

	// Drain uploads before the pools they depend on go away.
	err := s.httpServer.Shutdown(ctx)

	s.cpuPool.Close()
	s.ioPool.Close()

	if merr := s.metricsServer.Shutdown(ctx); merr != nil && err == nil {
		err = merr
	}
	if s.pprofServer != nil {
		_ = s.pprofServer.Shutdown(ctx)
	}
	return err
}
