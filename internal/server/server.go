package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/dj-oyu/faceoverlay/internal/ingest"
	"github.com/dj-oyu/faceoverlay/internal/logger"
	"github.com/dj-oyu/faceoverlay/internal/metrics"
	"github.com/dj-oyu/faceoverlay/internal/pipeline"
)

// Runner processes one upload stream.
type Runner interface {
	Run(ctx context.Context, stream ingest.ChunkStream) (*pipeline.Result, error)
}

// Options configures the HTTP front end.
type Options struct {
	UploadField    string
	ChunkSize      int
	MaxUploadBytes int64
	RequestTimeout time.Duration
	// UploadRate is uploads per second. Zero disables limiting.
	UploadRate  float64
	UploadBurst int
	// StatusInterval paces /api/status/stream.
	StatusInterval time.Duration

	DetectorReady bool
	OverlayReady  bool
}

// Server serves the upload form, the upload endpoint and status.
type Server struct {
	opts    Options
	runner  Runner
	metrics *metrics.Metrics
	monitor *Monitor
	limiter *rate.Limiter
	index   []byte
}

// New returns a configured server. m may be nil.
func New(opts Options, runner Runner, m *metrics.Metrics) *Server {
	if opts.UploadField == "" {
		opts.UploadField = "file"
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = ingest.DefaultChunkSize
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 2 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		opts:    opts,
		runner:  runner,
		metrics: m,
		monitor: NewMonitor(),
		index:   []byte(strings.ReplaceAll(indexHTML, "{{FIELD}}", opts.UploadField)),
	}
	if opts.UploadRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.UploadRate), opts.UploadBurst)
	}
	return s
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.With(s.rateLimit).Post("/", s.handleUpload)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/status/stream", s.handleStatusStream)
	r.Get("/health", s.handleHealth)

	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(s.index)
}

func (s *Server) statusPayload() map[string]any {
	stats, latest, history := s.monitor.Snapshot()
	return map[string]any{
		"requests":       stats,
		"latest_upload":  latest,
		"upload_history": history,
		"timestamp":      float64(time.Now().Unix()),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statusPayload())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.statusPayload()); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":         "ok",
		"detector_ready": s.opts.DetectorReady,
		"overlay_ready":  s.opts.OverlayReady,
		"in_flight":      s.metrics.InFlight.Load(),
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.RequestsLimited.Add(1)
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too many uploads, retry shortly", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debug("HTTP", "%s %s %d %dB %s [%s]",
			r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(),
			time.Since(start).Round(time.Microsecond), middleware.GetReqID(r.Context()))
	})
}

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
