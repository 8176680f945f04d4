package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/dj-oyu/faceoverlay/internal/ingest"
	"github.com/dj-oyu/faceoverlay/internal/logger"
	"github.com/dj-oyu/faceoverlay/internal/pipeline"
	"github.com/dj-oyu/faceoverlay/internal/result"
)

var errNoFilePart = errors.New("no file part")

// handleUpload streams the first file part of a multipart body through the pipeline.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	n := s.monitor.Begin()
	s.metrics.RequestsTotal.Add(1)
	s.metrics.InFlight.Add(1)
	defer s.metrics.InFlight.Add(-1)

	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		s.reject(w, n, start, http.StatusBadRequest, fmt.Errorf("expected multipart/form-data: %w", err))
		return
	}
	part, err := nextFilePart(mr, s.opts.UploadField)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		s.reject(w, n, start, status, err)
		return
	}
	defer part.Close()

	ctx := r.Context()
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	res, err := s.runner.Run(ctx, ingest.NewReaderStream(part, s.opts.ChunkSize))
	if err != nil {
		stage := pipeline.StageOf(err)
		s.metrics.StageFailed(stage.String())
		s.metrics.UpdateLatency(start)
		s.monitor.Failed(n, err, time.Since(start))
		logger.Warn("HTTP", "Upload #%d failed in %s: %v", n, stage, err)
		http.Error(w, fmt.Sprintf("Upload failed while %s", stage), statusFor(err))
		return
	}

	for _, st := range res.Stages {
		s.metrics.ObserveStage(st.State.String(), st.Duration)
	}
	s.metrics.RequestsSucceeded.Add(1)
	s.metrics.UploadBytes.Add(uint64(res.Upload.Size))
	s.metrics.FacesDetected.Add(uint64(len(res.Faces)))
	s.metrics.OutputBytes.Add(uint64(len(res.PNG)))
	s.metrics.UpdateLatency(start)
	s.monitor.Succeeded(n, res, time.Since(start))

	logger.Info("HTTP", "Upload #%d %s: %d bytes, %dx%d, %d faces in %s",
		n, res.Key, res.Upload.Size, res.Width, res.Height, len(res.Faces),
		time.Since(start).Round(time.Millisecond))

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.PNG)))
	w.Header().Set("X-Faces", strconv.Itoa(len(res.Faces)))
	w.Header().Set("X-Upload-Key", res.Key)
	w.Header().Set("X-Upload-Digest", res.Upload.Digest)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.PNG)
}

func (s *Server) reject(w http.ResponseWriter, n uint64, start time.Time, status int, err error) {
	s.metrics.StageFailed(pipeline.Receiving.String())
	s.monitor.Failed(n, &pipeline.Error{Stage: pipeline.Receiving, Err: err}, time.Since(start))
	logger.Warn("HTTP", "Upload #%d rejected: %v", n, err)
	http.Error(w, http.StatusText(status), status)
}

// nextFilePart returns the first part of field that carries a file name.
// Other parts are skipped.
func nextFilePart(mr *multipart.Reader, field string) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w in field %q", errNoFilePart, field)
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == field && part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}

func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
