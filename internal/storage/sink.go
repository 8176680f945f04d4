package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/dj-oyu/faceoverlay/internal/logger"
	"github.com/dj-oyu/faceoverlay/internal/workpool"
)

// ErrFinalized is returned when writing to a handle that was finalized or aborted.
var ErrFinalized = errors.New("storage: handle already closed")

// Sink is a durable, append-only byte sink addressed by key.
type Sink interface {
	Open(ctx context.Context, key string) (Writer, error)
}

// Writer appends chunks to one artifact. Calls must not overlap.
type Writer interface {
	Write(ctx context.Context, p []byte) error
	Finalize(ctx context.Context) (Artifact, error)
	Abort()
}

// Artifact describes a finished artifact.
type Artifact struct {
	Key        string    `json:"key"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewKey returns a request-scoped storage key.
func NewKey() string {
	return uuid.NewString()
}

// FileSink stores artifacts as files under a base directory. Every open,
// write and finalize runs on the IO pool.
type FileSink struct {
	basePath string
	pool     *workpool.Pool
}

// NewFileSink creates the base directory and returns a sink bound to pool.
func NewFileSink(basePath string, pool *workpool.Pool) (*FileSink, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &FileSink{basePath: basePath, pool: pool}, nil
}

// Path returns the file path backing key.
func (s *FileSink) Path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return filepath.Join(s.basePath, key), nil
}

// Open truncates or creates the artifact at key.
func (s *FileSink) Open(ctx context.Context, key string) (Writer, error) {
	path, err := s.Path(key)
	if err != nil {
		return nil, err
	}

	var file *os.File
	err = s.pool.Do(ctx, func() error {
		var err error
		file, err = os.Create(path)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact %s: %w", key, err)
	}

	logger.Debug("Storage", "Opened artifact %s", path)
	return &fileWriter{
		sink:   s,
		key:    key,
		path:   path,
		file:   file,
		hasher: blake3.New(),
	}, nil
}

// Put writes data as a complete artifact.
func (s *FileSink) Put(ctx context.Context, key string, data []byte) (Artifact, error) {
	w, err := s.Open(ctx, key)
	if err != nil {
		return Artifact{}, err
	}
	if err := w.Write(ctx, data); err != nil {
		w.Abort()
		return Artifact{}, err
	}
	return w.Finalize(ctx)
}

// ReadAll reads a finished artifact on the IO pool.
func (s *FileSink) ReadAll(ctx context.Context, key string) ([]byte, error) {
	path, err := s.Path(key)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = s.pool.Do(ctx, func() error {
		var err error
		data, err = os.ReadFile(path)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", key, err)
	}
	return data, nil
}

type fileWriter struct {
	sink *FileSink
	key  string
	path string

	mu           sync.Mutex
	file         *os.File
	hasher       *blake3.Hasher
	bytesWritten int64
}

func (w *fileWriter) Write(ctx context.Context, p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrFinalized
	}

	return w.sink.pool.Do(ctx, func() error {
		n, err := w.file.Write(p)
		w.bytesWritten += int64(n)
		w.hasher.Write(p[:n])
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", w.key, err)
		}
		return nil
	})
}

func (w *fileWriter) Finalize(ctx context.Context) (Artifact, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return Artifact{}, ErrFinalized
	}

	file := w.file
	w.file = nil
	ran := false
	err := w.sink.pool.Do(ctx, func() error {
		ran = true
		if err := file.Sync(); err != nil {
			file.Close()
			return fmt.Errorf("failed to sync file: %w", err)
		}
		if err := file.Close(); err != nil {
			return fmt.Errorf("failed to close file: %w", err)
		}
		return nil
	})
	if err != nil {
		if !ran {
			// Never reached the pool; the file is still open.
			file.Close()
		}
		return Artifact{}, err
	}

	return Artifact{
		Key:        w.key,
		Path:       w.path,
		Size:       w.bytesWritten,
		Digest:     hex.EncodeToString(w.hasher.Sum(nil)),
		FinishedAt: time.Now(),
	}, nil
}

// Abort closes the file and leaves the partial artifact in place.
func (w *fileWriter) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return
	}
	if err := w.file.Close(); err != nil {
		logger.Warn("Storage", "Failed to close aborted artifact %s: %v", w.key, err)
	}
	w.file = nil
	logger.Debug("Storage", "Aborted artifact %s after %d bytes", w.key, w.bytesWritten)
}
