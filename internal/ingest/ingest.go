package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dj-oyu/faceoverlay/internal/logger"
	"github.com/dj-oyu/faceoverlay/internal/storage"
)

// DefaultChunkSize is the read size used when none is configured.
const DefaultChunkSize = 32 << 10

// ChunkStream yields the pieces of an upload in arrival order. Next returns
// io.EOF once the upload is complete; the returned slice is only valid until
// the next call.
type ChunkStream interface {
	Next() ([]byte, error)
}

// TransferError reports an upload that did not complete.
type TransferError struct {
	Key     string
	Written int64
	Err     error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of %s failed after %d bytes: %v", e.Key, e.Written, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Ingestor drains a chunk stream into a sink.
type Ingestor struct {
	sink storage.Sink
}

// New returns an Ingestor writing to sink.
func New(sink storage.Sink) *Ingestor {
	return &Ingestor{sink: sink}
}

// Ingest writes every chunk of stream to key, one write at a time and in
// order, and returns the finalized artifact. On failure the partial artifact
// stays on disk and the error is a *TransferError.
func (in *Ingestor) Ingest(ctx context.Context, key string, stream ChunkStream) (storage.Artifact, error) {
	w, err := in.sink.Open(ctx, key)
	if err != nil {
		return storage.Artifact{}, &TransferError{Key: key, Err: err}
	}

	var written int64
	fail := func(err error) (storage.Artifact, error) {
		w.Abort()
		logger.Warn("Ingest", "Upload %s aborted after %d bytes: %v", key, written, err)
		return storage.Artifact{}, &TransferError{Key: key, Written: written, Err: err}
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		chunk, err := stream.Next()
		if len(chunk) > 0 {
			if werr := w.Write(ctx, chunk); werr != nil {
				return fail(werr)
			}
			written += int64(len(chunk))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(err)
		}
	}

	art, err := w.Finalize(ctx)
	if err != nil {
		return storage.Artifact{}, &TransferError{Key: key, Written: written, Err: err}
	}
	if art.Size != written {
		return storage.Artifact{}, &TransferError{
			Key:     key,
			Written: written,
			Err:     fmt.Errorf("sink recorded %d bytes", art.Size),
		}
	}

	logger.Debug("Ingest", "Upload %s complete: %d bytes", key, written)
	return art, nil
}

// ReaderStream turns an io.Reader into a ChunkStream of at most size bytes
// per chunk. It reuses one buffer.
type ReaderStream struct {
	r   io.Reader
	buf []byte
}

// NewReaderStream wraps r.
func NewReaderStream(r io.Reader, size int) *ReaderStream {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &ReaderStream{r: r, buf: make([]byte, size)}
}

// Next reads the next chunk. A truncated source surfaces its error, not io.EOF.
func (s *ReaderStream) Next() ([]byte, error) {
	n, err := s.r.Read(s.buf)
	if n > 0 {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		return s.buf[:n], err
	}
	if err == nil {
		return nil, nil
	}
	return nil, err
}
