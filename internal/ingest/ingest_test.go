package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"mime/multipart"
	"os"
	"path/filepath"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/faceoverlay/internal/storage"
	"github.com/dj-oyu/faceoverlay/internal/workpool"
)

type sliceStream struct {
	chunks [][]byte
	tail   error
}

func (s *sliceStream) Next() ([]byte, error) {
	if len(s.chunks) == 0 {
		if s.tail != nil {
			return nil, s.tail
		}
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func splitRandom(rng *rand.Rand, data []byte) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		n := rng.Intn(len(data)) + 1
		if rng.Intn(4) == 0 {
			chunks = append(chunks, []byte{})
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

func newFileSink(t *testing.T) *storage.FileSink {
	t.Helper()
	pool := workpool.New("io", 2, 8)
	t.Cleanup(pool.Close)
	sink, err := storage.NewFileSink(t.TempDir(), pool)
	require.NoError(t, err)
	return sink
}

func TestIngestChunkBoundariesDoNotMatter(t *testing.T) {
	sink := newFileSink(t)
	in := New(sink)
	rng := rand.New(rand.NewSource(7))

	payload := make([]byte, 10_000)
	rng.Read(payload)

	for i := 0; i < 25; i++ {
		stream := &sliceStream{chunks: splitRandom(rng, payload)}
		art, err := in.Ingest(context.Background(), "upload", stream)
		require.NoError(t, err)
		assert.Equal(t, int64(len(payload)), art.Size)

		got, err := os.ReadFile(art.Path)
		require.NoError(t, err)
		require.True(t, bytes.Equal(payload, got), "iteration %d", i)
	}
}

func TestIngestEmptyUpload(t *testing.T) {
	in := New(newFileSink(t))

	art, err := in.Ingest(context.Background(), "empty", &sliceStream{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), art.Size)
}

func TestIngestStreamAbortIsTransferError(t *testing.T) {
	sink := newFileSink(t)
	in := New(sink)

	stream := &sliceStream{
		chunks: [][]byte{[]byte("abc"), []byte("def")},
		tail:   io.ErrUnexpectedEOF,
	}
	art, err := in.Ingest(context.Background(), "cut", stream)
	require.Error(t, err)
	assert.Zero(t, art.Size)

	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int64(6), te.Written)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// Partial artifact is left in place.
	data, rerr := sink.ReadAll(context.Background(), "cut")
	require.NoError(t, rerr)
	assert.Equal(t, "abcdef", string(data))
}

func TestIngestTruncatedMultipartPart(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "face.png")
	require.NoError(t, err)
	_, err = part.Write(bytes.Repeat([]byte{0xAB}, 4096))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	// Drop the closing boundary and half the payload.
	cut := body.Bytes()[:body.Len()/2]
	mr := multipart.NewReader(bytes.NewReader(cut), mw.Boundary())
	p, err := mr.NextPart()
	require.NoError(t, err)

	in := New(newFileSink(t))
	_, err = in.Ingest(context.Background(), "upload", NewReaderStream(p, 100))

	var te *TransferError
	require.ErrorAs(t, err, &te)
}

type failingSink struct {
	failAfter int
	writes    int
	aborted   bool
}

func (s *failingSink) Open(ctx context.Context, key string) (storage.Writer, error) {
	return s, nil
}

func (s *failingSink) Write(ctx context.Context, p []byte) error {
	s.writes++
	if s.writes > s.failAfter {
		return errors.New("disk full")
	}
	return nil
}

func (s *failingSink) Finalize(ctx context.Context) (storage.Artifact, error) {
	return storage.Artifact{}, errors.New("finalize after failure")
}

func (s *failingSink) Abort() {
	s.aborted = true
}

func TestIngestWriteFailureAbortsStream(t *testing.T) {
	sink := &failingSink{failAfter: 2}
	in := New(sink)

	stream := &sliceStream{chunks: [][]byte{{1}, {2}, {3}, {4}, {5}}}
	_, err := in.Ingest(context.Background(), "k", stream)

	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int64(2), te.Written)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, sink.aborted)
	assert.Equal(t, 3, sink.writes)
	assert.Len(t, stream.chunks, 2, "remaining stream must not be consumed")
}

func TestIngestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := New(newFileSink(t))
	_, err := in.Ingest(ctx, "k", &sliceStream{chunks: [][]byte{[]byte("x")}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReaderStream(t *testing.T) {
	src := bytes.Repeat([]byte("0123456789"), 10)
	s := NewReaderStream(iotest.OneByteReader(bytes.NewReader(src)), 16)

	var got []byte
	for {
		chunk, err := s.Next()
		got = append(got, chunk...)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, src, got)

	s = NewReaderStream(iotest.DataErrReader(bytes.NewReader([]byte("tail"))), 0)
	chunk, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "tail", string(chunk))
	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestIngestOpenFailure(t *testing.T) {
	pool := workpool.New("io", 1, 1)
	defer pool.Close()
	dir := t.TempDir()
	sink, err := storage.NewFileSink(filepath.Join(dir, "store"), pool)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "store")))

	_, err = New(sink).Ingest(context.Background(), "k", &sliceStream{})
	var te *TransferError
	require.ErrorAs(t, err, &te)
}
