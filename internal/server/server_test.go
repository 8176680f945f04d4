package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
	"golang.org/x/image/draw"

	"github.com/dj-oyu/faceoverlay/internal/metrics"
	"github.com/dj-oyu/faceoverlay/internal/overlay"
	"github.com/dj-oyu/faceoverlay/internal/pipeline"
	"github.com/dj-oyu/faceoverlay/internal/result"
	"github.com/dj-oyu/faceoverlay/internal/storage"
	"github.com/dj-oyu/faceoverlay/internal/workpool"
	"github.com/dj-oyu/faceoverlay/pkg/types"
)

type fixedLocator struct {
	faces []types.FaceBox
}

func (f fixedLocator) Locate([]uint8, int, int) ([]types.FaceBox, error) {
	return f.faces, nil
}

func newTestServer(t *testing.T, opts Options, faces ...types.FaceBox) (*Server, *metrics.Metrics) {
	t.Helper()
	ioPool := workpool.New("io", 2, 8)
	cpu := workpool.New("cpu", 2, 8)
	t.Cleanup(func() {
		cpu.Close()
		ioPool.Close()
	})

	sink, err := storage.NewFileSink(t.TempDir(), ioPool)
	require.NoError(t, err)
	enc, err := result.NewEncoder("speed")
	require.NoError(t, err)

	asset := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	draw.Draw(asset, asset.Bounds(), image.NewUniform(color.NRGBA{G: 255, A: 255}), image.Point{}, draw.Src)

	orch := pipeline.New(pipeline.Options{
		Sink:       sink,
		Locator:    fixedLocator{faces: faces},
		Compositor: &overlay.Compositor{Filter: draw.NearestNeighbor, Outline: overlay.OutlineColor},
		Overlay:    asset,
		Encoder:    enc,
		CPU:        cpu,
	})

	m := metrics.New()
	return New(opts, orch, m), m
}

func pngBytes(t *testing.T, w, h int, noisy bool) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rng := rand.New(rand.NewSource(7))
	for i := range img.Pix {
		if noisy {
			img.Pix[i] = byte(rng.Intn(256))
		} else {
			img.Pix[i] = 128
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("note", "ignored"))
	if filename != "" {
		fw, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func postUpload(t *testing.T, h http.Handler, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getJSON(t *testing.T, h http.Handler, path string) map[string]any {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	return decodeJSONMap(t, rec.Body.Bytes())
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func TestIndexServesUploadForm(t *testing.T) {
	srv, _ := newTestServer(t, Options{UploadField: "photo"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), `enctype="multipart/form-data"`)
	assert.Contains(t, rec.Body.String(), `name="photo"`)
}

func TestUploadReturnsComposite(t *testing.T) {
	face := types.FaceBox{X: 4, Y: 4, Width: 20, Height: 20, Score: 6}
	srv, m := newTestServer(t, Options{}, face)
	h := srv.Handler()

	upload := pngBytes(t, 48, 32, false)
	body, ct := multipartBody(t, "file", "face.png", upload)
	rec := postUpload(t, h, body, ct)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get("X-Faces"))
	assert.NotEmpty(t, rec.Header().Get("X-Upload-Key"))

	sum := blake3.Sum256(upload)
	assert.Equal(t, hex.EncodeToString(sum[:]), rec.Header().Get("X-Upload-Digest"))

	out, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 48, 32), out.Bounds())

	r, _, _, _ := out.At(4, 4).RGBA()
	assert.Equal(t, uint32(0xffff), r, "outline corner")

	assert.Equal(t, uint64(1), m.RequestsSucceeded.Load())
	assert.Equal(t, uint64(1), m.FacesDetected.Load())
	assert.Equal(t, uint64(len(upload)), m.UploadBytes.Load())

	status := getJSON(t, h, "/api/status")
	requests := requireMap(t, status["requests"], "requests")
	assert.Equal(t, 1.0, requireNumber(t, requests["total"], "requests.total"))
	assert.Equal(t, 1.0, requireNumber(t, requests["succeeded"], "requests.succeeded"))
	latest := requireMap(t, status["latest_upload"], "latest_upload")
	assert.Equal(t, 1.0, requireNumber(t, latest["num_faces"], "latest_upload.num_faces"))
	assert.Len(t, status["upload_history"], 1)
}

func TestUploadClientErrors(t *testing.T) {
	srv, m := newTestServer(t, Options{})
	h := srv.Handler()

	rec := postUpload(t, h, strings.NewReader("raw bytes"), "application/octet-stream")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, ct := multipartBody(t, "file", "", nil)
	rec = postUpload(t, h, body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, ct = multipartBody(t, "other", "face.png", pngBytes(t, 8, 8, false))
	rec = postUpload(t, h, body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, uint64(3), m.RequestsFailed.Load())
	assert.Zero(t, m.RequestsSucceeded.Load())
}

func TestUploadPipelineFailureIsServerError(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()

	body, ct := multipartBody(t, "file", "notes.txt", []byte("this is not an image at all"))
	rec := postUpload(t, h, body, ct)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "decoding")

	status := getJSON(t, h, "/api/status")
	latest := requireMap(t, status["latest_upload"], "latest_upload")
	assert.Equal(t, "decoding", latest["failed_in"])
	assert.Empty(t, status["upload_history"])
}

func TestUploadTooLarge(t *testing.T) {
	srv, m := newTestServer(t, Options{MaxUploadBytes: 8 << 10})

	body, ct := multipartBody(t, "file", "big.png", pngBytes(t, 128, 128, true))
	rec := postUpload(t, srv.Handler(), body, ct)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, uint64(1), m.RequestsFailed.Load())
}

func TestUploadRateLimited(t *testing.T) {
	srv, m := newTestServer(t, Options{UploadRate: 0.001, UploadBurst: 1})
	h := srv.Handler()
	upload := pngBytes(t, 8, 8, false)

	body, ct := multipartBody(t, "file", "a.png", upload)
	assert.Equal(t, http.StatusOK, postUpload(t, h, body, ct).Code)

	body, ct = multipartBody(t, "file", "b.png", upload)
	rec := postUpload(t, h, body, ct)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, uint64(1), m.RequestsLimited.Load())

	// reads are never limited
	getJSON(t, h, "/api/status")
}

func TestHealthReportsReadiness(t *testing.T) {
	srv, _ := newTestServer(t, Options{DetectorReady: true})

	health := getJSON(t, srv.Handler(), "/health")
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, true, health["detector_ready"])
	assert.Equal(t, false, health["overlay_ready"])
}

func TestMonitorKeepsLastEightWithFaces(t *testing.T) {
	mon := NewMonitor()
	for i := 0; i < 12; i++ {
		n := mon.Begin()
		res := &pipeline.Result{Key: "k", Width: 10, Height: 10}
		if i%4 != 3 {
			res.Faces = []types.FaceBox{{Width: 5, Height: 5}}
		}
		mon.Succeeded(n, res, time.Millisecond)
	}

	stats, latest, history := mon.Snapshot()
	assert.Equal(t, uint64(12), stats.Total)
	assert.Equal(t, uint64(12), stats.Succeeded)
	assert.Equal(t, uint64(9), stats.Faces)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(12), latest.Request)
	assert.Equal(t, 0, latest.NumFaces)

	require.Len(t, history, historySize)
	assert.Equal(t, uint64(11), history[0].Request)
	for _, rec := range history {
		assert.Equal(t, 1, rec.NumFaces)
	}
}

func TestStatusStreamSendsEvents(t *testing.T) {
	srv, _ := newTestServer(t, Options{StatusInterval: 10 * time.Millisecond})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/status/stream", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	events := 0
	for events < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := decodeJSONMap(t, []byte(strings.TrimPrefix(line, "data: ")))
		requests := requireMap(t, payload["requests"], "requests")
		assert.Equal(t, 0.0, requireNumber(t, requests["total"], "requests.total"))
		events++
	}
}
