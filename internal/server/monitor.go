package server

import (
	"sync"
	"time"

	"github.com/dj-oyu/faceoverlay/internal/pipeline"
	"github.com/dj-oyu/faceoverlay/pkg/types"
)

const historySize = 8

// UploadRecord is the JSON shape of one processed upload in /api/status.
type UploadRecord struct {
	Request    uint64          `json:"request"`
	Key        string          `json:"key,omitempty"`
	Timestamp  float64         `json:"timestamp"`
	Bytes      int64           `json:"bytes"`
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	NumFaces   int             `json:"num_faces"`
	Faces      []types.FaceBox `json:"faces"`
	DurationMs int64           `json:"duration_ms"`
	FailedIn   string          `json:"failed_in,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// RequestStats counts uploads since startup.
type RequestStats struct {
	Total     uint64  `json:"total"`
	Succeeded uint64  `json:"succeeded"`
	Failed    uint64  `json:"failed"`
	Faces     uint64  `json:"faces"`
	Uptime    float64 `json:"uptime_seconds"`
}

// Monitor keeps the request counter and recent upload results.
type Monitor struct {
	startTime time.Time

	mu      sync.Mutex
	stats   RequestStats
	latest  *UploadRecord
	history []UploadRecord
}

// NewMonitor creates an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{startTime: time.Now()}
}

// Begin counts a new upload and returns its sequence number.
func (m *Monitor) Begin() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Total++
	return m.stats.Total
}

// Succeeded stores the result of upload n.
func (m *Monitor) Succeeded(n uint64, res *pipeline.Result, elapsed time.Duration) {
	rec := UploadRecord{
		Request:    n,
		Key:        res.Key,
		Timestamp:  float64(time.Now().Unix()),
		Bytes:      res.Upload.Size,
		Width:      res.Width,
		Height:     res.Height,
		NumFaces:   len(res.Faces),
		Faces:      res.Faces,
		DurationMs: elapsed.Milliseconds(),
	}
	if rec.Faces == nil {
		rec.Faces = []types.FaceBox{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Succeeded++
	m.stats.Faces += uint64(rec.NumFaces)
	m.latest = &rec
	if rec.NumFaces > 0 {
		m.history = append([]UploadRecord{rec}, m.history...)
		if len(m.history) > historySize {
			m.history = m.history[:historySize]
		}
	}
}

// Failed stores the failure of upload n.
func (m *Monitor) Failed(n uint64, err error, elapsed time.Duration) {
	rec := UploadRecord{
		Request:    n,
		Timestamp:  float64(time.Now().Unix()),
		Faces:      []types.FaceBox{},
		DurationMs: elapsed.Milliseconds(),
		FailedIn:   pipeline.StageOf(err).String(),
		Error:      err.Error(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Failed++
	m.latest = &rec
}

// Snapshot returns the counters, the latest upload and the recent uploads with faces.
func (m *Monitor) Snapshot() (RequestStats, *UploadRecord, []UploadRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.Uptime = time.Since(m.startTime).Seconds()

	var latest *UploadRecord
	if m.latest != nil {
		l := *m.latest
		latest = &l
	}

	historyCopy := make([]UploadRecord, len(m.history))
	copy(historyCopy, m.history)

	return stats, latest, historyCopy
}
