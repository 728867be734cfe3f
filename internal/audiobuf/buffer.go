// Package audiobuf holds the bounded capture and playback chunk queues.
package audiobuf

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-companion/internal/pcm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Queue selects one of the two buffers.
type Queue int

const (
	Capture Queue = iota
	Playback
)

func (q Queue) String() string {
	switch q {
	case Capture:
		return "capture"
	case Playback:
		return "playback"
	}
	return "unknown"
}

const (
	DefaultCaptureMax  = 50
	DefaultPlaybackMax = 100
)

type Statistics struct {
	CaptureChunks  int
	CaptureBytes   int
	PlaybackChunks int
	PlaybackBytes  int
	Evicted        uint64
}

// Manager guards both queues with one mutex so no caller observes a half-applied change.
type Manager struct {
	mu       sync.Mutex
	capture  []pcm.Chunk
	playback []pcm.Chunk
	maxes    [2]int
	evicted  uint64
	log      *slog.Logger

	evictCounter metric.Int64Counter
}

// New creates a manager. Non-positive maxima fall back to the defaults.
func New(captureMax, playbackMax int, logger *slog.Logger) *Manager {
	if captureMax <= 0 {
		captureMax = DefaultCaptureMax
	}
	if playbackMax <= 0 {
		playbackMax = DefaultPlaybackMax
	}
	m := &Manager{
		maxes: [2]int{captureMax, playbackMax},
		log:   logger.With(slog.String("component", "audiobuf")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-companion/audiobuf")
	if c, err := meter.Int64Counter("companion.audio.evicted", metric.WithDescription("Audio chunks evicted from a full queue")); err == nil {
		m.evictCounter = c
	}
	if g, err := meter.Int64ObservableGauge("companion.audio.queued", metric.WithDescription("Audio chunks waiting in each queue")); err == nil {
		_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			st := m.Statistics()
			o.ObserveInt64(g, int64(st.CaptureChunks), metric.WithAttributes(attribute.String("queue", Capture.String())))
			o.ObserveInt64(g, int64(st.PlaybackChunks), metric.WithAttributes(attribute.String("queue", Playback.String())))
			return nil
		}, g)
	}
	return m
}

// Max returns the configured bound of q.
func (m *Manager) Max(q Queue) int {
	return m.maxes[q]
}

// Append adds chunk to the tail of q, evicting from the head until the bound holds. It returns
// the number of chunks evicted.
func (m *Manager) Append(chunk pcm.Chunk, q Queue) int {
	m.mu.Lock()
	list := m.queue(q)
	*list = append(*list, chunk)
	evicted := 0
	if over := len(*list) - m.maxes[q]; over > 0 {
		for i := 0; i < over; i++ {
			(*list)[i] = nil
		}
		*list = append((*list)[:0], (*list)[over:]...)
		evicted = over
		m.evicted += uint64(over)
	}
	m.mu.Unlock()

	if evicted > 0 {
		m.log.Debug("evicted audio chunks", slog.String("queue", q.String()), slog.Int("count", evicted))
		if m.evictCounter != nil {
			m.evictCounter.Add(context.Background(), int64(evicted), metric.WithAttributes(attribute.String("queue", q.String())))
		}
	}
	return evicted
}

// DrainCapture returns every queued capture chunk in order and empties the queue.
func (m *Manager) DrainCapture() []pcm.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.capture
	m.capture = nil
	return out
}

// TakeNextPlayback pops the head of the playback queue.
func (m *Manager) TakeNextPlayback() (pcm.Chunk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.playback) == 0 {
		return nil, false
	}
	c := m.playback[0]
	m.playback[0] = nil
	m.playback = m.playback[1:]
	return c, true
}

func (m *Manager) Clear(q Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.queue(q) = nil
}

func (m *Manager) Size(q Queue) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(*m.queue(q))
}

func (m *Manager) HasPendingPlayback() bool {
	return m.Size(Playback) > 0
}

// Statistics returns chunk counts and byte totals for both queues from one consistent view.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Statistics{
		CaptureChunks:  len(m.capture),
		CaptureBytes:   totalBytes(m.capture),
		PlaybackChunks: len(m.playback),
		PlaybackBytes:  totalBytes(m.playback),
		Evicted:        m.evicted,
	}
}

func (m *Manager) queue(q Queue) *[]pcm.Chunk {
	if q == Playback {
		return &m.playback
	}
	return &m.capture
}

func totalBytes(chunks []pcm.Chunk) int {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	return n
}
