package audio

import (
	"math"
	"sync"
	"time"

	"github.com/loqalabs/loqa-companion/internal/pcm"
	"github.com/loqalabs/loqa-companion/internal/stream"
)

type MockOptions struct {
	// SampleRate and Channels describe the synthetic microphone. Defaults: 48 kHz stereo.
	SampleRate int
	Channels   int
	// Interval between tap callbacks. Default 20ms.
	Interval time.Duration
	// Speed divides playback time; 0 renders chunks instantly.
	Speed float64
	// ToneHz sets the synthetic microphone tone. Default 220 Hz.
	ToneHz float64
}

type scheduled struct {
	chunk pcm.Chunk
	done  func()
	gen   uint64
}

// MockEngine stands in for audio hardware on development machines: the microphone produces a
// sine tone and the speaker discards audio after its play time has elapsed.
type MockEngine struct {
	opts MockOptions

	mu       sync.Mutex
	running  bool
	tap      func(Buffer)
	stopTap  chan struct{}
	tapDone  chan struct{}
	outQ     *stream.Queue[scheduled]
	outDone  chan struct{}
	gen      uint64
	rendered int
}

func NewMockEngine(opts MockOptions) *MockEngine {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 48000
	}
	if opts.Channels <= 0 {
		opts.Channels = 2
	}
	if opts.Interval <= 0 {
		opts.Interval = 20 * time.Millisecond
	}
	if opts.ToneHz <= 0 {
		opts.ToneHz = 220
	}
	return &MockEngine{opts: opts}
}

func (m *MockEngine) ActivateSession() error   { return nil }
func (m *MockEngine) DeactivateSession() error { return nil }

func (m *MockEngine) InputFormat() pcm.Format {
	return pcm.Format{SampleRate: m.opts.SampleRate, Channels: m.opts.Channels, BitDepth: 16}
}

func (m *MockEngine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	m.outQ = stream.NewQueue[scheduled]()
	m.outDone = make(chan struct{})
	go m.render(m.outQ, m.outDone)
	if m.tap != nil {
		m.startTapLocked()
	}
	return nil
}

func (m *MockEngine) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.gen++
	outQ, outDone := m.outQ, m.outDone
	m.outQ = nil
	stopTap, tapDone := m.stopTapLocked()
	m.mu.Unlock()

	if stopTap != nil {
		close(stopTap)
		<-tapDone
	}
	outQ.Abandon()
	<-outDone
	return nil
}

func (m *MockEngine) InstallTap(fn func(Buffer)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tap = fn
	if m.running && m.stopTap == nil {
		m.startTapLocked()
	}
	return nil
}

func (m *MockEngine) RemoveTap() {
	m.mu.Lock()
	m.tap = nil
	stopTap, tapDone := m.stopTapLocked()
	m.mu.Unlock()
	if stopTap != nil {
		close(stopTap)
		<-tapDone
	}
}

func (m *MockEngine) Schedule(chunk pcm.Chunk, done func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outQ == nil {
		return errEngineStopped
	}
	m.outQ.Push(scheduled{chunk: chunk, done: done, gen: m.gen})
	return nil
}

func (m *MockEngine) HaltOutput() {
	m.mu.Lock()
	m.gen++
	m.mu.Unlock()
}

// Rendered returns the number of chunks played to completion.
func (m *MockEngine) Rendered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rendered
}

func (m *MockEngine) startTapLocked() {
	m.stopTap = make(chan struct{})
	m.tapDone = make(chan struct{})
	go m.generate(m.tap, m.stopTap, m.tapDone)
}

func (m *MockEngine) stopTapLocked() (chan struct{}, chan struct{}) {
	stopTap, tapDone := m.stopTap, m.tapDone
	m.stopTap, m.tapDone = nil, nil
	return stopTap, tapDone
}

func (m *MockEngine) generate(tap func(Buffer), stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	frames := int(float64(m.opts.SampleRate) * m.opts.Interval.Seconds())
	step := 2 * math.Pi * m.opts.ToneHz / float64(m.opts.SampleRate)
	phase := 0.0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		samples := make([]float32, frames*m.opts.Channels)
		for i := 0; i < frames; i++ {
			v := float32(0.2 * math.Sin(phase))
			phase += step
			for c := 0; c < m.opts.Channels; c++ {
				samples[i*m.opts.Channels+c] = v
			}
		}
		tap(Buffer{Float32: samples})
	}
}

func (m *MockEngine) render(q *stream.Queue[scheduled], done chan<- struct{}) {
	defer close(done)
	wire := pcm.Wire()
	for item := range q.C() {
		if m.opts.Speed > 0 {
			time.Sleep(time.Duration(float64(wire.Duration(len(item.chunk))) / m.opts.Speed))
		}
		m.mu.Lock()
		current := item.gen == m.gen
		if current {
			m.rendered++
		}
		m.mu.Unlock()
		if current && item.done != nil {
			item.done()
		}
	}
}
