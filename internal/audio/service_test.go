package audio

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-companion/internal/audiobuf"
	"github.com/loqalabs/loqa-companion/internal/pcm"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEngine struct {
	mu          sync.Mutex
	format      pcm.Format
	starts      int
	stops       int
	activations int
	tap         func(Buffer)
	scheduled   []scheduledCall
	halts       int
}

type scheduledCall struct {
	chunk pcm.Chunk
	done  func()
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{format: pcm.Format{SampleRate: 48000, Channels: 2, BitDepth: 16}}
}

func (f *fakeEngine) ActivateSession() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activations++
	return nil
}

func (f *fakeEngine) DeactivateSession() error { return nil }

func (f *fakeEngine) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeEngine) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeEngine) InputFormat() pcm.Format { return f.format }

func (f *fakeEngine) InstallTap(fn func(Buffer)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tap = fn
	return nil
}

func (f *fakeEngine) RemoveTap() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tap = nil
}

func (f *fakeEngine) Schedule(chunk pcm.Chunk, done func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, scheduledCall{chunk: chunk, done: done})
	return nil
}

func (f *fakeEngine) HaltOutput() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halts++
}

func (f *fakeEngine) emit(b Buffer) {
	f.mu.Lock()
	tap := f.tap
	f.mu.Unlock()
	if tap != nil {
		tap(b)
	}
}

func (f *fakeEngine) call(i int) scheduledCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scheduled[i]
}

func (f *fakeEngine) counts() (starts, stops, scheduled int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, len(f.scheduled)
}

func stereo(frames int, v float32) Buffer {
	s := make([]float32, frames*2)
	for i := range s {
		s[i] = v
	}
	return Buffer{Float32: s}
}

func newService(engine Engine, opts Options) (*Service, *audiobuf.Manager) {
	buffers := audiobuf.New(50, 100, newLogger())
	return NewService(engine, buffers, opts, newLogger()), buffers
}

func TestCaptureConvertsAndChunksInOrder(t *testing.T) {
	engine := newFakeEngine()
	svc, buffers := newService(engine, Options{})

	chunks, err := svc.StartCapture()
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	// 250ms of 48 kHz stereo becomes two full 100ms chunks and a 50ms remainder.
	engine.emit(stereo(4800, 0.1))
	engine.emit(stereo(4800, 0.2))
	engine.emit(stereo(2400, 0.3))

	got := make([]pcm.Chunk, 0, 3)
	for len(got) < 2 {
		select {
		case c := <-chunks:
			got = append(got, c)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for capture chunks")
		}
	}
	if buffers.Size(audiobuf.Capture) < 2 {
		t.Fatalf("capture queue holds %d chunks", buffers.Size(audiobuf.Capture))
	}

	if err := svc.StopCapture(); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	for c := range chunks {
		got = append(got, c)
	}
	if len(got) != 3 {
		t.Fatalf("received %d chunks, want 3", len(got))
	}
	if len(got[0]) != 4800 || len(got[1]) != 4800 || len(got[2]) != 2400 {
		t.Fatalf("chunk sizes %d/%d/%d", len(got[0]), len(got[1]), len(got[2]))
	}
	first := pcm.PCM16ToFloat32(got[0])[10]
	second := pcm.PCM16ToFloat32(got[1])[10]
	if first > 0.11 || first < 0.09 || second < 0.19 || second > 0.21 {
		t.Fatalf("chunks out of order: %f then %f", first, second)
	}
	if buffers.Size(audiobuf.Capture) != 0 {
		t.Fatal("capture queue not cleared on stop")
	}
	if starts, stops, _ := engine.counts(); starts != 1 || stops != 1 {
		t.Fatalf("engine starts=%d stops=%d", starts, stops)
	}
	if svc.IsCapturing() {
		t.Fatal("still capturing")
	}
}

func TestStartCaptureRejectsInvalidFormat(t *testing.T) {
	engine := newFakeEngine()
	engine.format = pcm.Format{SampleRate: 48000, Channels: 0, BitDepth: 16}
	svc, _ := newService(engine, Options{})

	if _, err := svc.StartCapture(); !errors.Is(err, pcm.ErrInvalidFormat) {
		t.Fatalf("err = %v, want ErrInvalidFormat", err)
	}
	if starts, _, _ := engine.counts(); starts != 0 {
		t.Fatal("engine started for an unusable format")
	}
}

func TestStartCaptureTwice(t *testing.T) {
	svc, _ := newService(newFakeEngine(), Options{})
	if _, err := svc.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	defer svc.StopCapture()
	if _, err := svc.StartCapture(); !errors.Is(err, ErrCaptureActive) {
		t.Fatalf("err = %v, want ErrCaptureActive", err)
	}
}

func TestEngineSharedBetweenCaptureAndPlayback(t *testing.T) {
	engine := newFakeEngine()
	svc, _ := newService(engine, Options{})

	if _, err := svc.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := svc.PlayAudio(make(pcm.Chunk, 4800)); err != nil {
		t.Fatalf("PlayAudio: %v", err)
	}
	if err := svc.StopCapture(); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	if _, stops, _ := engine.counts(); stops != 0 {
		t.Fatal("engine stopped while playback still active")
	}
	if err := svc.StopPlayback(); err != nil {
		t.Fatalf("StopPlayback: %v", err)
	}
	starts, stops, _ := engine.counts()
	if starts != 1 || stops != 1 {
		t.Fatalf("engine starts=%d stops=%d, want 1/1", starts, stops)
	}

	if err := svc.StopPlayback(); err != nil {
		t.Fatalf("second StopPlayback: %v", err)
	}
	if err := svc.StopCapture(); err != nil {
		t.Fatalf("second StopCapture: %v", err)
	}
	if _, stops, _ := engine.counts(); stops != 1 {
		t.Fatal("redundant engine stop")
	}
}

func TestPlaybackCompletionTracksOutstanding(t *testing.T) {
	engine := newFakeEngine()
	var mu sync.Mutex
	var reports []int
	svc, _ := newService(engine, Options{MaxScheduled: 2, OnComplete: func(remaining int) {
		mu.Lock()
		reports = append(reports, remaining)
		mu.Unlock()
	}})

	for i := 0; i < 3; i++ {
		if err := svc.PlayAudio(pcm.Chunk{byte(i), 0}); err != nil {
			t.Fatalf("PlayAudio: %v", err)
		}
	}
	if _, _, n := engine.counts(); n != 2 {
		t.Fatalf("scheduled %d chunks, want 2", n)
	}
	if svc.Outstanding() != 3 {
		t.Fatalf("outstanding = %d, want 3", svc.Outstanding())
	}

	engine.call(0).done()
	if _, _, n := engine.counts(); n != 3 {
		t.Fatalf("queued chunk not scheduled after completion, scheduled=%d", n)
	}
	engine.call(1).done()
	engine.call(2).done()

	for i := 0; i < 3; i++ {
		if c := engine.call(i).chunk; c[0] != byte(i) {
			t.Fatalf("chunk %d scheduled out of order", i)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	want := []int{2, 1, 0}
	if len(reports) != len(want) {
		t.Fatalf("reports = %v, want %v", reports, want)
	}
	for i := range want {
		if reports[i] != want[i] {
			t.Fatalf("reports = %v, want %v", reports, want)
		}
	}
}

func TestCompletionAfterStopIsIgnored(t *testing.T) {
	engine := newFakeEngine()
	called := 0
	svc, buffers := newService(engine, Options{MaxScheduled: 1, OnComplete: func(int) { called++ }})

	svc.PlayAudio(pcm.Chunk{1, 2})
	svc.PlayAudio(pcm.Chunk{3, 4})
	if err := svc.StopPlayback(); err != nil {
		t.Fatalf("StopPlayback: %v", err)
	}
	engine.call(0).done()

	if called != 0 {
		t.Fatal("late completion reached the handler")
	}
	if svc.Outstanding() != 0 || buffers.HasPendingPlayback() {
		t.Fatal("playback state mutated after stop")
	}
	if _, _, n := engine.counts(); n != 1 {
		t.Fatal("late completion scheduled more audio")
	}
	if engine.halts != 1 {
		t.Fatalf("halts = %d", engine.halts)
	}
}

func TestMockEngineEndToEnd(t *testing.T) {
	engine := NewMockEngine(MockOptions{Interval: 5 * time.Millisecond})
	done := make(chan struct{}, 8)
	svc, _ := newService(engine, Options{OnComplete: func(remaining int) {
		if remaining == 0 {
			done <- struct{}{}
		}
	}})

	chunks, err := svc.StartCapture()
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	select {
	case c := <-chunks:
		if len(c) != svc.ChunkBytes() {
			t.Fatalf("chunk len = %d", len(c))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no audio from mock microphone")
	}
	if err := svc.StopCapture(); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}

	for _, c := range pcm.Split(make([]byte, 3*4800), 4800) {
		if err := svc.PlayAudio(c); err != nil {
			t.Fatalf("PlayAudio: %v", err)
		}
	}
	timeout := time.After(3 * time.Second)
	for engine.Rendered() < 3 {
		select {
		case <-done:
		case <-timeout:
			t.Fatalf("playback never completed, rendered %d", engine.Rendered())
		}
	}
	if err := svc.StopPlayback(); err != nil {
		t.Fatalf("StopPlayback: %v", err)
	}
}
