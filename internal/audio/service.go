package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-companion/internal/audiobuf"
	"github.com/loqalabs/loqa-companion/internal/pcm"
	"github.com/loqalabs/loqa-companion/internal/stream"
)

var ErrCaptureActive = errors.New("audio: capture already running")

const defaultMaxScheduled = 4

type Options struct {
	Format       pcm.Format
	ChunkBytes   int
	MaxScheduled int
	Dumper       *Dumper
	OnComplete   func(remaining int)
}

// Service owns the shared engine. Capture and playback each hold an activity flag; the engine
// runs while either flag is set.
type Service struct {
	engine   Engine
	buffers  *audiobuf.Manager
	format   pcm.Format
	chunk    int
	maxSched int
	dumper   *Dumper
	log      *slog.Logger

	captureMu sync.Mutex
	capture   *captureRun

	engineMu      sync.Mutex
	engineRunning bool

	feedMu sync.Mutex

	mu         sync.Mutex
	capturing  bool
	playing    bool
	generation uint64
	inFlight   int
	onComplete func(remaining int)
}

// captureRun is one StartCapture/StopCapture span. recorded keeps every chunk of the run for
// the dumper, since the capture queue is bounded and drops its oldest chunks.
type captureRun struct {
	taps     *stream.Queue[Buffer]
	out      *stream.Queue[pcm.Chunk]
	done     chan struct{}
	chunks   int
	recorded []pcm.Chunk
}

func NewService(engine Engine, buffers *audiobuf.Manager, opts Options, logger *slog.Logger) *Service {
	format := opts.Format
	if format == (pcm.Format{}) {
		format = pcm.Wire()
	}
	chunk := opts.ChunkBytes
	if chunk <= 0 {
		chunk = format.BytesFor(pcm.ChunkDuration)
	}
	maxSched := opts.MaxScheduled
	if maxSched <= 0 {
		maxSched = defaultMaxScheduled
	}
	return &Service{
		engine:     engine,
		buffers:    buffers,
		format:     format,
		chunk:      chunk,
		maxSched:   maxSched,
		dumper:     opts.Dumper,
		onComplete: opts.OnComplete,
		log:        logger.With(slog.String("component", "audio")),
	}
}

// SetCompletionHandler installs the callback invoked after each scheduled chunk finishes. It
// receives the number of chunks still queued or scheduled; zero means playback is exhausted.
func (s *Service) SetCompletionHandler(fn func(remaining int)) {
	s.mu.Lock()
	s.onComplete = fn
	s.mu.Unlock()
}

func (s *Service) ChunkBytes() int { return s.chunk }

func (s *Service) IsCapturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capturing
}

func (s *Service) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Outstanding returns the number of playback chunks queued or scheduled.
func (s *Service) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight + s.buffers.Size(audiobuf.Playback)
}

// StartCapture begins recording. Every chunk is added to the capture queue and published on
// the returned channel in capture order; the channel closes when capture stops.
func (s *Service) StartCapture() (<-chan pcm.Chunk, error) {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	s.mu.Lock()
	if s.capturing {
		s.mu.Unlock()
		return nil, ErrCaptureActive
	}
	s.mu.Unlock()

	in := s.engine.InputFormat()
	conv, err := pcm.NewConverter(in.SampleRate, in.Channels, s.format)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.capturing = true
	s.mu.Unlock()
	if err := s.acquire(); err != nil {
		s.setCapturing(false)
		return nil, err
	}

	run := &captureRun{
		taps: stream.NewQueue[Buffer](),
		out:  stream.NewQueue[pcm.Chunk](),
		done: make(chan struct{}),
	}
	if err := s.engine.InstallTap(func(b Buffer) { run.taps.Push(b.clone()) }); err != nil {
		run.taps.Abandon()
		run.out.Close()
		s.setCapturing(false)
		s.releaseIfIdle()
		return nil, fmt.Errorf("install capture tap: %w", err)
	}
	go s.convert(run, conv)
	s.capture = run
	s.log.Debug("capture started", slog.String("input", in.String()), slog.String("wire", s.format.String()))
	return run.out.C(), nil
}

// convert hands hardware buffers from the tap to the capture queue.
func (s *Service) convert(run *captureRun, conv *pcm.Converter) {
	defer close(run.done)
	slicer := pcm.NewSlicer(s.chunk)
	for b := range run.taps.C() {
		var data []byte
		if b.Float32 != nil {
			data = conv.Float32(b.Float32)
		} else {
			data = conv.Int16(b.Int16)
		}
		for _, c := range slicer.Write(data) {
			s.publish(run, c)
		}
	}
	if rest, ok := slicer.Flush(); ok {
		s.publish(run, rest)
	}
}

// publish runs on the convert goroutine only.
func (s *Service) publish(run *captureRun, c pcm.Chunk) {
	s.buffers.Append(c, audiobuf.Capture)
	run.chunks++
	if s.dumper != nil {
		run.recorded = append(run.recorded, c)
	}
	run.out.Push(c)
}

// StopCapture removes the tap and clears the capture queue. The engine is released only when
// playback is inactive too. Safe to call when not capturing.
func (s *Service) StopCapture() error {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	run := s.capture
	s.capture = nil
	if run == nil {
		s.buffers.Clear(audiobuf.Capture)
		return nil
	}

	s.engine.RemoveTap()
	run.taps.Close()
	<-run.done
	run.out.Close()

	queued := s.buffers.DrainCapture()
	if s.dumper != nil {
		if path, err := s.dumper.Write(run.recorded, s.format); err != nil {
			s.log.Warn("failed to dump utterance", slogError(err))
		} else if path != "" {
			s.log.Debug("utterance dumped", slog.String("path", path), slog.Int("chunks", len(run.recorded)))
		}
	}

	s.setCapturing(false)
	s.log.Debug("capture stopped", slog.Int("chunks", run.chunks), slog.Int("queued", len(queued)))
	return s.releaseIfIdle()
}

// PlayAudio queues chunk for playback in arrival order.
func (s *Service) PlayAudio(chunk pcm.Chunk) error {
	if len(chunk) == 0 {
		return nil
	}
	s.mu.Lock()
	s.playing = true
	s.mu.Unlock()
	if err := s.acquire(); err != nil {
		s.mu.Lock()
		s.playing = false
		s.mu.Unlock()
		return err
	}
	if evicted := s.buffers.Append(chunk, audiobuf.Playback); evicted > 0 {
		s.log.Debug("playback queue full", slog.Int("evicted", evicted))
	}
	return s.feed()
}

// feed moves chunks from the playback queue to the engine while fewer than maxSched are
// scheduled.
func (s *Service) feed() error {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	for {
		s.mu.Lock()
		if !s.playing || s.inFlight >= s.maxSched {
			s.mu.Unlock()
			return nil
		}
		c, ok := s.buffers.TakeNextPlayback()
		if !ok {
			s.mu.Unlock()
			return nil
		}
		s.inFlight++
		gen := s.generation
		s.mu.Unlock()

		if err := s.engine.Schedule(c, func() { s.completed(gen) }); err != nil {
			s.mu.Lock()
			if gen == s.generation {
				s.inFlight--
			}
			s.mu.Unlock()
			return fmt.Errorf("schedule playback: %w", err)
		}
	}
}

func (s *Service) completed(gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.inFlight--
	s.mu.Unlock()

	if err := s.feed(); err != nil {
		s.log.Warn("failed to schedule queued audio", slogError(err))
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	remaining := s.inFlight + s.buffers.Size(audiobuf.Playback)
	fn := s.onComplete
	s.mu.Unlock()
	if fn != nil {
		fn(remaining)
	}
}

// StopPlayback halts output at once and drops queued audio. Completions for chunks scheduled
// before the stop are ignored.
func (s *Service) StopPlayback() error {
	s.mu.Lock()
	wasPlaying := s.playing
	s.playing = false
	s.generation++
	s.inFlight = 0
	s.mu.Unlock()

	if wasPlaying {
		s.engine.HaltOutput()
	}
	s.buffers.Clear(audiobuf.Playback)
	if !wasPlaying {
		return nil
	}
	s.log.Debug("playback stopped")
	return s.releaseIfIdle()
}

// Close stops both directions.
func (s *Service) Close() error {
	return errors.Join(s.StopCapture(), s.StopPlayback())
}

func (s *Service) setCapturing(v bool) {
	s.mu.Lock()
	s.capturing = v
	s.mu.Unlock()
}

func (s *Service) acquire() error {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	if s.engineRunning {
		return nil
	}
	if err := s.engine.ActivateSession(); err != nil {
		return fmt.Errorf("activate audio session: %w", err)
	}
	if err := s.engine.Start(); err != nil {
		_ = s.engine.DeactivateSession()
		return fmt.Errorf("start audio engine: %w", err)
	}
	s.engineRunning = true
	s.log.Debug("audio engine started")
	return nil
}

// releaseIfIdle stops the engine when neither direction is active. Both flags are read again
// under engineMu so a concurrent start either sees the engine running or restarts it.
func (s *Service) releaseIfIdle() error {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	if !s.engineRunning {
		return nil
	}
	s.mu.Lock()
	busy := s.capturing || s.playing
	s.mu.Unlock()
	if busy {
		return nil
	}
	s.engineRunning = false
	err := errors.Join(s.engine.Stop(), s.engine.DeactivateSession())
	s.log.Debug("audio engine stopped")
	if err != nil {
		return fmt.Errorf("stop audio engine: %w", err)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
