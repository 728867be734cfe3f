package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-companion/internal/pcm"
	"github.com/loqalabs/loqa-companion/internal/stream"
)

const portAudioFramesPerBuffer = 1024

// PortAudioEngine drives the default input and output devices through PortAudio. Input runs
// at the device's native rate and is converted by the service; output is opened directly in
// the wire format.
type PortAudioEngine struct {
	inputRate     int
	inputChannels int
	log           *slog.Logger

	tap atomic.Pointer[func(Buffer)]

	mu      sync.Mutex
	in      *portaudio.Stream
	out     *portaudio.Stream
	outQ    *stream.Queue[scheduled]
	outDone chan struct{}
	gen     atomic.Uint64
}

func NewPortAudioEngine(inputRate, inputChannels int, logger *slog.Logger) *PortAudioEngine {
	if inputRate <= 0 {
		inputRate = 48000
	}
	if inputChannels <= 0 {
		inputChannels = 1
	}
	return &PortAudioEngine{
		inputRate:     inputRate,
		inputChannels: inputChannels,
		log:           logger.With(slog.String("component", "portaudio")),
	}
}

func (e *PortAudioEngine) ActivateSession() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return nil
}

func (e *PortAudioEngine) DeactivateSession() error {
	return portaudio.Terminate()
}

func (e *PortAudioEngine) InputFormat() pcm.Format {
	return pcm.Format{SampleRate: e.inputRate, Channels: e.inputChannels, BitDepth: 16}
}

func (e *PortAudioEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.in != nil {
		return nil
	}

	in, err := portaudio.OpenDefaultStream(e.inputChannels, 0, float64(e.inputRate), portAudioFramesPerBuffer, e.callback)
	if err != nil {
		return fmt.Errorf("open input stream: %w", err)
	}
	wire := pcm.Wire()
	outBuf := make([]int16, wire.BytesFor(pcm.ChunkDuration)/2)
	out, err := portaudio.OpenDefaultStream(0, wire.Channels, float64(wire.SampleRate), len(outBuf), outBuf)
	if err != nil {
		in.Close()
		return fmt.Errorf("open output stream: %w", err)
	}
	if err := in.Start(); err != nil {
		in.Close()
		out.Close()
		return fmt.Errorf("start input stream: %w", err)
	}
	if err := out.Start(); err != nil {
		in.Stop()
		in.Close()
		out.Close()
		return fmt.Errorf("start output stream: %w", err)
	}

	e.in, e.out = in, out
	e.outQ = stream.NewQueue[scheduled]()
	e.outDone = make(chan struct{})
	go e.write(out, outBuf, e.outQ, e.outDone)
	return nil
}

func (e *PortAudioEngine) Stop() error {
	e.mu.Lock()
	in, out, outQ, outDone := e.in, e.out, e.outQ, e.outDone
	e.in, e.out, e.outQ = nil, nil, nil
	e.mu.Unlock()
	if in == nil {
		return nil
	}

	e.gen.Add(1)
	outQ.Abandon()
	<-outDone

	var firstErr error
	for _, s := range []*portaudio.Stream{in, out} {
		if err := s.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *PortAudioEngine) InstallTap(fn func(Buffer)) error {
	e.tap.Store(&fn)
	return nil
}

func (e *PortAudioEngine) RemoveTap() {
	e.tap.Store(nil)
}

func (e *PortAudioEngine) Schedule(chunk pcm.Chunk, done func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outQ == nil {
		return errEngineStopped
	}
	e.outQ.Push(scheduled{chunk: chunk, done: done, gen: e.gen.Load()})
	return nil
}

func (e *PortAudioEngine) HaltOutput() {
	e.gen.Add(1)
}

// callback runs on the PortAudio thread.
func (e *PortAudioEngine) callback(in []int16) {
	fn := e.tap.Load()
	if fn == nil {
		return
	}
	(*fn)(Buffer{Int16: in})
}

func (e *PortAudioEngine) write(out *portaudio.Stream, buf []int16, q *stream.Queue[scheduled], done chan<- struct{}) {
	defer close(done)
	for item := range q.C() {
		samples := pcm.PCM16ToInt16(item.chunk)
		for off := 0; off < len(samples); off += len(buf) {
			if item.gen != e.gen.Load() {
				break
			}
			n := copy(buf, samples[off:])
			for i := n; i < len(buf); i++ {
				buf[i] = 0
			}
			if err := out.Write(); err != nil {
				e.log.Warn("portaudio write failed", slogError(err))
				break
			}
		}
		if item.gen == e.gen.Load() && item.done != nil {
			item.done()
		}
	}
}
