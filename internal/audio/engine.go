// Package audio bridges the microphone and speaker to wire-format PCM chunks.
package audio

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/pcm"
)

// Buffer is one hardware capture buffer. Exactly one of the sample slices is set; samples are
// interleaved when the input has more than one channel.
type Buffer struct {
	Float32 []float32
	Int16   []int16
}

func (b Buffer) clone() Buffer {
	var out Buffer
	if b.Float32 != nil {
		out.Float32 = append([]float32(nil), b.Float32...)
	}
	if b.Int16 != nil {
		out.Int16 = append([]int16(nil), b.Int16...)
	}
	return out
}

// Engine is the platform audio device shared by capture and playback.
//
// Schedule must not block and must not invoke done before it returns. done is called once the
// chunk has been rendered, unless HaltOutput discards it first. Tap callbacks run on the
// engine's own goroutine.
type Engine interface {
	// ActivateSession configures the device for simultaneous record and playback.
	ActivateSession() error
	DeactivateSession() error
	Start() error
	Stop() error
	InputFormat() pcm.Format
	InstallTap(fn func(Buffer)) error
	RemoveTap()
	Schedule(chunk pcm.Chunk, done func()) error
	HaltOutput()
}

var errEngineStopped = errors.New("audio: engine not running")

// NewEngine builds the backend named by cfg.Backend.
func NewEngine(cfg config.AudioConfig, logger *slog.Logger) (Engine, error) {
	switch cfg.Backend {
	case "", "mock":
		return NewMockEngine(MockOptions{}), nil
	case "portaudio":
		return NewPortAudioEngine(cfg.InputSampleRate, cfg.InputChannels, logger), nil
	case "exec":
		return NewExecEngine(cfg.CaptureCommand, cfg.PlaybackCommand, cfg.InputSampleRate, cfg.InputChannels, logger)
	default:
		return nil, fmt.Errorf("unknown audio backend %q", cfg.Backend)
	}
}
