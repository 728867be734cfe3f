// Package pcm describes the fixed wire audio format and converts hardware sample buffers into it.
package pcm

import (
	"errors"
	"fmt"
	"time"
)

const (
	SampleRate    = 24000
	Channels      = 1
	BitDepth      = 16
	ChunkDuration = 100 * time.Millisecond
)

// ErrInvalidFormat is returned when a format cannot be produced or consumed.
var ErrInvalidFormat = errors.New("pcm: invalid audio format")

// Format describes linear PCM audio.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Wire returns the format exchanged with the remote voice service: 16-bit signed little endian,
// mono, 24 kHz.
func Wire() Format {
	return Format{SampleRate: SampleRate, Channels: Channels, BitDepth: BitDepth}
}

func (f Format) Validate() error {
	switch {
	case f.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	case f.Channels <= 0:
		return fmt.Errorf("%w: %d channels", ErrInvalidFormat, f.Channels)
	case f.BitDepth != 16:
		return fmt.Errorf("%w: %d-bit samples", ErrInvalidFormat, f.BitDepth)
	}
	return nil
}

func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitDepth / 8
}

// BytesFor returns the byte length of d worth of audio, rounded down to whole frames.
func (f Format) BytesFor(d time.Duration) int {
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return frames * f.BytesPerFrame()
}

// Duration returns how long n bytes of audio play for.
func (f Format) Duration(n int) time.Duration {
	bpf := f.BytesPerFrame()
	if bpf == 0 || f.SampleRate == 0 {
		return 0
	}
	frames := n / bpf
	return time.Duration(int64(frames) * int64(time.Second) / int64(f.SampleRate))
}

func (f Format) String() string {
	return fmt.Sprintf("pcm%d/%dch/%dHz", f.BitDepth, f.Channels, f.SampleRate)
}
