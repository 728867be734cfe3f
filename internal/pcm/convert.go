package pcm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Converter turns hardware sample buffers into wire-format bytes. It keeps the resampling
// phase between calls, so one Converter must be fed a single continuous stream.
type Converter struct {
	inRate     int
	inChannels int
	out        Format
	rs         *resampler
}

// NewConverter builds a converter from the hardware layout to target. It fails with
// ErrInvalidFormat when either side cannot be represented.
func NewConverter(inRate, inChannels int, target Format) (*Converter, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if target.Channels != 1 {
		return nil, fmt.Errorf("%w: target must be mono, got %d channels", ErrInvalidFormat, target.Channels)
	}
	if inRate <= 0 || inChannels <= 0 {
		return nil, fmt.Errorf("%w: hardware %d Hz / %d channels", ErrInvalidFormat, inRate, inChannels)
	}
	return &Converter{inRate: inRate, inChannels: inChannels, out: target, rs: newResampler(inRate, target.SampleRate)}, nil
}

func (c *Converter) Target() Format { return c.out }

// Float32 converts interleaved float samples in [-1, 1].
func (c *Converter) Float32(samples []float32) []byte {
	x := DownmixInterleaved(samples, c.inChannels)
	return Float32ToPCM16(c.rs.process(x))
}

// Int16 converts interleaved 16-bit samples.
func (c *Converter) Int16(samples []int16) []byte {
	if c.inChannels == 1 && c.inRate == c.out.SampleRate {
		out := make([]byte, len(samples)*2)
		for i, v := range samples {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
		}
		return out
	}
	return c.Float32(Int16ToFloat32(samples))
}

func Int16ToFloat32(data []int16) []float32 {
	out := make([]float32, len(data))
	const scale = 1.0 / 32768.0
	for i, v := range data {
		out[i] = float32(float64(v) * scale)
	}
	return out
}

// Float32ToPCM16 encodes samples as 16-bit little endian, clamping out-of-range values.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		s := clamp(float64(v), -1, 1)
		var q int16
		if s < 0 {
			q = int16(math.Round(s * 32768))
		} else {
			q = int16(math.Round(s * 32767))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(q))
	}
	return out
}

// PCM16ToFloat32 decodes 16-bit little endian bytes. A trailing odd byte is ignored.
func PCM16ToFloat32(data []byte) []float32 {
	n := len(data) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(float64(v) / 32768.0)
	}
	return out
}

// PCM16ToInt16 decodes 16-bit little endian bytes into samples.
func PCM16ToInt16(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

func DownmixInterleaved(in []float32, channels int) []float32 {
	if channels <= 1 {
		return in
	}
	frames := len(in) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		sum := 0.0
		base := i * channels
		for c := 0; c < channels; c++ {
			sum += float64(in[base+c])
		}
		out[i] = float32(sum / float64(channels))
	}
	return out
}

// ResampleLinear resamples one self-contained buffer. Streams cut into buffers should go
// through a Converter, which carries the position across buffer edges.
func ResampleLinear(in []float32, inRate, outRate int) []float32 {
	return newResampler(inRate, outRate).process(in)
}

// resampler interpolates linearly between input samples. pos is the next output position in
// input samples, relative to the start of the next buffer; it lies in [-1, 0) when the next
// output falls between the previous buffer's last sample and the next buffer's first.
type resampler struct {
	step   float64
	pos    float64
	prev   float32
	primed bool
}

func newResampler(inRate, outRate int) *resampler {
	if inRate == outRate {
		return nil
	}
	return &resampler{step: float64(inRate) / float64(outRate)}
}

func (r *resampler) process(in []float32) []float32 {
	if r == nil || len(in) == 0 {
		return in
	}
	at := func(i int) float32 {
		if i < 0 {
			return r.prev
		}
		return in[i]
	}
	last := float64(len(in) - 1)
	out := make([]float32, 0, int(float64(len(in))/r.step)+1)
	t := r.pos
	if !r.primed && t < 0 {
		t = 0
	}
	for ; t <= last; t += r.step {
		i0 := int(math.Floor(t))
		a := float32(t - float64(i0))
		if a == 0 || i0+1 > len(in)-1 {
			out = append(out, at(i0))
			continue
		}
		out = append(out, at(i0)*(1-a)+at(i0+1)*a)
	}
	r.pos = t - float64(len(in))
	r.prev = in[len(in)-1]
	r.primed = true
	return out
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
