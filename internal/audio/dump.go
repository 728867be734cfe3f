package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-companion/internal/pcm"
)

// Dumper writes each finished utterance to a WAV file for offline review.
type Dumper struct {
	dir   string
	clock func() time.Time
	seq   atomic.Uint64
}

// NewDumper returns nil when dir is empty.
func NewDumper(dir string) (*Dumper, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dump dir: %w", err)
	}
	return &Dumper{dir: dir, clock: time.Now}, nil
}

// Write stores chunks as one 16-bit WAV file and returns its path. Nothing is written for an
// empty utterance.
func (d *Dumper) Write(chunks []pcm.Chunk, format pcm.Format) (string, error) {
	samples := pcm.PCM16ToInt16(pcm.Join(chunks))
	if len(samples) == 0 {
		return "", nil
	}
	name := fmt.Sprintf("utterance-%s-%03d.wav", d.clock().UTC().Format("20060102T150405"), d.seq.Add(1))
	path := filepath.Join(d.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	data := make([]int, len(samples))
	for i, v := range samples {
		data[i] = int(v)
	}
	enc := wav.NewEncoder(f, format.SampleRate, format.BitDepth, format.Channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           data,
		SourceBitDepth: format.BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return "", fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("finalize wav: %w", err)
	}
	return path, nil
}
