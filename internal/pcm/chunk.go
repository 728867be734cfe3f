package pcm

// Chunk is a fixed-duration slice of wire-format audio. Chunks are never mutated once built.
type Chunk []byte

// Split cuts data into chunks of size bytes. The last chunk holds the remainder. Every chunk
// owns a copy of its bytes.
func Split(data []byte, size int) []Chunk {
	if size <= 0 || len(data) == 0 {
		return nil
	}
	n := (len(data) + size - 1) / size
	out := make([]Chunk, 0, n)
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		c := make(Chunk, end-off)
		copy(c, data[off:end])
		out = append(out, c)
	}
	return out
}

// Join concatenates chunks back into one buffer.
func Join(chunks []Chunk) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// Slicer accumulates arbitrarily sized writes and emits whole chunks of a fixed size.
type Slicer struct {
	size    int
	pending []byte
}

func NewSlicer(size int) *Slicer {
	return &Slicer{size: size}
}

// Write appends data and returns every chunk that is now complete.
func (s *Slicer) Write(data []byte) []Chunk {
	s.pending = append(s.pending, data...)
	if len(s.pending) < s.size {
		return nil
	}
	whole := len(s.pending) / s.size * s.size
	chunks := Split(s.pending[:whole], s.size)
	rest := copy(s.pending, s.pending[whole:])
	s.pending = s.pending[:rest]
	return chunks
}

// Flush returns the partial chunk still buffered, if any, and resets the slicer.
func (s *Slicer) Flush() (Chunk, bool) {
	if len(s.pending) == 0 {
		return nil, false
	}
	c := make(Chunk, len(s.pending))
	copy(c, s.pending)
	s.pending = s.pending[:0]
	return c, true
}

// Pending reports the number of bytes waiting for a full chunk.
func (s *Slicer) Pending() int {
	return len(s.pending)
}
