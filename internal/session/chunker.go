package session

import (
	"fmt"
	"time"

	"github.com/MrWong99/cadence/pkg/audio"
)

// Trailing decides what happens to the remainder of an upload that does not
// fill a whole window.
type Trailing int

const (
	// TrailingEmit emits the remainder with its true, shorter duration.
	TrailingEmit Trailing = iota

	// TrailingPad pads the remainder with digital silence up to a full window.
	TrailingPad
)

// String returns the config spelling of the policy.
func (t Trailing) String() string {
	if t == TrailingPad {
		return "pad"
	}
	return "emit"
}

// Chunk is one window of a session's audio stream, the unit of silence
// classification.
type Chunk struct {
	// Seq is the position in the session's chunk sequence, starting at 1.
	Seq uint64

	// Start is the offset of the chunk in the session's cumulative waveform.
	Start time.Duration

	// Duration is the true length of the chunk.
	Duration time.Duration

	// PCM holds canonical little-endian 16-bit samples.
	PCM []byte

	// Silent is the classifier's verdict. Only meaningful once Classified.
	Silent bool

	// Classified is set together with Silent, exactly once.
	Classified bool
}

// StartMs returns Start in milliseconds.
func (c Chunk) StartMs() int64 { return c.Start.Milliseconds() }

// DurationMs returns Duration in milliseconds.
func (c Chunk) DurationMs() int64 { return c.Duration.Milliseconds() }

// classify records the verdict. It reports false if the chunk was already
// classified, in which case the first verdict stands.
func (c *Chunk) classify(silent bool) bool {
	if c.Classified {
		return false
	}
	c.Silent = silent
	c.Classified = true
	return true
}

// Piece is a window cut from one upload before it is numbered.
type Piece struct {
	PCM      []byte
	Duration time.Duration
}

// Split cuts w into non-overlapping windows of the given length. Full windows
// are exact; the remainder follows trailing. Split is pure and safe to call
// from any goroutine.
func Split(w audio.Waveform, window time.Duration, trailing Trailing) ([]Piece, error) {
	if !w.Format.Valid() {
		return nil, fmt.Errorf("session: split: invalid format %s", w.Format)
	}
	size := w.Format.BytesForDuration(window)
	if size <= 0 {
		return nil, fmt.Errorf("session: split: window %s too short for %s", window, w.Format)
	}
	frame := w.Format.FrameBytes()
	usable := len(w.PCM) - len(w.PCM)%frame

	pieces := make([]Piece, 0, usable/size+1)
	for off := 0; off < usable; off += size {
		end := min(off+size, usable)
		pcm := w.PCM[off:end]
		if len(pcm) < size && trailing == TrailingPad {
			padded := make([]byte, size)
			copy(padded, pcm)
			pcm = padded
		}
		pieces = append(pieces, Piece{PCM: pcm, Duration: w.Format.Duration(len(pcm))})
	}
	return pieces, nil
}

// Chunker numbers the pieces of successive uploads into one gapless chunk
// sequence and tracks the cumulative offset of the session's waveform.
//
// A Chunker belongs to one session and is not safe for concurrent use.
type Chunker struct {
	window   time.Duration
	trailing Trailing
	format   audio.Format

	lastSeq uint64
	offset  time.Duration
}

// NewChunker returns a Chunker cutting canonical-format audio into windows.
func NewChunker(window time.Duration, trailing Trailing, format audio.Format) *Chunker {
	return &Chunker{window: window, trailing: trailing, format: format}
}

// Window returns the configured window length.
func (c *Chunker) Window() time.Duration { return c.window }

// Trailing returns the configured remainder policy.
func (c *Chunker) Trailing() Trailing { return c.trailing }

// Slice cuts the newly appended waveform w into chunks and numbers them.
func (c *Chunker) Slice(w audio.Waveform) ([]Chunk, error) {
	if w.Format != c.format {
		return nil, fmt.Errorf("session: slice: got %s, want %s", w.Format, c.format)
	}
	pieces, err := Split(w, c.window, c.trailing)
	if err != nil {
		return nil, err
	}
	return c.Number(pieces), nil
}

// Number appends pieces to the sequence, assigning Seq and Start.
func (c *Chunker) Number(pieces []Piece) []Chunk {
	chunks := make([]Chunk, len(pieces))
	for i, p := range pieces {
		c.lastSeq++
		chunks[i] = Chunk{
			Seq:      c.lastSeq,
			Start:    c.offset,
			Duration: p.Duration,
			PCM:      p.PCM,
		}
		c.offset += p.Duration
	}
	return chunks
}

// NextSeq returns the sequence index the next chunk will get.
func (c *Chunker) NextSeq() uint64 { return c.lastSeq + 1 }

// Offset returns the cumulative duration sliced so far.
func (c *Chunker) Offset() time.Duration { return c.offset }

// Concat joins the PCM of chunks in the order given.
func Concat(chunks []Chunk) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c.PCM)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c.PCM...)
	}
	return out
}
