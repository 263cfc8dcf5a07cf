package audio

import (
	"fmt"
	"time"

	"layeh.com/gopus"
)

// Opus packets from browser recorders are 48 kHz stereo at 20 ms per frame.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	opusFrameSize  = opusSampleRate * 20 / 1000 // 960 samples per channel
)

// OpusFormat is the PCM layout [OpusBatcher] decodes into.
var OpusFormat = Format{SampleRate: opusSampleRate, Channels: opusChannels}

// OpusBatcher decodes a stream of Opus packets and groups the PCM into
// uploads of a fixed duration. One batcher per stream; it is not safe for
// concurrent use because the Opus decoder is stateful.
type OpusBatcher struct {
	dec       *gopus.Decoder
	batch     int
	pending   []byte
	decodeErr int
}

// NewOpusBatcher creates a batcher that emits an upload every batch of
// decoded audio.
func NewOpusBatcher(batch time.Duration) (*OpusBatcher, error) {
	if batch <= 0 {
		return nil, fmt.Errorf("audio: opus batch duration must be positive, got %s", batch)
	}
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusBatcher{dec: dec, batch: OpusFormat.BytesForDuration(batch)}, nil
}

// Write decodes one Opus packet. When enough audio has accumulated it
// returns a complete batch as raw PCM (see [OpusBatcher.ContentType]);
// otherwise it returns nil.
func (b *OpusBatcher) Write(packet []byte) ([]byte, error) {
	pcm, err := b.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		b.decodeErr++
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	b.pending = append(b.pending, Int16sToBytes(pcm)...)
	if len(b.pending) < b.batch {
		return nil, nil
	}
	out := b.pending[:b.batch:b.batch]
	rest := make([]byte, len(b.pending)-b.batch)
	copy(rest, b.pending[b.batch:])
	b.pending = rest
	return out, nil
}

// Flush returns whatever audio is buffered, or nil when empty.
func (b *OpusBatcher) Flush() []byte {
	if len(b.pending) == 0 {
		return nil
	}
	out := b.pending
	b.pending = nil
	return out
}

// DecodeErrors returns how many packets failed to decode.
func (b *OpusBatcher) DecodeErrors() int { return b.decodeErr }

// ContentType is the media type of the batches, understood by [RawDecoder].
func (b *OpusBatcher) ContentType() string {
	return fmt.Sprintf("audio/L16; rate=%d; channels=%d", opusSampleRate, opusChannels)
}
