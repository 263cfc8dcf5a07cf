package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// MP3Decoder decodes MPEG-1/2 layer III payloads. go-mp3 always produces
// 16-bit stereo at the stream's native sample rate.
type MP3Decoder struct{}

var _ Decoder = MP3Decoder{}

// Name implements [Decoder].
func (MP3Decoder) Name() string { return "mp3" }

// Accepts implements [Decoder].
func (MP3Decoder) Accepts(contentType string, header []byte) bool {
	if isMP3(header) {
		return true
	}
	mt, _ := mediaType(contentType)
	return mt == "audio/mpeg" || mt == "audio/mp3"
}

// Decode implements [Decoder].
func (MP3Decoder) Decode(_ context.Context, raw []byte, _ string) (Waveform, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(raw))
	if err != nil {
		return Waveform{}, fmt.Errorf("mp3: open: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return Waveform{}, fmt.Errorf("mp3: decode: %w", err)
	}
	f := Format{SampleRate: dec.SampleRate(), Channels: 2}
	// Trim a torn trailing frame.
	pcm = pcm[:len(pcm)-len(pcm)%f.FrameBytes()]
	return Waveform{PCM: pcm, Format: f}, nil
}
