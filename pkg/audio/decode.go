package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
)

var (
	// ErrUndecodable is returned when no decoder could turn a payload into PCM.
	ErrUndecodable = errors.New("audio: undecodable payload")

	// ErrUnsupportedFormat is wrapped into ErrUndecodable when no registered
	// decoder recognises the payload at all.
	ErrUnsupportedFormat = errors.New("audio: unsupported format")
)

// Decoder turns one encoded audio payload into PCM.
//
// Implementations must be safe for concurrent use; a single decoder is
// shared by every session.
type Decoder interface {
	// Name identifies the decoder in logs and metrics.
	Name() string

	// Accepts reports whether the decoder recognises the payload, judged from
	// the declared content type and the first bytes of the payload.
	Accepts(contentType string, header []byte) bool

	// Decode converts raw to PCM in the payload's native format.
	Decode(ctx context.Context, raw []byte, contentType string) (Waveform, error)
}

// sniffLen is how many leading bytes decoders get to inspect.
const sniffLen = 16

// Chain tries its decoders in order and normalises the first successful
// result to the target format.
type Chain struct {
	target   Format
	decoders []Decoder
}

// NewChain returns a [Chain] that normalises to target. Decoders are tried
// in the given order; put specific decoders before catch-alls like ffmpeg.
func NewChain(target Format, decoders ...Decoder) *Chain {
	d := make([]Decoder, len(decoders))
	copy(d, decoders)
	return &Chain{target: target, decoders: d}
}

// Target returns the format every decoded waveform is normalised to.
func (c *Chain) Target() Format { return c.target }

// Decode decodes raw and normalises it to the chain's target format. All
// failures wrap [ErrUndecodable].
func (c *Chain) Decode(ctx context.Context, raw []byte, contentType string) (Waveform, error) {
	if len(raw) == 0 {
		return Waveform{}, fmt.Errorf("%w: empty payload", ErrUndecodable)
	}
	header := raw[:min(len(raw), sniffLen)]

	var errs []error
	for _, d := range c.decoders {
		if !d.Accepts(contentType, header) {
			continue
		}
		w, err := d.Decode(ctx, raw, contentType)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			continue
		}
		out, err := Normalize(w, c.target)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			continue
		}
		if out.Empty() {
			errs = append(errs, fmt.Errorf("%s: decoded to zero samples", d.Name()))
			continue
		}
		return out, nil
	}
	if len(errs) == 0 {
		return Waveform{}, fmt.Errorf("%w: %w (content type %q)", ErrUndecodable, ErrUnsupportedFormat, contentType)
	}
	return Waveform{}, fmt.Errorf("%w: %w", ErrUndecodable, errors.Join(errs...))
}

// mediaType returns the lower-cased media type and its parameters, ignoring
// parse errors.
func mediaType(contentType string) (string, map[string]string) {
	if contentType == "" {
		return "", nil
	}
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType)), nil
	}
	return mt, params
}

func isWAV(header []byte) bool {
	return len(header) >= 12 && bytes.Equal(header[0:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WAVE"))
}

func isMP3(header []byte) bool {
	if len(header) >= 3 && bytes.Equal(header[0:3], []byte("ID3")) {
		return true
	}
	// MPEG audio frame sync: 11 set bits.
	return len(header) >= 2 && header[0] == 0xFF && header[1]&0xE0 == 0xE0
}

// RawDecoder accepts headerless 16-bit PCM declared through an
// "audio/L16; rate=16000; channels=1" style content type.
type RawDecoder struct{}

var _ Decoder = RawDecoder{}

// Name implements [Decoder].
func (RawDecoder) Name() string { return "pcm" }

// Accepts implements [Decoder].
func (RawDecoder) Accepts(contentType string, _ []byte) bool {
	mt, _ := mediaType(contentType)
	return mt == "audio/l16" || mt == "audio/pcm"
}

// Decode implements [Decoder]. Missing rate or channels parameters default to
// the canonical format.
func (RawDecoder) Decode(_ context.Context, raw []byte, contentType string) (Waveform, error) {
	_, params := mediaType(contentType)
	f := Canonical
	if v, ok := params["rate"]; ok {
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return Waveform{}, fmt.Errorf("pcm: invalid rate %q", v)
		}
		f.SampleRate = rate
	}
	if v, ok := params["channels"]; ok {
		ch, err := strconv.Atoi(v)
		if err != nil || ch <= 0 {
			return Waveform{}, fmt.Errorf("pcm: invalid channels %q", v)
		}
		f.Channels = ch
	}
	if len(raw)%f.FrameBytes() != 0 {
		return Waveform{}, fmt.Errorf("pcm: %d bytes is not a whole number of %s frames", len(raw), f)
	}
	pcm := make([]byte, len(raw))
	copy(pcm, raw)
	return Waveform{PCM: pcm, Format: f}, nil
}
