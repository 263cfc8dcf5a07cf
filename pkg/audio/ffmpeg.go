package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// FFmpegDecoder shells out to ffmpeg for containers the pure-Go decoders do
// not handle (WebM, Ogg, M4A). ffmpeg performs the conversion to the
// requested format itself, so the result needs no further normalisation.
type FFmpegDecoder struct {
	// Path is the ffmpeg binary. Empty means "ffmpeg" on PATH.
	Path string

	// Output is the format ffmpeg is asked to produce. The zero value means
	// [Canonical].
	Output Format

	// AcceptAll makes the decoder a catch-all for any payload, not just the
	// containers it recognises by signature.
	AcceptAll bool
}

var _ Decoder = (*FFmpegDecoder)(nil)

// LookFFmpeg returns an [FFmpegDecoder] for the binary at path (or "ffmpeg"
// when empty), failing if it cannot be found.
func LookFFmpeg(path string) (*FFmpegDecoder, error) {
	if path == "" {
		path = "ffmpeg"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("audio: ffmpeg not available: %w", err)
	}
	return &FFmpegDecoder{Path: resolved}, nil
}

// Name implements [Decoder].
func (d *FFmpegDecoder) Name() string { return "ffmpeg" }

// Accepts implements [Decoder].
func (d *FFmpegDecoder) Accepts(contentType string, header []byte) bool {
	if d.AcceptAll {
		return true
	}
	switch {
	case len(header) >= 4 && bytes.Equal(header[:4], []byte{0x1A, 0x45, 0xDF, 0xA3}): // EBML (WebM/Matroska)
		return true
	case len(header) >= 4 && bytes.Equal(header[:4], []byte("OggS")):
		return true
	case len(header) >= 8 && bytes.Equal(header[4:8], []byte("ftyp")): // ISO BMFF (M4A)
		return true
	}
	mt, _ := mediaType(contentType)
	switch mt {
	case "audio/webm", "video/webm", "audio/ogg", "audio/opus", "audio/mp4", "audio/x-m4a", "audio/aac":
		return true
	}
	return false
}

// Decode implements [Decoder]. The payload is piped through stdin and raw
// s16le is read from stdout.
func (d *FFmpegDecoder) Decode(ctx context.Context, raw []byte, _ string) (Waveform, error) {
	out := d.Output
	if !out.Valid() {
		out = Canonical
	}
	path := d.Path
	if path == "" {
		path = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, path,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le", "-acodec", "pcm_s16le",
		"-ac", strconv.Itoa(out.Channels),
		"-ar", strconv.Itoa(out.SampleRate),
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(raw)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Waveform{}, fmt.Errorf("ffmpeg: %w", ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return Waveform{}, fmt.Errorf("ffmpeg: %w", err)
		}
		return Waveform{}, fmt.Errorf("ffmpeg: %w: %s", err, msg)
	}

	pcm := stdout.Bytes()
	pcm = pcm[:len(pcm)-len(pcm)%out.FrameBytes()]
	if len(pcm) == 0 {
		return Waveform{}, errors.New("ffmpeg: no audio stream produced")
	}
	return Waveform{PCM: pcm, Format: out}, nil
}
