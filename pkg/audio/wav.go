package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-audio/wav"
)

// wavFormatPCM is the RIFF audio format tag for integer PCM.
const wavFormatPCM = 1

// WAVDecoder decodes RIFF/WAVE integer PCM payloads.
type WAVDecoder struct{}

var _ Decoder = WAVDecoder{}

// Name implements [Decoder].
func (WAVDecoder) Name() string { return "wav" }

// Accepts implements [Decoder].
func (WAVDecoder) Accepts(contentType string, header []byte) bool {
	if isWAV(header) {
		return true
	}
	mt, _ := mediaType(contentType)
	return mt == "audio/wav" || mt == "audio/wave" || mt == "audio/x-wav"
}

// Decode implements [Decoder]. Samples deeper or shallower than 16 bits are
// rescaled to 16-bit.
func (WAVDecoder) Decode(_ context.Context, raw []byte, _ string) (Waveform, error) {
	d := wav.NewDecoder(bytes.NewReader(raw))
	if !d.IsValidFile() {
		return Waveform{}, errors.New("wav: invalid RIFF/WAVE header")
	}
	if d.WavAudioFormat != wavFormatPCM {
		return Waveform{}, fmt.Errorf("wav: unsupported audio format tag %d", d.WavAudioFormat)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return Waveform{}, fmt.Errorf("wav: read pcm: %w", err)
	}
	f := Format{SampleRate: int(d.SampleRate), Channels: int(d.NumChans)}
	if !f.Valid() {
		return Waveform{}, fmt.Errorf("wav: invalid format %+v", f)
	}
	return Waveform{PCM: IntsToBytes(buf.Data, int(d.BitDepth)), Format: f}, nil
}

// EncodeWAV wraps 16-bit PCM in a 44-byte canonical RIFF/WAVE header.
func EncodeWAV(pcm []byte, f Format) []byte {
	const bitsPerSample = 16
	byteRate := f.SampleRate * f.Channels * bitsPerSample / 8
	blockAlign := f.Channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
