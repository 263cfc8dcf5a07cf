package audio_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/MrWong99/cadence/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFloat32s(t *testing.T) {
	pcm := append(samplesToBytes([]int16{0, 16384, -16384, -32768, 32767}), 0x7f)
	got := audio.Float32s(pcm)
	want := []float32{0, 0.5, -0.5, -1, 32767.0 / 32768}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d (odd byte must be ignored)", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	mono := samplesToBytes([]int16{100, 200, 300})
	equalSamples(t, bytesToSamples(audio.MonoToStereo(mono)), []int16{100, 100, 200, 200, 300, 300})
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	equalSamples(t, bytesToSamples(audio.StereoToMono(stereo)), []int16{150, -150})
}

func TestDownmix_ThreeChannels(t *testing.T) {
	pcm := samplesToBytes([]int16{30, 60, 90, -3, -6, -9})
	equalSamples(t, bytesToSamples(audio.Downmix(pcm, 3)), []int16{60, -6})
}

func TestStereoToMono_NoOverflow(t *testing.T) {
	stereo := samplesToBytes([]int16{32767, 32767, -32768, -32768})
	equalSamples(t, bytesToSamples(audio.StereoToMono(stereo)), []int16{32767, -32768})
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        int
		src, dst  int
		wantCount int
	}{
		{name: "same rate", in: 480, src: 48000, dst: 48000, wantCount: 480},
		{name: "48k to 16k", in: 480, src: 48000, dst: 16000, wantCount: 160},
		{name: "8k to 16k", in: 80, src: 8000, dst: 16000, wantCount: 160},
		{name: "zero source rate", in: 10, src: 0, dst: 16000, wantCount: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := audio.ResampleMono16(make([]byte, tt.in*2), tt.src, tt.dst)
			if got := len(out) / 2; got != tt.wantCount {
				t.Errorf("got %d samples, want %d", got, tt.wantCount)
			}
		})
	}
}

func TestResampleMono16_Interpolates(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 1000})
	got := bytesToSamples(audio.ResampleMono16(pcm, 8000, 16000))
	equalSamples(t, got, []int16{0, 500, 1000, 1000})
}

func TestIntsToBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		samples  []int
		bitDepth int
		want     []int16
	}{
		{name: "16-bit passthrough", samples: []int{1, -1, 32767}, bitDepth: 16, want: []int16{1, -1, 32767}},
		{name: "8-bit unsigned", samples: []int{128, 255, 0}, bitDepth: 8, want: []int16{0, 127 << 8, -32768}},
		{name: "24-bit", samples: []int{1 << 20, -(1 << 20)}, bitDepth: 24, want: []int16{1 << 12, -(1 << 12)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			equalSamples(t, bytesToSamples(audio.IntsToBytes(tt.samples, tt.bitDepth)), tt.want)
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	stereo48k := audio.Waveform{
		PCM:    make([]byte, audio.Format{SampleRate: 48000, Channels: 2}.BytesForDuration(100*time.Millisecond)),
		Format: audio.Format{SampleRate: 48000, Channels: 2},
	}

	t.Run("already canonical is unchanged", func(t *testing.T) {
		t.Parallel()
		w := audio.Waveform{PCM: samplesToBytes([]int16{1, 2, 3}), Format: audio.Canonical}
		out, err := audio.Normalize(w, audio.Canonical)
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		equalSamples(t, bytesToSamples(out.PCM), []int16{1, 2, 3})
	})

	t.Run("stereo 48k to canonical", func(t *testing.T) {
		t.Parallel()
		out, err := audio.Normalize(stereo48k, audio.Canonical)
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		if out.Format != audio.Canonical {
			t.Errorf("format = %s, want %s", out.Format, audio.Canonical)
		}
		if got := out.Duration(); got != 100*time.Millisecond {
			t.Errorf("duration = %s, want 100ms", got)
		}
	})

	t.Run("torn frame is rejected", func(t *testing.T) {
		t.Parallel()
		w := audio.Waveform{PCM: []byte{1, 2, 3}, Format: audio.Format{SampleRate: 16000, Channels: 2}}
		if _, err := audio.Normalize(w, audio.Canonical); err == nil {
			t.Fatal("expected error for torn frame")
		}
	})

	t.Run("invalid source format", func(t *testing.T) {
		t.Parallel()
		if _, err := audio.Normalize(audio.Waveform{PCM: []byte{0, 0}}, audio.Canonical); err == nil {
			t.Fatal("expected error for zero format")
		}
	})
}

func TestFormat_BytesForDuration(t *testing.T) {
	if got := audio.Canonical.BytesForDuration(5 * time.Second); got != 160000 {
		t.Errorf("5s canonical = %d bytes, want 160000", got)
	}
	if got := audio.Canonical.Duration(64000); got != 2*time.Second {
		t.Errorf("64000 bytes = %s, want 2s", got)
	}
	if got := audio.Canonical.String(); got != "16000Hz mono" {
		t.Errorf("String() = %q", got)
	}
}
