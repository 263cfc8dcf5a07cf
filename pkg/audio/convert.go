package audio

import (
	"encoding/binary"
	"fmt"
)

// Normalize converts w to target. Channels are folded first so resampling
// only ever touches a single channel when the target is mono. A waveform
// already in the target format is returned unchanged.
func Normalize(w Waveform, target Format) (Waveform, error) {
	if !w.Format.Valid() {
		return Waveform{}, fmt.Errorf("audio: normalize: invalid source format %+v", w.Format)
	}
	if !target.Valid() {
		return Waveform{}, fmt.Errorf("audio: normalize: invalid target format %+v", target)
	}
	if len(w.PCM)%w.Format.FrameBytes() != 0 {
		return Waveform{}, fmt.Errorf("audio: normalize: %d bytes is not a whole number of %s frames", len(w.PCM), w.Format)
	}
	if w.Format == target {
		return w, nil
	}

	pcm := w.PCM
	channels := w.Format.Channels

	switch {
	case channels == target.Channels:
	case target.Channels == 1:
		pcm = Downmix(pcm, channels)
		channels = 1
	case channels == 1 && target.Channels == 2:
		pcm = MonoToStereo(pcm)
		channels = 2
	default:
		return Waveform{}, fmt.Errorf("audio: normalize: cannot map %d channels to %d", channels, target.Channels)
	}

	if w.Format.SampleRate != target.SampleRate {
		if channels != 1 {
			return Waveform{}, fmt.Errorf("audio: normalize: resampling is only supported for mono targets")
		}
		pcm = ResampleMono16(pcm, w.Format.SampleRate, target.SampleRate)
	}

	return Waveform{PCM: pcm, Format: target}, nil
}

// Downmix averages every interleaved frame of an n-channel stream into a
// single mono sample. Uses int32 accumulation and clamps to the int16 range.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := channels * BytesPerSample
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*BytesPerSample)
	for i := range frames {
		var sum int32
		base := i * frameBytes
		for c := range channels {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[base+c*BytesPerSample:])))
		}
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(clamp16(sum/int32(channels))))
	}
	return out
}

// StereoToMono averages L+R per stereo frame.
func StereoToMono(pcm []byte) []byte {
	return Downmix(pcm, 2)
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match or are invalid the input is returned as is.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := SampleAt(pcm, idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = SampleAt(pcm, idx+1)
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// SampleAt returns the i-th int16 sample of little-endian PCM.
func SampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

// Float32s decodes 16-bit little-endian PCM into samples scaled to
// [-1, 1). A trailing odd byte is ignored.
func Float32s(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(SampleAt(pcm, i)) / 32768
	}
	return out
}

// Int16sToBytes encodes samples as little-endian PCM.
func Int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// IntsToBytes encodes integer samples of the given bit depth as 16-bit
// little-endian PCM, rescaling deeper or shallower sources.
func IntsToBytes(samples []int, bitDepth int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		var v int32
		switch {
		case bitDepth == 16 || bitDepth == 0:
			v = int32(s)
		case bitDepth == 8:
			// 8-bit WAV is unsigned with a 128 midpoint.
			v = int32(s-128) << 8
		case bitDepth > 16:
			v = int32(s >> (bitDepth - 16))
		default:
			v = int32(s << (16 - bitDepth))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clamp16(v)))
	}
	return out
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
