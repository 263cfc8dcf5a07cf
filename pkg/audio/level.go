package audio

import "math"

// FullScale is the reference amplitude for dBFS on 16-bit PCM.
const FullScale = 32768.0

// RMS returns the root-mean-square amplitude of mono 16-bit PCM. Empty input
// returns 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(SampleAt(pcm, i))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// DBFS converts an RMS amplitude to decibels relative to full scale. Digital
// silence maps to negative infinity.
func DBFS(rms float64) float64 {
	if rms <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms/FullScale)
}

// AmplitudeForDBFS is the inverse of [DBFS].
func AmplitudeForDBFS(db float64) float64 {
	return math.Pow(10, db/20) * FullScale
}
