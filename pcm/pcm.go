// Package pcm converts float audio samples to 16-bit little-endian PCM.
package pcm

import (
	"encoding/binary"
	"math"
	"time"
)

// BytesPerSample is the width of one encoded sample.
const BytesPerSample = 2

// Encode converts samples in [-1, 1] to signed 16-bit little-endian PCM.
// The result is always exactly 2*len(samples) bytes.
func Encode(samples []float32) []byte {
	return AppendEncode(make([]byte, 0, len(samples)*BytesPerSample), samples)
}

// AppendEncode appends the encoding of samples to dst and returns the
// extended buffer.
//
// Values outside [-1, 1] are clamped. Negative values scale by 32768 and
// non-negative values by 32767, so -1 maps to -32768 and 1 maps to 32767.
// NaN encodes as 0.
func AppendEncode(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(Sample(s)))
	}
	return dst
}

// Sample converts a single float sample to its 16-bit value.
func Sample(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	v = math.Max(-1, math.Min(1, v))
	if v < 0 {
		return int16(v * 0x8000)
	}
	return int16(v * 0x7fff)
}

// Decode reads little-endian 16-bit samples from b. A trailing odd byte is
// ignored.
func Decode(b []byte) []int16 {
	out := make([]int16, len(b)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*BytesPerSample:]))
	}
	return out
}

// Duration returns how long n bytes of mono PCM last at sampleRate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
