package audio

import (
	"encoding/binary"
	"math"
)

// RMS returns the root mean square amplitude of 16-bit LE mono PCM,
// normalized to [0,1]. Used as the silence gate before inference.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// SplitStereo de-interleaves 16-bit LE stereo PCM into two mono
// buffers. A trailing odd sample is ignored.
func SplitStereo(pcm []byte) (left, right []byte) {
	frames := len(pcm) / 4
	left = make([]byte, frames*2)
	right = make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		copy(left[i*2:], pcm[i*4:i*4+2])
		copy(right[i*2:], pcm[i*4+2:i*4+4])
	}
	return left, right
}
