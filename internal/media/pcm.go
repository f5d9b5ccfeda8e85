package media

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// SamplesPerInterval returns the number of PCM samples covering one
// frame interval at the given sample rate.
func SamplesPerInterval(sampleRate int, interval time.Duration) int {
	return int(int64(sampleRate) * int64(interval) / int64(time.Second))
}

// FrameCount returns the number of output frames spanning the given
// duration: ceil(duration / interval). A trailing partial interval
// still needs a frame. Intervals derived from time.Second/fps are
// truncated to whole nanoseconds, so sub-microsecond remainders do
// not count as a partial interval.
func FrameCount(duration, interval time.Duration) int {
	if duration <= 0 || interval <= 0 {
		return 0
	}
	n := int64(duration) / int64(interval)
	if int64(duration)%int64(interval) > int64(time.Microsecond) {
		n++
	}
	return int(n)
}

// Silence returns n samples of silence.
func Silence(n int) []int16 {
	return make([]int16, n)
}

// CrossFade mixes the tail of an outgoing signal into the head of an
// incoming one with a linear fade, in place on the incoming slice.
// Only the first min(len(in), len(outTail)) samples are affected; the
// fade window spans fadeLen samples of the incoming signal.
func CrossFade(in, outTail []int16, fadeLen int) {
	MixFade(in, outTail, 0, fadeLen)
}

// MixFade continues a crossfade across tick boundaries: pos is how far
// into the fade window previous calls have advanced. Returns the number
// of outgoing samples consumed so the caller can trim its tail.
func MixFade(in, outTail []int16, pos, fadeLen int) int {
	if fadeLen <= 0 || pos >= fadeLen {
		return 0
	}
	n := len(in)
	if len(outTail) < n {
		n = len(outTail)
	}
	if fadeLen-pos < n {
		n = fadeLen - pos
	}
	for i := 0; i < n; i++ {
		t := float64(pos+i) / float64(fadeLen) // 0 → outgoing, 1 → incoming
		mixed := float64(in[i])*t + float64(outTail[i])*(1.0-t)
		in[i] = clampSample(mixed)
	}
	return n
}

func clampSample(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// DecodePCM16 converts little-endian 16-bit PCM bytes to samples.
func DecodePCM16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(data))
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// EncodePCM16 converts samples to little-endian 16-bit PCM bytes.
func EncodePCM16(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// Resample converts samples between rates using linear interpolation.
// Remote synthesis backends may render at their own rate; adapters use
// this to bring audio onto the session rate before it reaches the
// timeline.
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}
	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio
		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}
		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}
	return output
}

// Tone generates a sine wave of the given frequency and duration.
// Used by local filler engines so fallback output is audible rather
// than dead air in monitoring setups.
func Tone(freq float64, sampleRate int, duration time.Duration, amplitude float64) []int16 {
	n := SamplesPerInterval(sampleRate, duration)
	samples := make([]int16, n)
	for i := range samples {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
		samples[i] = clampSample(v * math.MaxInt16)
	}
	return samples
}
