package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	// CaptureSampleRate is the fixed rate of audio sent from the client to the relay
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the fixed rate of audio played back by the client
	PlaybackSampleRate = 24000

	// CaptureFrameSize is the number of samples pulled from the input device per tick
	CaptureFrameSize = 256
)

// Frame is a run of signed 16-bit samples tagged with its sample rate and
// channel count.
type Frame struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Duration returns how long the frame plays for
func (f *Frame) Duration() time.Duration {
	return samplesDuration(len(f.Samples), f.SampleRate, f.Channels)
}

// Bytes serializes the samples as little-endian PCM16
func (f *Frame) Bytes() []byte {
	return Int16ToBytes(f.Samples)
}

// Strategy identifies which decode path produced a Buffer
type Strategy int

const (
	ContainerDecode Strategy = iota
	RawFloatFallback
)

func (s Strategy) String() string {
	switch s {
	case ContainerDecode:
		return "container"
	case RawFloatFallback:
		return "raw-float"
	default:
		return "unknown"
	}
}

// Buffer is decoded mono audio ready for playback
type Buffer struct {
	Samples    []float32
	SampleRate int
	Strategy   Strategy
}

// Duration returns how long the buffer plays for
func (b *Buffer) Duration() time.Duration {
	return samplesDuration(len(b.Samples), b.SampleRate, 1)
}

func samplesDuration(n, rate, channels int) time.Duration {
	if rate <= 0 || channels <= 0 {
		return 0
	}
	frames := n / channels
	return time.Duration(float64(frames) / float64(rate) * float64(time.Second))
}

// BytesToInt16 converts little-endian PCM16 bytes into samples
func BytesToInt16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(data))
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// Int16ToBytes converts samples into little-endian PCM16 bytes
func Int16ToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// FloatToInt16 clamps each sample to [-1, 1] and scales it by 32767
func FloatToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s)
		if math.IsNaN(v) {
			v = 0
		}
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = int16(math.Round(v * 32767))
	}
	return out
}

// Int16ToFloat maps PCM16 samples onto [-1, 1)
func Int16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
