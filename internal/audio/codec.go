package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// DecodeError is returned when neither decode strategy could make sense of
// a fragment. Both underlying reasons are kept.
type DecodeError struct {
	Container error
	Fallback  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio decode failed: container: %v; raw float fallback: %v", e.Container, e.Fallback)
}

// Unwrap exposes both underlying failures to errors.Is / errors.As
func (e *DecodeError) Unwrap() []error {
	return []error{e.Container, e.Fallback}
}

// Encode converts device float samples into a 16 kHz mono PCM16 WAV
// container. Samples outside [-1, 1] are clamped.
func Encode(samples []float32, sourceRate int) ([]byte, error) {
	if sourceRate <= 0 {
		return nil, fmt.Errorf("source sample rate must be positive, got %d", sourceRate)
	}
	if sourceRate != CaptureSampleRate {
		samples = Resample(samples, sourceRate, CaptureSampleRate)
	}
	return EncodeWAV(FloatToInt16(samples), CaptureSampleRate)
}

// EncodeFrame is Encode for samples that are already at the capture rate
func EncodeFrame(samples []float32) ([]byte, error) {
	return Encode(samples, CaptureSampleRate)
}

// Decode turns an audio fragment into float samples at the playback rate.
// It tries a WAV container first and falls back to headerless little-endian
// float32 PCM, because upstream fragments do not reliably say which form
// they are in.
func Decode(data []byte) (*Buffer, error) {
	buf, containerErr := decodeContainer(data)
	if containerErr == nil {
		return buf, nil
	}

	buf, fallbackErr := decodeRawFloat(data)
	if fallbackErr == nil {
		return buf, nil
	}

	return nil, &DecodeError{Container: containerErr, Fallback: fallbackErr}
}

func decodeContainer(data []byte) (*Buffer, error) {
	samples, rate, err := DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, errors.New("container holds no audio")
	}

	return &Buffer{
		Samples:    Resample(Int16ToFloat(samples), rate, PlaybackSampleRate),
		SampleRate: PlaybackSampleRate,
		Strategy:   ContainerDecode,
	}, nil
}

func decodeRawFloat(data []byte) (*Buffer, error) {
	if len(data) == 0 {
		return nil, errors.New("empty payload")
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("payload length %d is not a multiple of 4", len(data))
	}

	samples := make([]float32, len(data)/4)
	for i := range samples {
		v := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			v = 0
		}
		samples[i] = v
	}

	return &Buffer{
		Samples:    samples,
		SampleRate: PlaybackSampleRate,
		Strategy:   RawFloatFallback,
	}, nil
}

// NormalizeCapture converts inbound client audio to a 16 kHz mono frame,
// the form the upstream session expects. WAV containers are unwrapped and
// resampled; anything else is treated as headerless PCM16 at 16 kHz.
func NormalizeCapture(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, errors.New("empty audio message")
	}

	if !IsWAV(data) {
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("headerless PCM16 payload has odd length %d", len(data))
		}
		samples, err := BytesToInt16(data)
		if err != nil {
			return nil, err
		}
		return &Frame{Samples: samples, SampleRate: CaptureSampleRate, Channels: 1}, nil
	}

	samples, rate, err := DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode WAV payload: %w", err)
	}
	if len(samples) == 0 {
		return nil, errors.New("WAV payload holds no audio")
	}

	return &Frame{
		Samples:    ResampleInt16(samples, rate, CaptureSampleRate),
		SampleRate: CaptureSampleRate,
		Channels:   1,
	}, nil
}

// WrapPCM wraps headerless PCM16LE mono audio in a WAV container
func WrapPCM(pcm []byte, sampleRate int) ([]byte, error) {
	samples, err := BytesToInt16(pcm)
	if err != nil {
		return nil, err
	}
	return EncodeWAV(samples, sampleRate)
}
