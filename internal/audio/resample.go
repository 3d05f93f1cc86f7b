package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resample performs simple linear interpolation resampling of a complete,
// self-contained buffer. Streams cut into frames should use StreamResampler
// instead so filter state carries across frame boundaries.
func Resample(samples []float32, inputRate, outputRate int) []float32 {
	if inputRate == outputRate || len(samples) == 0 || inputRate <= 0 || outputRate <= 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples))*ratio + 0.5)
	output := make([]float32, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := float32(srcPos - float64(idx0))
		output[i] = samples[idx0]*(1-fraction) + samples[idx1]*fraction
	}

	return output
}

// ResampleInt16 is Resample for PCM16 samples
func ResampleInt16(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate {
		return samples
	}
	return FloatToInt16(Resample(Int16ToFloat(samples), inputRate, outputRate))
}

// StreamResampler converts a continuous mono stream between two rates,
// keeping filter state between calls. It is not safe for concurrent use.
type StreamResampler struct {
	inputRate  int
	outputRate int
	r          resampling.Resampler
	in         []float64
}

// NewStreamResampler creates a high quality mono resampler
func NewStreamResampler(inputRate, outputRate int) (*StreamResampler, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d -> %d", inputRate, outputRate)
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(inputRate),
		OutputRate: float64(outputRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	return &StreamResampler{inputRate: inputRate, outputRate: outputRate, r: r}, nil
}

// Process feeds one chunk of the stream and returns whatever output the
// filter has ready. Output may lag input by the filter delay.
func (s *StreamResampler) Process(samples []float32) ([]float32, error) {
	if cap(s.in) < len(samples) {
		s.in = make([]float64, len(samples))
	}
	in := s.in[:len(samples)]
	for i, v := range samples {
		in[i] = float64(v)
	}

	out, err := s.r.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}

	result := make([]float32, len(out))
	for i, v := range out {
		result[i] = float32(v)
	}
	return result, nil
}

// Rates returns the input and output sample rates
func (s *StreamResampler) Rates() (int, int) {
	return s.inputRate, s.outputRate
}
