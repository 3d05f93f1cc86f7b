package audio

import (
	"encoding/binary"
	"testing"
)

func TestEncodeDecodeWAV(t *testing.T) {
	samples := []int16{0, 1000, -1000, 32767, -32768}

	data, err := EncodeWAV(samples, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	if !IsWAV(data) {
		t.Fatal("Expected encoded data to be recognized as WAV")
	}

	decoded, rate, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if rate != 16000 {
		t.Errorf("Expected rate 16000, got %d", rate)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, samples[i], decoded[i])
		}
	}
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	data, _ := EncodeWAV([]int16{7, 8}, 24000)

	// Splice a LIST chunk between fmt and data
	list := []byte{'L', 'I', 'S', 'T', 4, 0, 0, 0, 'I', 'N', 'F', 'O'}
	spliced := append([]byte{}, data[:36]...)
	spliced = append(spliced, list...)
	spliced = append(spliced, data[36:]...)
	binary.LittleEndian.PutUint32(spliced[4:], uint32(len(spliced)-8))

	samples, rate, err := DecodeWAV(spliced)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if rate != 24000 || len(samples) != 2 || samples[0] != 7 || samples[1] != 8 {
		t.Errorf("Unexpected decode result: rate=%d samples=%v", rate, samples)
	}
}

func TestDecodeWAV_Stereo(t *testing.T) {
	data, _ := EncodeWAV([]int16{100, 300, -200, -400}, 16000)
	// Rewrite the header as 2 channels
	binary.LittleEndian.PutUint16(data[22:], 2)
	binary.LittleEndian.PutUint16(data[32:], 4)

	samples, _, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if len(samples) != 2 || samples[0] != 200 || samples[1] != -300 {
		t.Errorf("Expected downmix [200 -300], got %v", samples)
	}
}

func TestDecodeWAV_TruncatedData(t *testing.T) {
	data, _ := EncodeWAV([]int16{1, 2, 3, 4}, 16000)
	truncated := data[:len(data)-3]

	samples, _, err := DecodeWAV(truncated)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if len(samples) != 2 {
		t.Errorf("Expected 2 whole samples, got %d", len(samples))
	}
}

func TestDecodeWAV_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte("RIFF")},
		{"not riff", []byte("this is not a wav file at all")},
		{"missing fmt", []byte("RIFF\x04\x00\x00\x00WAVE")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeWAV(tt.data); err == nil {
				t.Error("Expected error")
			}
		})
	}

	data, _ := EncodeWAV([]int16{1}, 16000)
	binary.LittleEndian.PutUint16(data[34:], 8)
	if _, _, err := DecodeWAV(data); err == nil {
		t.Error("Expected error for 8-bit audio")
	}
}

func TestGetWAVInfo(t *testing.T) {
	data, _ := EncodeWAV(make([]int16, 16000), 16000)

	info, err := GetWAVInfo(data)
	if err != nil {
		t.Fatalf("GetWAVInfo failed: %v", err)
	}
	if info.NumSamples != 16000 {
		t.Errorf("Expected 16000 samples, got %d", info.NumSamples)
	}
	if info.Duration != 1.0 {
		t.Errorf("Expected duration 1.0s, got %f", info.Duration)
	}
}

func TestResample_Length(t *testing.T) {
	tests := []struct {
		in, out, n, expected int
	}{
		{16000, 24000, 256, 384},
		{24000, 16000, 384, 256},
		{48000, 16000, 4800, 1600},
		{16000, 16000, 100, 100},
	}

	for _, tt := range tests {
		got := Resample(make([]float32, tt.n), tt.in, tt.out)
		if len(got) != tt.expected {
			t.Errorf("Resample %d samples %d->%d: expected %d, got %d", tt.n, tt.in, tt.out, tt.expected, len(got))
		}
	}
}

func TestNewStreamResampler_InvalidRates(t *testing.T) {
	if _, err := NewStreamResampler(0, 16000); err == nil {
		t.Error("Expected error for zero input rate")
	}
}
