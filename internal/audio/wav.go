package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// wavHeaderSize is the size of the minimal RIFF/WAVE header written by EncodeWAV
const wavHeaderSize = 44

// ErrNotWAV is returned when data does not start with a RIFF/WAVE header
var ErrNotWAV = errors.New("not a WAV container")

// Sample rates DecodeWAV accepts. Anything else would make resampling to
// the capture or playback rate blow up the sample count.
const (
	MinWAVSampleRate = 8000
	MaxWAVSampleRate = 48000
)

// wavHeader is the canonical 44-byte header of a PCM WAV file
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WAVInfo describes the format of a WAV container
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// EncodeWAV wraps mono PCM16 samples in a minimal single-channel WAV container
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	const numChannels, bitsPerSample = 1, 16
	dataSize := uint32(len(samples) * 2)

	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * numChannels * bitsPerSample / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// wavChunks holds the parsed fmt chunk and the data chunk payload
type wavChunks struct {
	audioFormat   uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
	data          []byte
}

// parseWAV walks the RIFF chunk list, skipping chunks it does not know
// (LIST, fact, ...). A truncated data chunk is accepted as long as it holds
// whole sample frames, since streamed containers often lie about sizes.
func parseWAV(data []byte) (*wavChunks, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	var c wavChunks
	haveFmt := false
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return nil, fmt.Errorf("invalid WAV file: short fmt chunk")
			}
			c.audioFormat = binary.LittleEndian.Uint16(data[body:])
			c.channels = binary.LittleEndian.Uint16(data[body+2:])
			c.sampleRate = binary.LittleEndian.Uint32(data[body+4:])
			c.bitsPerSample = binary.LittleEndian.Uint16(data[body+14:])
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			end := body + size
			if end > len(data) || size == 0 {
				end = len(data)
			}
			c.data = data[body:end]
			return &c, nil
		}

		off = body + size + size%2
	}

	if !haveFmt {
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	return nil, fmt.Errorf("invalid WAV file: missing data chunk")
}

// DecodeWAV decodes a 16-bit PCM WAV container. Stereo input is downmixed
// to mono. It returns the samples and the container's sample rate.
func DecodeWAV(data []byte) ([]int16, int, error) {
	c, err := parseWAV(data)
	if err != nil {
		return nil, 0, err
	}

	if c.audioFormat != 1 {
		return nil, 0, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", c.audioFormat)
	}
	if c.bitsPerSample != 16 {
		return nil, 0, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", c.bitsPerSample)
	}
	if c.channels != 1 && c.channels != 2 {
		return nil, 0, fmt.Errorf("unsupported channel count: %d", c.channels)
	}
	if c.sampleRate < MinWAVSampleRate || c.sampleRate > MaxWAVSampleRate {
		return nil, 0, fmt.Errorf("unsupported sample rate: %d (want %d-%d Hz)", c.sampleRate, MinWAVSampleRate, MaxWAVSampleRate)
	}

	frameBytes := int(c.channels) * 2
	pcm := c.data[:len(c.data)/frameBytes*frameBytes]
	interleaved, err := BytesToInt16(pcm)
	if err != nil {
		return nil, 0, err
	}

	if c.channels == 1 {
		return interleaved, int(c.sampleRate), nil
	}

	mono := make([]int16, len(interleaved)/2)
	for i := range mono {
		mono[i] = int16((int32(interleaved[i*2]) + int32(interleaved[i*2+1])) / 2)
	}
	return mono, int(c.sampleRate), nil
}

// IsWAV reports whether data starts with a RIFF/WAVE header
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// GetWAVInfo extracts metadata from a WAV container
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	c, err := parseWAV(data)
	if err != nil {
		return nil, err
	}

	info := &WAVInfo{
		SampleRate:    c.sampleRate,
		Channels:      c.channels,
		BitsPerSample: c.bitsPerSample,
		DataSize:      uint32(len(c.data)),
	}
	if frameBytes := uint32(c.channels) * uint32(c.bitsPerSample) / 8; frameBytes > 0 {
		info.NumSamples = info.DataSize / frameBytes
	}
	if c.sampleRate > 0 {
		info.Duration = float64(info.NumSamples) / float64(c.sampleRate)
	}
	return info, nil
}
