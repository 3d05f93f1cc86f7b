package audio

import (
	"testing"
)

func constantFrame(n int, value int16) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	return samples
}

func TestVADDetector_ProcessFrame_Speech(t *testing.T) {
	vad := NewVADDetector(&VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10,
		FrameSize:       256,
	})

	samples := constantFrame(256, 5000)

	for i := 0; i < 5; i++ {
		res := vad.ProcessFrame(samples)
		if !res.Speaking {
			t.Errorf("Expected speech detection on frame %d", i)
		}
		if i == 0 && !res.Started {
			t.Error("Expected speech to start on first frame")
		}
		if i > 0 && res.Started {
			t.Errorf("Speech start reported again on frame %d", i)
		}
	}
}

func TestVADDetector_ProcessFrame_Silence(t *testing.T) {
	vad := NewVADDetector(&VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10,
		FrameSize:       256,
	})

	samples := constantFrame(256, 10)

	for i := 0; i < 15; i++ {
		res := vad.ProcessFrame(samples)
		if res.Speaking || res.Started || res.Ended {
			t.Errorf("Expected silence on frame %d, got %+v", i, res)
		}
	}
}

func TestVADDetector_ProcessFrame_SpeechToSilence(t *testing.T) {
	vad := NewVADDetector(&VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10,
		FrameSize:       256,
	})

	high := constantFrame(256, 5000)
	low := constantFrame(256, 10)

	for i := 0; i < 5; i++ {
		vad.ProcessFrame(high)
	}

	endedAt := -1
	for i := 0; i < 15; i++ {
		if res := vad.ProcessFrame(low); res.Ended {
			endedAt = i
			break
		}
	}

	// The tenth silent frame closes the utterance
	if endedAt != 9 {
		t.Errorf("Expected speech to end on silent frame 9, got %d", endedAt)
	}
	if vad.ProcessFrame(low).Speaking {
		t.Error("Expected detector to be idle after speech ended")
	}
}

func TestVADDetector_Threshold(t *testing.T) {
	low := NewVADDetector(&VADConfig{EnergyThreshold: 100.0, SilenceFrames: 10, FrameSize: 256})
	high := NewVADDetector(&VADConfig{EnergyThreshold: 5000.0, SilenceFrames: 10, FrameSize: 256})

	samples := constantFrame(256, 1000)

	if !low.ProcessFrame(samples).Speaking {
		t.Error("Expected low threshold to detect speech")
	}
	if high.ProcessFrame(samples).Speaking {
		t.Error("Expected high threshold to not detect speech")
	}
}

func TestVADDetector_Reset(t *testing.T) {
	vad := NewVADDetector(nil)
	if !vad.ProcessFrame(constantFrame(256, 5000)).Speaking {
		t.Fatal("Expected speech to be detected")
	}

	vad.Reset()
	res := vad.ProcessFrame(constantFrame(256, 10))
	if res.Speaking || res.Ended {
		t.Errorf("Expected a silent frame after reset to neither speak nor end speech, got %+v", res)
	}
}

func TestDefaultVADConfig(t *testing.T) {
	config := DefaultVADConfig()
	if config.EnergyThreshold != 500.0 {
		t.Errorf("Expected default EnergyThreshold 500.0, got %f", config.EnergyThreshold)
	}
	if config.SilenceFrames != 30 {
		t.Errorf("Expected default SilenceFrames 30, got %d", config.SilenceFrames)
	}
	if config.FrameSize != CaptureFrameSize {
		t.Errorf("Expected default FrameSize %d, got %d", CaptureFrameSize, config.FrameSize)
	}
}

func TestCalculateRMS(t *testing.T) {
	samples := []int16{1000, -1000, 2000, -2000}
	rms := CalculateRMS(samples)

	// sqrt((1000^2 + 1000^2 + 2000^2 + 2000^2) / 4)
	expected := 1581.14
	if rms < expected-1 || rms > expected+1 {
		t.Errorf("Expected RMS around %.2f, got %.2f", expected, rms)
	}

	if CalculateRMS(nil) != 0 {
		t.Error("Expected RMS of empty frame to be 0")
	}
}
