package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Number of consecutive silence frames to mark as end of speech
	FrameSize       int     // Number of samples per frame
}

// DefaultVADConfig returns a default VAD configuration for capture frames
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   30,               // ~480ms of silence (30 frames * 16ms)
		FrameSize:       CaptureFrameSize, // 16ms at 16kHz
	}
}

// VADResult is the outcome of feeding one frame to the detector
type VADResult struct {
	Speaking bool
	Started  bool
	Ended    bool
	RMS      float64
}

// VADDetector performs energy-based Voice Activity Detection. It only
// observes frames; it never drops or alters them.
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// ProcessFrame processes an audio frame and reports speech transitions
func (v *VADDetector) ProcessFrame(samples []int16) VADResult {
	res := VADResult{RMS: CalculateRMS(samples)}

	if res.RMS > v.config.EnergyThreshold {
		v.silenceCounter = 0
		if !v.isSpeaking {
			res.Started = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			res.Ended = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	res.Speaking = v.isSpeaking
	return res
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
}
