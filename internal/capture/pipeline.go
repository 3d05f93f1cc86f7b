// Package capture pulls fixed-size frames from an input device, encodes
// them and hands them to the transport.
package capture

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lexiqai/voice-relay/internal/audio"
	"github.com/rs/zerolog"
)

// FrameFunc receives one frame of float samples in [-1, 1] at the device rate
type FrameFunc func(samples []float32)

// Device is an input device delivering fixed-size frames through a callback
type Device interface {
	SampleRate() int
	Open(frameSize int, fn FrameFunc) error
	Close() error
}

// Sink receives encoded frames, in capture order
type Sink interface {
	SendAudio(data []byte) error
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithErrorHandler is called for every frame that could not be encoded or
// sent. The pipeline keeps running.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// WithSpeechHandler enables voice activity detection and reports speech
// start (true) and end (false). Frames are sent regardless.
func WithSpeechHandler(cfg *audio.VADConfig, fn func(speaking bool)) Option {
	return func(p *Pipeline) {
		p.vad = audio.NewVADDetector(cfg)
		p.onSpeech = fn
	}
}

// Pipeline connects a Device to a Sink
type Pipeline struct {
	device Device
	sink   Sink
	logger zerolog.Logger

	onError  func(error)
	onSpeech func(bool)
	vad      *audio.VADDetector

	// mu serializes frame handling against Stop, so no frame is sent once
	// Stop returns
	mu        sync.Mutex
	running   bool
	resampler *audio.StreamResampler

	frames atomic.Int64
}

// NewPipeline creates a stopped pipeline
func NewPipeline(device Device, sink Sink, logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		device: device,
		sink:   sink,
		logger: logger.With().Str("component", "capture").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start opens the device. Calling Start on a running pipeline does nothing.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}

	rate := p.device.SampleRate()
	if rate <= 0 {
		p.mu.Unlock()
		return fmt.Errorf("invalid device sample rate %d", rate)
	}

	p.resampler = nil
	if rate != audio.CaptureSampleRate {
		r, err := audio.NewStreamResampler(rate, audio.CaptureSampleRate)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		p.resampler = r
	}
	if p.vad != nil {
		p.vad.Reset()
	}
	p.running = true
	p.mu.Unlock()

	if err := p.device.Open(audio.CaptureFrameSize, p.handleFrame); err != nil {
		p.release()
		return fmt.Errorf("failed to open capture device: %w", err)
	}

	p.logger.Info().Int("device_rate", rate).Msg("Capture started")
	return nil
}

// Stop closes the device and detaches the capture tap. It always releases
// the device, including after a failed Start or frame errors.
func (p *Pipeline) Stop() error {
	err := p.release()
	p.logger.Info().Int64("frames", p.frames.Load()).Msg("Capture stopped")
	return err
}

func (p *Pipeline) release() error {
	p.mu.Lock()
	p.running = false
	p.resampler = nil
	p.mu.Unlock()

	if err := p.device.Close(); err != nil {
		return fmt.Errorf("failed to close capture device: %w", err)
	}
	return nil
}

// Running reports whether frames are being captured
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Frames returns how many frames have been sent
func (p *Pipeline) Frames() int64 {
	return p.frames.Load()
}

func (p *Pipeline) handleFrame(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}

	if p.resampler != nil {
		out, err := p.resampler.Process(samples)
		if err != nil {
			p.fail(err)
			return
		}
		samples = out
	}
	if len(samples) == 0 {
		return
	}

	if p.vad != nil {
		res := p.vad.ProcessFrame(audio.FloatToInt16(samples))
		if (res.Started || res.Ended) && p.onSpeech != nil {
			p.onSpeech(res.Started)
		}
	}

	data, err := audio.EncodeFrame(samples)
	if err != nil {
		p.fail(fmt.Errorf("failed to encode frame: %w", err))
		return
	}

	if err := p.sink.SendAudio(data); err != nil {
		p.fail(fmt.Errorf("failed to send frame: %w", err))
		return
	}
	p.frames.Add(1)
}

func (p *Pipeline) fail(err error) {
	p.logger.Warn().Err(err).Msg("Capture frame error")
	if p.onError != nil {
		p.onError(err)
	}
}
