package playback

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lexiqai/voice-relay/internal/audio"
)

// Recording collects what WAVOutput contexts rendered, one context after
// another, at the playback rate.
type Recording struct {
	mu      sync.Mutex
	samples []float32
}

// NewRecording creates an empty recording
func NewRecording() *Recording {
	return &Recording{}
}

func (r *Recording) append(samples []float32) {
	r.mu.Lock()
	r.samples = append(r.samples, samples...)
	r.mu.Unlock()
}

// Samples returns a copy of the recorded samples
func (r *Recording) Samples() []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float32(nil), r.samples...)
}

// Duration returns the recorded length
func (r *Recording) Duration() time.Duration {
	buf := audio.Buffer{Samples: r.Samples(), SampleRate: audio.PlaybackSampleRate}
	return buf.Duration()
}

// WAV encodes the recording as a 24 kHz mono PCM16 container
func (r *Recording) WAV() ([]byte, error) {
	return audio.EncodeWAV(audio.FloatToInt16(r.Samples()), audio.PlaybackSampleRate)
}

// WriteFile writes the recording to path as WAV
func (r *Recording) WriteFile(path string) error {
	data, err := r.WAV()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write recording: %w", err)
	}
	return nil
}

// WAVOutputFactory returns a factory of wall-clock outputs rendering into rec
func WAVOutputFactory(rec *Recording) OutputFactory {
	return func() (Output, error) {
		return NewWAVOutput(rec), nil
	}
}

// WAVOutput is an Output driven by the wall clock. Instead of a sound card
// it renders what would have been audible into a Recording when closed.
type WAVOutput struct {
	rec   *Recording
	epoch time.Time

	mu      sync.Mutex
	sources []*wavSource
	closed  bool
}

type wavSource struct {
	out     *WAVOutput
	samples []float32
	start   time.Duration
	end     time.Duration
	timer   *time.Timer
}

// NewWAVOutput creates an output whose clock starts now
func NewWAVOutput(rec *Recording) *WAVOutput {
	return &WAVOutput{rec: rec, epoch: time.Now()}
}

// Now implements Output
func (o *WAVOutput) Now() time.Duration {
	return time.Since(o.epoch)
}

// Schedule implements Output
func (o *WAVOutput) Schedule(buf *audio.Buffer, start time.Duration, onEnded func()) (Source, error) {
	samples := buf.Samples
	if buf.SampleRate != audio.PlaybackSampleRate {
		samples = audio.Resample(samples, buf.SampleRate, audio.PlaybackSampleRate)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, errors.New("output is closed")
	}

	src := &wavSource{
		out:     o,
		samples: samples,
		start:   start,
		end:     start + buf.Duration(),
	}
	src.timer = time.AfterFunc(src.end-o.Now(), onEnded)
	o.sources = append(o.sources, src)
	return src, nil
}

// Stop implements Source. Only the part played so far is kept.
func (s *wavSource) Stop() {
	s.out.mu.Lock()
	defer s.out.mu.Unlock()
	s.cut(s.out.Now())
}

func (s *wavSource) cut(at time.Duration) {
	s.timer.Stop()
	if at < s.end {
		s.end = at
	}
}

// Close implements Output. Sources still playing are cut at the current
// clock and the rendered timeline is appended to the recording.
func (o *WAVOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true

	now := o.Now()
	for _, src := range o.sources {
		src.cut(now)
	}

	if rendered := o.render(); len(rendered) > 0 {
		o.rec.append(rendered)
	}
	return nil
}

// render mixes every source onto one timeline beginning at the earliest
// start
func (o *WAVOutput) render() []float32 {
	if len(o.sources) == 0 {
		return nil
	}

	offset := func(d time.Duration) int {
		return int(d.Seconds() * audio.PlaybackSampleRate)
	}

	origin := o.sources[0].start
	last := 0
	for _, src := range o.sources {
		if src.start < origin {
			origin = src.start
		}
	}
	for _, src := range o.sources {
		if n := offset(src.end - origin); n > last {
			last = n
		}
	}

	timeline := make([]float32, last)
	for _, src := range o.sources {
		if src.end <= src.start {
			continue
		}
		at := offset(src.start - origin)
		played := offset(src.end - src.start)
		if played > len(src.samples) {
			played = len(src.samples)
		}
		for i := 0; i < played && at+i < len(timeline); i++ {
			v := timeline[at+i] + src.samples[i]
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			timeline[at+i] = v
		}
	}
	return timeline
}
