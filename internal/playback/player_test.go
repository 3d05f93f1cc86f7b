package playback

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/lexiqai/voice-relay/internal/audio"
	"github.com/rs/zerolog"
)

func wavFragment(t *testing.T, samples int) []byte {
	t.Helper()

	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = int16(8000 * math.Sin(float64(i)/10))
	}
	data, err := audio.EncodeWAV(pcm, audio.PlaybackSampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	return data
}

func TestPlayer_Play(t *testing.T) {
	s, f := newTestScheduler(t)
	p := NewPlayer(s, zerolog.Nop())

	first, err := p.Play(wavFragment(t, 2400))
	if err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	second, err := p.Play(wavFragment(t, 1200))
	if err != nil {
		t.Fatalf("Play failed: %v", err)
	}

	if second != first+100*time.Millisecond {
		t.Errorf("Expected second fragment right after the first, got %v and %v", first, second)
	}
	if n := len(f.current().sources()); n != 2 {
		t.Errorf("Expected 2 scheduled sources, got %d", n)
	}
}

func TestPlayer_RawFloatFragment(t *testing.T) {
	s, _ := newTestScheduler(t)
	p := NewPlayer(s, zerolog.Nop())

	raw := make([]byte, 4*480)
	for i := 0; i < 480; i++ {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(0.25))
	}

	if _, err := p.Play(raw); err != nil {
		t.Fatalf("Expected raw float fragment to play, got %v", err)
	}
	if s.NextStartTime() != 20*time.Millisecond {
		t.Errorf("Expected 20ms scheduled, got %v", s.NextStartTime())
	}
}

func TestPlayer_DecodeErrorDoesNotStopPlayback(t *testing.T) {
	s, _ := newTestScheduler(t)
	p := NewPlayer(s, zerolog.Nop())

	_, err := p.Play([]byte{1, 2, 3})
	var decodeErr *audio.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("Expected DecodeError, got %v", err)
	}
	if decodeErr.Container == nil || decodeErr.Fallback == nil {
		t.Error("Expected both decode reasons to be attached")
	}

	if _, err := p.Play(wavFragment(t, 240)); err != nil {
		t.Fatalf("Expected playback to continue, got %v", err)
	}

	played, failed := p.Stats()
	if played != 1 || failed != 1 {
		t.Errorf("Expected 1 played and 1 failed, got %d and %d", played, failed)
	}
}

func TestPlayer_Stop(t *testing.T) {
	s, f := newTestScheduler(t)
	p := NewPlayer(s, zerolog.Nop())

	p.Play(wavFragment(t, 2400))
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if len(f.outputs) != 2 {
		t.Errorf("Expected a fresh output after Stop, got %d outputs", len(f.outputs))
	}
	if s.Active() != 0 {
		t.Errorf("Expected no active sources, got %d", s.Active())
	}
}
