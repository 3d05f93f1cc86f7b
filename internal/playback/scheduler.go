// Package playback turns decoded audio fragments into a gapless, non
// overlapping output stream.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lexiqai/voice-relay/internal/audio"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned by Enqueue after Close
	ErrClosed = errors.New("playback scheduler closed")

	// ErrEmptyBuffer is returned for buffers that hold no samples
	ErrEmptyBuffer = errors.New("audio buffer is empty")
)

// Source is one scheduled buffer on an Output
type Source interface {
	// Stop ends the source immediately. It must not invoke the source's
	// onEnded callback.
	Stop()
}

// Output is an audio output context with its own monotonic clock, starting
// at zero when the context is created.
type Output interface {
	// Now returns the output clock
	Now() time.Duration

	// Schedule plays buf starting at start on the output clock and calls
	// onEnded once playback finishes naturally. onEnded must not be called
	// from within Schedule.
	Schedule(buf *audio.Buffer, start time.Duration, onEnded func()) (Source, error)

	// Close releases the context. Sources still scheduled are dropped.
	Close() error
}

// OutputFactory creates a fresh output context
type OutputFactory func() (Output, error)

// Scheduler places fragments back to back on the output clock. A fragment
// starts at the later of the previous fragment's end and the current clock,
// so fragments never overlap and a burst plays without gaps.
type Scheduler struct {
	factory OutputFactory
	logger  zerolog.Logger

	mu         sync.Mutex
	out        Output
	nextStart  time.Duration
	active     map[uint64]Source
	seq        uint64
	generation uint64
	closed     bool
}

// NewScheduler creates a scheduler and its first output context
func NewScheduler(factory OutputFactory, logger zerolog.Logger) (*Scheduler, error) {
	out, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create output: %w", err)
	}

	return &Scheduler{
		factory: factory,
		logger:  logger.With().Str("component", "playback").Logger(),
		out:     out,
		active:  make(map[uint64]Source),
	}, nil
}

// Enqueue schedules buf and returns its start time on the output clock
func (s *Scheduler) Enqueue(buf *audio.Buffer) (time.Duration, error) {
	if buf == nil || len(buf.Samples) == 0 {
		return 0, ErrEmptyBuffer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	start := s.nextStart
	if now := s.out.Now(); now > start {
		start = now
	}

	s.seq++
	id, gen := s.seq, s.generation

	src, err := s.out.Schedule(buf, start, func() { s.ended(gen, id) })
	if err != nil {
		return 0, fmt.Errorf("failed to schedule buffer: %w", err)
	}

	duration := buf.Duration()
	s.nextStart = start + duration
	s.active[id] = src

	s.logger.Debug().
		Dur("start", start).
		Dur("duration", duration).
		Int("active", len(s.active)).
		Msg("Scheduled fragment")

	return start, nil
}

// ended removes a source that finished naturally. Callbacks from an output
// context that has since been reset are ignored.
func (s *Scheduler) ended(gen, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		return
	}
	delete(s.active, id)
}

// Reset force-stops every scheduled source and recreates the output
// context, so the next fragment starts from a zero clock.
func (s *Scheduler) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.teardown()

	out, err := s.factory()
	if err != nil {
		s.closed = true
		return fmt.Errorf("failed to recreate output: %w", err)
	}
	s.out = out

	s.logger.Debug().Msg("Playback reset")
	return nil
}

// Close stops every source and releases the output context
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.teardown()
}

func (s *Scheduler) teardown() error {
	for id, src := range s.active {
		src.Stop()
		delete(s.active, id)
	}
	s.generation++
	s.nextStart = 0

	err := s.out.Close()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Error closing output")
	}
	return err
}

// Active returns the number of sources scheduled and not yet ended
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStartTime returns where the next fragment would start if the clock
// has not passed it
func (s *Scheduler) NextStartTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}
