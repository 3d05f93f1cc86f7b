package playback

import (
	"sync/atomic"
	"time"

	"github.com/lexiqai/voice-relay/internal/audio"
	"github.com/rs/zerolog"
)

// Player decodes audio payloads and hands them to a Scheduler
type Player struct {
	scheduler *Scheduler
	logger    zerolog.Logger

	played   atomic.Int64
	failures atomic.Int64
}

// NewPlayer creates a player on top of scheduler
func NewPlayer(scheduler *Scheduler, logger zerolog.Logger) *Player {
	return &Player{
		scheduler: scheduler,
		logger:    logger.With().Str("component", "player").Logger(),
	}
}

// Play decodes data and schedules it. A payload that cannot be decoded
// returns an *audio.DecodeError; the scheduler is unaffected and later
// payloads play normally.
func (p *Player) Play(data []byte) (time.Duration, error) {
	buf, err := audio.Decode(data)
	if err != nil {
		p.failures.Add(1)
		return 0, err
	}

	start, err := p.scheduler.Enqueue(buf)
	if err != nil {
		p.failures.Add(1)
		return 0, err
	}

	p.played.Add(1)
	p.logger.Debug().
		Str("strategy", buf.Strategy.String()).
		Int("samples", len(buf.Samples)).
		Msg("Playing fragment")
	return start, nil
}

// Stop ends playback and resets the scheduler for a later session
func (p *Player) Stop() error {
	return p.scheduler.Reset()
}

// Stats returns how many payloads were scheduled and how many failed
func (p *Player) Stats() (played, failed int64) {
	return p.played.Load(), p.failures.Load()
}
