// Package client is the relay's client side: it streams captured audio to
// the relay and plays the replies back without gaps.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lexiqai/voice-relay/internal/audio"
	"github.com/lexiqai/voice-relay/internal/capture"
	"github.com/lexiqai/voice-relay/internal/playback"
	"github.com/lexiqai/voice-relay/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// EventKind identifies what the client observed
type EventKind string

const (
	EventAudio         EventKind = "audio"
	EventStatus        EventKind = "status"
	EventError         EventKind = "error"
	EventDecodeError   EventKind = "decode_error"
	EventPlaybackError EventKind = "playback_error" // decoded, but the scheduler refused it
)

// Event is one envelope as handled by the client
type Event struct {
	Kind    EventKind
	Message string
	// Start is where an audio fragment was scheduled on the output clock
	Start time.Duration
	Err   error
}

// Option configures a Client
type Option func(*Client)

// WithEventHandler observes every handled envelope. It runs on the receive
// goroutine and must not block.
func WithEventHandler(fn func(Event)) Option {
	return func(c *Client) { c.onEvent = fn }
}

// WithCaptureOptions passes options through to the capture pipeline
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(c *Client) { c.captureOpts = append(c.captureOpts, opts...) }
}

// Client owns one relay connection, an optional capture pipeline and the
// player
type Client struct {
	conn   *transport.Conn
	player *playback.Player
	logger zerolog.Logger

	onEvent     func(Event)
	captureOpts []capture.Option
}

// Dial connects to the relay endpoint at url
func Dial(ctx context.Context, url string, player *playback.Player, logger zerolog.Logger, opts ...Option) (*Client, error) {
	conn, err := transport.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	c := &Client{
		conn:   conn,
		player: player,
		logger: logger.With().Str("component", "client").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger.Info().Str("url", url).Msg("Connected to relay")
	return c, nil
}

// SendAudio sends one encoded frame to the relay. It makes the client a
// capture.Sink.
func (c *Client) SendAudio(data []byte) error {
	return c.conn.SendAudio(data)
}

// Run streams frames from device (when not nil) and plays replies until ctx
// is cancelled or the relay closes the connection. Capture is stopped,
// playback reset and the connection closed before it returns.
func (c *Client) Run(ctx context.Context, device capture.Device) error {
	g, ctx := errgroup.WithContext(ctx)

	var pipeline *capture.Pipeline
	if device != nil {
		opts := append([]capture.Option{capture.WithErrorHandler(func(err error) {
			c.logger.Warn().Err(err).Msg("Capture error")
		})}, c.captureOpts...)
		pipeline = capture.NewPipeline(device, c, c.logger, opts...)
	}

	defer func() {
		if pipeline != nil {
			if err := pipeline.Stop(); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to stop capture")
			}
		}
		if err := c.player.Stop(); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to reset playback")
		}
	}()

	g.Go(func() error {
		return c.receiveLoop(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		return c.conn.Close()
	})

	if pipeline != nil {
		if err := pipeline.Start(); err != nil {
			if closeErr := c.conn.Close(); closeErr != nil {
				c.logger.Warn().Err(closeErr).Msg("Failed to close relay connection")
			}
			_ = g.Wait()
			return err
		}
	}

	return g.Wait()
}

func (c *Client) receiveLoop(ctx context.Context) error {
	for {
		env, err := c.conn.ReceiveEnvelope()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if transport.IsUnexpectedClose(err) {
				return fmt.Errorf("relay connection lost: %w", err)
			}
			if errors.Is(err, transport.ErrInvalidEnvelope) {
				c.logger.Warn().Err(err).Msg("Ignoring malformed envelope")
				continue
			}
			c.logger.Info().Msg("Relay closed the connection")
			return errRelayClosed
		}
		c.handle(env)
	}
}

var errRelayClosed = errors.New("relay closed the connection")

func (c *Client) handle(env transport.Envelope) {
	switch env.Type {
	case transport.KindAudio:
		c.play(env)

	case transport.KindStatus:
		c.logger.Info().Str("status", env.Message).Msg("Relay status")
		c.emit(Event{Kind: EventStatus, Message: env.Message})

	case transport.KindError:
		c.logger.Error().Str("error", env.Message).Msg("Relay error")
		c.emit(Event{Kind: EventError, Message: env.Message})
	}
}

func (c *Client) play(env transport.Envelope) {
	payload, err := env.Payload()
	if err != nil {
		c.logger.Error().Err(err).Msg("Could not decode audio payload")
		c.emit(Event{Kind: EventDecodeError, Message: err.Error(), Err: err})
		return
	}

	start, err := c.player.Play(payload)
	if err == nil {
		c.emit(Event{Kind: EventAudio, Start: start})
		return
	}

	// Dropped; playback carries on with the next fragment
	var decodeErr *audio.DecodeError
	if errors.As(err, &decodeErr) {
		c.logger.Error().Err(err).Msg("Could not decode audio fragment")
		c.emit(Event{Kind: EventDecodeError, Message: err.Error(), Err: err})
		return
	}
	c.logger.Error().Err(err).Msg("Could not schedule audio fragment")
	c.emit(Event{Kind: EventPlaybackError, Message: err.Error(), Err: err})
}

func (c *Client) emit(ev Event) {
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

// Close closes the relay connection
func (c *Client) Close() error {
	return c.conn.Close()
}
