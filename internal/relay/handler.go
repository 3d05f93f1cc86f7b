package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/lexiqai/voice-relay/internal/config"
	"github.com/lexiqai/voice-relay/internal/queue"
	"github.com/lexiqai/voice-relay/internal/resilience"
	"github.com/lexiqai/voice-relay/internal/transport"
	"github.com/lexiqai/voice-relay/internal/upstream"
	"github.com/rs/zerolog"
)

// Options tune per-session relay behavior
type Options struct {
	// QueueLimit bounds the fragment queue; zero keeps it unbounded
	QueueLimit int
	// QueuePolicy applies when QueueLimit is reached
	QueuePolicy queue.OverflowPolicy
	// TurnTimeout ends a turn that never sees its completion marker; zero
	// waits for the marker indefinitely
	TurnTimeout time.Duration
	// WrapPCM wraps headerless audio/pcm fragments in a WAV container
	WrapPCM bool
	// StreamInput keeps submitting client audio while a turn is collected
	StreamInput bool
	// Breaker, when set, guards upstream session setup
	Breaker *resilience.CircuitBreaker
}

// OptionsFromConfig builds relay options from service configuration
func OptionsFromConfig(cfg *config.Config, breaker *resilience.CircuitBreaker) Options {
	return Options{
		QueueLimit:  cfg.FragmentQueueLimit,
		QueuePolicy: cfg.QueuePolicy(),
		TurnTimeout: cfg.TurnTimeoutDuration(),
		WrapPCM:     cfg.WrapPCMFragments,
		StreamInput: cfg.StreamInput,
		Breaker:     breaker,
	}
}

// Handler serves the relay websocket endpoint. Every connection gets its
// own Session and its own upstream session.
type Handler struct {
	connector upstream.Connector
	opts      Options
	logger    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewHandler creates a relay handler
func NewHandler(connector upstream.Connector, opts Options, logger zerolog.Logger) *Handler {
	return &Handler{
		connector: connector,
		opts:      opts,
		logger:    logger.With().Str("component", "relay").Logger(),
		sessions:  make(map[string]*Session),
	}
}

// ServeHTTP upgrades the request and runs the session until it closes
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrade(w, r)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	s := newSession(conn, h.connector, h.opts)
	s.onClose = h.untrack

	h.mu.Lock()
	h.sessions[s.id] = s
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	s.run()
}

func (h *Handler) untrack(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
}

// ActiveSessions returns the number of open sessions
func (h *Handler) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown closes every open session and waits for their handlers to return
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
