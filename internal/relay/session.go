package relay

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lexiqai/voice-relay/internal/audio"
	"github.com/lexiqai/voice-relay/internal/observability"
	"github.com/lexiqai/voice-relay/internal/queue"
	"github.com/lexiqai/voice-relay/internal/transport"
	"github.com/lexiqai/voice-relay/internal/upstream"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type turnOutcome string

const (
	turnComplete turnOutcome = "complete"
	turnTimeout  turnOutcome = "timeout"
	turnClosed   turnOutcome = "closed"
)

// Session binds one client connection to one upstream session. It owns the
// upstream handle and the fragment queue; nothing else mutates them.
type Session struct {
	id        string
	conn      *transport.Conn
	connector upstream.Connector
	opts      Options

	mu       sync.Mutex
	upstream upstream.Session

	fragments *queue.Queue[upstream.Fragment]
	inbound   *queue.Queue[transport.Message]

	sendMu    sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	onClose   func(*Session)

	logger  zerolog.Logger
	metrics *observability.SessionMetrics
}

func newSession(conn *transport.Conn, connector upstream.Connector, opts Options) *Session {
	id := observability.NewCorrelationID()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:        id,
		conn:      conn,
		connector: connector,
		opts:      opts,
		fragments: queue.New[upstream.Fragment](
			queue.WithLimit(opts.QueueLimit),
			queue.WithPolicy(opts.QueuePolicy),
		),
		inbound: queue.New[transport.Message](),
		ctx:     ctx,
		cancel:  cancel,
		logger:  observability.WithSession(id),
		metrics: observability.NewSessionMetrics(id),
	}
	s.metrics.RecordSessionStart()
	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// run drives the session until either side closes it
func (s *Session) run() {
	defer s.Close()

	s.logger.Info().Str("remote_addr", s.conn.RemoteAddr()).Msg("Client connected")

	if err := s.open(); err != nil {
		s.report(err)
		return
	}

	go s.readLoop()

	if s.opts.StreamInput {
		s.runStreaming()
		return
	}
	s.runSequential()
}

// open establishes the upstream session, through the circuit breaker when
// one is configured. It is never retried.
func (s *Session) open() *Error {
	cb := upstream.Callbacks{
		OnOpen:    s.onUpstreamOpen,
		OnMessage: s.onUpstreamMessage,
		OnError:   s.onUpstreamError,
		OnClose:   s.onUpstreamClose,
	}

	start := time.Now()
	connect := func() error {
		us, err := s.connector.Connect(s.ctx, cb)
		if err != nil {
			return err
		}
		s.setUpstream(us)
		return nil
	}

	var err error
	if s.opts.Breaker != nil {
		err = s.opts.Breaker.Call(connect)
	} else {
		err = connect()
	}

	s.metrics.RecordUpstreamConnect(err == nil, time.Since(start))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to open upstream session")
		return setupError(err)
	}

	s.logger.Info().Msg("Upstream session opened")
	return nil
}

func (s *Session) setUpstream(us upstream.Session) {
	s.mu.Lock()
	s.upstream = us
	s.mu.Unlock()

	// Closed while connecting
	if s.closed.Load() {
		s.closeUpstream()
	}
}

func (s *Session) upstreamSession() upstream.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

func (s *Session) closeUpstream() {
	s.mu.Lock()
	us := s.upstream
	s.upstream = nil
	s.mu.Unlock()

	if us == nil {
		return
	}
	if err := us.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Error closing upstream session")
	}
}

// Upstream callbacks. None of them block under the default unbounded
// fragment queue.

func (s *Session) onUpstreamOpen() {
	s.send(transport.Status("Session opened"))
}

func (s *Session) onUpstreamMessage(f upstream.Fragment) {
	if f.Interrupted {
		s.logger.Debug().Msg("Upstream turn interrupted")
	}
	if err := s.fragments.Push(f); err != nil {
		s.logger.Debug().Err(err).Msg("Fragment arrived after close")
	}
}

func (s *Session) onUpstreamError(err error) {
	s.report(upstreamError(err))
}

func (s *Session) onUpstreamClose(reason string) {
	s.logger.Info().Str("reason", reason).Msg("Upstream session closed")
	s.send(transport.Status("Session closed: " + reason))
	s.fragments.Close()
}

// readLoop feeds inbound client messages to the session. A read error is
// the client going away and closes the whole session.
func (s *Session) readLoop() {
	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if transport.IsUnexpectedClose(err) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			} else {
				s.logger.Info().Msg("Client disconnected")
			}
			s.Close()
			return
		}
		if err := s.inbound.Push(msg); err != nil {
			return
		}
	}
}

func (s *Session) runSequential() {
	stale := false
	for {
		msg, err := s.inbound.Pop(s.ctx)
		if err != nil {
			return
		}
		if stale {
			s.discardStale()
			stale = false
		}
		if !s.submit(msg) {
			continue
		}

		s.metrics.RecordTurnStart()
		outcome, _ := s.collectTurn(s.ctx, s.opts.TurnTimeout)
		s.metrics.RecordTurnEnd(string(outcome))
		stale = outcome == turnTimeout
	}
}

// discardStale drops whatever a timed-out turn left queued, so its late
// marker cannot end the next turn
func (s *Session) discardStale() {
	var n uint64
	for {
		if _, ok := s.fragments.TryPop(); !ok {
			break
		}
		n++
	}
	if n > 0 {
		s.metrics.RecordDroppedFragments(n)
		s.logger.Debug().Uint64("fragments", n).Msg("Discarded fragments of timed-out turn")
	}
}

// runStreaming submits audio as it arrives while a second loop forwards
// turns, so input keeps flowing while the upstream is speaking
func (s *Session) runStreaming() {
	g, ctx := errgroup.WithContext(s.ctx)

	g.Go(func() error {
		for {
			msg, err := s.inbound.Pop(ctx)
			if err != nil {
				return err
			}
			s.submit(msg)
		}
	})

	g.Go(func() error {
		for {
			outcome, err := s.collectTurn(ctx, 0)
			if err != nil {
				// Upstream went away; keep accepting input so the client
				// sees errors rather than a dropped connection
				return nil
			}
			s.metrics.RecordTurnEnd(string(outcome))
		}
	})

	_ = g.Wait()
}

// submit normalizes one inbound message and sends it upstream. Failures are
// reported to the client and leave the connection open.
func (s *Session) submit(msg transport.Message) bool {
	if !msg.Binary {
		s.report(transportError("text messages are not accepted, send binary audio"))
		return false
	}

	frame, err := audio.NormalizeCapture(msg.Data)
	if err != nil {
		s.report(transportError("invalid audio message: %v", err))
		return false
	}
	pcm := frame.Bytes()
	s.metrics.RecordAudioBytes("in", int64(len(pcm)))
	s.logger.Debug().Dur("duration", frame.Duration()).Msg("Submitting audio")

	us := s.upstreamSession()
	if us == nil {
		s.report(upstreamError(upstream.ErrSessionClosed))
		return false
	}
	if err := us.SendAudio(pcm, upstream.InputMIMEType); err != nil {
		s.report(upstreamError(fmt.Errorf("failed to submit audio: %w", err)))
		return false
	}
	return true
}

// collectTurn forwards fragments as they arrive until the completion marker.
// Audio is sent to the client before the turn is known to be complete.
func (s *Session) collectTurn(ctx context.Context, timeout time.Duration) (turnOutcome, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	forwarded := 0
	for {
		frag, err := s.fragments.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && s.ctx.Err() == nil {
				s.report(upstreamError(fmt.Errorf("turn timed out after %s", timeout)))
				return turnTimeout, nil
			}
			return turnClosed, err
		}

		if frag.HasAudio() {
			s.forward(frag)
			forwarded++
		}

		if frag.TurnComplete {
			s.logger.Debug().Int("fragments", forwarded).Msg("Turn complete")
			return turnComplete, nil
		}
	}
}

func (s *Session) forward(frag upstream.Fragment) {
	payload := frag.Audio
	if s.opts.WrapPCM {
		if rate, ok := pcmRate(frag.MIMEType); ok {
			wrapped, err := audio.WrapPCM(payload, rate)
			if err != nil {
				s.logger.Warn().Err(err).Str("mime_type", frag.MIMEType).Msg("Failed to wrap PCM fragment, forwarding raw")
			} else {
				payload = wrapped
			}
		}
	}

	if s.send(transport.Audio(payload)) {
		s.metrics.RecordFragmentForwarded(len(payload))
	}
}

// send queues an envelope unless the session is closed
func (s *Session) send(env transport.Envelope) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	if s.closed.Load() {
		return false
	}
	if err := s.conn.SendEnvelope(env); err != nil {
		s.logger.Debug().Err(err).Str("type", string(env.Type)).Msg("Failed to send envelope")
		return false
	}
	return true
}

// report surfaces err to the client as an error envelope
func (s *Session) report(err *Error) {
	s.metrics.RecordError(err.Kind.String(), "relay")
	s.logger.Warn().Err(err.Err).Str("kind", err.Kind.String()).Msg("Session error")
	s.send(transport.Error(err.Error()))
}

// Close tears the session down: no envelope is sent afterwards, the
// upstream session is closed exactly once and the connection is released.
// Safe to call from any goroutine, any number of times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.closed.Store(true)
		s.sendMu.Unlock()
		s.cancel()

		s.fragments.Close()
		s.inbound.Close()
		s.closeUpstream()

		if err := s.conn.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Error closing client connection")
		}

		s.metrics.RecordDroppedFragments(s.fragments.Dropped())
		s.metrics.RecordSessionEnd()
		s.logger.Info().Msg("Session closed")

		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// pcmRate extracts the sample rate of a headerless audio/pcm MIME type
func pcmRate(mimeType string) (int, bool) {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil || !strings.EqualFold(mediaType, "audio/pcm") {
		return 0, false
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return audio.PlaybackSampleRate, true
	}
	return rate, true
}
