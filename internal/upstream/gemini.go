package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// GeminiConfig holds settings for Gemini Live sessions
type GeminiConfig struct {
	APIKey         string
	Model          string
	Voice          string // prebuilt voice name, empty for the model default
	SystemPrompt   string
	ConnectTimeout time.Duration
}

// GeminiConnector opens Gemini Live API sessions
type GeminiConnector struct {
	client *genai.Client
	config GeminiConfig
	logger zerolog.Logger
}

// NewGeminiConnector creates a connector backed by the Gemini API
func NewGeminiConnector(ctx context.Context, cfg GeminiConfig, logger zerolog.Logger) (*GeminiConnector, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("gemini model is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GeminiConnector{
		client: client,
		config: cfg,
		logger: logger.With().Str("component", "gemini").Logger(),
	}, nil
}

func (g *GeminiConnector) liveConfig() *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if g.config.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(g.config.SystemPrompt, genai.RoleUser)
	}
	if g.config.Voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: g.config.Voice},
			},
		}
	}
	return cfg
}

// Connect opens a live session. OnOpen fires before Connect returns; the
// other callbacks fire from the session's receive goroutine in arrival order.
func (g *GeminiConnector) Connect(ctx context.Context, cb Callbacks) (Session, error) {
	if g.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.ConnectTimeout)
		defer cancel()
	}

	live, err := g.client.Live.Connect(ctx, g.config.Model, g.liveConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gemini live: %w", err)
	}

	s := &geminiSession{
		live:   live,
		cb:     cb,
		logger: g.logger,
	}

	cb.open()
	go s.receiveLoop()

	return s, nil
}

type geminiSession struct {
	live      *genai.Session
	cb        Callbacks
	logger    zerolog.Logger
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (s *geminiSession) SendAudio(data []byte, mimeType string) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: data, MIMEType: mimeType},
	})
	if err != nil {
		return fmt.Errorf("failed to send realtime input: %w", err)
	}
	return nil
}

func (s *geminiSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.live.Close()
	})
	return s.closeErr
}

func (s *geminiSession) receiveLoop() {
	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if isRecoverable(err) {
				s.cb.error(err)
				continue
			}
			s.closed.Store(true)
			s.cb.close(closeReason(err))
			return
		}

		if msg.GoAway != nil {
			s.cb.error(fmt.Errorf("upstream is going away in %s", msg.GoAway.TimeLeft))
		}

		if frag, ok := toFragment(msg); ok {
			if frag.Text != "" {
				s.logger.Debug().Str("transcript", frag.Text).Msg("Output transcription")
			}
			s.cb.message(frag)
		}
	}
}

// toFragment flattens one server message. Messages without server content
// (setup acknowledgements, usage reports) produce no fragment.
func toFragment(msg *genai.LiveServerMessage) (Fragment, bool) {
	sc := msg.ServerContent
	if sc == nil {
		return Fragment{}, false
	}

	var frag Fragment
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if frag.MIMEType == "" {
				frag.MIMEType = part.InlineData.MIMEType
			}
			frag.Audio = append(frag.Audio, part.InlineData.Data...)
		}
	}
	if sc.OutputTranscription != nil {
		frag.Text = sc.OutputTranscription.Text
	}
	frag.TurnComplete = sc.TurnComplete
	frag.Interrupted = sc.Interrupted

	if !frag.HasAudio() && frag.Text == "" && !frag.TurnComplete && !frag.Interrupted {
		return Fragment{}, false
	}
	return frag, true
}

// isRecoverable reports whether a receive error leaves the connection usable.
// The SDK reports server error payloads and undecodable messages without
// tearing the socket down.
func isRecoverable(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "received error in response") ||
		strings.HasPrefix(msg, "invalid message format")
}

func closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return ce.Text
		}
		return fmt.Sprintf("code %d", ce.Code)
	}
	return err.Error()
}
