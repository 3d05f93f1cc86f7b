package upstream

import (
	"context"
	"errors"
)

// InputMIMEType describes the realtime audio the relay submits upstream
const InputMIMEType = "audio/pcm;rate=16000"

// ErrSessionClosed is returned when sending on a closed upstream session
var ErrSessionClosed = errors.New("upstream session closed")

// Fragment is one response unit emitted by the upstream session. It may
// carry audio, a transcript, a completion marker, or a mix of them.
type Fragment struct {
	Audio        []byte
	MIMEType     string
	Text         string // output transcription, if any
	TurnComplete bool
	Interrupted  bool
}

// HasAudio reports whether the fragment carries an audio payload
func (f Fragment) HasAudio() bool {
	return len(f.Audio) > 0
}

// Callbacks are invoked by the upstream session on its own schedule.
// Implementations must not block.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(Fragment)
	OnError   func(error)
	OnClose   func(reason string)
}

// Session is an established upstream AI streaming session
type Session interface {
	// SendAudio submits realtime audio input
	SendAudio(data []byte, mimeType string) error
	// Close terminates the session. Safe to call more than once.
	Close() error
}

// Connector establishes upstream sessions
type Connector interface {
	Connect(ctx context.Context, cb Callbacks) (Session, error)
}

func (cb Callbacks) open() {
	if cb.OnOpen != nil {
		cb.OnOpen()
	}
}

func (cb Callbacks) message(f Fragment) {
	if cb.OnMessage != nil {
		cb.OnMessage(f)
	}
}

func (cb Callbacks) error(err error) {
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

func (cb Callbacks) close(reason string) {
	if cb.OnClose != nil {
		cb.OnClose(reason)
	}
}
