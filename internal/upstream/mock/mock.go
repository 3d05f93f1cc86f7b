// Package mock provides a scripted upstream connector for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lexiqai/voice-relay/internal/upstream"
)

// AudioCall records one SendAudio invocation
type AudioCall struct {
	Data     []byte
	MIMEType string
}

// Connector is an upstream.Connector whose sessions are driven by the test
type Connector struct {
	// ConnectErr fails every Connect when set
	ConnectErr error

	// SendErr fails every SendAudio when set
	SendErr error

	// Respond runs in its own goroutine after each successful SendAudio
	Respond func(s *Session, call AudioCall)

	mu        sync.Mutex
	sessions  []*Session
	connected chan *Session
	attempts  int
}

var _ upstream.Connector = (*Connector)(nil)

// NewConnector returns a connector that replies to every audio submission
// with frags
func NewConnector(frags ...upstream.Fragment) *Connector {
	c := &Connector{}
	if len(frags) > 0 {
		c.Respond = Reply(frags...)
	}
	return c
}

// Reply returns a Respond func that emits frags in order
func Reply(frags ...upstream.Fragment) func(*Session, AudioCall) {
	return func(s *Session, _ AudioCall) {
		for _, f := range frags {
			s.Emit(f)
		}
	}
}

func (c *Connector) connectedChan() chan *Session {
	if c.connected == nil {
		c.connected = make(chan *Session, 64)
	}
	return c.connected
}

// Connect implements upstream.Connector
func (c *Connector) Connect(ctx context.Context, cb upstream.Callbacks) (upstream.Session, error) {
	c.mu.Lock()
	c.attempts++
	if c.ConnectErr != nil {
		err := c.ConnectErr
		c.mu.Unlock()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	s := &Session{connector: c, cb: cb}
	c.sessions = append(c.sessions, s)
	ch := c.connectedChan()
	c.mu.Unlock()

	if cb.OnOpen != nil {
		cb.OnOpen()
	}
	ch <- s
	return s, nil
}

// Attempts returns how many times Connect was called
func (c *Connector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Sessions returns every session opened so far
func (c *Connector) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Session(nil), c.sessions...)
}

// WaitSession waits for the next session to be opened
func (c *Connector) WaitSession(timeout time.Duration) *Session {
	c.mu.Lock()
	ch := c.connectedChan()
	c.mu.Unlock()

	select {
	case s := <-ch:
		return s
	case <-time.After(timeout):
		return nil
	}
}

// Session is a scripted upstream.Session
type Session struct {
	connector *Connector
	cb        upstream.Callbacks

	mu         sync.Mutex
	calls      []AudioCall
	closeCalls int
	closed     bool
	sent       chan struct{}
}

// SendAudio records the call and runs the connector's Respond script
func (s *Session) SendAudio(data []byte, mimeType string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return upstream.ErrSessionClosed
	}
	if err := s.connector.SendErr; err != nil {
		s.mu.Unlock()
		return err
	}
	call := AudioCall{Data: append([]byte(nil), data...), MIMEType: mimeType}
	s.calls = append(s.calls, call)
	if s.sent != nil {
		close(s.sent)
		s.sent = nil
	}
	s.mu.Unlock()

	if respond := s.connector.Respond; respond != nil {
		go respond(s, call)
	}
	return nil
}

// Close counts every call; only the first one closes the session
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.closed = true
	return nil
}

// Calls returns the recorded SendAudio calls
func (s *Session) Calls() []AudioCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AudioCall(nil), s.calls...)
}

// CloseCalls returns how many times Close was called
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed reports whether Close has been called
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// WaitSend waits until at least n SendAudio calls have been recorded
func (s *Session) WaitSend(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		if len(s.calls) >= n {
			s.mu.Unlock()
			return true
		}
		if s.sent == nil {
			s.sent = make(chan struct{})
		}
		sent := s.sent
		s.mu.Unlock()

		select {
		case <-sent:
		case <-deadline:
			return false
		}
	}
}

// Emit delivers a fragment through OnMessage
func (s *Session) Emit(f upstream.Fragment) {
	if s.cb.OnMessage != nil {
		s.cb.OnMessage(f)
	}
}

// Fail delivers an error through OnError
func (s *Session) Fail(err error) {
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

// Disconnect delivers a close through OnClose
func (s *Session) Disconnect(reason string) {
	if s.cb.OnClose != nil {
		s.cb.OnClose(reason)
	}
}
