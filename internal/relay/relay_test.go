package relay

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lexiqai/voice-relay/internal/audio"
	"github.com/lexiqai/voice-relay/internal/resilience"
	"github.com/lexiqai/voice-relay/internal/transport"
	"github.com/lexiqai/voice-relay/internal/upstream"
	"github.com/lexiqai/voice-relay/internal/upstream/mock"
	"github.com/rs/zerolog"
)

const testTimeout = 5 * time.Second

func startRelay(t *testing.T, connector upstream.Connector, opts Options) (*Handler, string) {
	t.Helper()

	h := NewHandler(connector, opts, zerolog.Nop())
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		h.Shutdown(ctx)
		srv.Close()
	})

	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + transport.EndpointPath
}

func dial(t *testing.T, url string) *transport.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	conn, err := transport.Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type received struct {
	env transport.Envelope
	err error
}

func next(t *testing.T, c *transport.Conn) (transport.Envelope, error) {
	t.Helper()

	ch := make(chan received, 1)
	go func() {
		env, err := c.ReceiveEnvelope()
		ch <- received{env, err}
	}()

	select {
	case r := <-ch:
		return r.env, r.err
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for envelope")
		return transport.Envelope{}, nil
	}
}

func expect(t *testing.T, c *transport.Conn, kind transport.Kind) transport.Envelope {
	t.Helper()

	env, err := next(t, c)
	if err != nil {
		t.Fatalf("Expected %s envelope, got error %v", kind, err)
	}
	if env.Type != kind {
		t.Fatalf("Expected %s envelope, got %+v", kind, env)
	}
	return env
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func silentFrame(t *testing.T) []byte {
	t.Helper()

	data, err := audio.EncodeFrame(make([]float32, audio.CaptureFrameSize))
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	return data
}

func speechFragment(t *testing.T, samples int) upstream.Fragment {
	t.Helper()

	data, err := audio.EncodeWAV(make([]int16, samples), audio.PlaybackSampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	return upstream.Fragment{Audio: data, MIMEType: "audio/wav"}
}

func TestRelay_EndToEndTurn(t *testing.T) {
	first := speechFragment(t, 480)
	second := speechFragment(t, 960)
	connector := mock.NewConnector(first, second, upstream.Fragment{TurnComplete: true})

	_, url := startRelay(t, connector, Options{})
	client := dial(t, url)

	status := expect(t, client, transport.KindStatus)
	if status.Message != "Session opened" {
		t.Errorf("Expected 'Session opened', got %q", status.Message)
	}

	if err := client.SendAudio(silentFrame(t)); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}

	for i, want := range []upstream.Fragment{first, second} {
		env := expect(t, client, transport.KindAudio)
		payload, err := env.Payload()
		if err != nil {
			t.Fatalf("Payload failed: %v", err)
		}
		if string(payload) != string(want.Audio) {
			t.Errorf("Fragment %d: payload differs from upstream fragment", i)
		}
	}

	// Nothing else belongs to the turn: the next envelope is the reply to
	// a deliberate protocol error
	if err := client.SendEnvelope(transport.Status("hello")); err != nil {
		t.Fatalf("SendEnvelope failed: %v", err)
	}
	expect(t, client, transport.KindError)

	session := connector.Sessions()[0]
	calls := session.Calls()
	if len(calls) != 1 {
		t.Fatalf("Expected exactly one realtime input, got %d", len(calls))
	}
	if calls[0].MIMEType != upstream.InputMIMEType {
		t.Errorf("Expected MIME type %q, got %q", upstream.InputMIMEType, calls[0].MIMEType)
	}
	if len(calls[0].Data) != audio.CaptureFrameSize*2 {
		t.Errorf("Expected %d bytes of PCM, got %d", audio.CaptureFrameSize*2, len(calls[0].Data))
	}
}

func TestRelay_ForwardsBeforeTurnCompletes(t *testing.T) {
	release := make(chan struct{})
	frag := speechFragment(t, 240)

	connector := &mock.Connector{
		Respond: func(s *mock.Session, _ mock.AudioCall) {
			s.Emit(frag)
			<-release
			s.Emit(upstream.Fragment{TurnComplete: true})
		},
	}

	_, url := startRelay(t, connector, Options{})
	client := dial(t, url)
	expect(t, client, transport.KindStatus)

	client.SendAudio(silentFrame(t))

	// Arrives while the marker is still held back
	expect(t, client, transport.KindAudio)
	close(release)
}

func TestRelay_TurnsAreSequential(t *testing.T) {
	release := make(chan struct{})
	frag := speechFragment(t, 240)

	connector := &mock.Connector{
		Respond: func(s *mock.Session, _ mock.AudioCall) {
			s.Emit(frag)
			<-release
			s.Emit(upstream.Fragment{TurnComplete: true})
		},
	}

	_, url := startRelay(t, connector, Options{})
	client := dial(t, url)
	expect(t, client, transport.KindStatus)
	session := connector.WaitSession(testTimeout)

	client.SendAudio(silentFrame(t))
	client.SendAudio(silentFrame(t))

	// First turn is streaming but its marker is held back
	expect(t, client, transport.KindAudio)
	time.Sleep(100 * time.Millisecond)
	if n := len(session.Calls()); n != 1 {
		t.Fatalf("Expected the second frame to wait for the first turn, got %d submissions", n)
	}

	release <- struct{}{}
	if !session.WaitSend(2, testTimeout) {
		t.Fatalf("Expected the second frame after the first turn completed, got %d submissions", len(session.Calls()))
	}
	expect(t, client, transport.KindAudio)
	release <- struct{}{}
}

func TestRelay_SetupErrorClosesConnection(t *testing.T) {
	connector := &mock.Connector{ConnectErr: errors.New("invalid API key")}

	h, url := startRelay(t, connector, Options{})
	client := dial(t, url)

	env := expect(t, client, transport.KindError)
	if !strings.Contains(env.Message, "invalid API key") {
		t.Errorf("Expected setup error message, got %q", env.Message)
	}

	if _, err := next(t, client); err == nil {
		t.Error("Expected connection to be closed after setup error")
	}

	waitFor(t, "session cleanup", func() bool { return h.ActiveSessions() == 0 })
}

func TestRelay_CircuitBreakerFailsFast(t *testing.T) {
	connector := &mock.Connector{ConnectErr: errors.New("upstream unavailable")}
	breaker := resilience.NewCircuitBreaker("test-upstream", 1, time.Minute)

	_, url := startRelay(t, connector, Options{Breaker: breaker})

	first := dial(t, url)
	expect(t, first, transport.KindError)

	second := dial(t, url)
	env := expect(t, second, transport.KindError)
	if !strings.Contains(env.Message, resilience.ErrCircuitOpen.Error()) {
		t.Errorf("Expected circuit open error, got %q", env.Message)
	}

	if connector.Attempts() != 1 {
		t.Errorf("Expected a single connect attempt, got %d", connector.Attempts())
	}
}

func TestRelay_MidSessionErrorsKeepConnectionOpen(t *testing.T) {
	connector := mock.NewConnector(speechFragment(t, 240), upstream.Fragment{TurnComplete: true})

	_, url := startRelay(t, connector, Options{})
	client := dial(t, url)
	expect(t, client, transport.KindStatus)

	// Odd-length payload cannot be PCM16
	client.SendAudio([]byte{1, 2, 3})
	env := expect(t, client, transport.KindError)
	if !strings.Contains(env.Message, "invalid audio") {
		t.Errorf("Expected invalid audio error, got %q", env.Message)
	}

	// A container claiming 1 Hz would resample to 16000x its size
	forged, _ := audio.EncodeWAV(make([]int16, 10000), 1)
	client.SendAudio(forged)
	env = expect(t, client, transport.KindError)
	if !strings.Contains(env.Message, "unsupported sample rate") {
		t.Errorf("Expected sample rate error, got %q", env.Message)
	}

	// Text frames are not audio
	client.SendEnvelope(transport.Status("hi"))
	expect(t, client, transport.KindError)

	// The connection still works
	client.SendAudio(silentFrame(t))
	expect(t, client, transport.KindAudio)
}

func TestRelay_SubmitErrorIsReported(t *testing.T) {
	connector := &mock.Connector{SendErr: errors.New("quota exceeded")}

	_, url := startRelay(t, connector, Options{})
	client := dial(t, url)
	expect(t, client, transport.KindStatus)

	for i := 0; i < 2; i++ {
		client.SendAudio(silentFrame(t))
		env := expect(t, client, transport.KindError)
		if !strings.Contains(env.Message, "quota exceeded") {
			t.Errorf("Expected submit error, got %q", env.Message)
		}
	}
}

func TestRelay_UpstreamCallbacks(t *testing.T) {
	connector := &mock.Connector{}

	_, url := startRelay(t, connector, Options{})
	client := dial(t, url)
	expect(t, client, transport.KindStatus)

	session := connector.WaitSession(testTimeout)
	if session == nil {
		t.Fatal("Expected an upstream session")
	}

	session.Fail(errors.New("model overloaded"))
	env := expect(t, client, transport.KindError)
	if env.Message != "model overloaded" {
		t.Errorf("Expected upstream error text, got %q", env.Message)
	}

	session.Disconnect("deadline exceeded")
	env = expect(t, client, transport.KindStatus)
	if env.Message != "Session closed: deadline exceeded" {
		t.Errorf("Expected close status, got %q", env.Message)
	}
}

func TestRelay_UpstreamCloseEndsWaitingTurn(t *testing.T) {
	connector := &mock.Connector{}

	_, url := startRelay(t, connector, Options{})
	client := dial(t, url)
	expect(t, client, transport.KindStatus)

	session := connector.WaitSession(testTimeout)
	client.SendAudio(silentFrame(t))
	if !session.WaitSend(1, testTimeout) {
		t.Fatal("Expected audio to reach upstream")
	}

	session.Disconnect("going away")
	expect(t, client, transport.KindStatus)

	// The turn is over, so the next message is handled
	client.SendAudio([]byte{1})
	expect(t, client, transport.KindError)
}

func TestRelay_TurnTimeout(t *testing.T) {
	connector := &mock.Connector{}

	_, url := startRelay(t, connector, Options{TurnTimeout: 50 * time.Millisecond})
	client := dial(t, url)
	expect(t, client, transport.KindStatus)

	client.SendAudio(silentFrame(t))
	env := expect(t, client, transport.KindError)
	if !strings.Contains(env.Message, "turn timed out") {
		t.Errorf("Expected turn timeout error, got %q", env.Message)
	}
}

func TestRelay_LateMarkerDoesNotEndNextTurn(t *testing.T) {
	late := speechFragment(t, 240)
	reply := speechFragment(t, 480)

	// Only the second submission gets a prompt reply
	answer := mock.Reply(reply, upstream.Fragment{TurnComplete: true})
	connector := &mock.Connector{
		Respond: func(s *mock.Session, call mock.AudioCall) {
			if len(s.Calls()) == 2 {
				answer(s, call)
			}
		},
	}
	_, url := startRelay(t, connector, Options{TurnTimeout: 50 * time.Millisecond})
	client := dial(t, url)
	expect(t, client, transport.KindStatus)
	session := connector.WaitSession(testTimeout)

	client.SendAudio(silentFrame(t))
	env := expect(t, client, transport.KindError)
	if !strings.Contains(env.Message, "turn timed out") {
		t.Fatalf("Expected turn timeout error, got %q", env.Message)
	}

	// The timed-out turn finishes after all
	session.Emit(late)
	session.Emit(upstream.Fragment{TurnComplete: true})

	client.SendAudio(silentFrame(t))

	env = expect(t, client, transport.KindAudio)
	payload, err := env.Payload()
	if err != nil {
		t.Fatalf("Payload failed: %v", err)
	}
	if string(payload) != string(reply.Audio) {
		t.Fatal("Expected the second turn's reply, got audio from the timed-out turn")
	}

	// The second turn ran to its own marker: the next message is handled
	// and no timeout is reported for it
	client.SendEnvelope(transport.Status("hello"))
	env = expect(t, client, transport.KindError)
	if strings.Contains(env.Message, "turn timed out") {
		t.Errorf("Expected the second turn to complete, got %q", env.Message)
	}
}

func TestRelay_CloseDuringTurn(t *testing.T) {
	connector := &mock.Connector{}
	h, url := startRelay(t, connector, Options{})

	a := dial(t, url)
	expect(t, a, transport.KindStatus)
	sessionA := connector.WaitSession(testTimeout)

	b := dial(t, url)
	expect(t, b, transport.KindStatus)
	sessionB := connector.WaitSession(testTimeout)

	// Both sessions are now mid-turn, waiting on a marker that never comes
	a.SendAudio(silentFrame(t))
	b.SendAudio(silentFrame(t))
	if !sessionA.WaitSend(1, testTimeout) || !sessionB.WaitSend(1, testTimeout) {
		t.Fatal("Expected both submissions to reach upstream")
	}

	a.Close()
	waitFor(t, "upstream A to close", sessionA.Closed)
	waitFor(t, "session A cleanup", func() bool { return h.ActiveSessions() == 1 })

	if sessionB.Closed() {
		t.Fatal("Closing A must not close B's upstream")
	}

	// B's queue is untouched and its turn still completes
	sessionB.Emit(speechFragment(t, 240))
	sessionB.Emit(upstream.Fragment{TurnComplete: true})
	expect(t, b, transport.KindAudio)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if n := sessionA.CloseCalls(); n != 1 {
		t.Errorf("Expected upstream A to be closed exactly once, got %d", n)
	}
	if n := sessionB.CloseCalls(); n != 1 {
		t.Errorf("Expected upstream B to be closed exactly once, got %d", n)
	}
}

func TestRelay_WrapPCMFragments(t *testing.T) {
	pcm := audio.Int16ToBytes(make([]int16, 240))
	connector := mock.NewConnector(
		upstream.Fragment{Audio: pcm, MIMEType: "audio/pcm;rate=24000"},
		upstream.Fragment{TurnComplete: true},
	)

	_, url := startRelay(t, connector, Options{WrapPCM: true})
	client := dial(t, url)
	expect(t, client, transport.KindStatus)

	client.SendAudio(silentFrame(t))
	env := expect(t, client, transport.KindAudio)

	payload, _ := env.Payload()
	if !audio.IsWAV(payload) {
		t.Fatal("Expected wrapped WAV payload")
	}
	info, err := audio.GetWAVInfo(payload)
	if err != nil {
		t.Fatalf("GetWAVInfo failed: %v", err)
	}
	if info.SampleRate != 24000 || info.NumSamples != 240 {
		t.Errorf("Unexpected wrapped format %+v", info)
	}
}

func TestRelay_StreamInput(t *testing.T) {
	connector := &mock.Connector{}

	_, url := startRelay(t, connector, Options{StreamInput: true})
	client := dial(t, url)
	expect(t, client, transport.KindStatus)
	session := connector.WaitSession(testTimeout)

	// No marker arrives, yet every frame still goes upstream
	for i := 0; i < 5; i++ {
		client.SendAudio(silentFrame(t))
	}
	if !session.WaitSend(5, testTimeout) {
		t.Fatalf("Expected 5 submissions, got %d", len(session.Calls()))
	}

	session.Emit(speechFragment(t, 240))
	expect(t, client, transport.KindAudio)
}

func TestPCMRate(t *testing.T) {
	tests := []struct {
		mime   string
		rate   int
		wantOK bool
	}{
		{"audio/pcm;rate=24000", 24000, true},
		{"audio/pcm; rate=16000", 16000, true},
		{"audio/pcm", audio.PlaybackSampleRate, true},
		{"audio/wav", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		rate, ok := pcmRate(tt.mime)
		if ok != tt.wantOK || rate != tt.rate {
			t.Errorf("pcmRate(%q) = %d, %v; want %d, %v", tt.mime, rate, ok, tt.rate, tt.wantOK)
		}
	}
}

func TestError_Kinds(t *testing.T) {
	if !setupError(errors.New("x")).Fatal() {
		t.Error("Expected setup errors to be fatal")
	}
	if transportError("bad %d", 1).Fatal() || upstreamError(errors.New("x")).Fatal() {
		t.Error("Expected transport and upstream errors to be non-fatal")
	}

	cause := errors.New("root")
	var relayErr *Error
	if !errors.As(error(upstreamError(cause)), &relayErr) || !errors.Is(relayErr, cause) {
		t.Error("Expected relay errors to unwrap to their cause")
	}
}
