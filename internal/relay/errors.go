package relay

import "fmt"

// ErrorKind classifies relay failures
type ErrorKind int

const (
	// KindSetup means the upstream session could not be established. Fatal
	// for the connection.
	KindSetup ErrorKind = iota
	// KindTransport covers malformed inbound messages. The message is dropped.
	KindTransport
	// KindUpstream covers failures reported by or while talking to the
	// upstream session. Not fatal on its own.
	KindUpstream
)

func (k ErrorKind) String() string {
	switch k {
	case KindSetup:
		return "setup"
	case KindTransport:
		return "transport"
	case KindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Error is a classified relay failure. Its text is what the client sees.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error ends the connection
func (e *Error) Fatal() bool {
	return e.Kind == KindSetup
}

func setupError(err error) *Error {
	return &Error{Kind: KindSetup, Err: fmt.Errorf("failed to open upstream session: %w", err)}
}

func transportError(format string, args ...any) *Error {
	return &Error{Kind: KindTransport, Err: fmt.Errorf(format, args...)}
}

func upstreamError(err error) *Error {
	return &Error{Kind: KindUpstream, Err: err}
}
