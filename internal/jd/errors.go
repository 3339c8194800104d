package jd

import "fmt"

// ErrorKind classifies a protocol failure so the session loop knows how to
// react: most kinds tear the session down and let the outer reconnect loop
// take over; Shutdown bubbles out as a clean exit instead.
type ErrorKind int

const (
	Transport ErrorKind = iota
	Handshake
	Framing
	Serialization
	InvalidState
	ChannelSend
	Shutdown
)

func (k ErrorKind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Handshake:
		return "handshake"
	case Framing:
		return "framing"
	case Serialization:
		return "serialization"
	case InvalidState:
		return "invalid_state"
	case ChannelSend:
		return "channel_send"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ProtocolError is the error type every Pool Client failure path returns.
// Its Kind tells the session loop whether the failure is terminal for the
// session (nearly all of them) or the clean-exit Shutdown signal.
type ProtocolError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func newErr(kind ErrorKind, msg string) *ProtocolError {
	return &ProtocolError{Kind: kind, Msg: msg}
}

func wrapErr(kind ErrorKind, msg string, err error) *ProtocolError {
	return &ProtocolError{Kind: kind, Msg: msg, Err: err}
}

// IsShutdown reports whether err is the clean-exit shutdown signal.
func IsShutdown(err error) bool {
	pe, ok := err.(*ProtocolError)
	return ok && pe.Kind == Shutdown
}
