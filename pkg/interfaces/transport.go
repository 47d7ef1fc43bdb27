package interfaces

import (
	"context"
	"fmt"
)

// EventKind tags a TransportEvent.
type EventKind uint8 // A

const (
	// EventIncoming carries a connection a remote peer
	// opened towards us. It is followed by EventOpened.
	EventIncoming EventKind = iota
	EventOpened
	EventClosed
	EventErrored
	EventData
)

var eventKindNames = map[EventKind]string{
	EventIncoming: "Incoming",
	EventOpened:   "Opened",
	EventClosed:   "Closed",
	EventErrored:  "Errored",
	EventData:     "Data",
}

func (k EventKind) String() string { // A
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", k)
}

// ErrorKind classifies transport failures.
type ErrorKind string // A

const (
	ErrKindUnsupported     ErrorKind = "unsupported"
	ErrKindNetwork         ErrorKind = "network"
	ErrKindSocketClosed    ErrorKind = "socket-closed"
	ErrKindWebRTC          ErrorKind = "webrtc"
	ErrKindServerError     ErrorKind = "server-error"
	ErrKindPeerUnavailable ErrorKind = "peer-unavailable"
	ErrKindDisconnected    ErrorKind = "disconnected"
	ErrKindSocketError     ErrorKind = "socket-error"
)

// Fatal reports whether the error ends the session.
// Peer-unavailable and disconnected are benign races.
func (k ErrorKind) Fatal() bool { // A
	switch k {
	case ErrKindPeerUnavailable, ErrKindDisconnected, ErrKindSocketError:
		return false
	default:
		return true
	}
}

// Alert is the user-visible text for a fatal kind.
func (k ErrorKind) Alert() string { // A
	switch k {
	case ErrKindUnsupported:
		return "Unsupported transport"
	case ErrKindServerError:
		return "Server error"
	default:
		return "Network error"
	}
}

// TransportError is a classified transport failure.
type TransportError struct { // A
	Kind ErrorKind
	Err  error
}

func (e *TransportError) Error() string { // A
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { // A
	return e.Err
}

// TransportEvent is one notification from the transport.
// Conn is nil for transport-wide errors.
type TransportEvent struct { // A
	Kind EventKind
	Conn Conn
	Data []byte
	Err  *TransportError
}

// Transport is the peer-to-peer transport capability.
// Connect and Send never block; their outcome arrives as
// events.
type Transport interface { // A
	// Start opens the session. SessionID is valid after
	// Start returns.
	Start(ctx context.Context) error
	SessionID() string
	Connect(peerID string) Conn
	Events() <-chan TransportEvent
	Close() error
}

// Conn is a handle to one peer connection.
type Conn interface { // A
	PeerID() string
	Send(data []byte) error
	Close() error
}
