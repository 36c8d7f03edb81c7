package client

import (
	"fmt"
	"time"

	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
)

// Status is the coarse connection status shown to users.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// State is the connection state. It is one of Idle, Connecting, Connected,
// Reconnecting, or Errored.
type State interface {
	Status() Status
	isState()
}

// Idle is the initial state and the state after Disconnect.
type Idle struct{}

// Connecting covers token acquisition, dialing, and waiting for the server
// handshake.
type Connecting struct{}

// Connected means the server acknowledged the connection for UserID.
type Connected struct {
	UserID domain.UserID
}

// Reconnecting waits Delay before dial attempt Attempt.
type Reconnecting struct {
	Delay   time.Duration
	Attempt int
}

// Errored reports an authentication failure. A reconnect with a fresh token
// is still scheduled.
type Errored struct {
	Err     error
	Delay   time.Duration
	Attempt int
}

func (Idle) Status() Status         { return StatusIdle }
func (Connecting) Status() Status   { return StatusConnecting }
func (Connected) Status() Status    { return StatusConnected }
func (Reconnecting) Status() Status { return StatusReconnecting }
func (Errored) Status() Status      { return StatusError }

func (Idle) isState()         {}
func (Connecting) isState()   {}
func (Connected) isState()    {}
func (Reconnecting) isState() {}
func (Errored) isState()      {}

func (s Reconnecting) String() string {
	return fmt.Sprintf("reconnecting in %s (attempt %d)", s.Delay, s.Attempt)
}

type transition interface{ isTransition() }

type (
	connectRequested    struct{}
	transportOpened     struct{}
	disconnectRequested struct{}
	handshakeReceived   struct{ userID domain.UserID }
	transportLost       struct {
		delay   time.Duration
		attempt int
	}
	authRejected struct {
		err     error
		delay   time.Duration
		attempt int
	}
)

func (connectRequested) isTransition()    {}
func (transportOpened) isTransition()     {}
func (disconnectRequested) isTransition() {}
func (handshakeReceived) isTransition()   {}
func (transportLost) isTransition()       {}
func (authRejected) isTransition()        {}

// reduce is the connection transition function. Transitions that do not
// apply to the current state leave it unchanged.
func reduce(s State, t transition) State {
	if s == nil {
		s = Idle{}
	}
	switch t := t.(type) {
	case disconnectRequested:
		return Idle{}
	case connectRequested:
		switch s.(type) {
		case Connecting, Connected:
			return s
		default:
			return Connecting{}
		}
	case transportOpened:
		return s
	case handshakeReceived:
		switch s.(type) {
		case Connecting, Connected:
			return Connected{UserID: t.userID}
		default:
			return s
		}
	case transportLost:
		switch s.(type) {
		case Connecting, Connected:
			return Reconnecting{Delay: t.delay, Attempt: t.attempt}
		default:
			return s
		}
	case authRejected:
		switch s.(type) {
		case Connecting, Connected:
			return Errored{Err: t.err, Delay: t.delay, Attempt: t.attempt}
		default:
			return s
		}
	default:
		return s
	}
}
