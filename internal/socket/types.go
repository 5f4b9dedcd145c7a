package socket

import (
	"errors"
	"net/http"
	"time"
)

// State represents the lifecycle state of a Socket
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventType selects which listeners an event is dispatched to
type EventType string

const (
	EventOpen    EventType = "open"
	EventMessage EventType = "message"
	EventClose   EventType = "close"
	EventError   EventType = "error"
)

func (t EventType) valid() bool {
	switch t {
	case EventOpen, EventMessage, EventClose, EventError:
		return true
	}
	return false
}

// Event is passed to listeners. Data is set for message events, Err for error
// events and for close events caused by a failure.
type Event struct {
	Type   EventType
	ConnID string
	Data   []byte
	Err    error
}

// Listener handles socket events. Listeners run on the socket's connection
// goroutine, so a slow listener delays subsequent frames.
type Listener func(Event)

// ListenerID identifies a registered listener for removal
type ListenerID uint64

var (
	ErrNotOpen    = errors.New("socket is not open")
	ErrClosed     = errors.New("socket is closed")
	ErrEmptyURL   = errors.New("socket url is required")
	ErrInvalidURL = errors.New("socket url must use ws or wss scheme")
)

// Config holds Socket tuning parameters. Zero values select defaults.
type Config struct {
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
	// PingInterval enables keepalive pings; reads then time out after
	// MessageTimeout (or twice the ping interval when unset) without a pong.
	PingInterval   time.Duration
	MessageTimeout time.Duration
	WriteTimeout   time.Duration
	Protocols      []string
	Header         http.Header
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval > 0 && c.MessageTimeout <= 0 {
		c.MessageTimeout = 2 * c.PingInterval
	}
	return c
}
