package subscription

import (
	"errors"
	"time"

	"microgen/internal/protocol"
	"microgen/internal/socket"
)

var (
	ErrEmptyID          = errors.New("subscription id is required")
	ErrEmptyURL         = errors.New("subscription url is required")
	ErrEmptyChannel     = errors.New("subscription channel is required")
	ErrNoMessageHandler = errors.New("subscription message handler is required")
	ErrRegistryClosed   = errors.New("subscription registry is closed")
)

// Transport is the subset of *socket.Socket the registry drives
type Transport interface {
	AddListener(t socket.EventType, fn socket.Listener) socket.ListenerID
	Send(data []byte) error
	Open()
	Close()
	State() socket.State
}

// TransportFactory creates an unopened transport for url
type TransportFactory func(url string) (Transport, error)

// Handlers receive events for one subscription. OnMessage is required; transport
// errors arrive there as ERROR events. OnConnect and OnDisconnect fire on every
// underlying connect and disconnect, reconnects included.
type Handlers struct {
	OnMessage    func(protocol.Event)
	OnConnect    func()
	OnDisconnect func()
}

// Request describes a subscription to open
type Request struct {
	Namespace protocol.Namespace
	ID        string
	URL       string
	Channel   string
	Handlers  Handlers
}

// Info is a snapshot of one active subscription
type Info struct {
	Key       string
	Name      string
	Channel   string
	State     socket.State
	CreatedAt time.Time
}
