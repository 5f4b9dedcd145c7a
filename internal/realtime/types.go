package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"microgen/internal/cache"
	"microgen/internal/metrics"
	"microgen/internal/protocol"
	"microgen/internal/socket"
	"microgen/internal/subscription"
)

const DefaultClientName = "go"

var (
	ErrEmptyAPIKey     = errors.New("api key is required")
	ErrEmptyBaseURL    = errors.New("stream url is required")
	ErrInvalidBaseURL  = errors.New("stream url must use http, https, ws or wss")
	ErrEmptyEntityName = errors.New("entity name is required")
)

// TokenSource yields the bearer token to attach to new subscriptions.
// An empty token means the connection is anonymous.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Handlers receive events for one subscription
type Handlers = subscription.Handlers

// Options selects what a record subscription receives. Event is an event name or
// "*" (the default). Where is a protocol.Filter, a map, or any value whose JSON
// form is an object. Token overrides the client's token source.
type Options struct {
	Event string
	Where any
	Token string
}

// ChannelResult is the outcome of a channel id lookup. Error is nil on success.
type ChannelResult struct {
	ChannelID  string
	Status     int
	StatusText string
	Error      *protocol.ErrorDetail
}

func (r ChannelResult) OK() bool {
	return r.Error == nil
}

// LookupError is returned when subscribing by entity name fails to resolve the channel id
type LookupError struct {
	Entity string
	Result ChannelResult
}

func (e *LookupError) Error() string {
	msg := ""
	if e.Result.Error != nil {
		msg = e.Result.Error.Message
	}
	return fmt.Sprintf("channel lookup for %q failed: %d %s: %s", e.Entity, e.Result.Status, e.Result.StatusText, msg)
}

// Config wires a Client. Only BaseURL and APIKey are required.
type Config struct {
	// BaseURL is the stream host, e.g. https://database-stream.v3.microgen.id
	BaseURL    string
	APIKey     string
	ClientName string

	HTTPClient *http.Client
	Socket     socket.Config
	// Header is added to every websocket upgrade request
	Header http.Header
	// Transport overrides how subscription sockets are created
	Transport subscription.TransportFactory

	// Cache defaults to no caching; the Client closes it on Close
	Cache   cache.Cache
	Limiter *rate.Limiter
	Tokens  TokenSource
	Metrics *metrics.Metrics
}
