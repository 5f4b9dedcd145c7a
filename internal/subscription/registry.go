package subscription

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"microgen/internal/metrics"
	"microgen/internal/protocol"
	"microgen/internal/socket"
)

// entry is one subscription and the transport it owns
type entry struct {
	key       string
	name      string
	channel   string
	transport Transport
	handlers  Handlers
	createdAt time.Time
	closed    atomic.Bool
}

// Registry owns the transports of all active subscriptions and keeps at most one
// subscription per name (namespace plus id).
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry // key -> entry
	byName  map[string]string // name -> key
	closed  bool

	factory    TransportFactory
	clientName string
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewRegistry creates a registry that builds transports with factory and
// identifies itself to the server as clientName. m may be nil.
func NewRegistry(factory TransportFactory, clientName string, m *metrics.Metrics, logger zerolog.Logger) *Registry {
	return &Registry{
		entries:    make(map[string]*entry),
		byName:     make(map[string]string),
		factory:    factory,
		clientName: clientName,
		metrics:    m,
		logger:     logger.With().Str("component", "subscription-registry").Logger(),
	}
}

// Name returns the collision name for a namespace and id
func Name(ns protocol.Namespace, id string) string {
	return string(ns) + ":" + strings.TrimSpace(id)
}

// Subscribe opens a new subscription and returns its key. An existing
// subscription with the same name is closed before the new transport opens.
func (r *Registry) Subscribe(req Request) (string, error) {
	id := strings.TrimSpace(req.ID)
	switch {
	case id == "":
		return "", ErrEmptyID
	case req.URL == "":
		return "", ErrEmptyURL
	case req.Channel == "":
		return "", ErrEmptyChannel
	case req.Handlers.OnMessage == nil:
		return "", ErrNoMessageHandler
	case !req.Namespace.Valid():
		return "", fmt.Errorf("%w: %q", protocol.ErrUnknownNamespace, req.Namespace)
	}

	frames, err := protocol.HandshakeFrames(r.clientName, req.Channel)
	if err != nil {
		return "", fmt.Errorf("failed to build handshake: %w", err)
	}

	transport, err := r.factory(req.URL)
	if err != nil {
		return "", fmt.Errorf("failed to create transport: %w", err)
	}

	name := Name(req.Namespace, id)
	e := &entry{
		key:       name + ":" + ulid.Make().String(),
		name:      name,
		channel:   req.Channel,
		transport: transport,
		handlers:  req.Handlers,
		createdAt: time.Now(),
	}
	r.wire(e, frames)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		transport.Close()
		return "", ErrRegistryClosed
	}
	var prior *entry
	if oldKey, ok := r.byName[name]; ok {
		prior = r.entries[oldKey]
		delete(r.entries, oldKey)
	}
	r.entries[e.key] = e
	r.byName[name] = e.key
	if prior != nil {
		prior.closed.Store(true)
	}
	r.mu.Unlock()

	// Socket close and open run outside the lock; a replaced transport is
	// always closed before its successor opens.
	if prior != nil {
		prior.transport.Close()
	}
	transport.Open()

	if prior != nil {
		r.metrics.SubscriptionReplaced()
		r.logger.Info().Str("key", prior.key).Str("replacedBy", e.key).Msg("subscription replaced")
	} else {
		r.metrics.SubscriptionOpened()
	}
	r.logger.Info().Str("key", e.key).Str("channel", e.channel).Msg("subscription opened")
	return e.key, nil
}

// Unsubscribe closes the subscription for key and reports whether it existed
func (r *Registry) Unsubscribe(key string) bool {
	if key == "" {
		r.logger.Warn().Msg("unsubscribe called with an empty key")
		return false
	}

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(e)
	r.mu.Unlock()

	e.transport.Close()

	r.metrics.SubscriptionClosed()
	r.logger.Info().Str("key", key).Msg("subscription closed")
	return true
}

// UnsubscribeName closes the subscription currently holding the name for ns and id
func (r *Registry) UnsubscribeName(ns protocol.Namespace, id string) bool {
	r.mu.Lock()
	key, ok := r.byName[Name(ns, id)]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.Unsubscribe(key)
}

// Get returns a snapshot of the subscription for key
func (r *Registry) Get(key string) (Info, bool) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return Info{
		Key:       e.key,
		Name:      e.name,
		Channel:   e.channel,
		State:     e.transport.State(),
		CreatedAt: e.createdAt,
	}, true
}

// Keys returns the active subscription keys in sorted order
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of active subscriptions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close closes every subscription; later Subscribe calls fail with ErrRegistryClosed
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	removed := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		removed = append(removed, e)
		r.removeLocked(e)
	}
	r.mu.Unlock()

	for _, e := range removed {
		e.transport.Close()
		r.metrics.SubscriptionClosed()
	}
	r.logger.Info().Int("closed", len(removed)).Msg("subscription registry closed")
}

// removeLocked drops e from both maps and silences its listeners. The caller
// closes the transport after releasing r.mu.
func (r *Registry) removeLocked(e *entry) {
	delete(r.entries, e.key)
	if r.byName[e.name] == e.key {
		delete(r.byName, e.name)
	}
	e.closed.Store(true)
}

// wire registers the entry's listeners. The open listener is registered first so
// identify and join are the first frames on every connection.
func (r *Registry) wire(e *entry, frames [][]byte) {
	t := e.transport
	log := r.logger.With().Str("key", e.key).Logger()

	t.AddListener(socket.EventOpen, func(ev socket.Event) {
		if e.closed.Load() {
			return
		}
		for _, frame := range frames {
			if err := t.Send(frame); err != nil {
				log.Warn().Err(err).Str("connId", ev.ConnID).Msg("failed to send handshake")
				return
			}
		}
		r.metrics.Connected()
		log.Debug().Str("connId", ev.ConnID).Str("channel", e.channel).Msg("channel joined")
		if h := e.handlers.OnConnect; h != nil {
			r.call(e, "connect", h)
		}
	})

	t.AddListener(socket.EventMessage, func(ev socket.Event) {
		if e.closed.Load() {
			return
		}
		event, ok := protocol.DecodeFrame(ev.Data)
		if !ok {
			r.metrics.FrameIgnored()
			log.Debug().Int("size", len(ev.Data)).Msg("ignored frame")
			return
		}
		event.Key = e.key
		r.metrics.EventReceived(string(event.Type))
		r.call(e, "message", func() { e.handlers.OnMessage(event) })
	})

	t.AddListener(socket.EventClose, func(ev socket.Event) {
		if e.closed.Load() {
			return
		}
		r.metrics.Disconnected()
		if h := e.handlers.OnDisconnect; h != nil {
			r.call(e, "disconnect", h)
		}
	})

	t.AddListener(socket.EventError, func(ev socket.Event) {
		if e.closed.Load() {
			return
		}
		r.metrics.TransportError()
		msg := "connection error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		event := protocol.NewErrorEvent(msg)
		event.Key = e.key
		r.call(e, "error", func() { e.handlers.OnMessage(event) })
	})
}

// call runs a handler, recovering panics so one handler cannot stop the socket
func (r *Registry) call(e *entry, kind string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("key", e.key).Str("handler", kind).Msg("subscription handler panic")
		}
	}()
	fn()
}
