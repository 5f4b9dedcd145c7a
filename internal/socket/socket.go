package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// Socket is a self-reconnecting WebSocket. It owns at most one underlying
// connection at a time; listeners are bound to the Socket and survive reconnects.
type Socket struct {
	url    string
	cfg    Config
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connID    string
	state     State
	started   bool
	closed    bool
	listeners map[EventType][]listenerEntry
	nextID    ListenerID

	writeMu sync.Mutex
	backoff *Backoff

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Socket for rawURL. It does not connect until Open is called.
func New(rawURL string, cfg Config, logger zerolog.Logger) (*Socket, error) {
	if rawURL == "" {
		return nil, ErrEmptyURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, ErrInvalidURL
	}

	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Socket{
		url: rawURL,
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Subprotocols:     cfg.Protocols,
		},
		// the query string may carry a bearer token, keep it out of logs
		logger:    logger.With().Str("component", "socket").Str("target", u.Host+u.Path).Logger(),
		state:     StateConnecting,
		listeners: make(map[EventType][]listenerEntry),
		backoff:   NewBackoff(cfg.InitialBackoff, cfg.MaxBackoff),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}, nil
}

// Open starts connecting in the background. Calling it more than once, or after
// Close, has no effect.
func (s *Socket) Open() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.run()
}

// AddListener registers fn for events of type t. Listeners of one type run in
// registration order. Unknown event types are ignored and yield 0.
func (s *Socket) AddListener(t EventType, fn Listener) ListenerID {
	if !t.valid() || fn == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.listeners[t] = append(s.listeners[t], listenerEntry{id: s.nextID, fn: fn})
	return s.nextID
}

// RemoveListener deregisters a listener and reports whether it was registered
func (s *Socket) RemoveListener(t EventType, id ListenerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.listeners[t]
	for i, e := range entries {
		if e.id == id {
			s.listeners[t] = append(entries[:i:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// Send writes a text frame on the current connection. It never queues: when no
// connection is open the frame is dropped and ErrNotOpen is returned.
func (s *Socket) Send(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if conn == nil || state != StateOpen {
		s.logger.Debug().Str("state", state.String()).Msg("send dropped, socket not open")
		return ErrNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Close permanently closes the socket: any pending reconnect is cancelled, the
// live connection gets a normal closure frame and no further events are dispatched.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	started := s.started
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
	if !started {
		close(s.done)
	}
	s.logger.Debug().Msg("socket closed")
}

// State returns the current lifecycle state
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the connection loop has exited after Close
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

func (s *Socket) run() {
	defer close(s.done)

	for {
		if !s.setState(StateConnecting) {
			return
		}

		conn, err := s.dial()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("WebSocket connect failed")
			s.dispatch(Event{Type: EventError, Err: err})
			if !s.setState(StateReconnecting) || !s.wait() {
				return
			}
			continue
		}

		connID := uuid.NewString()
		if !s.attach(conn, connID) {
			conn.Close()
			return
		}
		s.backoff.Reset()
		s.logger.Info().Str("connId", connID).Msg("WebSocket connected")

		stopPing := s.startPing(conn, connID)
		s.dispatch(Event{Type: EventOpen, ConnID: connID})
		err = s.readLoop(conn, connID)
		close(stopPing)
		s.detach(conn)
		conn.Close()

		if s.isClosed() {
			return
		}
		s.logger.Warn().Str("connId", connID).Err(err).Msg("WebSocket connection lost, reconnecting")
		s.dispatch(Event{Type: EventClose, ConnID: connID, Err: err})

		if !s.setState(StateReconnecting) || !s.wait() {
			return
		}
	}
}

func (s *Socket) dial() (*websocket.Conn, error) {
	conn, resp, err := s.dialer.DialContext(s.ctx, s.url, s.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect WebSocket (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect WebSocket: %w", err)
	}
	return conn, nil
}

// wait sleeps for the next backoff delay; it returns false if the socket was
// closed meanwhile, including when a timer fires after Close.
func (s *Socket) wait() bool {
	delay := s.backoff.Next()
	s.logger.Debug().Dur("delay", delay).Msg("WebSocket reconnect scheduled")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return !s.isClosed()
	}
}

func (s *Socket) readLoop(conn *websocket.Conn, connID string) error {
	for {
		if s.cfg.MessageTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.MessageTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.isClosed() {
				return err
			}
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				s.dispatch(Event{Type: EventError, ConnID: connID, Err: err})
			}
			return err
		}
		s.dispatch(Event{Type: EventMessage, ConnID: connID, Data: data})
	}
}

func (s *Socket) startPing(conn *websocket.Conn, connID string) chan struct{} {
	stop := make(chan struct{})
	if s.cfg.PingInterval <= 0 {
		return stop
	}

	readTimeout := s.cfg.MessageTimeout
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(s.cfg.WriteTimeout))
				s.writeMu.Unlock()
				if err != nil {
					s.logger.Debug().Str("connId", connID).Err(err).Msg("ping write failed")
					return
				}
			}
		}
	}()
	return stop
}

func (s *Socket) dispatch(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	entries := append([]listenerEntry(nil), s.listeners[ev.Type]...)
	s.mu.Unlock()

	for _, e := range entries {
		if s.isClosed() {
			return
		}
		s.invoke(e.fn, ev)
	}
}

func (s *Socket) invoke(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("event", string(ev.Type)).Msg("socket listener panic")
		}
	}()
	fn(ev)
}

func (s *Socket) attach(conn *websocket.Conn, connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	s.connID = connID
	s.state = StateOpen
	return true
}

func (s *Socket) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.connID = ""
	}
	s.mu.Unlock()
}

func (s *Socket) setState(state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.state = state
	return true
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
