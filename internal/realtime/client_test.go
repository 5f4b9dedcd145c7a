package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"microgen/internal/auth"
	"microgen/internal/cache"
	"microgen/internal/protocol"
	"microgen/internal/socket"
)

const testAPIKey = "key-1"

// streamServer fakes the stream host: the channel lookup endpoint plus the
// websocket endpoint. Every connection records its handshake and query string,
// then receives the frames queued in push. With dropFirst set the first
// connection is closed right after its handshake.
type streamServer struct {
	*httptest.Server

	lookups   atomic.Int32
	names     map[string]string
	dropFirst bool
	accepted  atomic.Int32

	mu          sync.Mutex
	handshakes  [][]string
	queries     []string
	headers     []http.Header
	lookupPaths []string
	push        []string
	joined      chan struct{}
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()
	ss := &streamServer{
		names:  map[string]string{"todos": "table:abc123", "team/todos": "table:team42"},
		joined: make(chan struct{}, 8),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/channel/"+testAPIKey+"/", func(w http.ResponseWriter, r *http.Request) {
		ss.lookups.Add(1)
		ss.mu.Lock()
		ss.lookupPaths = append(ss.lookupPaths, r.URL.EscapedPath())
		ss.mu.Unlock()
		entity := strings.TrimPrefix(r.URL.Path, "/channel/"+testAPIKey+"/")
		name, ok := ss.names[entity]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"table not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"name":"` + name + `"}`))
	})
	mux.HandleFunc("/connection/"+testAPIKey+"/websocket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var frames []string
		for len(frames) < 2 {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames = append(frames, string(data))
		}

		ss.mu.Lock()
		ss.handshakes = append(ss.handshakes, frames)
		ss.queries = append(ss.queries, r.URL.RawQuery)
		ss.headers = append(ss.headers, r.Header.Clone())
		push := append([]string(nil), ss.push...)
		ss.mu.Unlock()
		ss.joined <- struct{}{}

		if n := ss.accepted.Add(1); ss.dropFirst && n == 1 {
			return
		}

		for _, p := range push {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ss.Server = httptest.NewServer(mux)
	t.Cleanup(ss.Close)
	return ss
}

func (ss *streamServer) waitJoined(t *testing.T) {
	t.Helper()
	select {
	case <-ss.joined:
	case <-time.After(3 * time.Second):
		t.Fatal("handshake not received")
	}
}

func newTestClient(t *testing.T, ss *streamServer, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		BaseURL: ss.URL,
		APIKey:  testAPIKey,
		Socket:  socket.Config{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{BaseURL: "https://x"}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrEmptyAPIKey)

	_, err = New(Config{APIKey: "k"}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrEmptyBaseURL)

	_, err = New(Config{APIKey: "k", BaseURL: "ftp://x"}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidBaseURL)

	_, err = New(Config{APIKey: "k", BaseURL: "https://"}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidBaseURL)
}

func TestClient_SocketURL(t *testing.T) {
	tests := []struct {
		base  string
		token string
		want  string
	}{
		{"https://database-stream.v3.microgen.id", "", "wss://database-stream.v3.microgen.id/connection/k/websocket"},
		{"http://localhost:8080/", "jwt", "ws://localhost:8080/connection/k/websocket?token=jwt"},
		{"wss://stream.example.com/base", "a b", "wss://stream.example.com/base/connection/k/websocket?token=a+b"},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			c, err := New(Config{BaseURL: tt.base, APIKey: "k"}, zerolog.Nop())
			require.NoError(t, err)
			defer c.Close()
			assert.Equal(t, tt.want, c.socketURL(tt.token))
		})
	}
}

func TestClient_GetChannelID(t *testing.T) {
	ss := newStreamServer(t)
	c := newTestClient(t, ss, nil)

	result := c.GetChannelID(context.Background(), "todos")
	require.True(t, result.OK(), "%+v", result)
	assert.Equal(t, "abc123", result.ChannelID)
	assert.Equal(t, http.StatusOK, result.Status)
}

func TestClient_GetChannelID_NotFound(t *testing.T) {
	ss := newStreamServer(t)
	c := newTestClient(t, ss, nil)

	result := c.GetChannelID(context.Background(), "missing")
	require.False(t, result.OK())
	assert.Equal(t, http.StatusNotFound, result.Status)
	assert.Equal(t, "Not Found", result.StatusText)
	assert.Equal(t, "table not found", result.Error.Message)
}

func TestClient_GetChannelID_RawErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, APIKey: testAPIKey}, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	result := c.GetChannelID(context.Background(), "todos")
	require.False(t, result.OK())
	assert.Equal(t, http.StatusBadGateway, result.Status)
	assert.Equal(t, "upstream exploded", result.Error.Message)
}

func TestClient_GetChannelID_MalformedName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"no-separator"}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, APIKey: testAPIKey}, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	result := c.GetChannelID(context.Background(), "todos")
	require.False(t, result.OK())
	assert.Equal(t, failedStatus, result.Status)
	assert.Contains(t, result.Error.Message, "no-separator")
}

func TestClient_GetChannelID_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: base, APIKey: testAPIKey}, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	result := c.GetChannelID(context.Background(), "todos")
	require.False(t, result.OK())
	assert.Equal(t, 500, result.Status)
	assert.Equal(t, "FAILED", result.StatusText)
}

func TestClient_GetChannelID_EmptyName(t *testing.T) {
	ss := newStreamServer(t)
	c := newTestClient(t, ss, nil)

	result := c.GetChannelID(context.Background(), "  ")
	require.False(t, result.OK())
	assert.Equal(t, http.StatusBadRequest, result.Status)
	assert.Zero(t, ss.lookups.Load())
}

func TestClient_GetChannelID_Cached(t *testing.T) {
	ss := newStreamServer(t)
	mc, err := cache.NewMemoryCache(8, time.Minute)
	require.NoError(t, err)
	c := newTestClient(t, ss, func(cfg *Config) { cfg.Cache = mc })

	for i := 0; i < 3; i++ {
		result := c.GetChannelID(context.Background(), "todos")
		require.True(t, result.OK())
		assert.Equal(t, "abc123", result.ChannelID)
	}
	assert.Equal(t, int32(1), ss.lookups.Load())

	// failures are not cached
	c.GetChannelID(context.Background(), "missing")
	c.GetChannelID(context.Background(), "missing")
	assert.Equal(t, int32(3), ss.lookups.Load())
}

func TestClient_GetChannelID_RateLimited(t *testing.T) {
	ss := newStreamServer(t)
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	c := newTestClient(t, ss, func(cfg *Config) { cfg.Limiter = limiter })

	require.True(t, c.GetChannelID(context.Background(), "todos").OK())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result := c.GetChannelID(ctx, "todos")
	require.False(t, result.OK())
	assert.Equal(t, "FAILED", result.StatusText)
	assert.Equal(t, int32(1), ss.lookups.Load())
}

func TestClient_SubscribeEntity_EndToEnd(t *testing.T) {
	ss := newStreamServer(t)
	ss.push = []string{
		`{"id":1,"result":{"client":"c1","version":"1.0"}}`,
		`{"result":{"data":{"data":{"eventType":"UPDATE_RECORD","payload":{"_id":"1"}}}}}`,
	}
	c := newTestClient(t, ss, nil)

	events := make(chan protocol.Event, 4)
	connected := make(chan struct{}, 4)
	key, err := c.SubscribeEntity(context.Background(), "todos", Options{
		Event: "*",
		Where: map[string]any{"name": "tes"},
	}, Handlers{
		OnMessage: func(ev protocol.Event) { events <- ev },
		OnConnect: func() { connected <- struct{}{} },
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "query:abc123:"))

	ss.waitJoined(t)

	select {
	case ev := <-events:
		assert.Equal(t, protocol.EventUpdateRecord, ev.Type)
		assert.JSONEq(t, `{"_id":"1"}`, string(ev.Payload))
		assert.Equal(t, key, ev.Key)
	case <-time.After(3 * time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("connect handler not called")
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	require.Len(t, ss.handshakes, 1)
	assert.Equal(t, []string{
		`{"params":{"name":"go"},"id":1}`,
		`{"method":1,"params":{"channel":"query:abc123:*:name=tes"},"id":2}`,
	}, ss.handshakes[0])
	assert.Empty(t, ss.queries[0])

	info, ok := c.Subscription(key)
	require.True(t, ok)
	assert.Equal(t, "query:abc123:*:name=tes", info.Channel)
}

func TestClient_SubscribeEntity_LookupFailure(t *testing.T) {
	ss := newStreamServer(t)
	c := newTestClient(t, ss, nil)

	_, err := c.SubscribeEntity(context.Background(), "missing", Options{}, Handlers{OnMessage: func(protocol.Event) {}})

	var lookupErr *LookupError
	require.True(t, errors.As(err, &lookupErr))
	assert.Equal(t, http.StatusNotFound, lookupErr.Result.Status)
	assert.Contains(t, err.Error(), "table not found")
	assert.Empty(t, c.Keys())
}

func TestClient_Subscribe_TokenSources(t *testing.T) {
	ss := newStreamServer(t)
	store := auth.NewStore()
	store.Save("ambient")
	c := newTestClient(t, ss, func(cfg *Config) { cfg.Tokens = store })
	noop := Handlers{OnMessage: func(protocol.Event) {}}

	_, err := c.Subscribe(context.Background(), "t1", Options{}, noop)
	require.NoError(t, err)
	ss.waitJoined(t)

	_, err = c.Subscribe(context.Background(), "t2", Options{Token: "explicit"}, noop)
	require.NoError(t, err)
	ss.waitJoined(t)

	_, err = c.SubscribeAuth(context.Background(), "device-1", "LOGIN", noop)
	require.NoError(t, err)
	ss.waitJoined(t)

	ss.mu.Lock()
	defer ss.mu.Unlock()
	assert.Equal(t, []string{"token=ambient", "token=explicit", ""}, ss.queries)
	assert.Equal(t, `{"method":1,"params":{"channel":"auth:device-1:LOGIN"},"id":2}`, ss.handshakes[2][1])
}

func TestClient_Subscribe_TokenError(t *testing.T) {
	ss := newStreamServer(t)
	failing := auth.TokenFunc(func(context.Context) (string, error) { return "", errors.New("locked") })
	c := newTestClient(t, ss, func(cfg *Config) { cfg.Tokens = failing })

	_, err := c.Subscribe(context.Background(), "t1", Options{}, Handlers{OnMessage: func(protocol.Event) {}})
	assert.ErrorContains(t, err, "locked")
	assert.Empty(t, c.Keys())
}

func TestClient_Subscribe_InvalidInput(t *testing.T) {
	ss := newStreamServer(t)
	c := newTestClient(t, ss, nil)
	noop := Handlers{OnMessage: func(protocol.Event) {}}

	_, err := c.Subscribe(context.Background(), "", Options{}, noop)
	assert.ErrorIs(t, err, protocol.ErrEmptyChannelID)

	_, err = c.Subscribe(context.Background(), "t1", Options{Where: []int{1}}, noop)
	assert.Error(t, err)

	_, err = c.SubscribeAuth(context.Background(), " ", "", noop)
	assert.ErrorIs(t, err, protocol.ErrEmptyChannelID)
}

func TestClient_ReplaceAndUnsubscribe(t *testing.T) {
	ss := newStreamServer(t)
	c := newTestClient(t, ss, nil)
	noop := Handlers{OnMessage: func(protocol.Event) {}}

	first, err := c.Subscribe(context.Background(), "t1", Options{}, noop)
	require.NoError(t, err)
	second, err := c.Subscribe(context.Background(), "t1", Options{Event: "CREATE_RECORD"}, noop)
	require.NoError(t, err)

	assert.Equal(t, []string{second}, c.Keys())
	assert.False(t, c.Unsubscribe(first))

	_, err = c.SubscribeAuth(context.Background(), "device-1", "", noop)
	require.NoError(t, err)

	assert.True(t, c.UnsubscribeTable("t1"))
	assert.False(t, c.UnsubscribeTable("t1"))
	assert.True(t, c.UnsubscribeAuth("device-1"))
	assert.Empty(t, c.Keys())
}

func TestToFilter(t *testing.T) {
	f, err := toFilter(nil)
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = toFilter(protocol.Filter{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, protocol.Filter{"a": 1}, f)

	f, err = toFilter(struct {
		Name string `json:"name"`
	}{Name: "tes"})
	require.NoError(t, err)
	assert.Equal(t, "name=tes", protocol.EncodeFilter(f))
}

func TestClient_GetChannelID_EscapesEntityName(t *testing.T) {
	ss := newStreamServer(t)
	c := newTestClient(t, ss, nil)

	result := c.GetChannelID(context.Background(), "team/todos")
	require.True(t, result.OK(), "%+v", result.Error)
	assert.Equal(t, "team42", result.ChannelID)

	ss.mu.Lock()
	defer ss.mu.Unlock()
	assert.Equal(t, []string{"/channel/" + testAPIKey + "/team%2Ftodos"}, ss.lookupPaths)
}

func TestClient_SubscribeEntity_FailedSubscribeDropsCachedChannel(t *testing.T) {
	ss := newStreamServer(t)
	mc, err := cache.NewMemoryCache(8, time.Minute)
	require.NoError(t, err)
	c := newTestClient(t, ss, func(cfg *Config) { cfg.Cache = mc })
	noop := Handlers{OnMessage: func(protocol.Event) {}}

	_, err = c.SubscribeEntity(context.Background(), "todos", Options{Where: []int{1}}, noop)
	require.Error(t, err)
	_, cached := mc.Get("todos")
	assert.False(t, cached)

	_, err = c.SubscribeEntity(context.Background(), "todos", Options{}, noop)
	require.NoError(t, err)
	assert.Equal(t, int32(2), ss.lookups.Load())

	id, cached := mc.Get("todos")
	assert.True(t, cached)
	assert.Equal(t, "abc123", id)
}

func TestClient_ReconnectFiresLifecycleHandlers(t *testing.T) {
	ss := newStreamServer(t)
	ss.dropFirst = true
	c := newTestClient(t, ss, nil)

	var connects, disconnects atomic.Int32
	key, err := c.Subscribe(context.Background(), "t1", Options{}, Handlers{
		OnMessage:    func(protocol.Event) {},
		OnConnect:    func() { connects.Add(1) },
		OnDisconnect: func() { disconnects.Add(1) },
	})
	require.NoError(t, err)

	ss.waitJoined(t)
	ss.waitJoined(t)
	require.Eventually(t, func() bool { return connects.Load() == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), disconnects.Load())

	require.True(t, c.Unsubscribe(key))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), connects.Load())
	assert.Equal(t, int32(1), disconnects.Load())

	ss.mu.Lock()
	defer ss.mu.Unlock()
	require.Len(t, ss.handshakes, 2)
	assert.Equal(t, ss.handshakes[0], ss.handshakes[1])
}

func TestClient_HeaderOnUpgrade(t *testing.T) {
	ss := newStreamServer(t)
	c := newTestClient(t, ss, func(cfg *Config) {
		cfg.Socket.Header = http.Header{"X-Socket": []string{"s"}}
		cfg.Header = http.Header{"X-Client": []string{"c"}}
	})

	_, err := c.Subscribe(context.Background(), "t1", Options{}, Handlers{OnMessage: func(protocol.Event) {}})
	require.NoError(t, err)
	ss.waitJoined(t)

	ss.mu.Lock()
	defer ss.mu.Unlock()
	require.Len(t, ss.headers, 1)
	assert.Equal(t, "c", ss.headers[0].Get("X-Client"))
	assert.Equal(t, "s", ss.headers[0].Get("X-Socket"))
}
