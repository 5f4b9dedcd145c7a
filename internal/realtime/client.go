package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"microgen/internal/cache"
	"microgen/internal/metrics"
	"microgen/internal/protocol"
	"microgen/internal/socket"
	"microgen/internal/subscription"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 64 << 10

	failedStatus     = http.StatusInternalServerError
	failedStatusText = "FAILED"
)

var socketSchemes = map[string]string{
	"http":  "ws",
	"https": "wss",
	"ws":    "ws",
	"wss":   "wss",
}

var httpSchemes = map[string]string{
	"http":  "http",
	"https": "https",
	"ws":    "http",
	"wss":   "https",
}

// Client resolves entity names to channels and manages realtime subscriptions
type Client struct {
	base       *url.URL
	apiKey     string
	httpClient *http.Client
	cache      cache.Cache
	limiter    *rate.Limiter
	tokens     TokenSource
	metrics    *metrics.Metrics
	registry   *subscription.Registry
	logger     zerolog.Logger
}

// New creates a Client. It opens no connections until a subscription is made.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}
	if cfg.BaseURL == "" {
		return nil, ErrEmptyBaseURL
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if _, ok := socketSchemes[base.Scheme]; !ok || base.Host == "" {
		return nil, ErrInvalidBaseURL
	}

	c := &Client{
		base:       base,
		apiKey:     cfg.APIKey,
		httpClient: cfg.HTTPClient,
		cache:      cfg.Cache,
		limiter:    cfg.Limiter,
		tokens:     cfg.Tokens,
		metrics:    cfg.Metrics,
		logger:     logger.With().Str("component", "realtime").Logger(),
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if c.cache == nil {
		c.cache = cache.NewNoopCache()
	}

	factory := cfg.Transport
	if factory == nil {
		factory = socketFactory(socketConfig(cfg), logger)
	}
	clientName := cfg.ClientName
	if clientName == "" {
		clientName = DefaultClientName
	}
	c.registry = subscription.NewRegistry(factory, clientName, cfg.Metrics, logger)

	return c, nil
}

// socketConfig merges the client-wide Header into the socket dial headers
func socketConfig(cfg Config) socket.Config {
	sc := cfg.Socket
	if len(cfg.Header) == 0 {
		return sc
	}
	header := sc.Header.Clone()
	if header == nil {
		header = make(http.Header, len(cfg.Header))
	}
	for k, v := range cfg.Header {
		header[k] = append(header[k], v...)
	}
	sc.Header = header
	return sc
}

func socketFactory(cfg socket.Config, logger zerolog.Logger) subscription.TransportFactory {
	return func(rawURL string) (subscription.Transport, error) {
		s, err := socket.New(rawURL, cfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// GetChannelID resolves an entity name to its channel id. Failures are reported
// in the result, never as a Go error.
func (c *Client) GetChannelID(ctx context.Context, entityName string) ChannelResult {
	name := strings.TrimSpace(entityName)
	if name == "" {
		return failure(http.StatusBadRequest, "BAD_REQUEST", ErrEmptyEntityName.Error())
	}

	if id, ok := c.cache.Get(name); ok {
		c.metrics.ChannelLookup(metrics.LookupHit)
		return ChannelResult{ChannelID: id, Status: http.StatusOK, StatusText: "OK"}
	}

	result := c.fetchChannelID(ctx, name)
	if !result.OK() {
		c.metrics.ChannelLookup(metrics.LookupFailure)
		c.logger.Warn().Str("entity", name).Int("status", result.Status).Str("error", result.Error.Message).Msg("channel lookup failed")
		return result
	}

	c.metrics.ChannelLookup(metrics.LookupMiss)
	c.cache.Set(name, result.ChannelID)
	c.logger.Debug().Str("entity", name).Str("channelId", result.ChannelID).Msg("channel resolved")
	return result
}

func (c *Client) fetchChannelID(ctx context.Context, name string) ChannelResult {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return failure(failedStatus, failedStatusText, err.Error())
		}
	}

	u, err := c.channelURL(name)
	if err != nil {
		return failure(failedStatus, failedStatusText, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return failure(failedStatus, failedStatusText, err.Error())
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return failure(failedStatus, failedStatusText, err.Error())
	}
	defer resp.Body.Close()

	statusText := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return failure(resp.StatusCode, statusText, errorMessage(body, resp.StatusCode))
	}

	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return failure(failedStatus, failedStatusText, fmt.Sprintf("failed to decode channel response: %v", err))
	}

	parts := strings.Split(payload.Name, ":")
	if len(parts) < 2 || parts[1] == "" {
		return failure(failedStatus, failedStatusText, fmt.Sprintf("unexpected channel name %q", payload.Name))
	}

	return ChannelResult{ChannelID: parts[1], Status: resp.StatusCode, StatusText: statusText}
}

func failure(status int, statusText, message string) ChannelResult {
	return ChannelResult{
		Status:     status,
		StatusText: statusText,
		Error:      &protocol.ErrorDetail{Message: message},
	}
}

// errorMessage prefers the "message" field of a JSON error body, else the raw body
func errorMessage(body []byte, status int) string {
	var parsed struct {
		Message any `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch m := parsed.Message.(type) {
		case string:
			if m != "" {
				return m
			}
		case nil:
		default:
			if b, err := json.Marshal(m); err == nil {
				return string(b)
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return http.StatusText(status)
}

// Subscribe opens a record subscription on tableID and returns its key.
// A previous subscription to the same table is replaced.
func (c *Client) Subscribe(ctx context.Context, tableID string, opts Options, h Handlers) (string, error) {
	filter, err := toFilter(opts.Where)
	if err != nil {
		return "", fmt.Errorf("invalid where filter: %w", err)
	}

	channel, err := protocol.BuildChannel(protocol.NamespaceQuery, strings.TrimSpace(tableID), opts.Event, filter)
	if err != nil {
		return "", fmt.Errorf("failed to build channel: %w", err)
	}

	token := opts.Token
	if token == "" && c.tokens != nil {
		token, err = c.tokens.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to get token: %w", err)
		}
	}

	return c.registry.Subscribe(subscription.Request{
		Namespace: protocol.NamespaceQuery,
		ID:        tableID,
		URL:       c.socketURL(token),
		Channel:   channel,
		Handlers:  h,
	})
}

// SubscribeEntity resolves entityName and subscribes to its channel.
// A failed lookup is returned as *LookupError.
func (c *Client) SubscribeEntity(ctx context.Context, entityName string, opts Options, h Handlers) (string, error) {
	result := c.GetChannelID(ctx, entityName)
	if !result.OK() {
		return "", &LookupError{Entity: entityName, Result: result}
	}
	key, err := c.Subscribe(ctx, result.ChannelID, opts, h)
	if err != nil {
		// the next attempt resolves the entity again
		c.cache.Remove(strings.TrimSpace(entityName))
		return "", err
	}
	return key, nil
}

// SubscribeAuth subscribes to auth events of deviceID. These connections carry no token.
func (c *Client) SubscribeAuth(ctx context.Context, deviceID string, event string, h Handlers) (string, error) {
	channel, err := protocol.BuildChannel(protocol.NamespaceAuth, strings.TrimSpace(deviceID), event, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build channel: %w", err)
	}

	return c.registry.Subscribe(subscription.Request{
		Namespace: protocol.NamespaceAuth,
		ID:        deviceID,
		URL:       c.socketURL(""),
		Channel:   channel,
		Handlers:  h,
	})
}

// Unsubscribe closes the subscription for key and reports whether it existed
func (c *Client) Unsubscribe(key string) bool {
	return c.registry.Unsubscribe(key)
}

// UnsubscribeTable closes the record subscription on tableID, if any
func (c *Client) UnsubscribeTable(tableID string) bool {
	return c.registry.UnsubscribeName(protocol.NamespaceQuery, tableID)
}

// UnsubscribeAuth closes the auth subscription for deviceID, if any
func (c *Client) UnsubscribeAuth(deviceID string) bool {
	return c.registry.UnsubscribeName(protocol.NamespaceAuth, deviceID)
}

// Subscription returns a snapshot of the subscription for key
func (c *Client) Subscription(key string) (subscription.Info, bool) {
	return c.registry.Get(key)
}

// Keys lists the active subscription keys
func (c *Client) Keys() []string {
	return c.registry.Keys()
}

// Close closes every subscription and the channel cache
func (c *Client) Close() {
	c.registry.Close()
	c.cache.Close()
}

func (c *Client) socketURL(token string) string {
	u := *c.base
	u.Scheme = socketSchemes[c.base.Scheme]
	u.Path += "/connection/" + c.apiKey + "/websocket"
	u.RawQuery = ""
	if token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return u.String()
}

// channelURL builds the lookup URL; the key and name are each a single path segment
func (c *Client) channelURL(name string) (*url.URL, error) {
	u := c.httpBase()
	raw := u.EscapedPath() + "/channel/" + url.PathEscape(c.apiKey) + "/" + url.PathEscape(name)
	p, err := url.PathUnescape(raw)
	if err != nil {
		return nil, err
	}
	u.Path = p
	u.RawPath = raw
	return &u, nil
}

func (c *Client) httpBase() url.URL {
	u := *c.base
	u.Scheme = httpSchemes[c.base.Scheme]
	u.RawQuery = ""
	return u
}

func toFilter(where any) (protocol.Filter, error) {
	switch w := where.(type) {
	case nil:
		return nil, nil
	case protocol.Filter:
		return w, nil
	case map[string]any:
		return protocol.Filter(w), nil
	default:
		return protocol.FilterFrom(where)
	}
}
