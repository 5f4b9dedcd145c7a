// Package microgen is the Go client for the Microgen realtime API.
//
//	client, err := microgen.NewClient(microgen.Options{APIKey: "..."})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	key, err := client.Realtime.SubscribeEntity(ctx, "todos", microgen.SubscribeOptions{
//		Where: microgen.Filter{"done": false},
//	}, microgen.Handlers{
//		OnMessage: func(ev microgen.Event) { ... },
//	})
package microgen

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"microgen/internal/auth"
	"microgen/internal/cache"
	"microgen/internal/config"
	"microgen/internal/metrics"
	"microgen/internal/realtime"
	"microgen/internal/socket"
)

var ErrEmptyAPIKey = errors.New("microgen: api key is required")

// Options configures NewClient. Only APIKey is required.
type Options struct {
	APIKey string
	// Host defaults to v3.microgen.id
	Host string
	// IsSecure selects https/wss and defaults to true
	IsSecure *bool
	// StreamURL overrides the realtime base URL derived from Host
	StreamURL  string
	ClientName string

	Logger     *zerolog.Logger
	HTTPClient *http.Client
	// Registerer enables Prometheus metrics when set
	Registerer prometheus.Registerer
	// TokenSource replaces Client.Auth as the source of subscription tokens
	TokenSource TokenSource
	// Header is sent with every websocket upgrade request
	Header http.Header
}

// Client bundles the realtime facade with the token store it reads from
type Client struct {
	Auth     *AuthStore
	Realtime *realtime.Client

	config config.Config
}

// NewClient creates a client with defaults for everything not set in opts
func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}

	cfg := config.Default(opts.APIKey)
	if opts.Host != "" {
		cfg.Host = opts.Host
	}
	if opts.IsSecure != nil {
		cfg.IsSecure = *opts.IsSecure
	}
	if opts.ClientName != "" {
		cfg.ClientName = opts.ClientName
	}
	cfg.StreamURL = opts.StreamURL

	return newClient(cfg, opts)
}

// NewClientFromConfig creates a client from a loaded configuration file
func NewClientFromConfig(cfg *Config, logger zerolog.Logger, reg prometheus.Registerer) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}
	return newClient(cfg, Options{Logger: &logger, Registerer: reg})
}

func newClient(cfg *config.Config, opts Options) (*Client, error) {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	m, err := metrics.NewMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	var channelCache cache.Cache = cache.NewNoopCache()
	if cfg.IsChannelCacheEnabled() {
		mc, err := cache.NewMemoryCache(cfg.ChannelCacheSize, cfg.GetChannelCacheTTLDuration())
		if err != nil {
			return nil, fmt.Errorf("failed to create channel cache: %w", err)
		}
		channelCache = mc
	}

	var limiter *rate.Limiter
	if cfg.LookupRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.LookupRate), max(cfg.LookupBurst, 1))
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.GetRequestTimeoutDuration()}
	}

	store := auth.NewStore()
	var tokens TokenSource = store
	if opts.TokenSource != nil {
		tokens = opts.TokenSource
	}

	rt, err := realtime.New(realtime.Config{
		BaseURL:    cfg.GetStreamURL(),
		APIKey:     cfg.APIKey,
		ClientName: cfg.ClientName,
		HTTPClient: httpClient,
		Header:     opts.Header,
		Socket: socket.Config{
			InitialBackoff:   cfg.GetReconnectInitialDelayDuration(),
			MaxBackoff:       cfg.GetReconnectMaxDelayDuration(),
			HandshakeTimeout: cfg.GetHandshakeTimeoutDuration(),
			PingInterval:     cfg.GetPingIntervalDuration(),
			MessageTimeout:   cfg.GetMessageTimeoutDuration(),
			WriteTimeout:     cfg.GetWriteTimeoutDuration(),
		},
		Cache:   channelCache,
		Limiter: limiter,
		Tokens:  tokens,
		Metrics: m,
	}, logger)
	if err != nil {
		channelCache.Close()
		return nil, err
	}

	logger.Debug().Str("streamUrl", cfg.GetStreamURL()).Msg("microgen client created")

	return &Client{
		Auth:     store,
		Realtime: rt,
		config:   *cfg,
	}, nil
}

// StreamURL returns the realtime base URL the client talks to
func (c *Client) StreamURL() string {
	return c.config.GetStreamURL()
}

// Close closes every realtime subscription
func (c *Client) Close() {
	c.Realtime.Close()
}
