package config

import "time"

// Config represents the main configuration structure
type Config struct {
	APIKey                string  `json:"apiKey"`
	Host                  string  `json:"host"`
	IsSecure              bool    `json:"isSecure"`
	StreamURL             string  `json:"streamUrl"`
	LogLevel              string  `json:"logLevel"`
	ClientName            string  `json:"clientName"`
	ReconnectInitialDelay int     `json:"reconnectInitialDelay"` // ms - first backoff delay after a dropped connection
	ReconnectMaxDelay     int     `json:"reconnectMaxDelay"`     // ms - backoff cap
	HandshakeTimeout      int     `json:"handshakeTimeout"`      // ms - WebSocket dial handshake timeout
	PingInterval          int     `json:"pingInterval"`          // ms - 0 disables keepalive pings
	MessageTimeout        int     `json:"messageTimeout"`        // ms - read deadline, 0 means none
	WriteTimeout          int     `json:"writeTimeout"`          // ms
	RequestTimeout        int     `json:"requestTimeout"`        // ms - channel lookup HTTP timeout
	ChannelCacheSize      int     `json:"channelCacheSize"`
	DisableChannelCache   bool    `json:"disableChannelCache"`
	ChannelCacheTTL       int     `json:"channelCacheTtl"` // seconds
	LookupRate            float64 `json:"lookupRate"`      // channel lookups per second
	LookupBurst           int     `json:"lookupBurst"`
	MetricsAddr           string  `json:"metricsAddr,omitempty"`
}

// Default values
const (
	DefaultHost                  = "v3.microgen.id"
	DefaultIsSecure              = true
	DefaultLogLevel              = "info"
	DefaultClientName            = "go"
	DefaultReconnectInitialDelay = 1000  // ms
	DefaultReconnectMaxDelay     = 30000 // ms
	DefaultHandshakeTimeout      = 10000 // ms
	DefaultPingInterval          = 25000 // ms
	DefaultMessageTimeout        = 0     // ms - no read deadline unless pings are enabled
	DefaultWriteTimeout          = 10000 // ms
	DefaultRequestTimeout        = 10000 // ms
	DefaultChannelCacheSize      = 256
	DefaultChannelCacheTTL       = 300 // seconds
	DefaultLookupRate            = 10.0
	DefaultLookupBurst           = 5
)

// GetReconnectInitialDelayDuration returns the initial reconnect delay as time.Duration
func (c *Config) GetReconnectInitialDelayDuration() time.Duration {
	return time.Duration(c.ReconnectInitialDelay) * time.Millisecond
}

// GetReconnectMaxDelayDuration returns the reconnect delay cap as time.Duration
func (c *Config) GetReconnectMaxDelayDuration() time.Duration {
	return time.Duration(c.ReconnectMaxDelay) * time.Millisecond
}

// GetHandshakeTimeoutDuration returns the dial handshake timeout as time.Duration
func (c *Config) GetHandshakeTimeoutDuration() time.Duration {
	return time.Duration(c.HandshakeTimeout) * time.Millisecond
}

// GetPingIntervalDuration returns the keepalive ping interval as time.Duration
func (c *Config) GetPingIntervalDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Millisecond
}

// GetMessageTimeoutDuration returns the read deadline as time.Duration
func (c *Config) GetMessageTimeoutDuration() time.Duration {
	return time.Duration(c.MessageTimeout) * time.Millisecond
}

// GetWriteTimeoutDuration returns the write deadline as time.Duration
func (c *Config) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Millisecond
}

// GetRequestTimeoutDuration returns the channel lookup timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// GetChannelCacheTTLDuration returns the channel id cache TTL as time.Duration
func (c *Config) GetChannelCacheTTLDuration() time.Duration {
	return time.Duration(c.ChannelCacheTTL) * time.Second
}

// IsChannelCacheEnabled returns true if resolved channel ids should be cached
func (c *Config) IsChannelCacheEnabled() bool {
	return !c.DisableChannelCache
}

// GetStreamURL returns the realtime base URL, derived from Host and IsSecure unless overridden
func (c *Config) GetStreamURL() string {
	if c.StreamURL != "" {
		return c.StreamURL
	}
	scheme := "http"
	if c.IsSecure {
		scheme = "https"
	}
	return scheme + "://database-stream." + c.Host
}
