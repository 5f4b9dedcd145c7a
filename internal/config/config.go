package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
)

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.ClientName == "" {
		cfg.ClientName = DefaultClientName
	}
	if cfg.ReconnectInitialDelay == 0 {
		cfg.ReconnectInitialDelay = DefaultReconnectInitialDelay
	}
	if cfg.ReconnectMaxDelay == 0 {
		cfg.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	// PingInterval default is handled in Parse since an explicit 0 disables pings
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ChannelCacheSize == 0 {
		cfg.ChannelCacheSize = DefaultChannelCacheSize
	}
	if cfg.ChannelCacheTTL == 0 {
		cfg.ChannelCacheTTL = DefaultChannelCacheTTL
	}
	if cfg.LookupRate == 0 {
		cfg.LookupRate = DefaultLookupRate
	}
	if cfg.LookupBurst == 0 {
		cfg.LookupBurst = DefaultLookupBurst
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.APIKey == "" {
		return errors.New("apiKey is required")
	}

	if cfg.StreamURL != "" {
		u, err := url.Parse(cfg.StreamURL)
		if err != nil {
			return fmt.Errorf("streamUrl: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return fmt.Errorf("streamUrl must use http, https, ws or wss scheme")
		}
		if u.Host == "" {
			return fmt.Errorf("streamUrl must include a host")
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.ReconnectInitialDelay <= 0 {
		return fmt.Errorf("reconnectInitialDelay must be positive")
	}

	if cfg.ReconnectMaxDelay < cfg.ReconnectInitialDelay {
		return fmt.Errorf("reconnectMaxDelay must not be lower than reconnectInitialDelay")
	}

	if cfg.HandshakeTimeout < 0 || cfg.WriteTimeout < 0 || cfg.RequestTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}

	if cfg.PingInterval < 0 || cfg.MessageTimeout < 0 {
		return fmt.Errorf("pingInterval and messageTimeout must be non-negative")
	}

	if cfg.ChannelCacheSize < 0 {
		return fmt.Errorf("channelCacheSize must be non-negative")
	}

	if cfg.ChannelCacheTTL < 0 {
		return fmt.Errorf("channelCacheTtl must be non-negative")
	}

	if cfg.LookupRate < 0 || cfg.LookupBurst < 0 {
		return fmt.Errorf("lookupRate and lookupBurst must be non-negative")
	}

	return nil
}

// configWithPointerDefaults is used for proper default handling of fields whose zero value is meaningful
type configWithPointerDefaults struct {
	Config
	IsSecurePtr     *bool `json:"isSecure"`
	PingIntervalPtr *int  `json:"pingInterval"`
}

// Load reads and parses the configuration file with proper bool default handling
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a JSON configuration, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	var rawCfg configWithPointerDefaults
	if err := json.Unmarshal(data, &rawCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &rawCfg.Config

	if rawCfg.IsSecurePtr != nil {
		cfg.IsSecure = *rawCfg.IsSecurePtr
	} else {
		cfg.IsSecure = DefaultIsSecure
	}

	if rawCfg.PingIntervalPtr != nil {
		cfg.PingInterval = *rawCfg.PingIntervalPtr
	} else {
		cfg.PingInterval = DefaultPingInterval
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied for the given API key
func Default(apiKey string) *Config {
	cfg := &Config{
		APIKey:       apiKey,
		IsSecure:     DefaultIsSecure,
		PingInterval: DefaultPingInterval,
	}
	applyDefaults(cfg)
	return cfg
}
