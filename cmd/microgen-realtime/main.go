package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"microgen"
	"microgen/internal/config"
	"microgen/internal/server"
)

// whereFlag collects repeated -where key=value pairs
type whereFlag map[string]any

func (w whereFlag) String() string {
	pairs := make([]string, 0, len(w))
	for k, v := range w {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(pairs, ",")
}

func (w whereFlag) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	w[key] = val
	return nil
}

func main() {
	// Parse flags
	configPath := flag.String("config", "", "path to config file")
	apiKey := flag.String("api-key", os.Getenv("MICROGEN_API_KEY"), "API key, used when no config file is given")
	entity := flag.String("entity", "", "entity name to subscribe to (resolved to a channel id)")
	table := flag.String("table", "", "table id to subscribe to")
	device := flag.String("device", "", "device id to watch for auth events")
	event := flag.String("event", microgen.AllEvents, "event to subscribe to")
	token := flag.String("token", "", "bearer token for record subscriptions")
	where := whereFlag{}
	flag.Var(where, "where", "filter as key=value, repeatable")
	flag.Parse()

	// Load config
	cfg, err := loadConfig(*configPath, *apiKey)
	if err != nil {
		// Basic logger for startup errors
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Str("config", *configPath).
		Str("streamUrl", cfg.GetStreamURL()).
		Msg("starting microgen-realtime")

	var reg *prometheus.Registry
	if cfg.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	client, err := newClient(cfg, logger, reg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create client")
	}
	if *token != "" {
		client.Auth.Save(*token)
	}

	var metricsServer *server.Server
	if reg != nil {
		metricsServer = server.New(cfg.MetricsAddr, reg, func() server.Status {
			return server.Status{Subscriptions: client.Realtime.Keys()}
		}, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start metrics server")
		}
	}

	handlers := microgen.Handlers{
		OnMessage: func(ev microgen.Event) {
			if ev.Type == microgen.EventError {
				msg := ""
				if ev.Error != nil {
					msg = ev.Error.Message
				}
				logger.Warn().Str("key", ev.Key).Str("error", msg).Msg("realtime error")
				return
			}
			logger.Info().
				Str("key", ev.Key).
				Str("event", string(ev.Type)).
				RawJSON("payload", payloadJSON(ev.Payload)).
				Msg("event received")
		},
		OnConnect:    func() { logger.Info().Msg("connected") },
		OnDisconnect: func() { logger.Warn().Msg("disconnected") },
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GetRequestTimeoutDuration()+5*time.Second)
	key, err := subscribe(ctx, client, *entity, *table, *device, microgen.SubscribeOptions{
		Event: *event,
		Where: map[string]any(where),
	}, handlers)
	cancel()
	if err != nil {
		client.Close()
		logger.Fatal().Err(err).Msg("failed to subscribe")
	}
	logger.Info().Str("key", key).Msg("subscribed")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	client.Close()

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("error during shutdown")
		}
	}
}

func loadConfig(path, apiKey string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	if apiKey == "" {
		return nil, errors.New("either -config or -api-key is required")
	}
	return config.Default(apiKey), nil
}

// newClient keeps the nil *prometheus.Registry from becoming a non-nil Registerer
func newClient(cfg *config.Config, logger zerolog.Logger, reg *prometheus.Registry) (*microgen.Client, error) {
	if reg == nil {
		return microgen.NewClientFromConfig(cfg, logger, nil)
	}
	return microgen.NewClientFromConfig(cfg, logger, reg)
}

func subscribe(ctx context.Context, client *microgen.Client, entity, table, device string, opts microgen.SubscribeOptions, h microgen.Handlers) (string, error) {
	set := 0
	for _, v := range []string{entity, table, device} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return "", errors.New("exactly one of -entity, -table or -device is required")
	}

	switch {
	case entity != "":
		return client.Realtime.SubscribeEntity(ctx, entity, opts, h)
	case table != "":
		return client.Realtime.Subscribe(ctx, table, opts, h)
	default:
		return client.Realtime.SubscribeAuth(ctx, device, opts.Event, h)
	}
}

func payloadJSON(payload []byte) []byte {
	if len(payload) == 0 {
		return []byte("null")
	}
	return payload
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
