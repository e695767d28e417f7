package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "CALLSIGNAL_LISTEN_ADDR"
	envVarLogFormat       = "CALLSIGNAL_LOG_FORMAT"
	envVarLogLevel        = "CALLSIGNAL_LOG_LEVEL"
	envVarShutdownTimeout = "CALLSIGNAL_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// WebSocket hardening knobs.
	envVarMaxMessageBytes      = "MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_MESSAGES_PER_SECOND"
	envVarWSPingInterval       = "WS_PING_INTERVAL"
	envVarWSIdleTimeout        = "WS_IDLE_TIMEOUT"
	envVarSendQueueLength      = "SEND_QUEUE_LENGTH"

	// Invite lifecycle.
	envVarRingTimeout = "RING_TIMEOUT"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
	DefaultWSPingInterval       = 20 * time.Second
	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultSendQueueLength      = 32

	// DefaultRingTimeout of zero preserves the observed behavior: a ringing
	// invite never expires server-side. Operators can opt into an expiry.
	DefaultRingTimeout = time.Duration(0)
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config holds the runtime configuration for the signaling server.
//
// Values come from environment variables with command-line flag overrides;
// flags win when both are set.
type Config struct {
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins restricts websocket upgrades by Origin header. Empty
	// means any origin is accepted (dev behavior).
	AllowedOrigins []string

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	WSPingInterval       time.Duration
	WSIdleTimeout        time.Duration
	SendQueueLength      int

	// RingTimeout bounds how long a call invite may stay in the ringing state
	// before the coordinator expires it. Zero disables expiry.
	RingTimeout time.Duration
}

// Load builds a Config from the process environment and the provided
// command-line arguments.
func Load(args []string) (Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		ListenAddr:      envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		LogFormat:       LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: DefaultShutdownTimeout,

		MaxMessageBytes:      DefaultMaxMessageBytes,
		MaxMessagesPerSecond: DefaultMaxMessagesPerSecond,
		WSPingInterval:       DefaultWSPingInterval,
		WSIdleTimeout:        DefaultWSIdleTimeout,
		SendQueueLength:      DefaultSendQueueLength,

		RingTimeout: DefaultRingTimeout,
	}

	if raw, ok := lookup(envVarLogFormat); ok && raw != "" {
		f, err := parseLogFormat(raw)
		if err != nil {
			return Config{}, err
		}
		cfg.LogFormat = f
	}
	if raw, ok := lookup(envVarLogLevel); ok && raw != "" {
		lvl, err := parseLogLevel(raw)
		if err != nil {
			return Config{}, err
		}
		cfg.LogLevel = lvl
	}
	if raw, ok := lookup(envVarAllowedOrigins); ok {
		cfg.AllowedOrigins = splitCommaList(raw)
	}

	var err error
	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxMessageBytes, err = envInt64OrDefault(lookup, envVarMaxMessageBytes, cfg.MaxMessageBytes); err != nil {
		return Config{}, err
	}
	if cfg.MaxMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxMessagesPerSecond, cfg.MaxMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.WSPingInterval, err = envDurationOrDefault(lookup, envVarWSPingInterval, cfg.WSPingInterval); err != nil {
		return Config{}, err
	}
	if cfg.WSIdleTimeout, err = envDurationOrDefault(lookup, envVarWSIdleTimeout, cfg.WSIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SendQueueLength, err = envIntOrDefault(lookup, envVarSendQueueLength, cfg.SendQueueLength); err != nil {
		return Config{}, err
	}
	if cfg.RingTimeout, err = envDurationOrDefault(lookup, envVarRingTimeout, cfg.RingTimeout); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("callsignal", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", cfg.ListenAddr, "TCP address to listen on")
	logFormat := fs.String("log-format", string(cfg.LogFormat), "log format: text or json")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	ringTimeout := fs.Duration("ring-timeout", cfg.RingTimeout, "ringing invite expiry (0 disables)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.ListenAddr = *listenAddr
	if cfg.LogFormat, err = parseLogFormat(*logFormat); err != nil {
		return Config{}, err
	}
	if *logLevel != "" {
		if cfg.LogLevel, err = parseLogLevel(*logLevel); err != nil {
			return Config{}, err
		}
	}
	cfg.RingTimeout = *ringTimeout

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.ListenAddr, err)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxMessageBytes)
	}
	if c.MaxMessagesPerSecond <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxMessagesPerSecond)
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("%s must be positive", envVarWSPingInterval)
	}
	if c.WSIdleTimeout <= c.WSPingInterval {
		return fmt.Errorf("%s must exceed %s", envVarWSIdleTimeout, envVarWSPingInterval)
	}
	if c.SendQueueLength <= 0 {
		return fmt.Errorf("%s must be positive", envVarSendQueueLength)
	}
	if c.RingTimeout < 0 {
		return fmt.Errorf("%s must not be negative", envVarRingTimeout)
	}
	return nil
}

// OriginAllowed reports whether a websocket upgrade from the given Origin
// header value should be accepted.
func (c Config) OriginAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// NewLogger constructs the process logger from the config's format and level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", raw, err)
	}
	return lvl, nil
}

func splitCommaList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
