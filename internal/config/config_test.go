package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(nil, lookupFrom(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.LogFormat != LogFormatText {
		t.Errorf("LogFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Errorf("MaxMessageBytes=%d, want %d", cfg.MaxMessageBytes, DefaultMaxMessageBytes)
	}
	if cfg.RingTimeout != 0 {
		t.Errorf("RingTimeout=%v, want 0", cfg.RingTimeout)
	}
	if !cfg.OriginAllowed("https://anything.example.com") {
		t.Errorf("empty allowlist should accept any origin")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	env := map[string]string{
		"CALLSIGNAL_LISTEN_ADDR": "0.0.0.0:9000",
		"CALLSIGNAL_LOG_FORMAT":  "json",
		"CALLSIGNAL_LOG_LEVEL":   "debug",
		"ALLOWED_ORIGINS":        "https://chat.example.com, https://staging.example.com",
		"MAX_MESSAGE_BYTES":      "1024",
		"WS_PING_INTERVAL":       "5s",
		"WS_IDLE_TIMEOUT":        "30s",
		"RING_TIMEOUT":           "45s",
	}

	cfg, err := load(nil, lookupFrom(env))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("ListenAddr=%q", cfg.ListenAddr)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Errorf("LogFormat=%q", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel=%v", cfg.LogLevel)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
	if !cfg.OriginAllowed("https://chat.example.com") {
		t.Errorf("expected listed origin to be allowed")
	}
	if cfg.OriginAllowed("https://evil.example.com") {
		t.Errorf("expected unlisted origin to be rejected")
	}
	if cfg.MaxMessageBytes != 1024 {
		t.Errorf("MaxMessageBytes=%d", cfg.MaxMessageBytes)
	}
	if cfg.RingTimeout != 45*time.Second {
		t.Errorf("RingTimeout=%v", cfg.RingTimeout)
	}
}

func TestLoad_FlagsWinOverEnv(t *testing.T) {
	env := map[string]string{
		"CALLSIGNAL_LISTEN_ADDR": "127.0.0.1:1111",
		"RING_TIMEOUT":           "10s",
	}

	cfg, err := load([]string{"-listen-addr", "127.0.0.1:2222", "-ring-timeout", "20s"}, lookupFrom(env))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:2222" {
		t.Errorf("ListenAddr=%q", cfg.ListenAddr)
	}
	if cfg.RingTimeout != 20*time.Second {
		t.Errorf("RingTimeout=%v", cfg.RingTimeout)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		wantSub string
	}{
		{
			name:    "bad_listen_addr",
			env:     map[string]string{"CALLSIGNAL_LISTEN_ADDR": "not-an-addr"},
			wantSub: "listen address",
		},
		{
			name:    "bad_log_format",
			env:     map[string]string{"CALLSIGNAL_LOG_FORMAT": "xml"},
			wantSub: "log format",
		},
		{
			name:    "bad_duration",
			env:     map[string]string{"WS_PING_INTERVAL": "soon"},
			wantSub: "WS_PING_INTERVAL",
		},
		{
			name:    "zero_message_bytes",
			env:     map[string]string{"MAX_MESSAGE_BYTES": "0"},
			wantSub: "MAX_MESSAGE_BYTES",
		},
		{
			name: "idle_not_exceeding_ping",
			env: map[string]string{
				"WS_PING_INTERVAL": "30s",
				"WS_IDLE_TIMEOUT":  "30s",
			},
			wantSub: "WS_IDLE_TIMEOUT",
		},
		{
			name:    "negative_ring_timeout",
			env:     map[string]string{"RING_TIMEOUT": "-1s"},
			wantSub: "RING_TIMEOUT",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(nil, lookupFrom(tc.env))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestNewLogger_RejectsUnknownFormat(t *testing.T) {
	if _, err := NewLogger(Config{LogFormat: "yaml"}); err == nil {
		t.Fatalf("expected error")
	}
}
