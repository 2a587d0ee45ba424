package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"HANDSHAKE_TIMEOUT", "TOKEN_REFRESH_INTERVAL", "TOKEN_REFRESH_WINDOW", "TOKEN_LAZY_HORIZON", "CHZZK_OPENAPI_BASE", "SOCKET_RECONNECT_ATTEMPTS"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HandshakeTimeout != 5*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 5s", cfg.HandshakeTimeout)
	}
	if cfg.RefreshInterval != 12*time.Hour || cfg.RefreshWindow != 13*time.Hour || cfg.LazyRefreshHorizon != 14*time.Hour {
		t.Errorf("unexpected refresh timings: interval=%v window=%v horizon=%v", cfg.RefreshInterval, cfg.RefreshWindow, cfg.LazyRefreshHorizon)
	}
	if cfg.OpenAPIBase != DefaultOpenAPIBase {
		t.Errorf("OpenAPIBase = %q, want %q", cfg.OpenAPIBase, DefaultOpenAPIBase)
	}
	if cfg.ReconnectAttempts != 5 {
		t.Errorf("ReconnectAttempts = %d, want 5", cfg.ReconnectAttempts)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HANDSHAKE_TIMEOUT", "2s")
	t.Setenv("CHAT_SEND_DELAY", "1")
	t.Setenv("CHZZK_OPENAPI_BASE", "http://localhost:9999/")
	t.Setenv("SESSION_EVENT_BUFFER", "16")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HandshakeTimeout != 2*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 2s", cfg.HandshakeTimeout)
	}
	if cfg.ChatSendDelay != time.Second {
		t.Errorf("ChatSendDelay = %v, want 1s (bare integers are seconds)", cfg.ChatSendDelay)
	}
	if cfg.OpenAPIBase != "http://localhost:9999" {
		t.Errorf("OpenAPIBase = %q, trailing slash should be trimmed", cfg.OpenAPIBase)
	}
	if cfg.SessionEventBuffer != 16 {
		t.Errorf("SessionEventBuffer = %d, want 16", cfg.SessionEventBuffer)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	t.Setenv("HANDSHAKE_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for malformed duration")
	}
	t.Setenv("HANDSHAKE_TIMEOUT", "")
	t.Setenv("SOCKET_RECONNECT_ATTEMPTS", "many")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for malformed int")
	}
}

func TestValidatePlatformReady(t *testing.T) {
	t.Setenv("CHZZK_CLIENT_ID", "client")
	t.Setenv("CHZZK_CLIENT_SECRET", "secret")
	t.Setenv("CHZZK_REDIRECT_URI", "")
	cfg, _ := Load()
	if err := cfg.ValidatePlatformReady(); err != nil {
		t.Errorf("expected valid platform config, got %v", err)
	}
	if err := cfg.ValidateOAuthReady(); err == nil {
		t.Errorf("expected error when redirect uri is missing")
	}
	t.Setenv("CHZZK_CLIENT_SECRET", "")
	cfg, _ = Load()
	if err := cfg.ValidatePlatformReady(); err == nil {
		t.Errorf("expected error when client secret is missing")
	}
}

func TestLoadTracing(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	t.Setenv("DEPLOY_ENV", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.OTLPEndpoint != "collector:4317" || cfg.OTLPInsecure {
		t.Errorf("endpoint = %q insecure = %v", cfg.OTLPEndpoint, cfg.OTLPInsecure)
	}
	if cfg.TraceSampleRatio != 0.25 || cfg.Environment != "development" {
		t.Errorf("ratio = %v environment = %q", cfg.TraceSampleRatio, cfg.Environment)
	}

	for _, bad := range []string{"half", "1.5", "-0.1"} {
		t.Setenv("OTEL_TRACES_SAMPLER_ARG", bad)
		if _, err := Load(); err == nil {
			t.Errorf("OTEL_TRACES_SAMPLER_ARG=%q accepted", bad)
		}
	}
}
