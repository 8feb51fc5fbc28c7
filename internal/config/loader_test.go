package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/talkingobjects/internal/config"
)

func TestLoadFromReader_Empty(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty document should load defaults, got: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("relay:\n  max_conns: 3\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "max_conns") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"tls half configured", "server:\n  tls:\n    cert_file: a.pem\n", "server.tls"},
		{"upstream scheme", "upstream:\n  url: https://api.example.com\n", "upstream.url"},
		{"upstream no host", "upstream:\n  url: wss://\n", "upstream.url"},
		{"negative connect timeout", "upstream:\n  connect_timeout: -1s\n", "upstream.connect_timeout"},
		{"negative breaker", "upstream:\n  breaker:\n    max_failures: -1\n", "upstream.breaker"},
		{"relative path", "relay:\n  path: realtime\n", "relay.path"},
		{"negative max links", "relay:\n  max_links: -2\n", "relay.max_links"},
		{"huge frames", "relay:\n  max_frame_bytes: 1073741824\n", "relay.max_frame_bytes"},
		{"client scheme", "client:\n  endpoint: http://localhost\n", "client.endpoint"},
		{"channels", "client:\n  audio:\n    channels: 6\n", "client.audio.channels"},
		{"prefill", "client:\n  audio:\n    buffer_frames: 2\n    prefill_frames: 3\n", "prefill_frames"},
		{"codec", "client:\n  audio:\n    codec: mp3\n", "client.audio.codec"},
		{"backoff", "client:\n  reconnect:\n    backoff: 1m\n    max_backoff: 1s\n", "max_backoff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatalf("expected error mentioning %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should mention %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
relay:
  max_links: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "relay.max_links"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TALKINGOBJECTS_LISTEN_ADDR", ":7000")
	t.Setenv("TALKINGOBJECTS_LOG_LEVEL", "WARN")
	t.Setenv("TALKINGOBJECTS_UPSTREAM_MODEL", "env-model")
	t.Setenv("TALKINGOBJECTS_UPSTREAM_API_KEY", "sk-env")
	t.Setenv("TALKINGOBJECTS_MAX_LINKS", "4")
	t.Setenv("TALKINGOBJECTS_WRITE_TIMEOUT", "750ms")

	cfg, err := config.LoadFromReader(strings.NewReader("relay:\n  max_links: 100\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":7000" {
		t.Errorf("listen_addr = %q, want :7000", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level = %q, want warn", cfg.Server.LogLevel)
	}
	if cfg.Upstream.Model != "env-model" {
		t.Errorf("upstream.model = %q, want env-model", cfg.Upstream.Model)
	}
	if cfg.Upstream.APIKey.Reveal() != "sk-env" {
		t.Error("upstream.api_key not taken from environment")
	}
	if cfg.Relay.MaxLinks != 4 {
		t.Errorf("relay.max_links = %d, want 4 (env beats file)", cfg.Relay.MaxLinks)
	}
	if cfg.Relay.WriteTimeout != 750*time.Millisecond {
		t.Errorf("relay.write_timeout = %v, want 750ms", cfg.Relay.WriteTimeout)
	}
}

func TestLoad_OpenAIKeyFallback(t *testing.T) {
	t.Setenv("TALKINGOBJECTS_UPSTREAM_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-fallback")

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Upstream.APIKey.Reveal() != "sk-fallback" {
		t.Error("OPENAI_API_KEY fallback not applied")
	}

	cfg, err = config.LoadFromReader(strings.NewReader("upstream:\n  api_key: sk-file\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Upstream.APIKey.Reveal() != "sk-file" {
		t.Error("file key should win over the OPENAI_API_KEY fallback")
	}
}

func TestLoad_MalformedEnvIgnored(t *testing.T) {
	t.Setenv("TALKINGOBJECTS_MAX_LINKS", "many")

	cfg, err := config.LoadFromReader(strings.NewReader("relay:\n  max_links: 5\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Relay.MaxLinks != 5 {
		t.Errorf("relay.max_links = %d, want 5", cfg.Relay.MaxLinks)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.MaxLinks != 8 {
		t.Errorf("relay.max_links = %d, want 8", cfg.Relay.MaxLinks)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
