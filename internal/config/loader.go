package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultUpstreamURL     = "wss://api.openai.com/v1/realtime"
	DefaultUpstreamModel   = "gpt-4o-realtime-preview"
	DefaultConnectTimeout  = 10 * time.Second
	DefaultRelayPath       = "/realtime"
	DefaultMaxLinks        = 64
	DefaultMaxFrameBytes   = 64 << 10
	DefaultWriteTimeout    = 5 * time.Second
	DefaultClientEndpoint  = "ws://localhost:8080/realtime"
	DefaultSendQueue       = 64

	// maxFrameBytesLimit keeps a misconfigured relay from buffering huge
	// messages per link.
	maxFrameBytesLimit = 16 << 20
)

// envPrefix is prepended to every environment override key.
const envPrefix = "TALKINGOBJECTS_"

// Load reads the YAML configuration file at path and returns a validated
// [Config]. An empty path yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromReader(strings.NewReader(""))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnvOverrides(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config populated with every default value.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
// Negative values are left for [Validate] to reject.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.ShutdownTimeout, DefaultShutdownTimeout)

	setDefault(&cfg.Upstream.URL, DefaultUpstreamURL)
	setDefault(&cfg.Upstream.Model, DefaultUpstreamModel)
	setDefault(&cfg.Upstream.ConnectTimeout, DefaultConnectTimeout)

	setDefault(&cfg.Relay.Path, DefaultRelayPath)
	setDefault(&cfg.Relay.MaxLinks, DefaultMaxLinks)
	setDefault(&cfg.Relay.MaxFrameBytes, DefaultMaxFrameBytes)
	setDefault(&cfg.Relay.WriteTimeout, DefaultWriteTimeout)

	c := &cfg.Client
	setDefault(&c.Endpoint, DefaultClientEndpoint)
	setDefault(&c.ConnectTimeout, DefaultConnectTimeout)
	setDefault(&c.SendQueue, DefaultSendQueue)
	setDefault(&c.Reconnect.MaxRetries, 10)
	setDefault(&c.Reconnect.Backoff, time.Second)
	setDefault(&c.Reconnect.MaxBackoff, 30*time.Second)

	a := &c.Audio
	setDefault(&a.SampleRate, 24000)
	setDefault(&a.Channels, 1)
	setDefault(&a.FrameDuration, 20*time.Millisecond)
	setDefault(&a.CaptureQueue, 50)
	setDefault(&a.BufferFrames, 50)
	setDefault(&a.PrefillFrames, 3)
	setDefault(&a.Codec, CodecPCM16)
	setDefault(&a.OutputLatency, 60*time.Millisecond)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// applyEnvOverrides replaces config values with TALKINGOBJECTS_* environment
// variables when they are set. OPENAI_API_KEY is honoured as a fallback
// credential when no other key is configured.
func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}

	overrideString(&cfg.Upstream.URL, "UPSTREAM_URL")
	overrideString(&cfg.Upstream.Model, "UPSTREAM_MODEL")
	if v, ok := lookupEnv("UPSTREAM_API_KEY"); ok {
		cfg.Upstream.APIKey = Secret(v)
	}
	if cfg.Upstream.APIKey == "" {
		if v, ok := os.LookupEnv("OPENAI_API_KEY"); ok {
			cfg.Upstream.APIKey = Secret(v)
		}
	}
	overrideDuration(&cfg.Upstream.ConnectTimeout, "UPSTREAM_CONNECT_TIMEOUT")

	overrideString(&cfg.Relay.Path, "RELAY_PATH")
	overrideInt(&cfg.Relay.MaxLinks, "MAX_LINKS")
	overrideDuration(&cfg.Relay.WriteTimeout, "WRITE_TIMEOUT")

	overrideString(&cfg.Client.Endpoint, "CLIENT_ENDPOINT")
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func overrideString(target *string, key string) {
	if v, ok := lookupEnv(key); ok {
		*target = v
	}
}

func overrideInt(target *int, key string) {
	v, ok := lookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config: ignoring malformed integer override", "key", envPrefix+key, "value", v)
		return
	}
	*target = n
}

func overrideDuration(target *time.Duration, key string) {
	v, ok := lookupEnv(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("config: ignoring malformed duration override", "key", envPrefix+key, "value", v)
		return
	}
	*target = d
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	errs = appendNonNegative(errs, "server.shutdown_timeout", cfg.Server.ShutdownTimeout)

	// Upstream
	if err := validateWebSocketURL(cfg.Upstream.URL); err != nil {
		errs = append(errs, fmt.Errorf("upstream.url: %w", err))
	}
	if cfg.Upstream.Model == "" {
		errs = append(errs, errors.New("upstream.model is required"))
	}
	errs = appendNonNegative(errs, "upstream.connect_timeout", cfg.Upstream.ConnectTimeout)
	if b := cfg.Upstream.Breaker; b.MaxFailures < 0 || b.HalfOpenMax < 0 || b.ResetTimeout < 0 {
		errs = append(errs, errors.New("upstream.breaker values must not be negative"))
	}

	// Relay
	if !strings.HasPrefix(cfg.Relay.Path, "/") {
		errs = append(errs, fmt.Errorf("relay.path %q must start with /", cfg.Relay.Path))
	}
	if cfg.Relay.MaxLinks < 1 {
		errs = append(errs, fmt.Errorf("relay.max_links %d must be at least 1", cfg.Relay.MaxLinks))
	}
	if cfg.Relay.MaxFrameBytes < 1 || cfg.Relay.MaxFrameBytes > maxFrameBytesLimit {
		errs = append(errs, fmt.Errorf("relay.max_frame_bytes %d is out of range [1, %d]", cfg.Relay.MaxFrameBytes, maxFrameBytesLimit))
	}
	errs = appendNonNegative(errs, "relay.write_timeout", cfg.Relay.WriteTimeout)

	// Client
	c := cfg.Client
	if err := validateWebSocketURL(c.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("client.endpoint: %w", err))
	}
	errs = appendNonNegative(errs, "client.connect_timeout", c.ConnectTimeout)
	if c.SendQueue < 1 {
		errs = append(errs, fmt.Errorf("client.send_queue %d must be at least 1", c.SendQueue))
	}
	if c.Reconnect.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("client.reconnect.max_retries %d must not be negative", c.Reconnect.MaxRetries))
	}
	if c.Reconnect.MaxBackoff < c.Reconnect.Backoff {
		errs = append(errs, errors.New("client.reconnect.max_backoff must not be below backoff"))
	}

	a := c.Audio
	if a.SampleRate < 1 {
		errs = append(errs, fmt.Errorf("client.audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.Channels != 1 && a.Channels != 2 {
		errs = append(errs, fmt.Errorf("client.audio.channels %d is invalid; valid values: 1, 2", a.Channels))
	}
	if a.FrameDuration <= 0 {
		errs = append(errs, errors.New("client.audio.frame_duration must be positive"))
	}
	if a.CaptureQueue < 1 || a.BufferFrames < 1 || a.PrefillFrames < 1 {
		errs = append(errs, errors.New("client.audio queue and buffer sizes must be at least 1"))
	}
	if a.PrefillFrames > a.BufferFrames {
		errs = append(errs, fmt.Errorf("client.audio.prefill_frames %d exceeds buffer_frames %d", a.PrefillFrames, a.BufferFrames))
	}
	if !a.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("client.audio.codec %q is invalid; valid values: pcm16, opus", a.Codec))
	}

	return errors.Join(errs...)
}

func appendNonNegative(errs []error, field string, d time.Duration) []error {
	if d < 0 {
		return append(errs, fmt.Errorf("%s %s must not be negative", field, d))
	}
	return errs
}

func validateWebSocketURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme %q is invalid; valid values: ws, wss", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
