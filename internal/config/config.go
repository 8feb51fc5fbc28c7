// Package config provides the configuration schema and loader shared by the
// relay server and the talker client.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/talkingobjects/internal/resilience"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to the matching [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Codec names the payload encoding of inbound audio frames.
type Codec string

const (
	// CodecPCM16 is raw 16-bit little-endian PCM.
	CodecPCM16 Codec = "pcm16"

	// CodecOpus is one Opus packet per frame.
	CodecOpus Codec = "opus"
)

// IsValid reports whether c is a supported codec.
func (c Codec) IsValid() bool {
	return c == CodecPCM16 || c == CodecOpus
}

// Secret holds a credential. It never renders its value through fmt or slog.
type Secret string

// String implements [fmt.Stringer].
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}

// LogValue implements [slog.LogValuer].
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// Reveal returns the raw credential. Only the upstream dialer should call it.
func (s Secret) Reveal() string {
	return string(s)
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Relay    RelayConfig    `yaml:"relay"`
	Client   ClientConfig   `yaml:"client"`
}

// ServerConfig holds network and logging settings for the relay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on. Default: ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures HTTPS. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// UpstreamConfig describes the realtime speech API the relay bridges to.
type UpstreamConfig struct {
	// URL is the WebSocket endpoint. Default: wss://api.openai.com/v1/realtime.
	URL string `yaml:"url"`

	// Model is sent as the "model" query parameter.
	// Default: gpt-4o-realtime-preview.
	Model string `yaml:"model"`

	// APIKey is the bearer credential. It may also come from
	// TALKINGOBJECTS_UPSTREAM_API_KEY or OPENAI_API_KEY.
	APIKey Secret `yaml:"api_key"`

	// ConnectTimeout bounds the upstream handshake. Default: 10s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Breaker tunes the circuit breaker guarding upstream dials.
	Breaker resilience.BreakerConfig `yaml:"breaker"`
}

// RelayConfig tunes the WebSocket relay.
type RelayConfig struct {
	// Path is the realtime route. Default: "/realtime".
	Path string `yaml:"path"`

	// MaxLinks caps concurrent relay links. Default: 64.
	MaxLinks int `yaml:"max_links"`

	// MaxFrameBytes caps a single message on either leg. Default: 64 KiB.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`

	// WriteTimeout bounds each forwarded write. Default: 5s.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// AllowedOrigins lists Origin host patterns accepted on upgrade. Empty
	// means same-origin only; native clients send no Origin and always pass.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ClientConfig configures the talker client.
type ClientConfig struct {
	// Endpoint is the relay WebSocket URL. Default: ws://localhost:8080/realtime.
	Endpoint string `yaml:"endpoint"`

	// ConnectTimeout bounds the handshake with the relay. Default: 10s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// SendQueue bounds the outbound frame queue. Default: 64.
	SendQueue int `yaml:"send_queue"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
	Audio     AudioConfig     `yaml:"audio"`
}

// ReconnectConfig sets the client backoff policy.
type ReconnectConfig struct {
	// MaxRetries is the number of attempts after a failure. Default: 10.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the first delay; it doubles per attempt. Default: 1s.
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff caps the delay. Default: 30s.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// AudioConfig holds the device formats and buffer sizes of the talker.
type AudioConfig struct {
	// SampleRate in Hz for both capture and playback. Default: 24000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is 1 or 2. Default: 1.
	Channels int `yaml:"channels"`

	// FrameDuration is the outbound frame length. Default: 20ms.
	FrameDuration time.Duration `yaml:"frame_duration"`

	// CaptureQueue bounds unsent capture frames. Default: 50.
	CaptureQueue int `yaml:"capture_queue"`

	// BufferFrames bounds the playback jitter buffer. Default: 50.
	BufferFrames int `yaml:"buffer_frames"`

	// PrefillFrames must be buffered before playback starts. Default: 3.
	PrefillFrames int `yaml:"prefill_frames"`

	// Codec of inbound frames. Default: pcm16.
	Codec Codec `yaml:"codec"`

	// OutputLatency is the speaker buffer size. Default: 60ms.
	OutputLatency time.Duration `yaml:"output_latency"`
}
