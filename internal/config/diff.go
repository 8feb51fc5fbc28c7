package config

import "slices"

// ConfigDiff describes what changed between two configs.
//
// Log level and the upstream target apply to a running relay. The remaining
// flags mark changes that only take effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// UpstreamChanged is set when the URL, model or credential differs.
	// New links dial the new target; established links keep theirs.
	UpstreamChanged bool
	NewUpstream     UpstreamConfig

	// RestartRequired lists dotted keys whose new value is ignored until
	// the process restarts.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ou, nu := old.Upstream, new.Upstream
	if ou.URL != nu.URL || ou.Model != nu.Model || ou.APIKey != nu.APIKey || ou.ConnectTimeout != nu.ConnectTimeout {
		d.UpstreamChanged = true
		d.NewUpstream = nu
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !tlsEqual(old.Server.TLS, new.Server.TLS))
	restart("upstream.breaker", ou.Breaker.MaxFailures != nu.Breaker.MaxFailures ||
		ou.Breaker.ResetTimeout != nu.Breaker.ResetTimeout ||
		ou.Breaker.HalfOpenMax != nu.Breaker.HalfOpenMax)
	restart("relay.path", old.Relay.Path != new.Relay.Path)
	restart("relay.max_links", old.Relay.MaxLinks != new.Relay.MaxLinks)
	restart("relay.max_frame_bytes", old.Relay.MaxFrameBytes != new.Relay.MaxFrameBytes)
	restart("relay.write_timeout", old.Relay.WriteTimeout != new.Relay.WriteTimeout)
	restart("relay.allowed_origins", !slices.Equal(old.Relay.AllowedOrigins, new.Relay.AllowedOrigins))

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
