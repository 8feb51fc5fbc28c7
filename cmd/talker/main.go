// Command talker is the talking object client. It streams the microphone to
// the relay and plays the replies on the default output device.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	// Registers the system microphone with mediadevices.
	_ "github.com/pion/mediadevices/pkg/driver/microphone"

	"github.com/MrWong99/talkingobjects/internal/client"
	"github.com/MrWong99/talkingobjects/internal/config"
	"github.com/MrWong99/talkingobjects/pkg/audio"
	"github.com/MrWong99/talkingobjects/pkg/audio/mic"
	"github.com/MrWong99/talkingobjects/pkg/audio/opus"
	"github.com/MrWong99/talkingobjects/pkg/audio/speaker"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults and environment only when empty)")
	endpoint := flag.String("endpoint", "", "relay WebSocket URL; overrides client.endpoint")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "talker: %v\n", err)
		return 1
	}
	if *endpoint != "" {
		cfg.Client.Endpoint = *endpoint
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Server.LogLevel.Level()})))

	ac := cfg.Client.Audio
	format := audio.Format{SampleRate: ac.SampleRate, Channels: ac.Channels}
	slog.Info("talker starting", "endpoint", cfg.Client.Endpoint, "format", format.String(), "codec", ac.Codec)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Playback ──────────────────────────────────────────────────────────────
	var codec audio.Codec = audio.PCM16{}
	if ac.Codec == config.CodecOpus {
		dec, err := opus.NewDecoder(format)
		if err != nil {
			slog.Error("failed to create opus decoder", "err", err)
			return 1
		}
		codec = dec
	}
	spk, err := speaker.Open(format, ac.OutputLatency)
	if err != nil {
		slog.Error("failed to open speaker", "err", err)
		return 1
	}
	playback, err := audio.NewPlayback(spk, codec, audio.PlaybackConfig{
		Format:        format,
		BufferFrames:  ac.BufferFrames,
		PrefillFrames: ac.PrefillFrames,
		Clock:         spk.Clock,
	})
	if err != nil {
		_ = spk.Close()
		slog.Error("failed to create playback", "err", err)
		return 1
	}
	playback.Start(ctx)
	defer playback.Stop()

	// ── Capture ───────────────────────────────────────────────────────────────
	capture, err := audio.NewCapture(mic.Source{}, audio.CaptureConfig{
		Format:        format,
		FrameDuration: ac.FrameDuration,
		QueueFrames:   ac.CaptureQueue,
	})
	if err != nil {
		slog.Error("failed to create capture", "err", err)
		return 1
	}
	feed := &feed{capture: capture}
	defer feed.stop()

	// ── Relay session ─────────────────────────────────────────────────────────
	rc := client.NewReconnector(client.ReconnectorConfig{
		Endpoint: cfg.Client.Endpoint,
		Session: client.Config{
			ConnectTimeout: cfg.Client.ConnectTimeout,
			SendQueue:      cfg.Client.SendQueue,
			MaxFrameBytes:  cfg.Relay.MaxFrameBytes,
			OnFrame:        playback.Enqueue,
		},
		MaxRetries: cfg.Client.Reconnect.MaxRetries,
		Backoff:    cfg.Client.Reconnect.Backoff,
		MaxBackoff: cfg.Client.Reconnect.MaxBackoff,
		OnSession: func(s *client.Session) {
			if err := feed.attach(ctx, s); err != nil {
				slog.Error("failed to start capture", "session_id", s.ID, "err", err)
				return
			}
			slog.Info("talking", "session_id", s.ID)
		},
	})

	err = rc.Run(ctx)
	slog.Info("talker stopping",
		"captured_dropped", capture.Dropped(),
		"played", playback.Played(),
		"playback_dropped", playback.Dropped(),
		"malformed", playback.Malformed(),
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("relay session ended", "err", err)
		return 1
	}
	return 0
}
