// Package audio defines the client-side audio pipeline of a talking object:
// microphone capture chunked into fixed-duration PCM frames, and a jittered
// playback scheduler that renders inbound frames gap-free onto an output
// device.
//
// The hardware is reached through three narrow interfaces:
//
//   - [Source] opens a microphone and yields raw PCM blocks.
//   - [Codec] turns an inbound payload into PCM (passthrough or a platform codec).
//   - [Sink] renders PCM at a scheduled offset on the output clock.
//
// Adapters for real devices live in sub-packages (audio/mic, audio/speaker,
// audio/opus); audio/mock has in-memory versions for tests.
package audio

import (
	"context"
	"time"
)

// Source is a microphone that can be opened for capture.
type Source interface {
	// Open acquires the device and starts sampling in the requested format.
	// Implementations may deliver blocks in a different format; the capture
	// pipeline converts them. Open returns an error wrapping
	// [ErrDeviceUnavailable] when the device cannot be acquired.
	Open(ctx context.Context, format Format) (Stream, error)
}

// Stream is an open microphone.
type Stream interface {
	// Read blocks until the next PCM block is available.
	Read(ctx context.Context) (Block, error)

	// Close releases the device. It must be safe to call more than once.
	Close() error
}

// Sink is an output device that plays PCM on a monotonic clock starting at
// zero when the sink is created.
type Sink interface {
	// Schedule queues pcm to start playing at offset at. Callers guarantee
	// that successive calls never overlap.
	Schedule(pcm []byte, at time.Duration) error

	// Close stops output and releases the device.
	Close() error
}

// Codec decodes inbound payloads into 16-bit little-endian PCM.
type Codec interface {
	Decode(payload []byte) ([]byte, error)
}
