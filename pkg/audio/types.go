package audio

import (
	"fmt"
	"time"
)

// Direction tells which way a [Frame] travels relative to the client.
type Direction int

const (
	// Outbound frames flow from the microphone towards the relay.
	Outbound Direction = iota

	// Inbound frames flow from the relay towards the speaker.
	Inbound
)

// String returns the lower-case direction name used in logs and metrics.
func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return "unknown"
	}
}

// Frame is the unit of audio transport between client and relay. One frame
// maps to exactly one binary WebSocket message.
type Frame struct {
	// Sequence increases strictly per direction within a session.
	Sequence uint64

	// Payload is raw PCM16 LE for outbound frames, or opaque codec bytes for
	// inbound frames.
	Payload []byte

	Direction Direction

	// Timestamp is the capture (or receive) offset relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Validate reports whether f can be handled by the pipeline.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate %d must be positive", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("audio: %d channels unsupported, want 1 or 2", f.Channels)
	}
	return nil
}

// BytesPer returns how many PCM16 bytes cover duration d in format f.
func (f Format) BytesPer(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Channels * 2
}

// Duration returns the play time of n PCM16 bytes in format f.
func (f Format) Duration(n int) time.Duration {
	bytesPerSec := f.SampleRate * f.Channels * 2
	if bytesPerSec == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bytesPerSec))
}

// String renders f as e.g. "24000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Block is a chunk of raw PCM16 LE samples as delivered by a [Stream].
type Block struct {
	PCM    []byte
	Format Format
}
