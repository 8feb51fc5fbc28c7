// Package opus adapts libopus (via gopus) to [audio.Codec] for relays whose
// upstream returns Opus packets instead of raw PCM16.
package opus

import (
	"fmt"
	"sync"

	"layeh.com/gopus"

	"github.com/MrWong99/talkingobjects/pkg/audio"
)

// maxPacketMs is the longest audio an Opus packet may carry.
const maxPacketMs = 120

// Decoder decodes Opus packets into interleaved PCM16 LE. The decoder keeps
// state between packets: use one Decoder per inbound stream.
type Decoder struct {
	mu        sync.Mutex
	dec       *gopus.Decoder
	maxFrames int
}

var _ audio.Codec = (*Decoder)(nil)

// NewDecoder creates a decoder producing PCM in format f.
func NewDecoder(f audio.Format) (*Decoder, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, maxFrames: f.SampleRate * maxPacketMs / 1000}, nil
}

// Decode implements [audio.Codec]. Failures wrap [audio.ErrMalformedFrame].
func (d *Decoder) Decode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("opus: decode: %w: empty packet", audio.ErrMalformedFrame)
	}
	d.mu.Lock()
	pcm, err := d.dec.Decode(payload, d.maxFrames, false)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w: %w", audio.ErrMalformedFrame, err)
	}
	return int16sToBytes(pcm), nil
}

// Encoder turns fixed-size PCM16 frames into Opus packets.
type Encoder struct {
	mu       sync.Mutex
	enc      *gopus.Encoder
	channels int
}

// NewEncoder creates a voice-tuned encoder for format f.
func NewEncoder(f audio.Format) (*Encoder, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{enc: enc, channels: f.Channels}, nil
}

// Encode compresses one frame of PCM16 LE. The frame must be a valid Opus
// duration (2.5, 5, 10, 20, 40 or 60 ms).
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	samples := bytesToInt16s(pcm)
	e.mu.Lock()
	defer e.mu.Unlock()
	packet, err := e.enc.Encode(samples, len(samples)/e.channels, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
