// Package speaker renders scheduled PCM16 through the system audio output
// using ebitengine/oto. It implements [audio.Sink].
//
// oto pulls samples from an io.Reader. The speaker's clock is the number of
// bytes the device has pulled, so gaps between scheduled frames are filled
// with silence and the clock never stops while the device runs.
package speaker

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/talkingobjects/pkg/audio"
)

// Speaker is an open output device.
type Speaker struct {
	player *oto.Player
	buf    *timeline
}

var _ audio.Sink = (*Speaker)(nil)

// Open initialises the process-wide oto context for format f and starts
// playing silence. bufferSize is the device latency; zero lets oto choose.
// oto allows only one context per process, so Open may be called only once.
func Open(f audio.Format, bufferSize time.Duration) (*Speaker, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   bufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("speaker: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	<-ready

	buf := newTimeline(f)
	player := ctx.NewPlayer(buf)
	player.Play()
	return &Speaker{player: player, buf: buf}, nil
}

// Schedule implements [audio.Sink].
func (s *Speaker) Schedule(pcm []byte, at time.Duration) error {
	return s.buf.schedule(pcm, at)
}

// Clock returns the current playback position. Pass it as
// [audio.PlaybackConfig.Clock].
func (s *Speaker) Clock() time.Duration {
	return s.buf.clock()
}

// Close stops the player.
func (s *Speaker) Close() error {
	s.buf.close()
	return s.player.Close()
}

// timeline is the reader behind the oto player. Scheduled PCM is laid out at
// byte offsets derived from its start time.
type timeline struct {
	format audio.Format

	mu      sync.Mutex
	queue   []byte
	readPos int64
	closed  bool
}

func newTimeline(f audio.Format) *timeline {
	return &timeline{format: f}
}

func (t *timeline) schedule(pcm []byte, at time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return io.ErrClosedPipe
	}
	end := t.readPos + int64(len(t.queue))
	if start := int64(t.format.BytesPer(at)); start > end {
		t.queue = append(t.queue, make([]byte, start-end)...)
	}
	t.queue = append(t.queue, pcm...)
	return nil
}

// Read hands queued PCM to the device, padding with silence when the queue
// runs dry.
func (t *timeline) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.EOF
	}
	n := copy(p, t.queue)
	t.queue = t.queue[n:]
	clear(p[n:])
	t.readPos += int64(len(p))
	return len(p), nil
}

func (t *timeline) clock() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.format.Duration(int(t.readPos))
}

func (t *timeline) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.queue = nil
}
