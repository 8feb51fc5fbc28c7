package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultFrameDuration is the play time carried by one outbound frame.
	DefaultFrameDuration = 20 * time.Millisecond

	defaultCaptureQueue = 50
)

// CaptureConfig controls the microphone pipeline.
type CaptureConfig struct {
	// Format is the PCM16 layout of emitted frames.
	Format Format

	// FrameDuration is the length of audio per frame. Zero means
	// [DefaultFrameDuration].
	FrameDuration time.Duration

	// QueueFrames bounds the number of unsent frames. Once full, the oldest
	// frame is discarded. Zero means 50.
	QueueFrames int
}

// Capture samples a [Source] and emits fixed-size outbound frames.
//
// A Capture can be started again after Stop; each run begins a fresh
// sequence at 1. All methods are safe for concurrent use.
type Capture struct {
	src        Source
	cfg        CaptureConfig
	frameBytes int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	release func() error
	done    chan struct{}
	frames  chan Frame
	err     error

	dropped atomic.Uint64
}

// NewCapture validates cfg and returns a stopped Capture.
func NewCapture(src Source, cfg CaptureConfig) (*Capture, error) {
	if src == nil {
		return nil, errors.New("audio: capture source is nil")
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultFrameDuration
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = defaultCaptureQueue
	}
	frameBytes := cfg.Format.BytesPer(cfg.FrameDuration)
	if frameBytes == 0 {
		return nil, fmt.Errorf("audio: frame duration %v is shorter than one sample", cfg.FrameDuration)
	}
	return &Capture{src: src, cfg: cfg, frameBytes: frameBytes}, nil
}

// Start acquires the microphone and begins sampling. It returns an error
// wrapping [ErrDeviceUnavailable] when the source cannot be opened, and
// [ErrAlreadyStarted] if the capture is running.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyStarted
	}

	stream, err := c.src.Open(ctx, c.cfg.Format)
	if err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return fmt.Errorf("audio: open source: %w", err)
		}
		return fmt.Errorf("audio: open source: %w: %w", ErrDeviceUnavailable, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.release = sync.OnceValue(stream.Close)
	c.done = make(chan struct{})
	c.frames = make(chan Frame, c.cfg.QueueFrames)
	c.err = nil

	go c.loop(loopCtx, stream, c.release, c.frames, c.done)
	slog.Debug("audio: capture started", "format", c.cfg.Format.String(), "frame", c.cfg.FrameDuration)
	return nil
}

// Stop releases the microphone and closes the frame channel. It blocks until
// the capture loop has exited. Calling Stop on a stopped Capture is a no-op.
func (c *Capture) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel, release, done := c.cancel, c.release, c.done
	c.mu.Unlock()

	cancel()
	// Close the stream directly as well: a Read that ignores its context
	// returns once the device is gone.
	if err := release(); err != nil {
		slog.Warn("audio: release microphone", "err", err)
	}
	<-done
}

// Frames returns the outbound frames of the current run. The channel is
// closed when the run ends. Before the first Start it returns nil.
func (c *Capture) Frames() <-chan Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Dropped returns how many frames were discarded because the queue was full.
func (c *Capture) Dropped() uint64 {
	return c.dropped.Load()
}

// Err returns the error that ended the last run, or nil if it was stopped.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Capture) loop(ctx context.Context, stream Stream, release func() error, out chan Frame, done chan struct{}) {
	defer close(done)
	defer close(out)
	defer release() //nolint:errcheck // Stop logs the close error

	conv := FormatConverter{Target: c.cfg.Format}
	pending := make([]byte, 0, c.frameBytes*2)
	var seq uint64
	var offset time.Duration

	for {
		block, err := stream.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("audio: capture read failed", "err", err)
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}

		pcm, err := conv.Convert(block)
		if err != nil {
			slog.Debug("audio: dropping capture block", "err", err)
			continue
		}
		pending = append(pending, pcm...)

		for len(pending) >= c.frameBytes {
			payload := make([]byte, c.frameBytes)
			copy(payload, pending)
			pending = append(pending[:0], pending[c.frameBytes:]...)

			seq++
			c.push(out, Frame{
				Sequence:  seq,
				Payload:   payload,
				Direction: Outbound,
				Timestamp: offset,
			})
			offset += c.cfg.FrameDuration
		}
	}
}

// push enqueues f, evicting the oldest queued frame when the queue is full.
// Only the capture loop sends on out, so at most one eviction is needed.
func (c *Capture) push(out chan Frame, f Frame) {
	select {
	case out <- f:
		return
	default:
	}
	select {
	case <-out:
		c.dropped.Add(1)
	default:
	}
	select {
	case out <- f:
	default:
		c.dropped.Add(1)
	}
}
