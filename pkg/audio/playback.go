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
	defaultBufferFrames  = 50
	defaultPrefillFrames = 3
	defaultLead          = 100 * time.Millisecond
)

// PlaybackConfig controls the jitter buffer and scheduler.
type PlaybackConfig struct {
	// Format is the PCM16 layout produced by the codec and accepted by the sink.
	Format Format

	// BufferFrames bounds the jitter buffer. When full, the oldest frame is
	// dropped. Zero means 50.
	BufferFrames int

	// PrefillFrames is how many frames must be buffered before playback
	// starts or resumes after an underrun. Zero means 3.
	PrefillFrames int

	// Lead is how far ahead of the sink clock frames may be scheduled.
	// Zero means 100ms.
	Lead time.Duration

	// Clock returns the sink's playback position. Nil uses the wall clock
	// measured from Start.
	Clock func() time.Duration
}

// Playback buffers inbound frames and schedules their decoded PCM onto a
// [Sink] back to back: each frame starts exactly where the previous one
// ended, unless the sink clock has already passed that point.
type Playback struct {
	sink  Sink
	codec Codec
	cfg   PlaybackConfig

	mu        sync.Mutex
	buf       []Frame
	buffering bool
	notify    chan struct{}

	nextStart time.Duration

	dropped   atomic.Uint64
	malformed atomic.Uint64
	played    atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewPlayback returns a Playback that decodes with codec and renders to sink.
// A nil codec means [PCM16].
func NewPlayback(sink Sink, codec Codec, cfg PlaybackConfig) (*Playback, error) {
	if sink == nil {
		return nil, errors.New("audio: playback sink is nil")
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if codec == nil {
		codec = PCM16{}
	}
	if cfg.BufferFrames <= 0 {
		cfg.BufferFrames = defaultBufferFrames
	}
	if cfg.PrefillFrames <= 0 {
		cfg.PrefillFrames = defaultPrefillFrames
	}
	if cfg.PrefillFrames > cfg.BufferFrames {
		return nil, fmt.Errorf("audio: prefill %d exceeds buffer %d", cfg.PrefillFrames, cfg.BufferFrames)
	}
	if cfg.Lead <= 0 {
		cfg.Lead = defaultLead
	}
	return &Playback{
		sink:      sink,
		codec:     codec,
		cfg:       cfg,
		buffering: true,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start launches the scheduling loop. It runs until ctx is cancelled or
// Stop is called. Only the first call has an effect.
func (p *Playback) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		clock := p.cfg.Clock
		if clock == nil {
			origin := time.Now()
			clock = func() time.Duration { return time.Since(origin) }
		}
		go p.loop(ctx, clock)
	})
}

// Enqueue adds an inbound frame to the jitter buffer. It never blocks; when
// the buffer is full the oldest frame is discarded.
func (p *Playback) Enqueue(f Frame) {
	p.mu.Lock()
	if len(p.buf) >= p.cfg.BufferFrames {
		p.buf[0] = Frame{}
		p.buf = p.buf[1:]
		p.dropped.Add(1)
	}
	p.buf = append(p.buf, f)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Stop halts scheduling and closes the sink. It is safe to call more than
// once and before Start.
func (p *Playback) Stop() {
	p.stopOnce.Do(func() {
		// Claim startOnce so a later Start cannot launch the loop.
		p.startOnce.Do(func() {})
		if p.cancel != nil {
			p.cancel()
			<-p.done
		}
		if err := p.sink.Close(); err != nil {
			slog.Warn("audio: close sink", "err", err)
		}
	})
}

// Buffering reports whether playback is waiting for the prefill threshold.
func (p *Playback) Buffering() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffering
}

// Dropped returns the number of frames evicted from a full buffer.
func (p *Playback) Dropped() uint64 { return p.dropped.Load() }

// Malformed returns the number of frames that failed to decode.
func (p *Playback) Malformed() uint64 { return p.malformed.Load() }

// Played returns the number of frames handed to the sink.
func (p *Playback) Played() uint64 { return p.played.Load() }

func (p *Playback) loop(ctx context.Context, clock func() time.Duration) {
	defer close(p.done)
	for {
		f, ok := p.next(ctx)
		if !ok {
			return
		}

		pcm, err := p.decode(f.Payload)
		if err != nil {
			p.malformed.Add(1)
			slog.Warn("audio: dropping inbound frame", "seq", f.Sequence, "err", err)
			continue
		}

		now := clock()
		if p.nextStart < now {
			// Underrun or first frame: restart the schedule at the sink clock.
			p.nextStart = now
		}
		if wait := p.nextStart - now - p.cfg.Lead; wait > 0 {
			if !sleep(ctx, wait) {
				return
			}
		}

		if err := p.sink.Schedule(pcm, p.nextStart); err != nil {
			slog.Warn("audio: schedule frame", "seq", f.Sequence, "err", err)
			continue
		}
		p.played.Add(1)
		p.nextStart += p.cfg.Format.Duration(len(pcm))
	}
}

// next pops the oldest buffered frame, waiting for the prefill threshold
// whenever the buffer has run dry.
func (p *Playback) next(ctx context.Context) (Frame, bool) {
	for {
		p.mu.Lock()
		if len(p.buf) == 0 && !p.buffering {
			p.buffering = true
			slog.Debug("audio: playback underrun, buffering")
		}
		if p.buffering && len(p.buf) >= p.cfg.PrefillFrames {
			p.buffering = false
		}
		if !p.buffering {
			f := p.buf[0]
			p.buf[0] = Frame{}
			p.buf = p.buf[1:]
			p.mu.Unlock()
			return f, true
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, false
		case <-p.notify:
		}
	}
}

func (p *Playback) decode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	pcm, err := p.codec.Decode(payload)
	if err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	// A sample frame holds one 16-bit sample per channel.
	align := 2 * p.cfg.Format.Channels
	if len(pcm) == 0 || len(pcm)%align != 0 {
		return nil, fmt.Errorf("%w: decoded %d bytes, not a multiple of %d", ErrMalformedFrame, len(pcm), align)
	}
	return pcm, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
