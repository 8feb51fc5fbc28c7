// Package mock provides in-memory implementations of [audio.Source],
// [audio.Stream], [audio.Sink], and [audio.Codec] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream()
//	src := &mock.Source{StreamResult: stream}
//	capture, _ := audio.NewCapture(src, cfg)
//	_ = capture.Start(ctx)
//	stream.Push(audio.Block{PCM: pcm, Format: cfg.Format})
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/talkingobjects/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// StreamResult is returned by [Source.Open] when OpenError is nil.
	StreamResult *Stream

	// OpenError is returned by [Source.Open] when non-nil.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// LastFormat is the format passed to the most recent Open call.
	LastFormat audio.Format
}

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context, format audio.Format) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	s.LastFormat = format
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	return s.StreamResult, nil
}

// Opens returns CallCountOpen under the lock.
func (s *Source) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountOpen
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock [audio.Stream] fed by [Stream.Push]. After [Stream.Fail]
// the next Read returns the given error. A closed Stream returns [io.EOF].
type Stream struct {
	blocks chan audio.Block
	closed chan struct{}

	mu        sync.Mutex
	failErr   error
	failCh    chan struct{}
	closeOnce sync.Once

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns an open Stream whose pushes are buffered up to 64 blocks.
func NewStream() *Stream {
	return &Stream{
		blocks: make(chan audio.Block, 64),
		closed: make(chan struct{}),
		failCh: make(chan struct{}),
	}
}

// Push delivers b to the next Read.
func (s *Stream) Push(b audio.Block) {
	select {
	case s.blocks <- b:
	case <-s.closed:
	}
}

// Fail makes pending and future Read calls return err.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return
	}
	s.failErr = err
	close(s.failCh)
}

// Read implements [audio.Stream].
func (s *Stream) Read(ctx context.Context) (audio.Block, error) {
	select {
	case b := <-s.blocks:
		return b, nil
	case <-s.failCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		return audio.Block{}, s.failErr
	case <-s.closed:
		return audio.Block{}, io.EOF
	case <-ctx.Done():
		return audio.Block{}, ctx.Err()
	}
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closes returns CallCountClose under the lock.
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// ScheduleCall records a single invocation of [Sink.Schedule].
type ScheduleCall struct {
	PCM []byte
	At  time.Duration
}

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// ScheduleError is returned by [Sink.Schedule] when non-nil.
	ScheduleError error

	// CloseError is returned by [Sink.Close].
	CloseError error

	// ScheduleCalls records every Schedule invocation in order.
	ScheduleCalls []ScheduleCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Schedule implements [audio.Sink].
func (s *Sink) Schedule(pcm []byte, at time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ScheduleCalls = append(s.ScheduleCalls, ScheduleCall{PCM: append([]byte(nil), pcm...), At: at})
	return s.ScheduleError
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// Calls returns a snapshot of ScheduleCalls.
func (s *Sink) Calls() []ScheduleCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScheduleCall(nil), s.ScheduleCalls...)
}

// Closes returns CallCountClose under the lock.
func (s *Sink) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── Codec ────────────────────────────────────────────────────────────────────

// Codec is a mock implementation of [audio.Codec]. With DecodeFunc nil it
// behaves as a passthrough.
type Codec struct {
	mu sync.Mutex

	// DecodeFunc, when set, computes the result of [Codec.Decode].
	DecodeFunc func(payload []byte) ([]byte, error)

	// CallCountDecode records how many times Decode was called.
	CallCountDecode int
}

// Decode implements [audio.Codec].
func (c *Codec) Decode(payload []byte) ([]byte, error) {
	c.mu.Lock()
	c.CallCountDecode++
	fn := c.DecodeFunc
	c.mu.Unlock()
	if fn != nil {
		return fn(payload)
	}
	return payload, nil
}
