// Package client implements the talker side of a relay connection: a
// [Session] state machine that streams outbound audio frames and delivers
// inbound ones, and a [Reconnector] that replaces failed sessions.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/talkingobjects/internal/protocol"
	"github.com/MrWong99/talkingobjects/pkg/audio"
)

// State is the lifecycle phase of a [Session].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s is CLOSED or FAILED.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// FrameHandler receives inbound frames in arrival order. It runs on the
// session's reader goroutine, must not block for long and must not call
// [Session.Close].
type FrameHandler func(audio.Frame)

// Config tunes a [Session].
type Config struct {
	// ConnectTimeout bounds the handshake. Default: 10s.
	ConnectTimeout time.Duration

	// SendQueue bounds frames waiting for the writer. Default: 64.
	SendQueue int

	// MaxFrameBytes caps payloads in both directions. Default: 64 KiB.
	MaxFrameBytes int64

	// WriteTimeout bounds each frame write. Default: 5s.
	WriteTimeout time.Duration

	// OnFrame receives inbound audio. May be nil.
	OnFrame FrameHandler

	// HTTPClient is used for the handshake. Nil means http.DefaultClient.
	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 64
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Session is one connection attempt to the relay and its lifetime.
//
// IDLE → CONNECTING → OPEN → CLOSING → CLOSED, with CONNECTING → FAILED and
// OPEN → FAILED on transport errors. CLOSED and FAILED are terminal; a new
// attempt needs a new Session. All methods are safe for concurrent use.
type Session struct {
	ID        string
	CreatedAt time.Time

	cfg Config
	log *slog.Logger

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	cancelConnect context.CancelFunc
	lastSeq       uint64
	sent          bool
	openedAt      time.Time
	err           error

	sendCh     chan audio.Frame
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	finishOnce sync.Once
	loops      sync.WaitGroup
}

// New returns an IDLE session with a fresh ID.
func New(cfg Config) *Session {
	cfg.applyDefaults()
	id := uuid.NewString()
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		cfg:       cfg,
		log:       slog.With("session_id", id),
		sendCh:    make(chan audio.Frame, cfg.SendQueue),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches CLOSED or FAILED.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the [*TransportError] that failed the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Connect performs the WebSocket handshake with endpoint. It is valid only
// on an IDLE session.
func (s *Session) Connect(ctx context.Context, endpoint string) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateConnecting:
		s.mu.Unlock()
		return ErrConnectInFlight
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: connect in state %s", ErrInvalidState, st)
	}
	s.state = StateConnecting
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	s.cancelConnect = cancel
	s.mu.Unlock()

	s.log.Debug("client: connecting", "endpoint", endpoint)
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: s.cfg.HTTPClient,
	})

	s.mu.Lock()
	if s.state == StateClosing {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}
		s.finish(StateClosed, nil)
		return ErrClosed
	}
	if err != nil {
		s.mu.Unlock()
		if resp != nil && resp.StatusCode == http.StatusBadGateway {
			err = fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		}
		terr := &TransportError{Op: "connect", Status: -1, Err: err}
		s.finish(StateFailed, terr)
		return terr
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)
	s.conn = conn
	s.state = StateOpen
	s.openedAt = time.Now()
	s.mu.Unlock()

	s.log.Info("client: session open", "endpoint", endpoint)
	s.loops.Add(2)
	go s.writeLoop(conn)
	go s.readLoop(conn)
	return nil
}

// Send queues an outbound frame. Frames are written in the order accepted.
func (s *Session) Send(f audio.Frame) error {
	if f.Direction != audio.Outbound {
		return ErrWrongDirection
	}
	if int64(len(f.Payload)) > s.cfg.MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(f.Payload), s.cfg.MaxFrameBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return ErrNotConnected
	}
	if s.sent && f.Sequence <= s.lastSeq {
		return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, f.Sequence, s.lastSeq)
	}
	select {
	case s.sendCh <- f:
		s.lastSeq, s.sent = f.Sequence, true
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close ends the session with a normal closure. It is idempotent and safe
// in any state.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		s.finish(StateClosed, nil)
		return nil
	case StateConnecting:
		s.state = StateClosing
		cancel := s.cancelConnect
		s.mu.Unlock()
		cancel()
		<-s.done
		return nil
	case StateOpen:
		s.state = StateClosing
		conn := s.conn
		s.mu.Unlock()

		s.stopOnce.Do(func() { close(s.stop) })
		err := conn.Close(websocket.StatusNormalClosure, "client closing")
		if err != nil {
			_ = conn.CloseNow()
		}
		s.loops.Wait()
		s.finish(StateClosed, nil)
		s.log.Info("client: session closed")
		return nil
	default:
		s.mu.Unlock()
		<-s.done
		return nil
	}
}

func (s *Session) writeLoop(conn *websocket.Conn) {
	defer s.loops.Done()
	for {
		select {
		case <-s.stop:
			return
		case f := <-s.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
			err := conn.Write(ctx, websocket.MessageBinary, f.Payload)
			cancel()
			if err != nil {
				s.fail(conn, "write", err)
				return
			}
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.loops.Done()
	var seq uint64
	for {
		typ, data, err := conn.Read(context.Background())
		if err != nil {
			s.fail(conn, "read", err)
			return
		}
		if typ != websocket.MessageBinary {
			s.log.Debug("client: ignoring text message", "bytes", len(data))
			continue
		}
		seq++
		s.mu.Lock()
		ts := time.Since(s.openedAt)
		s.mu.Unlock()
		if s.cfg.OnFrame != nil {
			s.cfg.OnFrame(audio.Frame{
				Sequence:  seq,
				Payload:   data,
				Direction: audio.Inbound,
				Timestamp: ts,
			})
		}
	}
}

// fail handles the end of an OPEN connection not requested by Close. A
// normal closure from the relay ends the session as CLOSED; anything else
// is a transport failure.
func (s *Session) fail(conn *websocket.Conn, op string, err error) {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })
	_ = conn.CloseNow()

	// The finishing goroutine must not be one of the loops it waits for.
	go func() {
		s.loops.Wait()
		if protocol.IsNormalClosure(err) {
			s.log.Info("client: relay closed session")
			s.finish(StateClosed, nil)
			return
		}
		status := websocket.CloseStatus(err)
		if protocol.IsUpstreamUnavailable(err) {
			err = fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		}
		terr := &TransportError{Op: op, Status: status, Err: err}
		s.log.Warn("client: session failed", "op", op, "status", int(status), "err", err)
		s.finish(StateFailed, terr)
	}()
}

// finish moves the session into a terminal state exactly once.
func (s *Session) finish(state State, err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.state = state
		s.err = err
		s.conn = nil
		s.mu.Unlock()
		close(s.done)
	})
}
