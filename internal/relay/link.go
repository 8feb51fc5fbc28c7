package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/talkingobjects/internal/observe"
	"github.com/MrWong99/talkingobjects/internal/protocol"
)

// leg identifies one side of a link.
type leg string

const (
	legDownstream leg = "downstream"
	legUpstream   leg = "upstream"
)

// legError records which leg broke a pump and how.
type legError struct {
	leg leg
	err error
}

func (e *legError) Error() string { return string(e.leg) + ": " + e.err.Error() }
func (e *legError) Unwrap() error { return e.err }

// link is one downstream connection paired with one upstream connection.
// Both sockets are owned by the link and closed together exactly once.
type link struct {
	id           string
	down, up     *websocket.Conn
	writeTimeout time.Duration
	metrics      *observe.Metrics
	log          *slog.Logger
	started      time.Time

	// cancel ends the link from outside, e.g. on shutdown.
	cancel context.CancelCauseFunc
	ctx    context.Context
}

func newLink(ctx context.Context, id string, down, up *websocket.Conn, writeTimeout time.Duration, m *observe.Metrics) *link {
	lctx, cancel := context.WithCancelCause(ctx)
	return &link{
		id:           id,
		down:         down,
		up:           up,
		writeTimeout: writeTimeout,
		metrics:      m,
		log:          observe.Logger(ctx).With("link_id", id),
		started:      time.Now(),
		ctx:          lctx,
		cancel:       cancel,
	}
}

// run pumps both directions until either leg ends or the link is cancelled,
// then closes both legs. It returns the teardown cause.
func (l *link) run() string {
	// Socket I/O must not see cancellation: a cancelled read context makes
	// coder/websocket drop the connection without a close frame. The
	// supervisor below closes both legs with an explicit status instead.
	ioCtx := context.WithoutCancel(l.ctx)

	g, gctx := errgroup.WithContext(l.ctx)
	g.Go(func() error {
		return l.pump(ioCtx, l.down, l.up, legDownstream, legUpstream, observe.DirectionUpstream)
	})
	g.Go(func() error {
		return l.pump(ioCtx, l.up, l.down, legUpstream, legDownstream, observe.DirectionDownstream)
	})
	var cause string
	g.Go(func() error {
		<-gctx.Done()
		cause = l.teardown(context.Cause(gctx))
		return nil
	})
	_ = g.Wait()
	l.cancel(nil)

	lifetime := time.Since(l.started)
	l.metrics.RecordTeardown(ioCtx, cause, lifetime.Seconds())
	l.log.Info("relay: link closed", "cause", cause, "lifetime", lifetime)
	return cause
}

// pump forwards messages from src to dst one at a time, preserving order
// and message type. It only returns on error.
func (l *link) pump(ctx context.Context, src, dst *websocket.Conn, srcLeg, dstLeg leg, dir string) error {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return &legError{leg: srcLeg, err: err}
		}
		if err := l.write(ctx, dst, typ, data); err != nil {
			return &legError{leg: dstLeg, err: err}
		}
		l.metrics.RecordForward(ctx, dir, len(data))
	}
}

func (l *link) write(ctx context.Context, c *websocket.Conn, typ websocket.MessageType, data []byte) error {
	if l.writeTimeout <= 0 {
		return c.Write(ctx, typ, data)
	}
	wctx, cancel := context.WithTimeout(ctx, l.writeTimeout)
	defer cancel()
	return c.Write(wctx, typ, data)
}

// closing is the close frame sent to one leg during teardown. A zero code
// means the leg is already gone and is only released.
type closing struct {
	code   websocket.StatusCode
	reason string
}

// teardown closes both legs according to cause and returns a short label
// for metrics.
func (l *link) teardown(cause error) string {
	var (
		label    string
		down, up closing
	)
	var le *legError
	switch {
	case errors.Is(cause, ErrShuttingDown):
		label = "shutdown"
		down = closing{websocket.StatusGoingAway, protocol.ReasonShuttingDown}
		up = closing{websocket.StatusGoingAway, protocol.ReasonShuttingDown}
	case errors.As(cause, &le) && le.leg == legUpstream:
		if protocol.IsNormalClosure(le.err) {
			label = "upstream_closed"
			down = closing{websocket.StatusNormalClosure, ""}
		} else {
			label = "upstream_error"
			down = closing{protocol.StatusUpstreamUnavailable, protocol.ReasonUpstreamUnavailable}
		}
	case errors.As(cause, &le) && le.leg == legDownstream:
		if protocol.IsNormalClosure(le.err) {
			label = "downstream_closed"
			up = closing{websocket.StatusNormalClosure, ""}
		} else {
			label = "downstream_error"
			up = closing{websocket.StatusGoingAway, "client disconnected"}
		}
	default:
		label = "error"
		down = closing{websocket.StatusInternalError, "relay error"}
		up = closing{websocket.StatusGoingAway, "relay error"}
	}
	if le != nil {
		l.log.Debug("relay: leg ended", "leg", le.leg, "status", websocket.CloseStatus(le.err), "err", le.err)
	}

	var wg sync.WaitGroup
	for _, c := range []struct {
		conn *websocket.Conn
		how  closing
	}{{l.down, down}, {l.up, up}} {
		wg.Go(func() {
			if c.how.code == 0 {
				_ = c.conn.CloseNow()
				return
			}
			if err := c.conn.Close(c.how.code, c.how.reason); err != nil {
				_ = c.conn.CloseNow()
			}
		})
	}
	wg.Wait()
	return label
}
