package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/talkingobjects/internal/client"
	"github.com/MrWong99/talkingobjects/pkg/audio"
)

// sender accepts outbound frames; *client.Session implements it.
type sender interface {
	Send(audio.Frame) error
}

// feed connects the microphone capture to the current session. Every attach
// restarts the capture, so a session starts at sequence 1 and never receives
// frames queued for its predecessor.
type feed struct {
	capture *audio.Capture
	wg      sync.WaitGroup
}

// attach stops the previous run, waits for its forwarder and starts a new
// run feeding s.
func (f *feed) attach(ctx context.Context, s sender) error {
	f.stop()
	if err := f.capture.Start(ctx); err != nil {
		return err
	}
	frames := f.capture.Frames()
	f.wg.Go(func() { forward(frames, s) })
	return nil
}

// stop ends the current run. The forwarder drains what is left to its own
// session, which discards it once closed.
func (f *feed) stop() {
	f.capture.Stop()
	f.wg.Wait()
	if err := f.capture.Err(); err != nil {
		slog.Error("capture stopped", "err", err)
	}
}

// forward sends frames to s until the channel closes.
func forward(frames <-chan audio.Frame, s sender) {
	for f := range frames {
		err := s.Send(f)
		switch {
		case err == nil, errors.Is(err, client.ErrNotConnected):
		case errors.Is(err, client.ErrSendQueueFull):
			slog.Debug("talker: send queue full, frame dropped", "seq", f.Sequence)
		default:
			slog.Warn("talker: send failed", "seq", f.Sequence, "err", err)
		}
	}
}
