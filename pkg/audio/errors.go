package audio

import "errors"

var (
	// ErrDeviceUnavailable is returned when the microphone or speaker cannot
	// be acquired.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrMalformedFrame marks a payload that cannot be decoded into PCM16.
	ErrMalformedFrame = errors.New("audio: malformed frame")

	// ErrAlreadyStarted is returned by Start on a running pipeline.
	ErrAlreadyStarted = errors.New("audio: already started")
)
